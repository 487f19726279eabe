package consensus

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/concordhq/concord/pkg/protocol"
)

// EscalationReason names why a shadow pass could not resolve on its own
// and had to escalate to the pro tier.
type EscalationReason string

const (
	EscalationNone          EscalationReason = ""
	EscalationTimeout       EscalationReason = "timeout"
	EscalationSecurityRisk  EscalationReason = "security_risk"
	EscalationSplitVote     EscalationReason = "split_vote"
	EscalationLowConfidence EscalationReason = "low_confidence"
)

// costSavedResolved/costSavedEscalated mirror the council's cost-accounting
// convention: a shadow pass that resolves on its own is credited with
// saving 90% of what a full pro-tier deliberation would have cost; one
// that escalates saves nothing, since the pro tier still has to run.
const (
	costSavedResolved  = 90.0
	costSavedEscalated = 0.0
)

// ShadowVoter casts a single cheap, shadow-tier vote. In production this
// wraps a cheap-model agent's Vote call.
type ShadowVoter func(ctx context.Context) (protocol.MinimalVote, error)

// ProVoter casts a single expensive, pro-tier vote once the shadow pass has
// escalated. It receives the shadow pass's summary as extra context, so the
// pro agent can weigh in on what the cheap tier already saw rather than
// starting from scratch.
type ProVoter func(ctx context.Context, shadowSummary string) (protocol.MinimalVote, error)

// ShadowConfig parameterizes the speculative pass: how confident the
// average shadow vote must be to resolve unanimously, and the full
// posterior test the pro tier falls back to on escalation.
type ShadowConfig struct {
	MinConfidence float64
	Wald          WaldConfig
}

// DefaultShadowConfig mirrors the council's standard speculative-tier
// settings: an average confidence below 0.7 forces escalation.
func DefaultShadowConfig() ShadowConfig {
	return ShadowConfig{MinConfidence: 0.7, Wald: DefaultWaldConfig()}
}

// ShadowResult carries the outcome of a speculative deliberation: either a
// resolved decision from the shadow tier alone, or an escalation reason
// plus the votes (shadow, and pro if it ran) that produced the final
// decision.
type ShadowResult struct {
	Decision         Decision
	Escalated        bool
	EscalationReason EscalationReason
	ShadowVotes      []protocol.MinimalVote
	ProVotes         []protocol.MinimalVote
	Summary          string
	CostSavedPercent float64
	Consensus        Result
}

// Deliberate runs every shadow voter concurrently and decides whether the
// shadow tier can resolve unanimously on its own. It never escalates to a
// pro tier itself; callers that want the full two-tier architecture should
// use DeliberateWithEscalation or Facilitator.Deliberate.
func Deliberate(ctx context.Context, cfg ShadowConfig, voters []ShadowVoter) (ShadowResult, error) {
	votes, err := collectVotes(ctx, voters)
	if err != nil {
		return ShadowResult{}, err
	}

	if reason := checkEscalation(cfg, votes); reason != EscalationNone {
		return ShadowResult{
			Escalated:        true,
			EscalationReason: reason,
			ShadowVotes:      votes,
			Summary:          summarizeShadowVotes(votes),
			CostSavedPercent: costSavedEscalated,
		}, nil
	}

	decision := determineUnanimousDecision(votes)
	return ShadowResult{
		Decision:         decision,
		ShadowVotes:      votes,
		Summary:          summarizeShadowVotes(votes),
		CostSavedPercent: costSavedResolved,
	}, nil
}

// DeliberateWithEscalation runs the shadow pass first; if it resolves
// unanimously, that decision stands and the (expensive) pro tier never
// runs. If it escalates, the pro voters run and a full posterior consensus
// test folds shadow and pro votes together into the final decision, giving
// the pro tier the shadow pass's summary as context rather than having it
// re-litigate from nothing.
func DeliberateWithEscalation(ctx context.Context, cfg ShadowConfig, shadowVoters []ShadowVoter, proVoters []ProVoter) (ShadowResult, error) {
	result, err := Deliberate(ctx, cfg, shadowVoters)
	if err != nil {
		return ShadowResult{}, err
	}
	if !result.Escalated || len(proVoters) == 0 {
		return result, nil
	}

	proVotes := make([]protocol.MinimalVote, len(proVoters))
	g, gctx := errgroup.WithContext(ctx)
	for i, voter := range proVoters {
		i, voter := i, voter
		g.Go(func() error {
			v, err := voter(gctx, result.Summary)
			if err != nil {
				return fmt.Errorf("consensus: pro voter %d: %w", i, err)
			}
			proVotes[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ShadowResult{}, err
	}

	combined := make([]protocol.MinimalVote, 0, len(result.ShadowVotes)+len(proVotes))
	combined = append(combined, result.ShadowVotes...)
	combined = append(combined, proVotes...)
	consensus := Evaluate(cfg.Wald, combined)

	result.ProVotes = proVotes
	result.Decision = consensus.Decision
	result.Consensus = consensus
	return result, nil
}

func collectVotes(ctx context.Context, voters []ShadowVoter) ([]protocol.MinimalVote, error) {
	votes := make([]protocol.MinimalVote, len(voters))
	g, gctx := errgroup.WithContext(ctx)
	for i, voter := range voters {
		i, voter := i, voter
		g.Go(func() error {
			v, err := voter(gctx)
			if err != nil {
				return fmt.Errorf("consensus: shadow voter %d: %w", i, err)
			}
			votes[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return votes, nil
}

// checkEscalation decides whether the shadow pass must hand off to the pro
// tier. Empty votes are checked first: every later check trivially passes
// on an empty slice (allAgree vacuously holds, an average over zero votes
// is undefined), so checking it last would silently resolve a timed-out
// pass instead of escalating it. Security risk outranks a plain split
// vote, which outranks low average confidence.
func checkEscalation(cfg ShadowConfig, votes []protocol.MinimalVote) EscalationReason {
	if len(votes) == 0 {
		return EscalationTimeout
	}
	for _, v := range votes {
		if v.HasRisk(protocol.RiskSecurity) {
			return EscalationSecurityRisk
		}
	}
	if !allAgree(votes) {
		return EscalationSplitVote
	}
	if averageConfidence(votes) < cfg.MinConfidence {
		return EscalationLowConfidence
	}
	return EscalationNone
}

func averageConfidence(votes []protocol.MinimalVote) float64 {
	if len(votes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range votes {
		sum += v.Confidence
	}
	return sum / float64(len(votes))
}

func allAgree(votes []protocol.MinimalVote) bool {
	if len(votes) == 0 {
		return true
	}
	first := votes[0].Vote.IsApprove()
	for _, v := range votes[1:] {
		if v.Vote.IsApprove() != first {
			return false
		}
	}
	return true
}

func determineUnanimousDecision(votes []protocol.MinimalVote) Decision {
	if len(votes) > 0 && votes[0].Vote.IsApprove() {
		return DecisionAutoCommit
	}
	return DecisionReject
}

// FacilitatorStats summarizes a Facilitator's deliberation history, mirroring
// the council's get_stats() introspection on its shadow facilitator.
type FacilitatorStats struct {
	Total     int
	Resolved  int
	Escalated int
}

// EscalationRate returns the fraction of deliberations that escalated to the
// pro tier, or 0 if none have run yet.
func (s FacilitatorStats) EscalationRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Escalated) / float64(s.Total)
}

// Facilitator wraps Deliberate/DeliberateWithEscalation with running
// counters, so long-lived callers (the orchestrator, the CLI's status
// output) can report how often the speculative tier resolves on its own
// versus escalating, and what that saved in aggregate.
type Facilitator struct {
	cfg ShadowConfig

	mu    sync.Mutex
	stats FacilitatorStats
}

// NewFacilitator returns a Facilitator that deliberates with cfg.
func NewFacilitator(cfg ShadowConfig) *Facilitator {
	return &Facilitator{cfg: cfg}
}

// Deliberate runs a shadow-only speculative pass and records its outcome
// in the facilitator's running stats.
func (f *Facilitator) Deliberate(ctx context.Context, voters []ShadowVoter) (ShadowResult, error) {
	result, err := Deliberate(ctx, f.cfg, voters)
	if err != nil {
		return result, err
	}
	f.record(result)
	return result, nil
}

// DeliberateWithEscalation runs the full two-tier pass (shadow, then pro on
// escalation) and records its outcome in the facilitator's running stats.
func (f *Facilitator) DeliberateWithEscalation(ctx context.Context, shadowVoters []ShadowVoter, proVoters []ProVoter) (ShadowResult, error) {
	result, err := DeliberateWithEscalation(ctx, f.cfg, shadowVoters, proVoters)
	if err != nil {
		return result, err
	}
	f.record(result)
	return result, nil
}

func (f *Facilitator) record(result ShadowResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Total++
	if result.Escalated {
		f.stats.Escalated++
	} else {
		f.stats.Resolved++
	}
}

// Stats returns a snapshot of the facilitator's deliberation history.
func (f *Facilitator) Stats() FacilitatorStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func summarizeShadowVotes(votes []protocol.MinimalVote) string {
	approve, reject := 0, 0
	for _, v := range votes {
		if v.Vote.IsApprove() {
			approve++
		} else {
			reject++
		}
	}
	return fmt.Sprintf("%d approve, %d reject out of %d shadow votes", approve, reject, len(votes))
}
