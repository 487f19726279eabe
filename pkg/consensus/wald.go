// Package consensus implements the two consensus strategies a council run
// chooses between: a full confidence-weighted sequential test over all
// votes, and a cheaper shadow/speculative pass that only escalates to the
// full test when it cannot resolve unanimously on its own.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/concordhq/concord/pkg/protocol"
)

// Decision is the terminal outcome a consensus evaluation produces.
type Decision string

const (
	DecisionAutoCommit   Decision = "AUTO_COMMIT"
	DecisionReject       Decision = "REJECT"
	DecisionHoldForHuman Decision = "HOLD_FOR_HUMAN"
)

// WaldConfig parameterizes the posterior-probability consensus test:
// UpperLimit/LowerLimit are the approval-probability thresholds that
// auto-commit or reject the work, and PriorApprove is the probability of
// approval assumed before any vote is seen.
type WaldConfig struct {
	UpperLimit   float64
	LowerLimit   float64
	PriorApprove float64
}

// DefaultWaldConfig mirrors the council's standard consensus thresholds:
// auto-commit once the posterior approval probability clears 95%, reject
// once it falls to 30% or below, starting from a 70% prior.
func DefaultWaldConfig() WaldConfig {
	return WaldConfig{UpperLimit: 0.95, LowerLimit: 0.30, PriorApprove: 0.70}
}

// minLikelihood floors a vote's conditional likelihood so that a single
// extreme vote can never drive the running product all the way to zero.
const minLikelihood = 0.01

// voteLogLikelihood returns one vote's contribution to the running
// log-likelihood ratio: log(p(vote|approve) / p(vote|reject)), with the
// vote's own confidence standing in for p(vote|its own side).
func voteLogLikelihood(v protocol.MinimalVote) float64 {
	c := v.Confidence
	var pGivenApprove, pGivenReject float64
	if v.Vote.IsApprove() {
		pGivenApprove = math.Max(c, minLikelihood)
		pGivenReject = math.Max(1-c, minLikelihood)
	} else {
		pGivenApprove = math.Max(1-c, minLikelihood)
		pGivenReject = math.Max(c, minLikelihood)
	}
	return math.Log(pGivenApprove / pGivenReject)
}

// maxExponent bounds the log-likelihood sum fed to math.Exp so a long run
// of extreme votes overflows to a large-but-finite ratio instead of +Inf.
const maxExponent = 700

func clampExponent(llr float64) float64 {
	if llr > maxExponent {
		return maxExponent
	}
	if llr < -maxExponent {
		return -maxExponent
	}
	return llr
}

// Result is the ConsensusResult one evaluation produces: the decision plus
// the posterior evidence behind it.
type Result struct {
	Decision        Decision
	PiApprove       float64
	PiReject        float64
	LikelihoodRatio float64
	VotesSummary    string
	Reason          string
	VotesConsidered int
	SemanticEntropy float64
}

// Evaluate folds every vote's confidence into a single posterior
// probability of approval (a confidence-weighted log-likelihood sum
// against cfg.PriorApprove) and decides AUTO_COMMIT, REJECT, or
// HOLD_FOR_HUMAN against cfg's thresholds. An empty vote set holds for a
// human at a neutral 0.5 posterior rather than guessing.
func Evaluate(cfg WaldConfig, votes []protocol.MinimalVote) Result {
	if cfg.PriorApprove <= 0 || cfg.PriorApprove >= 1 {
		cfg.PriorApprove = DefaultWaldConfig().PriorApprove
	}
	if cfg.UpperLimit == 0 {
		cfg.UpperLimit = DefaultWaldConfig().UpperLimit
	}
	if cfg.LowerLimit == 0 {
		cfg.LowerLimit = DefaultWaldConfig().LowerLimit
	}

	if len(votes) == 0 {
		return Result{
			Decision:  DecisionHoldForHuman,
			PiApprove: 0.5,
			PiReject:  0.5,
			Reason:    "no votes cast",
		}
	}

	var llr float64
	for _, v := range votes {
		llr += voteLogLikelihood(v)
	}
	lr := math.Exp(clampExponent(llr))

	prior := cfg.PriorApprove
	piApprove := (prior * lr) / (prior*lr + (1 - prior))
	piReject := 1 - piApprove

	result := Result{
		PiApprove:       piApprove,
		PiReject:        piReject,
		LikelihoodRatio: lr,
		VotesSummary:    summarizeVotes(votes),
		VotesConsidered: len(votes),
		SemanticEntropy: semanticEntropy(votes),
	}

	switch {
	case piApprove >= cfg.UpperLimit:
		result.Decision = DecisionAutoCommit
		result.Reason = fmt.Sprintf("posterior approval %.4f at or above upper limit %.2f", piApprove, cfg.UpperLimit)
	case piApprove <= cfg.LowerLimit:
		result.Decision = DecisionReject
		result.Reason = fmt.Sprintf("posterior approval %.4f at or below lower limit %.2f", piApprove, cfg.LowerLimit)
	default:
		result.Decision = DecisionHoldForHuman
		result.Reason = fmt.Sprintf("posterior approval %.4f inconclusive between %.2f and %.2f", piApprove, cfg.LowerLimit, cfg.UpperLimit)
	}
	return result
}

func summarizeVotes(votes []protocol.MinimalVote) string {
	counts := make(map[string]int, 4)
	for _, v := range votes {
		counts[v.Vote.String()]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}

// semanticEntropy is a simple measure of disagreement among votes: the
// normalized entropy of the approve/reject split, in [0,1], 0 meaning
// unanimous and 1 meaning a maximally even split.
func semanticEntropy(votes []protocol.MinimalVote) float64 {
	if len(votes) == 0 {
		return 0
	}
	var approve int
	for _, v := range votes {
		if v.Vote.IsApprove() {
			approve++
		}
	}
	n := float64(len(votes))
	p := float64(approve) / n
	if p == 0 || p == 1 {
		return 0
	}
	h := -(p*math.Log2(p) + (1-p)*math.Log2(1-p))
	return h // already in [0,1] for a binary split
}

// GetSemanticEntropy exposes the entropy calculation directly for callers
// that want it without a full Evaluate (e.g. governance risk scoring).
func GetSemanticEntropy(votes []protocol.MinimalVote) float64 {
	return semanticEntropy(votes)
}
