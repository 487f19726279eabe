// Package orchestrator implements the council's EPCC (Explore-Plan-Code-
// Check) state machine: the top-level loop that drives a task from intake
// through analysis, planning, coding, testing, review/healing, to a
// terminal outcome, wiring together the event hub, dual ledger, agent
// registry, delegation manager, consensus strategies, governance gateway,
// and checkpoint store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/concordhq/concord/pkg/agent"
	"github.com/concordhq/concord/pkg/checkpoint"
	"github.com/concordhq/concord/pkg/consensus"
	"github.com/concordhq/concord/pkg/delegation"
	"github.com/concordhq/concord/pkg/event"
	"github.com/concordhq/concord/pkg/governance"
	"github.com/concordhq/concord/pkg/healing"
	"github.com/concordhq/concord/pkg/ledger"
	"github.com/concordhq/concord/pkg/protocol"
)

// State is one node of the EPCC state machine.
type State string

const (
	StateAnalyzing     State = "ANALYZING"
	StateExploring     State = "EXPLORING"
	StatePlanning      State = "PLANNING"
	StateCoding        State = "CODING"
	StateTesting       State = "TESTING"
	StateReviewing     State = "REVIEWING"
	StateHealing       State = "HEALING"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateHumanRequired State = "HUMAN_REQUIRED"
)

func (s State) isTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateHumanRequired
}

// Plan is the structured output of the planning state: an ordered list of
// sub-tasks to execute.
type Plan struct {
	Goal     string
	SubTasks []SubTask
}

// SubTask is one unit of work within a Plan, assigned to an agent role.
type SubTask struct {
	Description string
	AssignedTo  string
	Done        bool
}

// Config bounds a single orchestrator run.
type Config struct {
	MaxIterations int
	ThreadID      string
	ShadowEnabled bool
	Wald          consensus.WaldConfig
	Shadow        consensus.ShadowConfig
}

// Deps are the collaborators a StateMachine wires together. All fields are
// required except CheckpointStore and HealingLoop, which are optional
// (a run can skip checkpointing or healing entirely).
type Deps struct {
	Hub             *event.Hub
	Ledger          *ledger.DualLedger
	Agents          *agent.Registry
	Delegation      *delegation.Manager
	Governance      *governance.Gateway
	CheckpointStore checkpoint.Store
	HealingLoop     *healing.Loop
}

// StateMachine drives one council run through the EPCC pipeline.
type StateMachine struct {
	cfg         Config
	deps        Deps
	state       State
	plan        Plan
	facilitator *consensus.Facilitator
}

// New constructs a StateMachine ready to Run. If deps.Hub and deps.Ledger
// are both set, the hub's ledger projection is wired up so events published
// during the run (fact discovery, query resolution, test outcomes) update
// the same ledger the state machine consults for replanning decisions.
func New(cfg Config, deps Deps) *StateMachine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 25
	}
	if deps.Hub != nil && deps.Ledger != nil {
		deps.Hub.AttachLedger(deps.Ledger)
	}
	return &StateMachine{
		cfg:         cfg,
		deps:        deps,
		state:       StateAnalyzing,
		facilitator: consensus.NewFacilitator(cfg.Shadow),
	}
}

// ShadowStats returns the running speculative-consensus statistics for this
// run: how often the shadow tier resolved on its own versus escalated.
func (m *StateMachine) ShadowStats() consensus.FacilitatorStats {
	return m.facilitator.Stats()
}

// State returns the machine's current state.
func (m *StateMachine) State() State { return m.state }

// Plan returns the machine's current plan.
func (m *StateMachine) Plan() Plan { return m.plan }

func (m *StateMachine) publish(typ event.Type, data map[string]any) {
	if m.deps.Hub == nil {
		return
	}
	_ = m.deps.Hub.Publish(event.New(typ, m.cfg.ThreadID, string(m.state), data))
}

func (m *StateMachine) transition(to State) {
	m.publish(event.TypeStateTransition, map[string]any{"from": string(m.state), "to": string(to)})
	slog.Info("orchestrator: state transition", "thread_id", m.cfg.ThreadID, "from", m.state, "to", to)
	m.state = to
}

// Run drives the state machine from its current state to a terminal
// state, checkpointing after every iteration if a store is configured.
func (m *StateMachine) Run(ctx context.Context, goal string) (State, error) {
	m.deps.Ledger.Task.SetGoal(goal)
	m.publish(event.TypeTaskStarted, map[string]any{"goal": goal})

	for i := 0; i < m.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return m.state, err
		}

		outcome, action, result, err := m.step(ctx)
		if err != nil {
			m.publish(event.TypeTaskFailed, map[string]any{"error": err.Error()})
			m.transition(StateFailed)
			return m.state, err
		}
		m.recordIteration(outcome, action, result)

		m.checkpointIfConfigured(ctx, i)

		if m.state.isTerminal() {
			break
		}
		if m.deps.Ledger.ShouldReplan() {
			m.deps.Ledger.Task.SetPlan(nil)
			m.transition(StatePlanning)
		}
	}

	if !m.state.isTerminal() {
		m.transition(StateHumanRequired)
	}
	if m.state == StateCompleted {
		m.publish(event.TypeTaskCompleted, nil)
	}
	return m.state, nil
}

// recordIteration maps a state handler's reported outcome onto the matching
// progress-ledger call, so the stagnation counter the replanning decision
// reads from only ever moves through RecordIteration/RecordBlocked/
// RecordCompleted — never a direct field write.
func (m *StateMachine) recordIteration(outcome ledger.IterationStatus, action, result string) {
	switch outcome {
	case ledger.IterationBlocked:
		m.deps.Ledger.Progress.RecordBlocked(action, result)
	case ledger.IterationCompleted:
		m.deps.Ledger.Progress.RecordCompleted(action, result)
	case ledger.IterationStagnant:
		m.deps.Ledger.Progress.RecordIteration(false, action, result)
	default:
		m.deps.Ledger.Progress.RecordIteration(true, action, result)
	}
}

func (m *StateMachine) checkpointIfConfigured(ctx context.Context, step int) {
	if m.deps.CheckpointStore == nil {
		return
	}
	cp, err := checkpoint.Marshal(m.cfg.ThreadID, step, m.snapshot())
	if err != nil {
		slog.Warn("orchestrator: failed to marshal checkpoint", "error", err)
		return
	}
	if err := m.deps.CheckpointStore.Save(ctx, cp); err != nil {
		slog.Warn("orchestrator: failed to save checkpoint", "error", err)
		return
	}
	m.publish(event.TypeCheckpointSaved, map[string]any{"step": step})
}

// snapshot captures just enough state to resume a run from a checkpoint:
// current state and plan. Agent/ledger/delegation history rebuild from
// hub/ledger persistence handled separately by the caller.
type snapshotState struct {
	State State `json:"state"`
	Plan  Plan  `json:"plan"`
}

func (m *StateMachine) snapshot() snapshotState {
	return snapshotState{State: m.state, Plan: m.plan}
}

// Restore resumes a StateMachine from a previously saved snapshot.
func Restore(cfg Config, deps Deps, cp checkpoint.Checkpoint) (*StateMachine, error) {
	var snap snapshotState
	if err := cp.Unmarshal(&snap); err != nil {
		return nil, fmt.Errorf("orchestrator: restore: %w", err)
	}
	m := New(cfg, deps)
	m.state = snap.State
	m.plan = snap.Plan
	return m, nil
}

// step executes the logic for the machine's current state. It returns the
// iteration outcome to record in the progress ledger (action/result are the
// short human-readable pair recordIteration attaches to that outcome) and
// an error only for failures severe enough to end the run outright.
func (m *StateMachine) step(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	switch m.state {
	case StateAnalyzing:
		return m.runAnalyzing(ctx)
	case StateExploring:
		return m.runExploring(ctx)
	case StatePlanning:
		return m.runPlanning(ctx)
	case StateCoding:
		return m.runCoding(ctx)
	case StateTesting:
		return m.runTesting(ctx)
	case StateReviewing:
		return m.runReviewing(ctx)
	case StateHealing:
		return m.runHealing(ctx)
	default:
		return ledger.IterationBlocked, "", "", fmt.Errorf("orchestrator: no handler for state %s", m.state)
	}
}

func (m *StateMachine) runAnalyzing(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "analyze goal"
	orch, ok := m.deps.Agents.Get("orchestrator")
	if !ok {
		m.transition(StateExploring)
		return ledger.IterationProgress, action, "no orchestrator agent configured, proceeding to exploration", nil
	}
	result, err := orch.Think(ctx, fmt.Sprintf("Analyze this goal and decide if more exploration is needed: %s", m.deps.Ledger.Task.Goal))
	if err != nil {
		return 0, "", "", err
	}
	for _, c := range result.Concerns {
		m.deps.Ledger.Task.AddQuery(c)
	}
	m.transition(StateExploring)
	return ledger.IterationProgress, action, result.Summary, nil
}

func (m *StateMachine) runExploring(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "explore queries"
	researchers := m.deps.Agents.WithCapability("research")
	for _, r := range researchers {
		for _, q := range m.deps.Ledger.Task.Snapshot().PendingQueries {
			answer, err := r.Execute(ctx, q)
			if err != nil {
				continue
			}
			// ResolveQuery already records the answer as a known fact, so
			// there is no separate AddFact call here.
			m.deps.Ledger.Task.ResolveQuery(q, answer)
		}
	}
	m.transition(StatePlanning)
	return ledger.IterationProgress, action, "exploration complete", nil
}

func (m *StateMachine) runPlanning(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "produce plan"
	planner, ok := m.deps.Agents.Get("planner")
	if !ok {
		return 0, "", "", fmt.Errorf("orchestrator: no planner agent registered")
	}
	result, err := planner.Think(ctx, fmt.Sprintf("Produce a plan for: %s", m.deps.Ledger.Task.Goal))
	if err != nil {
		return 0, "", "", err
	}

	subtasks := make([]SubTask, 0, len(result.Suggestions))
	for _, s := range result.Suggestions {
		subtasks = append(subtasks, SubTask{Description: s, AssignedTo: "coder"})
	}
	m.plan = Plan{Goal: m.deps.Ledger.Task.Goal, SubTasks: subtasks}
	m.deps.Ledger.Task.SetPlan(result.Suggestions)
	m.publish(event.TypePlanCreated, map[string]any{"subtasks": len(subtasks)})

	if len(subtasks) == 0 {
		m.transition(StateFailed)
		return ledger.IterationBlocked, action, "planner produced an empty plan", nil
	}
	m.transition(StateCoding)
	return ledger.IterationProgress, action, fmt.Sprintf("plan created with %d subtasks", len(subtasks)), nil
}

func (m *StateMachine) runCoding(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "code subtask"
	coder, ok := m.deps.Agents.Get("coder")
	if !ok {
		return 0, "", "", fmt.Errorf("orchestrator: no coder agent registered")
	}

	if m.deps.Governance != nil && m.deps.Governance.IsCircuitOpen(coder.Name()) {
		m.publish(event.TypeApprovalRequested, map[string]any{"reason": "circuit breaker open", "agent": coder.Name()})
		m.transition(StateHumanRequired)
		return ledger.IterationBlocked, action, fmt.Sprintf("circuit breaker open for agent %q, escalating to a human", coder.Name()), nil
	}

	var completed int
	for i := range m.plan.SubTasks {
		st := &m.plan.SubTasks[i]
		if st.Done {
			completed++
			continue
		}

		if m.deps.Governance != nil {
			if needs, risk, reasons := governance.RequiresApproval(governance.ActionFileModify, st.Description, ""); needs {
				req := m.deps.Governance.CreateApprovalRequest(m.cfg.ThreadID, coder.Name(), "action", st.Description, risk, reasons)
				m.publish(event.TypeApprovalRequested, map[string]any{"request_id": req.ID, "risk": string(risk), "subtask": st.Description})
				m.transition(StateHumanRequired)
				return ledger.IterationBlocked, action, fmt.Sprintf("subtask %q requires human approval (risk=%s)", st.Description, risk), nil
			}
		}

		m.publish(event.TypeSubtaskStarted, map[string]any{"description": st.Description})
		_, err := coder.Execute(ctx, st.Description)
		if err != nil {
			if m.deps.Governance != nil {
				m.deps.Governance.RecordAgentFailure(coder.Name())
			}
			m.publish(event.TypeSubtaskFailed, map[string]any{"description": st.Description, "error": err.Error()})
			return 0, "", "", fmt.Errorf("orchestrator: subtask %q: %w", st.Description, err)
		}
		if m.deps.Governance != nil {
			m.deps.Governance.RecordAgentSuccess(coder.Name())
		}
		st.Done = true
		completed++
		m.publish(event.TypeSubtaskCompleted, map[string]any{"description": st.Description})
		break // one subtask per iteration, matching the dual-ledger's per-iteration granularity
	}

	if completed >= len(m.plan.SubTasks) {
		m.transition(StateTesting)
		return ledger.IterationProgress, action, "all subtasks coded", nil
	}
	return ledger.IterationProgress, action, fmt.Sprintf("%d/%d subtasks coded", completed, len(m.plan.SubTasks)), nil
}

func (m *StateMachine) runTesting(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "run tests"
	if m.deps.HealingLoop == nil {
		m.transition(StateReviewing)
		return ledger.IterationProgress, action, "no healing loop configured, skipping to review", nil
	}
	m.transition(StateHealing)
	return ledger.IterationProgress, action, "dispatching to self-healing loop", nil
}

// runHealing always hands control to REVIEWING once the healing loop has
// run its course — healed, partially healed, or unrecoverable alike. A
// council still in review is the one place that decides whether a healing
// loop's outcome is good enough to ship or needs to escalate to a human;
// HEALING itself never jumps straight to HUMAN_REQUIRED.
func (m *StateMachine) runHealing(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "self-heal"
	if m.deps.HealingLoop == nil {
		m.transition(StateReviewing)
		return ledger.IterationProgress, action, "no healing loop configured, skipping to review", nil
	}
	report, err := m.deps.HealingLoop.Run(ctx)
	if err != nil {
		return 0, "", "", err
	}
	m.transition(StateReviewing)
	switch report.Status {
	case healing.StatusHealed:
		return ledger.IterationProgress, action, "tests passing", nil
	case healing.StatusPartial:
		return ledger.IterationStagnant, action, fmt.Sprintf("tests partially healed after %d attempts (%d failures remain)", report.Iterations, report.FinalFailures), nil
	default:
		return ledger.IterationBlocked, action, fmt.Sprintf("tests still failing after %d healing attempts, handing off to review", report.Iterations), nil
	}
}

func (m *StateMachine) runReviewing(ctx context.Context) (ledger.IterationStatus, string, string, error) {
	const action = "review"
	reviewers := m.deps.Agents.WithCapability("review")
	if len(reviewers) == 0 {
		m.transition(StateCompleted)
		return ledger.IterationCompleted, action, "no reviewers configured, auto-completing", nil
	}

	shadowVoters := make([]consensus.ShadowVoter, len(reviewers))
	for i, r := range reviewers {
		r := r
		shadowVoters[i] = func(ctx context.Context) (protocol.MinimalVote, error) {
			return r.Vote(ctx, fmt.Sprintf("Review the completed work for: %s", m.deps.Ledger.Task.Goal))
		}
	}

	proReviewers := m.deps.Agents.WithCapability("review_pro")
	proVoters := make([]consensus.ProVoter, len(proReviewers))
	for i, r := range proReviewers {
		r := r
		proVoters[i] = func(ctx context.Context, shadowSummary string) (protocol.MinimalVote, error) {
			return r.Vote(ctx, fmt.Sprintf("Review the completed work for: %s\n\nThe shadow tier's pass: %s", m.deps.Ledger.Task.Goal, shadowSummary))
		}
	}

	result, err := m.decide(ctx, shadowVoters, proVoters)
	if err != nil {
		return 0, "", "", err
	}
	for _, v := range result.ShadowVotes {
		m.publish(event.TypeVoteCast, map[string]any{"agent": v.Agent, "vote": v.Vote.String(), "tier": "shadow"})
	}
	for _, v := range result.ProVotes {
		m.publish(event.TypeVoteCast, map[string]any{"agent": v.Agent, "vote": v.Vote.String(), "tier": "pro"})
	}
	if result.Escalated {
		m.publish(event.TypeConsensusEscalated, map[string]any{"reason": string(result.EscalationReason)})
	}

	switch result.Decision {
	case consensus.DecisionAutoCommit:
		m.publish(event.TypeConsensusReached, map[string]any{"decision": string(result.Decision), "cost_saved_percent": result.CostSavedPercent})
		m.transition(StateCompleted)
		return ledger.IterationCompleted, action, "council reached consensus to commit", nil
	case consensus.DecisionReject:
		m.publish(event.TypeConsensusReached, map[string]any{"decision": string(result.Decision), "cost_saved_percent": result.CostSavedPercent})
		m.transition(StateCoding)
		return ledger.IterationStagnant, action, "council rejected the work, returning to coding", nil
	case consensus.DecisionHoldForHuman:
		m.publish(event.TypeApprovalRequested, map[string]any{"reason": "split council vote"})
		m.transition(StateHumanRequired)
		return ledger.IterationBlocked, action, "council could not reach consensus, escalating to a human", nil
	default:
		return ledger.IterationProgress, action, "awaiting further review votes", nil
	}
}

// decide runs the council's review vote through the speculative shadow/pro
// pipeline when the run has shadow consensus enabled, or straight through a
// one-shot full evaluation of every reviewer's vote when it doesn't.
func (m *StateMachine) decide(ctx context.Context, shadowVoters []consensus.ShadowVoter, proVoters []consensus.ProVoter) (consensus.ShadowResult, error) {
	if !m.cfg.ShadowEnabled {
		return m.decideWithoutShadow(ctx, shadowVoters, proVoters)
	}
	return m.facilitator.DeliberateWithEscalation(ctx, shadowVoters, proVoters)
}

// decideWithoutShadow evaluates every reviewer's vote directly (shadow and
// pro tier alike), skipping the speculative split for runs that disable it.
func (m *StateMachine) decideWithoutShadow(ctx context.Context, shadowVoters []consensus.ShadowVoter, proVoters []consensus.ProVoter) (consensus.ShadowResult, error) {
	votes := make([]protocol.MinimalVote, 0, len(shadowVoters)+len(proVoters))
	for _, voter := range shadowVoters {
		v, err := voter(ctx)
		if err != nil {
			return consensus.ShadowResult{}, err
		}
		votes = append(votes, v)
	}
	for _, voter := range proVoters {
		v, err := voter(ctx, "")
		if err != nil {
			return consensus.ShadowResult{}, err
		}
		votes = append(votes, v)
	}
	result := consensus.Evaluate(m.cfg.Wald, votes)
	return consensus.ShadowResult{
		Decision:    result.Decision,
		ShadowVotes: votes,
		Summary:     result.Reason,
		Consensus:   result,
	}, nil
}
