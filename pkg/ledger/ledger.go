// Package ledger maintains the dual-ledger state (task facts and
// iteration progress) an orchestrator consults to decide whether to
// continue, replan, or declare the run stuck.
package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// IterationStatus classifies the outcome of a single orchestrator
// iteration. The set is closed: every recorded iteration lands in exactly
// one of these four buckets.
type IterationStatus string

const (
	IterationProgress  IterationStatus = "PROGRESS"
	IterationStagnant  IterationStatus = "STAGNANT"
	IterationBlocked   IterationStatus = "BLOCKED"
	IterationCompleted IterationStatus = "COMPLETED"
)

// IterationRecord captures what happened during one orchestrator iteration.
type IterationRecord struct {
	Iteration int             `json:"iteration"`
	Status    IterationStatus `json:"status"`
	Action    string          `json:"action"`
	Result    string          `json:"result"`
	Timestamp time.Time       `json:"timestamp"`
}

// maxFactKeyLen is how much of a resolved query is kept as the key of the
// fact ResolveQuery records, mirroring the council's resolved:<prefix>
// convention for keeping ledger dumps compact.
const maxFactKeyLen = 30

// TaskLedger holds everything known about the task being executed: its
// goal, the facts discovered so far, open and resolved questions, the
// current plan, and anything carried over from a prior attempt at the same
// goal. It is the "what do we know" side of the dual ledger.
type TaskLedger struct {
	mu                 sync.RWMutex
	TaskID             string
	Goal               string
	KnownFacts         map[string]any
	PendingQueries     []string
	PendingConclusions []string
	InitialPlan        []string
	Plan               []string
	ExperienceHints    []string
	CreatedAt          time.Time
}

// NewTaskLedger creates a TaskLedger for the given task ID and goal.
func NewTaskLedger(taskID, goal string) *TaskLedger {
	return &TaskLedger{
		TaskID:     taskID,
		Goal:       goal,
		KnownFacts: make(map[string]any),
		CreatedAt:  time.Now(),
	}
}

// SetGoal replaces the ledger's goal under lock, for callers that learn it
// after construction (e.g. Run(ctx, goal) setting it on a ledger created
// with an empty goal).
func (t *TaskLedger) SetGoal(goal string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Goal = goal
}

// AddFact records key/value as a known fact, last-write-wins: a later call
// with the same key overwrites the earlier value rather than appending.
func (t *TaskLedger) AddFact(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.KnownFacts == nil {
		t.KnownFacts = make(map[string]any)
	}
	t.KnownFacts[key] = value
}

// AddQuery records an open question that must be resolved before the plan
// can be considered complete. Duplicate queries are ignored.
func (t *TaskLedger) AddQuery(query string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.PendingQueries {
		if q == query {
			return
		}
	}
	t.PendingQueries = append(t.PendingQueries, query)
}

// ResolveQuery removes query from the pending list and records its answer
// as a known fact under a resolved:<query prefix> key, so a resolved query
// is never simultaneously pending and untracked: it moves from one ledger
// section to the other in a single call.
func (t *TaskLedger) ResolveQuery(query string, result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, q := range t.PendingQueries {
		if q == query {
			t.PendingQueries = append(t.PendingQueries[:i], t.PendingQueries[i+1:]...)
			break
		}
	}
	key := query
	if len(key) > maxFactKeyLen {
		key = key[:maxFactKeyLen]
	}
	if t.KnownFacts == nil {
		t.KnownFacts = make(map[string]any)
	}
	t.KnownFacts[fmt.Sprintf("resolved:%s", key)] = result
}

// AddConclusion records a pending conclusion the orchestrator has reached
// but not yet acted on. Duplicate conclusions are ignored.
func (t *TaskLedger) AddConclusion(conclusion string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.PendingConclusions {
		if c == conclusion {
			return
		}
	}
	t.PendingConclusions = append(t.PendingConclusions, conclusion)
}

// AddHint records an experience hint carried over from a prior attempt at
// this goal (e.g. "replanned once already, the coder role struggled with
// the db migration step"). Duplicate hints are ignored.
func (t *TaskLedger) AddHint(hint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.ExperienceHints {
		if h == hint {
			return
		}
	}
	t.ExperienceHints = append(t.ExperienceHints, hint)
}

// SetPlan replaces the current plan (used after an initial plan or a
// replan triggered by stagnation). The first plan set also seeds
// InitialPlan, so later replans don't lose track of where the run started.
func (t *TaskLedger) SetPlan(plan []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.InitialPlan == nil {
		t.InitialPlan = append([]string(nil), plan...)
	}
	t.Plan = plan
}

// ToContext renders a deterministic text dump of the ledger's state,
// suitable for injecting into an agent prompt. Known facts are sorted by
// key so the same ledger state always produces the same context string.
func (t *TaskLedger) ToContext() string {
	snap := t.Snapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "goal: %s\n", snap.Goal)
	if len(snap.KnownFacts) > 0 {
		keys := make([]string, 0, len(snap.KnownFacts))
		for k := range snap.KnownFacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("known facts:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, snap.KnownFacts[k])
		}
	}
	if len(snap.PendingQueries) > 0 {
		sb.WriteString("pending queries:\n")
		for _, q := range snap.PendingQueries {
			fmt.Fprintf(&sb, "  - %s\n", q)
		}
	}
	if len(snap.PendingConclusions) > 0 {
		sb.WriteString("pending conclusions:\n")
		for _, c := range snap.PendingConclusions {
			fmt.Fprintf(&sb, "  - %s\n", c)
		}
	}
	if len(snap.ExperienceHints) > 0 {
		sb.WriteString("experience hints:\n")
		for _, h := range snap.ExperienceHints {
			fmt.Fprintf(&sb, "  - %s\n", h)
		}
	}
	return sb.String()
}

// Snapshot returns a point-in-time copy safe to read without holding locks.
func (t *TaskLedger) Snapshot() TaskLedgerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	facts := make(map[string]any, len(t.KnownFacts))
	for k, v := range t.KnownFacts {
		facts[k] = v
	}
	return TaskLedgerSnapshot{
		TaskID:             t.TaskID,
		Goal:               t.Goal,
		KnownFacts:         facts,
		PendingQueries:     append([]string(nil), t.PendingQueries...),
		PendingConclusions: append([]string(nil), t.PendingConclusions...),
		InitialPlan:        append([]string(nil), t.InitialPlan...),
		Plan:               append([]string(nil), t.Plan...),
		ExperienceHints:    append([]string(nil), t.ExperienceHints...),
		CreatedAt:          t.CreatedAt,
	}
}

// TaskLedgerSnapshot is an immutable copy of a TaskLedger's state.
type TaskLedgerSnapshot struct {
	TaskID             string
	Goal               string
	KnownFacts         map[string]any
	PendingQueries     []string
	PendingConclusions []string
	InitialPlan        []string
	Plan               []string
	ExperienceHints    []string
	CreatedAt          time.Time
}

// DefaultMaxStagnation mirrors the council's standard stagnation budget:
// three non-progress iterations in a row before a replan is warranted.
const DefaultMaxStagnation = 3

// ProgressLedger tracks iteration history and a running stagnation
// counter: should_replan is purely stagnationCount >= maxStagnation,
// decoupled from whether the stalled iterations share an identical result
// (that's a separate, informational loop-detection signal, see Reflect).
type ProgressLedger struct {
	mu              sync.RWMutex
	iterations      []IterationRecord
	stagnationCount int
	maxStagnation   int
	isCompleted     bool
}

// NewProgressLedger creates an empty ProgressLedger. maxStagnation <= 0
// uses DefaultMaxStagnation.
func NewProgressLedger(maxStagnation int) *ProgressLedger {
	if maxStagnation <= 0 {
		maxStagnation = DefaultMaxStagnation
	}
	return &ProgressLedger{maxStagnation: maxStagnation}
}

func (p *ProgressLedger) append(status IterationStatus, action, result string) IterationRecord {
	rec := IterationRecord{
		Iteration: len(p.iterations) + 1,
		Status:    status,
		Action:    action,
		Result:    result,
		Timestamp: time.Now(),
	}
	p.iterations = append(p.iterations, rec)
	return rec
}

// RecordIteration records a boolean progress/no-progress outcome: progress
// resets the stagnation counter and yields a PROGRESS record; no progress
// increments the counter and yields STAGNANT.
func (p *ProgressLedger) RecordIteration(progress bool, action, result string) IterationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := IterationStagnant
	if progress {
		status = IterationProgress
		p.stagnationCount = 0
	} else {
		p.stagnationCount++
	}
	p.append(status, action, result)
	return status
}

// RecordBlocked records an iteration that could not even attempt progress
// (a dependency failure, an agent error) rather than one that tried and
// produced no change. It still counts toward the stagnation budget: three
// blocked iterations in a row warrant a replan just as much as three
// stagnant ones do.
func (p *ProgressLedger) RecordBlocked(action, result string) IterationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stagnationCount++
	p.append(IterationBlocked, action, result)
	return IterationBlocked
}

// RecordCompleted records the terminal iteration of a successful run and
// resets the stagnation counter, mirroring how a PROGRESS record does.
func (p *ProgressLedger) RecordCompleted(action, result string) IterationStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stagnationCount = 0
	p.isCompleted = true
	p.append(IterationCompleted, action, result)
	return IterationCompleted
}

// Iterations returns a copy of all recorded iterations.
func (p *ProgressLedger) Iterations() []IterationRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]IterationRecord(nil), p.iterations...)
}

// StagnationCount returns the current run of consecutive non-progress
// iterations (STAGNANT or BLOCKED).
func (p *ProgressLedger) StagnationCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stagnationCount
}

// ShouldReplan reports whether the stagnation counter has reached the
// configured maximum: a pure threshold check, independent of whether the
// stagnant iterations' results look alike.
func (p *ProgressLedger) ShouldReplan() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stagnationCount >= p.maxStagnation
}

// ResetStagnation clears the stagnation counter without touching history,
// for callers that want to give a fresh plan a clean slate.
func (p *ProgressLedger) ResetStagnation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stagnationCount = 0
}

// MarkCompleted flags the ledger as done, independent of any particular
// iteration record.
func (p *ProgressLedger) MarkCompleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isCompleted = true
}

// IsCompleted reports whether the ledger has been marked done.
func (p *ProgressLedger) IsCompleted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isCompleted
}

// loopWindow is how many trailing STAGNANT iterations with an identical
// result count as "stuck in a loop" for Reflect's informational signal.
const loopWindow = 3

// inLoop reports whether the trailing loopWindow iterations are all
// STAGNANT with the same result string. This is deliberately independent
// of ShouldReplan/stagnationCount: a BLOCKED run of distinct errors
// replans on the counter alone without ever tripping this flag.
func inLoop(iterations []IterationRecord) bool {
	if len(iterations) < loopWindow {
		return false
	}
	window := iterations[len(iterations)-loopWindow:]
	first := window[0]
	if first.Status != IterationStagnant {
		return false
	}
	for _, rec := range window[1:] {
		if rec.Status != IterationStagnant || rec.Result != first.Result {
			return false
		}
	}
	return true
}

// Reflection is a snapshot of the progress ledger's self-assessment,
// suitable for injecting into an agent prompt or a replanning decision.
type Reflection struct {
	TaskCompleted   bool
	InLoop          bool
	Stagnant        bool
	StagnationCount int
	ShouldReplan    bool
	TotalIterations int
	LastAction      string
}

// Reflect summarizes the progress ledger's current state.
func (p *ProgressLedger) Reflect() Reflection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var lastAction string
	if n := len(p.iterations); n > 0 {
		lastAction = p.iterations[n-1].Action
	}
	return Reflection{
		TaskCompleted:   p.isCompleted,
		InLoop:          inLoop(p.iterations),
		Stagnant:        p.stagnationCount > 0,
		StagnationCount: p.stagnationCount,
		ShouldReplan:    p.stagnationCount >= p.maxStagnation,
		TotalIterations: len(p.iterations),
		LastAction:      lastAction,
	}
}

// DualLedger combines the task-facts ledger and the iteration-progress
// ledger, and is what orchestrator components depend on directly.
type DualLedger struct {
	Task     *TaskLedger
	Progress *ProgressLedger
}

// NewDualLedger creates a DualLedger for the given goal, using the default
// stagnation budget.
func NewDualLedger(goal string) *DualLedger {
	return &DualLedger{
		Task:     NewTaskLedger("", goal),
		Progress: NewProgressLedger(DefaultMaxStagnation),
	}
}

// NewDualLedgerWithBudget creates a DualLedger with an explicit task ID and
// stagnation budget, for callers resuming a prior run or tuning how
// aggressively it replans.
func NewDualLedgerWithBudget(taskID, goal string, maxStagnation int) *DualLedger {
	return &DualLedger{
		Task:     NewTaskLedger(taskID, goal),
		Progress: NewProgressLedger(maxStagnation),
	}
}

// ShouldReplan reports whether accumulated stagnation warrants abandoning
// the current plan for a new one.
func (d *DualLedger) ShouldReplan() bool {
	return d.Progress.ShouldReplan()
}

// GetFullContext renders both halves of the ledger as a single prompt-
// ready text block.
func (d *DualLedger) GetFullContext() string {
	refl := d.Progress.Reflect()
	return fmt.Sprintf("%s\nprogress: %d iterations, stagnation_count=%d, in_loop=%v, should_replan=%v\n",
		d.Task.ToContext(), refl.TotalIterations, refl.StagnationCount, refl.InLoop, refl.ShouldReplan)
}
