// Package healing implements the self-healing loop that reruns tests
// after a fix attempt, re-invoking a fix strategy up to a bounded number
// of times before surfacing the run as unrecoverable.
package healing

import (
	"context"
	"fmt"
	"time"

	"github.com/concordhq/concord/pkg/event"
)

// Status is the terminal outcome of a healing loop.
type Status string

const (
	StatusHealed        Status = "healed"
	StatusPartial       Status = "partial"
	StatusUnrecoverable Status = "unrecoverable"
)

// TestResult is the outcome of one test run.
type TestResult struct {
	Passed int
	Failed int
	Output string
}

// AllPassing reports whether the run had zero failures. A run with no
// tests at all also counts as passing.
func (r TestResult) AllPassing() bool {
	return r.Failed == 0
}

// TestRunner executes the project's test suite and parses its output.
type TestRunner func(ctx context.Context) (TestResult, error)

// FixStrategy attempts to address a failing test result, returning a
// human-readable description of what it changed.
type FixStrategy func(ctx context.Context, failure TestResult) (string, error)

// Report summarizes a completed healing loop.
type Report struct {
	Status          Status
	Iterations      int
	InitialFailures int
	FinalFailures   int
	FinalError      string
}

// DefaultMaxAttempts mirrors the council's standard healing budget: three
// fix attempts before giving up and reporting the run as partial or
// unrecoverable.
const DefaultMaxAttempts = 3

// Loop re-runs tests and, on failure, invokes strategy to attempt a fix,
// up to maxAttempts times. It publishes TestPassed/TestFailed/Healing*
// events on hub as it goes so the orchestrator's progress ledger observes
// the same signal a human watching the run would.
type Loop struct {
	maxAttempts int
	runTests    TestRunner
	strategy    FixStrategy
	hub         *event.Hub
	threadID    string
}

// NewLoop constructs a Loop. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewLoop(maxAttempts int, runTests TestRunner, strategy FixStrategy, hub *event.Hub, threadID string) *Loop {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Loop{maxAttempts: maxAttempts, runTests: runTests, strategy: strategy, hub: hub, threadID: threadID}
}

func (l *Loop) publish(typ event.Type, data map[string]any) {
	if l.hub == nil {
		return
	}
	_ = l.hub.Publish(event.New(typ, l.threadID, "healing", data))
}

// Run executes the healing loop against the current test state. It always
// runs the tests at least once before attempting any fix.
func (l *Loop) Run(ctx context.Context) (Report, error) {
	l.publish(event.TypeHealingStarted, nil)

	result, err := l.runTests(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("healing: initial test run: %w", err)
	}
	initialFailures := result.Failed
	if result.AllPassing() {
		l.publish(event.TypeTestPassed, map[string]any{"action": "run tests", "result": "all passing", "passed": result.Passed})
		return Report{Status: StatusHealed, Iterations: 0, InitialFailures: 0, FinalFailures: 0}, nil
	}
	l.publish(event.TypeTestFailed, map[string]any{"action": "run tests", "result": fmt.Sprintf("%d failing", result.Failed), "failed": result.Failed})

	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Report{}, ctx.Err()
		default:
		}

		description, err := l.strategy(ctx, result)
		l.publish(event.TypeHealingAttempt, map[string]any{"attempt": attempt, "description": description})
		if err != nil {
			lastErr = err
			continue
		}

		result, err = l.runTests(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if result.AllPassing() {
			l.publish(event.TypeTestPassed, map[string]any{"action": "run tests", "result": "all passing", "passed": result.Passed})
			l.publish(event.TypeHealingCompleted, map[string]any{"status": StatusHealed, "iterations": attempt})
			return Report{
				Status:          StatusHealed,
				Iterations:      attempt,
				InitialFailures: initialFailures,
				FinalFailures:   0,
			}, nil
		}
		l.publish(event.TypeTestFailed, map[string]any{"action": "run tests", "result": fmt.Sprintf("%d failing", result.Failed), "failed": result.Failed})
		lastErr = nil
	}

	finalErrMsg := ""
	if lastErr != nil {
		finalErrMsg = lastErr.Error()
	}
	status := classify(initialFailures, result.Failed)
	report := Report{
		Status:          status,
		Iterations:      l.maxAttempts,
		InitialFailures: initialFailures,
		FinalFailures:   result.Failed,
		FinalError:      finalErrMsg,
	}
	l.publish(event.TypeHealingCompleted, map[string]any{"status": status, "iterations": l.maxAttempts})
	return report, nil
}

// classify applies the healing loop's three-way terminal classification:
// SUCCESS (StatusHealed) iff the run ends with zero failures, PARTIAL iff
// it cut the failure count without eliminating it, FAILED
// (StatusUnrecoverable) iff it made no net progress at all.
func classify(initialFailures, finalFailures int) Status {
	switch {
	case finalFailures == 0:
		return StatusHealed
	case finalFailures < initialFailures:
		return StatusPartial
	default:
		return StatusUnrecoverable
	}
}

// DeadlineRunner wraps a TestRunner with a per-run timeout, matching how
// a shelled-out test command is usually bounded in practice.
func DeadlineRunner(inner TestRunner, timeout time.Duration) TestRunner {
	return func(ctx context.Context) (TestResult, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return inner(ctx)
	}
}
