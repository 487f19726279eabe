package healing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/concord/pkg/event"
)

func TestLoopHealsOnFirstAttempt(t *testing.T) {
	calls := 0
	runner := func(ctx context.Context) (TestResult, error) {
		calls++
		if calls == 1 {
			return TestResult{Passed: 2, Failed: 1}, nil
		}
		return TestResult{Passed: 3, Failed: 0}, nil
	}
	strategy := func(ctx context.Context, failure TestResult) (string, error) { return "patched", nil }

	hub := event.NewHub()
	loop := NewLoop(3, runner, strategy, hub, "thread-1")
	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealed, report.Status)
	assert.Equal(t, 1, report.Iterations)
	assert.Equal(t, 1, report.InitialFailures)
}

func TestLoopNoOpWhenAlreadyPassing(t *testing.T) {
	runner := func(ctx context.Context) (TestResult, error) { return TestResult{Passed: 5, Failed: 0}, nil }
	strategy := func(ctx context.Context, failure TestResult) (string, error) {
		t.Fatal("strategy should not be invoked when tests already pass")
		return "", nil
	}
	loop := NewLoop(3, runner, strategy, nil, "t")
	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealed, report.Status)
	assert.Equal(t, 0, report.Iterations)
}

func TestLoopUnrecoverableAfterMaxAttempts(t *testing.T) {
	runner := func(ctx context.Context) (TestResult, error) { return TestResult{Passed: 0, Failed: 2}, nil }
	strategy := func(ctx context.Context, failure TestResult) (string, error) { return "attempted", nil }

	loop := NewLoop(2, runner, strategy, nil, "t")
	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusUnrecoverable, report.Status)
	assert.Equal(t, 2, report.Iterations)
	assert.Equal(t, 2, report.FinalFailures)
}

func TestLoopPartialWhenFailuresReducedButNotEliminated(t *testing.T) {
	calls := 0
	runner := func(ctx context.Context) (TestResult, error) {
		calls++
		if calls == 1 {
			return TestResult{Passed: 0, Failed: 10}, nil
		}
		return TestResult{Passed: 8, Failed: 2}, nil
	}
	strategy := func(ctx context.Context, failure TestResult) (string, error) { return "partial patch", nil }

	loop := NewLoop(1, runner, strategy, nil, "t")
	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, 10, report.InitialFailures)
	assert.Equal(t, 2, report.FinalFailures)
}

func TestClassifyThreeWaySplit(t *testing.T) {
	assert.Equal(t, StatusHealed, classify(5, 0))
	assert.Equal(t, StatusPartial, classify(10, 2))
	assert.Equal(t, StatusUnrecoverable, classify(10, 10))
}

func TestLoopRecordsStrategyError(t *testing.T) {
	runner := func(ctx context.Context) (TestResult, error) { return TestResult{Passed: 0, Failed: 1}, nil }
	strategy := func(ctx context.Context, failure TestResult) (string, error) {
		return "", errors.New("agent unavailable")
	}
	loop := NewLoop(1, runner, strategy, nil, "t")
	report, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusUnrecoverable, report.Status)
	assert.Equal(t, "agent unavailable", report.FinalError)
}

func TestDefaultResultParserPassedThenFailed(t *testing.T) {
	result, err := DefaultResultParser("Ran suite: 10 passed, 2 failed")
	require.NoError(t, err)
	assert.Equal(t, 10, result.Passed)
	assert.Equal(t, 2, result.Failed)
}

func TestDefaultResultParserFailedThenPassed(t *testing.T) {
	result, err := DefaultResultParser("2 failed, 10 passed")
	require.NoError(t, err)
	assert.Equal(t, 10, result.Passed)
	assert.Equal(t, 2, result.Failed)
}

func TestDefaultResultParserNoSummaryAssumesFailure(t *testing.T) {
	result, err := DefaultResultParser("panic: runtime error")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

func TestReinvokeCoderStrategyBuildsInstruction(t *testing.T) {
	var captured string
	executor := func(ctx context.Context, instruction string) (string, error) {
		captured = instruction
		return "done", nil
	}
	strategy := ReinvokeCoderStrategy(executor)
	out, err := strategy(context.Background(), TestResult{Failed: 3, Output: "boom"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Contains(t, captured, "3 failure")
	assert.Contains(t, captured, "boom")
}
