package healing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunnerParsesOutput(t *testing.T) {
	runner := CommandRunner("", "echo", []string{"4 passed, 1 failed"}, nil)
	result, err := runner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Passed)
	assert.Equal(t, 1, result.Failed)
}

func TestCommandRunnerNonZeroExitWithoutSummaryCountsAsFailure(t *testing.T) {
	runner := CommandRunner("", "false", nil, nil)
	result, err := runner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}
