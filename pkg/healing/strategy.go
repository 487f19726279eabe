package healing

import (
	"context"
	"fmt"
)

// AgentExecutor performs work described by an instruction and returns its
// output, matching agent.Agent.Execute's shape without importing pkg/agent
// (which would create an import cycle, since orchestrator wires both).
type AgentExecutor func(ctx context.Context, instruction string) (string, error)

// ReinvokeCoderStrategy builds a FixStrategy that re-invokes a coding
// agent with the failing test output, asking it to produce a fix.
func ReinvokeCoderStrategy(execute AgentExecutor) FixStrategy {
	return func(ctx context.Context, failure TestResult) (string, error) {
		instruction := fmt.Sprintf(
			"The test suite is failing with %d failure(s). Output:\n%s\n\nFix the failing tests.",
			failure.Failed, failure.Output,
		)
		output, err := execute(ctx, instruction)
		if err != nil {
			return "", fmt.Errorf("healing: reinvoke coder: %w", err)
		}
		return output, nil
	}
}
