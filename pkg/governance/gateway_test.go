package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/concord/pkg/consensus"
)

func TestCheckSafetyDetectsRecursiveDelete(t *testing.T) {
	risk, reasons := CheckSafety("run rm -rf / now", "")
	assert.Equal(t, RiskCritical, risk)
	assert.NotEmpty(t, reasons)
}

func TestCheckSafetyCleanContentIsLowRisk(t *testing.T) {
	risk, reasons := CheckSafety("add a helper function", "")
	assert.Equal(t, RiskLow, risk)
	assert.Empty(t, reasons)
}

func TestCheckSafetyProtectedPath(t *testing.T) {
	risk, reasons := CheckSafety("update config", "production.env")
	assert.Equal(t, RiskHigh, risk)
	assert.NotEmpty(t, reasons)
}

func TestCheckSafetyProtectedNestedPath(t *testing.T) {
	risk, _ := CheckSafety("rotate creds", "deploy/secrets/token.txt")
	assert.Equal(t, RiskHigh, risk)
}

func TestRequiresApprovalEscalatesWithBaseline(t *testing.T) {
	needs, risk, _ := RequiresApproval(ActionExternalAPI, "git push --force origin main", "")
	assert.True(t, needs)
	assert.Equal(t, RiskHigh, risk)
}

func TestRequiresApprovalLowRiskWriteDoesNotNeedIt(t *testing.T) {
	needs, risk, _ := RequiresApproval(ActionFileModify, "add comment", "notes.md")
	assert.False(t, needs)
	assert.Equal(t, RiskLow, risk)
}

func TestRequiresApprovalActionBaselineCritical(t *testing.T) {
	needs, risk, _ := RequiresApproval(ActionDeploy, "roll out release", "")
	assert.True(t, needs)
	assert.Equal(t, RiskCritical, risk)
}

func TestRequiresApprovalFileDeleteBaselineHigh(t *testing.T) {
	needs, risk, _ := RequiresApproval(ActionFileDelete, "remove stale report", "reports/old.csv")
	assert.True(t, needs)
	assert.Equal(t, RiskHigh, risk)
}

func TestRequiresApprovalConfigChangeBaselineMediumDoesNotNeedIt(t *testing.T) {
	needs, risk, _ := RequiresApproval(ActionConfigChange, "bump timeout", "")
	assert.False(t, needs)
	assert.Equal(t, RiskMedium, risk)
}

func TestCheckSafetyDeleteWithoutWhereIsCritical(t *testing.T) {
	risk, reasons := CheckSafety("DELETE FROM users;", "")
	assert.Equal(t, RiskCritical, risk)
	assert.NotEmpty(t, reasons)
}

func TestCheckSafetyDeleteWithWhereIsNotFlagged(t *testing.T) {
	risk, _ := CheckSafety("DELETE FROM users WHERE id = 1;", "")
	assert.Equal(t, RiskLow, risk)
}

func TestCheckSafetyEvalIsHigh(t *testing.T) {
	risk, _ := CheckSafety("result = eval(user_input)", "")
	assert.Equal(t, RiskHigh, risk)
}

func TestCheckSafetyUnlinkIsMedium(t *testing.T) {
	risk, _ := CheckSafety("os.remove(path)", "")
	assert.Equal(t, RiskMedium, risk)
}

func TestCheckSafetyDeployPathIsHigh(t *testing.T) {
	risk, _ := CheckSafety("update manifest", "deploy/production/manifest.yaml")
	assert.Equal(t, RiskHigh, risk)
}

func TestCheckSafetyKeyFileIsHigh(t *testing.T) {
	risk, _ := CheckSafety("rotate cert", "certs/server.key")
	assert.Equal(t, RiskHigh, risk)
}

func TestAutoApproveWithCouncilApprovesOnAutoCommitNonCriticalRisk(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("t", "a", "action", "x", RiskHigh, nil)
	resolved, err := g.AutoApproveWithCouncil(req, consensus.DecisionAutoCommit)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, resolved.Status)
}

func TestAutoApproveWithCouncilRefusesOnCriticalRiskEvenWithAutoCommit(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("t", "a", "action", "x", RiskCritical, nil)
	_, err := g.AutoApproveWithCouncil(req, consensus.DecisionAutoCommit)
	require.ErrorIs(t, err, ErrConsensusInsufficientForAutoApproval)
}

func TestAutoApproveWithCouncilRefusesWithoutAutoCommit(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("t", "a", "action", "x", RiskMedium, nil)
	_, err := g.AutoApproveWithCouncil(req, consensus.DecisionHoldForHuman)
	require.ErrorIs(t, err, ErrConsensusInsufficientForAutoApproval)
}

func TestRequiresDecisionApprovalDeploy(t *testing.T) {
	needs, risk := RequiresDecisionApproval(DecisionDeploy)
	assert.True(t, needs)
	assert.Equal(t, RiskHigh, risk)
}

func TestGatewayCreateAndApprove(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("thread-1", "coder-1", "action", "push to main", RiskHigh, []string{"force push"})
	assert.Equal(t, ApprovalPending, req.Status)

	resolved, err := g.Approve(req.ID, "human-1")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, resolved.Status)
}

func TestGatewayRejectUnknownRequest(t *testing.T) {
	g := NewGateway(3)
	_, err := g.Reject("REQ-nonexistent", "human-1")
	require.ErrorIs(t, err, ErrRequestNotFound)
}

func TestGatewayResolveTwiceFails(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("t", "a", "action", "x", RiskMedium, nil)
	_, err := g.Approve(req.ID, "human-1")
	require.NoError(t, err)
	_, err = g.Reject(req.ID, "human-1")
	require.ErrorIs(t, err, ErrRequestAlreadyResolved)
}

func TestGatewayWaitForApprovalAsyncReturnsInterrupt(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("t", "a", "action", "x", RiskMedium, nil)
	_, err := g.WaitForApproval(context.Background(), req, true)
	var hi *HumanInterrupt
	require.ErrorAs(t, err, &hi)
}

func TestGatewayWaitForApprovalResolvesSynchronously(t *testing.T) {
	g := NewGateway(3)
	req := g.CreateApprovalRequest("t", "a", "action", "x", RiskMedium, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = g.Approve(req.ID, "human-1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resolved, err := g.WaitForApproval(ctx, req, false)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, resolved.Status)
}

func TestGatewayCircuitBreakerTripsAfterLimit(t *testing.T) {
	g := NewGateway(2)
	g.RecordAgentFailure("coder-1")
	assert.False(t, g.IsCircuitOpen("coder-1"))
	g.RecordAgentFailure("coder-1")
	assert.True(t, g.IsCircuitOpen("coder-1"))
}

func TestGatewayCircuitBreakerResets(t *testing.T) {
	g := NewGateway(1)
	g.RecordAgentFailure("coder-1")
	require.True(t, g.IsCircuitOpen("coder-1"))
	g.ResetCircuit("coder-1")
	assert.False(t, g.IsCircuitOpen("coder-1"))
}

func TestGatewaySuccessResetsFailureCount(t *testing.T) {
	g := NewGateway(2)
	g.RecordAgentFailure("coder-1")
	g.RecordAgentSuccess("coder-1")
	g.RecordAgentFailure("coder-1")
	assert.False(t, g.IsCircuitOpen("coder-1"))
}

func TestGatewayStatsTracksResolution(t *testing.T) {
	g := NewGateway(3)
	r1 := g.CreateApprovalRequest("t", "a", "action", "x", RiskMedium, nil)
	r2 := g.CreateApprovalRequest("t", "a", "action", "y", RiskHigh, nil)
	g.CreateApprovalRequest("t", "a", "action", "z", RiskLow, nil)

	_, err := g.Approve(r1.ID, "human-1")
	require.NoError(t, err)
	_, err = g.Reject(r2.ID, "human-1")
	require.NoError(t, err)

	stats := g.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Rejected)
	assert.InDelta(t, 2.0/3.0, stats.ResolutionRate(), 0.001)
}

func TestRequiresDecisionApprovalSecurityException(t *testing.T) {
	needs, risk := RequiresDecisionApproval(DecisionSecurityException)
	assert.True(t, needs)
	assert.Equal(t, RiskCritical, risk)
}
