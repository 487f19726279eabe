package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/concord/pkg/protocol"
)

func voterReturning(v protocol.MinimalVote) ShadowVoter {
	return func(ctx context.Context) (protocol.MinimalVote, error) { return v, nil }
}

func proVoterReturning(v protocol.MinimalVote) ProVoter {
	return func(ctx context.Context, shadowSummary string) (protocol.MinimalVote, error) { return v, nil }
}

func TestDeliberateUnanimousApproveResolves(t *testing.T) {
	cfg := DefaultShadowConfig()
	voters := []ShadowVoter{
		voterReturning(approveVote(0.9)),
		voterReturning(approveVote(0.95)),
		voterReturning(approveVote(0.8)),
	}
	result, err := Deliberate(context.Background(), cfg, voters)
	require.NoError(t, err)
	assert.False(t, result.Escalated)
	assert.Equal(t, DecisionAutoCommit, result.Decision)
	assert.Equal(t, costSavedResolved, result.CostSavedPercent)
}

func TestDeliberateSplitVoteEscalates(t *testing.T) {
	cfg := DefaultShadowConfig()
	voters := []ShadowVoter{voterReturning(approveVote(0.9)), voterReturning(rejectVote(0.9))}
	result, err := Deliberate(context.Background(), cfg, voters)
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Equal(t, EscalationSplitVote, result.EscalationReason)
	assert.Equal(t, costSavedEscalated, result.CostSavedPercent)
}

func TestDeliberateLowAverageConfidenceEscalates(t *testing.T) {
	cfg := DefaultShadowConfig()
	voters := []ShadowVoter{voterReturning(approveVote(0.4)), voterReturning(approveVote(0.5))}
	result, err := Deliberate(context.Background(), cfg, voters)
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Equal(t, EscalationLowConfidence, result.EscalationReason)
}

func TestDeliberateBorderlineAverageConfidenceResolves(t *testing.T) {
	// Average confidence sitting exactly at MinConfidence should resolve,
	// not escalate: the threshold is a strict less-than.
	cfg := DefaultShadowConfig()
	voters := []ShadowVoter{voterReturning(approveVote(0.5)), voterReturning(approveVote(0.9))}
	result, err := Deliberate(context.Background(), cfg, voters)
	require.NoError(t, err)
	assert.False(t, result.Escalated)
}

func TestDeliberateSecurityRiskAlwaysEscalates(t *testing.T) {
	cfg := DefaultShadowConfig()
	risky := protocol.NewMinimalVote("a", protocol.VoteApprove, 0.95, []protocol.RiskCategory{protocol.RiskSecurity}, "")
	voters := []ShadowVoter{voterReturning(risky), voterReturning(approveVote(0.95))}
	result, err := Deliberate(context.Background(), cfg, voters)
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Equal(t, EscalationSecurityRisk, result.EscalationReason)
}

func TestDeliberateNoVotersTimesOut(t *testing.T) {
	cfg := DefaultShadowConfig()
	result, err := Deliberate(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Equal(t, EscalationTimeout, result.EscalationReason)
}

func TestDeliberatePropagatesVoterError(t *testing.T) {
	cfg := DefaultShadowConfig()
	voters := []ShadowVoter{
		func(ctx context.Context) (protocol.MinimalVote, error) { return protocol.MinimalVote{}, assert.AnError },
	}
	_, err := Deliberate(context.Background(), cfg, voters)
	require.Error(t, err)
}

func TestDeliberateWithEscalationSkipsProTierWhenShadowResolves(t *testing.T) {
	cfg := DefaultShadowConfig()
	shadowVoters := []ShadowVoter{voterReturning(approveVote(0.9)), voterReturning(approveVote(0.95))}
	proVoters := []ProVoter{proVoterReturning(rejectVote(0.99))}
	result, err := DeliberateWithEscalation(context.Background(), cfg, shadowVoters, proVoters)
	require.NoError(t, err)
	assert.False(t, result.Escalated)
	assert.Equal(t, DecisionAutoCommit, result.Decision)
	assert.Empty(t, result.ProVotes)
}

func TestDeliberateWithEscalationRunsProTierOnEscalation(t *testing.T) {
	cfg := DefaultShadowConfig()
	shadowVoters := []ShadowVoter{voterReturning(approveVote(0.9)), voterReturning(rejectVote(0.9))}
	proVoters := []ProVoter{proVoterReturning(approveVote(0.95)), proVoterReturning(approveVote(0.9))}
	result, err := DeliberateWithEscalation(context.Background(), cfg, shadowVoters, proVoters)
	require.NoError(t, err)
	assert.True(t, result.Escalated)
	assert.Equal(t, EscalationSplitVote, result.EscalationReason)
	assert.Len(t, result.ProVotes, 2)
	assert.Equal(t, DecisionAutoCommit, result.Decision)
}

func TestFacilitatorTracksResolvedAndEscalated(t *testing.T) {
	f := NewFacilitator(DefaultShadowConfig())

	_, err := f.Deliberate(context.Background(), []ShadowVoter{voterReturning(approveVote(0.9)), voterReturning(approveVote(0.95))})
	require.NoError(t, err)
	_, err = f.Deliberate(context.Background(), []ShadowVoter{voterReturning(approveVote(0.9)), voterReturning(rejectVote(0.9))})
	require.NoError(t, err)

	stats := f.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 1, stats.Escalated)
	assert.InDelta(t, 0.5, stats.EscalationRate(), 0.001)
}
