package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/concordhq/concord/pkg/protocol"
)

func approveVote(conf float64) protocol.MinimalVote {
	return protocol.NewMinimalVote("a", protocol.VoteApprove, conf, nil, "")
}

func rejectVote(conf float64) protocol.MinimalVote {
	return protocol.NewMinimalVote("a", protocol.VoteReject, conf, nil, "blocking")
}

func holdVote(conf float64) protocol.MinimalVote {
	return protocol.NewMinimalVote("a", protocol.VoteHold, conf, nil, "")
}

// Three confident approvals should clear the auto-commit threshold with a
// posterior approval probability of at least 0.95.
func TestEvaluateConfidentApprovalsAutoCommits(t *testing.T) {
	cfg := DefaultWaldConfig()
	votes := []protocol.MinimalVote{approveVote(0.95), approveVote(0.90), approveVote(0.85)}
	result := Evaluate(cfg, votes)
	assert.Equal(t, DecisionAutoCommit, result.Decision)
	assert.GreaterOrEqual(t, result.PiApprove, 0.95)
}

// Three confident rejections should fall to or below the reject threshold.
func TestEvaluateConfidentRejectionsReject(t *testing.T) {
	cfg := DefaultWaldConfig()
	votes := []protocol.MinimalVote{rejectVote(0.95), rejectVote(0.90), rejectVote(0.95)}
	result := Evaluate(cfg, votes)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.LessOrEqual(t, result.PiApprove, 0.30)
}

// A mixed, low-confidence panel lands in the inconclusive middle band.
func TestEvaluateMixedLowConfidenceHoldsForHuman(t *testing.T) {
	cfg := DefaultWaldConfig()
	votes := []protocol.MinimalVote{approveVote(0.60), holdVote(0.50), rejectVote(0.55)}
	result := Evaluate(cfg, votes)
	assert.Equal(t, DecisionHoldForHuman, result.Decision)
	assert.Greater(t, result.PiApprove, cfg.LowerLimit)
	assert.Less(t, result.PiApprove, cfg.UpperLimit)
}

func TestEvaluateEmptyVotesHoldsAtNeutralPosterior(t *testing.T) {
	result := Evaluate(DefaultWaldConfig(), nil)
	assert.Equal(t, DecisionHoldForHuman, result.Decision)
	assert.Equal(t, 0.5, result.PiApprove)
	assert.Equal(t, 0.5, result.PiReject)
}

func TestEvaluatePiApproveAndPiRejectSumToOne(t *testing.T) {
	votes := []protocol.MinimalVote{approveVote(0.8), rejectVote(0.6)}
	result := Evaluate(DefaultWaldConfig(), votes)
	assert.InDelta(t, 1.0, result.PiApprove+result.PiReject, 1e-9)
}

func TestSemanticEntropyUnanimousIsZero(t *testing.T) {
	votes := []protocol.MinimalVote{approveVote(0.9), approveVote(0.8)}
	assert.Equal(t, 0.0, GetSemanticEntropy(votes))
}

func TestSemanticEntropySplitIsMaximal(t *testing.T) {
	votes := []protocol.MinimalVote{approveVote(0.9), rejectVote(0.9)}
	assert.InDelta(t, 1.0, GetSemanticEntropy(votes), 0.0001)
}
