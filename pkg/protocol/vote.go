// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the structured, low-token wire format agents use
// to exchange votes and think-results instead of free-form natural language.
package protocol

import "fmt"

// VoteDecision is the integer-coded vote a reviewing agent casts on a
// proposal. Integer coding keeps structured-output payloads small.
type VoteDecision int

const (
	VoteReject VoteDecision = iota
	VoteApprove
	VoteApproveWithChanges
	VoteHold
)

// String renders the legacy string form used by pre-protocol callers.
func (v VoteDecision) String() string {
	switch v {
	case VoteReject:
		return "reject"
	case VoteApprove:
		return "approve"
	case VoteApproveWithChanges:
		return "approve_with_changes"
	case VoteHold:
		return "hold"
	default:
		return "unknown"
	}
}

// VoteDecisionFromLegacy maps a legacy string decision onto the integer enum.
func VoteDecisionFromLegacy(s string) (VoteDecision, error) {
	switch s {
	case "reject":
		return VoteReject, nil
	case "approve":
		return VoteApprove, nil
	case "approve_with_changes":
		return VoteApproveWithChanges, nil
	case "hold":
		return VoteHold, nil
	default:
		return VoteHold, fmt.Errorf("protocol: unknown legacy vote decision %q", s)
	}
}

// IsApprove reports whether the decision counts as an approval for consensus
// purposes (APPROVE and APPROVE_WITH_CHANGES both count).
func (v VoteDecision) IsApprove() bool {
	return v == VoteApprove || v == VoteApproveWithChanges
}

// RiskCategory is a closed tag set an agent attaches to a vote to flag a
// concern category. Kept as short strings so they are cheap to emit.
type RiskCategory string

const (
	RiskSecurity    RiskCategory = "sec"
	RiskPerformance RiskCategory = "perf"
	RiskMaintenance RiskCategory = "maint"
	RiskArchitecture RiskCategory = "arch"
	RiskData        RiskCategory = "data"
	RiskNone        RiskCategory = "none"
)

// MinimalVote is the structured form a voting agent emits. blocking_reason is
// capped at 100 characters per the wire contract.
type MinimalVote struct {
	Vote            VoteDecision   `json:"vote"`
	Confidence      float64        `json:"confidence"`
	Risks           []RiskCategory `json:"risks,omitempty"`
	BlockingReason  string         `json:"blocking_reason,omitempty"`
	Agent           string         `json:"agent,omitempty"`
}

const maxBlockingReasonLen = 100

// NewMinimalVote constructs a MinimalVote, clamping confidence to [0,1],
// rounding it to two decimals, and truncating the blocking reason.
func NewMinimalVote(agent string, vote VoteDecision, confidence float64, risks []RiskCategory, blockingReason string) MinimalVote {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	confidence = roundTo2(confidence)
	if len(blockingReason) > maxBlockingReasonLen {
		blockingReason = blockingReason[:maxBlockingReasonLen]
	}
	return MinimalVote{
		Agent:          agent,
		Vote:           vote,
		Confidence:     confidence,
		Risks:          risks,
		BlockingReason: blockingReason,
	}
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// HasRisk reports whether the vote carries the given risk category.
func (v MinimalVote) HasRisk(cat RiskCategory) bool {
	for _, r := range v.Risks {
		if r == cat {
			return true
		}
	}
	return false
}

// ToLegacy converts a MinimalVote to the pre-protocol Vote shape consumed by
// legacy callers (rationale mirrors blocking_reason).
type LegacyVote struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func (v MinimalVote) ToLegacy() LegacyVote {
	return LegacyVote{
		Decision:   v.Vote.String(),
		Confidence: v.Confidence,
		Rationale:  v.BlockingReason,
	}
}

// MinimalThinkResult is the structured form an agent emits from a "think"
// call: a short summary plus bounded concern/suggestion lists.
type MinimalThinkResult struct {
	Summary     string   `json:"summary"`
	Concerns    []string `json:"concerns,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Confidence  float64  `json:"confidence"`
	Perspective string   `json:"perspective,omitempty"`
}

const (
	maxSummaryLen = 200
	maxListItems  = 5
	maxItemLen    = 50
)

// NewMinimalThinkResult truncates summary/concerns/suggestions to the wire
// limits so agents can't blow past the zero-waste protocol budget.
func NewMinimalThinkResult(summary string, concerns, suggestions []string, confidence float64, perspective string) MinimalThinkResult {
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return MinimalThinkResult{
		Summary:     summary,
		Concerns:    truncateList(concerns),
		Suggestions: truncateList(suggestions),
		Confidence:  confidence,
		Perspective: perspective,
	}
}

func truncateList(items []string) []string {
	if len(items) > maxListItems {
		items = items[:maxListItems]
	}
	out := make([]string, len(items))
	for i, s := range items {
		if len(s) > maxItemLen {
			s = s[:maxItemLen]
		}
		out[i] = s
	}
	return out
}
