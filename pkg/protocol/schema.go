package protocol

import "github.com/concordhq/concord/pkg/llm"

// VoteSchema is the explicit JSON Schema a structured-completion call uses
// to constrain an agent's vote response to the MinimalVote shape.
func VoteSchema() llm.Schema {
	return llm.Schema{
		"type": "object",
		"properties": map[string]any{
			"vote": map[string]any{
				"type": "integer",
				"enum": []int{int(VoteReject), int(VoteApprove), int(VoteApproveWithChanges), int(VoteHold)},
			},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"risks": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"blocking_reason": map[string]any{
				"type":      "string",
				"maxLength": maxBlockingReasonLen,
			},
		},
		"required":             []string{"vote", "confidence"},
		"additionalProperties": false,
	}
}

// ThinkResultSchema is the explicit JSON Schema constraining an agent's
// think-call response to the MinimalThinkResult shape.
func ThinkResultSchema() llm.Schema {
	return llm.Schema{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":      "string",
				"maxLength": maxSummaryLen,
			},
			"concerns": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string", "maxLength": maxItemLen},
				"maxItems": maxListItems,
			},
			"suggestions": map[string]any{
				"type":     "array",
				"items":    map[string]any{"type": "string", "maxLength": maxItemLen},
				"maxItems": maxListItems,
			},
			"confidence": map[string]any{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"perspective": map[string]any{
				"type": "string",
			},
		},
		"required":             []string{"summary", "confidence"},
		"additionalProperties": false,
	}
}
