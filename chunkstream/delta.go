package chunkstream

import "encoding/json"

// DeltaType identifies the kind of semantic delta.
type DeltaType string

const (
	DeltaContent            DeltaType = "content"
	DeltaToolCallStart      DeltaType = "tool-call-start"
	DeltaToolCallDelta      DeltaType = "tool-call-delta"
	DeltaToolCall           DeltaType = "tool-call"
	DeltaToolResult         DeltaType = "tool-result"
	DeltaReasoning          DeltaType = "reasoning"
	DeltaReasoningSignature DeltaType = "reasoning-signature"
	DeltaRedactedReasoning  DeltaType = "redacted-reasoning"
	DeltaUsage              DeltaType = "usage"
	DeltaError              DeltaType = "error"
	DeltaComplete           DeltaType = "complete"
)

// ToolCallPayload describes a tool invocation carried by a delta.
type ToolCallPayload struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallDeltaPayload describes a streamed tool-argument fragment.
type ToolCallDeltaPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

// ToolResultPayload describes a validated tool result.
type ToolResultPayload struct {
	ID string `json:"id"`
	// IsValid reports whether the result passed validation. Results for
	// unregistered tool call IDs pass through with IsValid=true and
	// validation skipped.
	IsValid bool `json:"isValid"`
	// Result is the validated (or passed-through) result payload.
	Result json.RawMessage `json:"result,omitempty"`
	// Reason explains an invalid classification. Empty when valid.
	Reason string `json:"reason,omitempty"`
}

// Delta is the normalized, semantically typed event produced from a chunk.
// Consumers render deltas once, in the order produced.
type Delta struct {
	Type DeltaType `json:"type"`

	// Content is the text fragment for content deltas.
	Content string `json:"content,omitempty"`

	ToolCall      *ToolCallPayload      `json:"toolCall,omitempty"`
	ToolCallDelta *ToolCallDeltaPayload `json:"toolCallDelta,omitempty"`
	ToolResult    *ToolResultPayload    `json:"toolResult,omitempty"`

	Reasoning          string `json:"reasoning,omitempty"`
	ReasoningSignature string `json:"reasoningSignature,omitempty"`
	RedactedReasoning  string `json:"redactedReasoning,omitempty"`

	Usage *Usage `json:"usage,omitempty"`

	// FinishReason is set on complete and error deltas.
	FinishReason string `json:"finishReason,omitempty"`
	// Model identifies the model that produced the turn, set on complete.
	Model string `json:"model,omitempty"`
	// Error is the stringified provider error for error deltas.
	Error string `json:"error,omitempty"`
}

// ContentDelta creates a content Delta.
func ContentDelta(text string) Delta {
	return Delta{Type: DeltaContent, Content: text}
}

// ReasoningDelta creates a reasoning Delta.
func ReasoningDelta(text string) Delta {
	return Delta{Type: DeltaReasoning, Reasoning: text}
}

// ErrorDelta creates a terminal error Delta with finishReason "error".
func ErrorDelta(message string) Delta {
	return Delta{Type: DeltaError, Error: message, FinishReason: "error"}
}
