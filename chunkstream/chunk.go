package chunkstream

import (
	"encoding/json"
	"fmt"
)

// ChunkType is the discriminator tag for StreamChunk.
type ChunkType string

const (
	ChunkTextDelta              ChunkType = "text-delta"
	ChunkToolCallStreamingStart ChunkType = "tool-call-streaming-start"
	ChunkToolCallDelta          ChunkType = "tool-call-delta"
	ChunkToolCall               ChunkType = "tool-call"
	ChunkToolResult             ChunkType = "tool-result"
	ChunkReasoning              ChunkType = "reasoning"
	ChunkReasoningSignature     ChunkType = "reasoning-signature"
	ChunkRedactedReasoning      ChunkType = "redacted-reasoning"
	ChunkFinish                 ChunkType = "finish"
	ChunkError                  ChunkType = "error"
)

// Usage tracks token consumption reported by the provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StreamChunk is one atomic unit from a provider's incremental output
// transport. Exactly the fields relevant to Type are populated.
type StreamChunk struct {
	Type ChunkType `json:"type"`

	// TextDelta carries the text fragment for text-delta and reasoning chunks.
	TextDelta string `json:"textDelta,omitempty"`

	// ToolCallID correlates tool lifecycle chunks within a turn.
	ToolCallID string `json:"toolCallId,omitempty"`
	// ToolName identifies the tool for tool-call chunks.
	ToolName string `json:"toolName,omitempty"`
	// ArgsTextDelta is a partial JSON fragment of the tool arguments.
	// Fragments are not guaranteed to be valid JSON on their own.
	ArgsTextDelta string `json:"argsTextDelta,omitempty"`
	// Args holds the complete tool arguments for tool-call chunks.
	Args json.RawMessage `json:"args,omitempty"`
	// Result holds the raw tool result for tool-result chunks.
	Result json.RawMessage `json:"result,omitempty"`

	// Signature carries the provider attestation for reasoning-signature chunks.
	Signature string `json:"signature,omitempty"`
	// Data carries the opaque payload of redacted-reasoning chunks.
	Data string `json:"data,omitempty"`

	// FinishReason and Usage are populated on finish chunks.
	FinishReason string `json:"finishReason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// Error is the stringified provider error for error chunks.
	Error string `json:"error,omitempty"`
}

// DecodeChunk parses a raw transport payload into a StreamChunk. It fails
// closed: unknown type tags and chunks missing their required fields are
// rejected here, at the transport boundary, so downstream consumers only
// ever see well-formed chunks.
func DecodeChunk(data []byte) (StreamChunk, error) {
	var c StreamChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return StreamChunk{}, &DecodeError{StreamError: StreamError{Message: "malformed chunk", Cause: err}}
	}
	if c.Type == "" {
		return StreamChunk{}, &DecodeError{StreamError: StreamError{Message: "missing type discriminant"}}
	}
	if err := c.validate(); err != nil {
		return StreamChunk{}, &DecodeError{
			StreamError: StreamError{Message: err.Error()},
			ChunkType:   string(c.Type),
		}
	}
	return c, nil
}

// validate enforces the per-type required fields.
func (c StreamChunk) validate() error {
	switch c.Type {
	case ChunkTextDelta, ChunkReasoning:
		// A provider may emit empty fragments; nothing required.
		return nil
	case ChunkToolCallStreamingStart:
		if c.ToolCallID == "" || c.ToolName == "" {
			return fmt.Errorf("%s chunk missing toolCallId or toolName", c.Type)
		}
	case ChunkToolCallDelta:
		if c.ToolCallID == "" {
			return fmt.Errorf("%s chunk missing toolCallId", c.Type)
		}
	case ChunkToolCall:
		if c.ToolCallID == "" || c.ToolName == "" {
			return fmt.Errorf("%s chunk missing toolCallId or toolName", c.Type)
		}
	case ChunkToolResult:
		if c.ToolCallID == "" {
			return fmt.Errorf("%s chunk missing toolCallId", c.Type)
		}
	case ChunkReasoningSignature:
		if c.Signature == "" {
			return fmt.Errorf("reasoning-signature chunk missing signature")
		}
	case ChunkRedactedReasoning:
		// Data may legitimately be empty.
		return nil
	case ChunkFinish:
		if c.FinishReason == "" {
			return fmt.Errorf("finish chunk missing finishReason")
		}
	case ChunkError:
		if c.Error == "" {
			return fmt.Errorf("error chunk missing error message")
		}
	default:
		return fmt.Errorf("unrecognized chunk type %q", c.Type)
	}
	return nil
}
