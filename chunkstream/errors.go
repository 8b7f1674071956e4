package chunkstream

import "fmt"

// StreamError is the base error type for chunk stream errors.
type StreamError struct {
	Message string
	Cause   error
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StreamError) Unwrap() error {
	return e.Cause
}

// DecodeError reports a chunk that failed the tagged-union decode at the
// transport boundary.
type DecodeError struct {
	StreamError
	ChunkType string
}

func (e *DecodeError) Error() string {
	if e.ChunkType != "" {
		return fmt.Sprintf("decode chunk %q: %s", e.ChunkType, e.StreamError.Error())
	}
	return fmt.Sprintf("decode chunk: %s", e.StreamError.Error())
}

// UnknownToolError reports a complete tool call that names a tool the
// normalizer does not recognize. The call still surfaces to the UI; the
// normalizer fabricates a failed result instead of executing it.
type UnknownToolError struct {
	StreamError
	ToolName   string
	ToolCallID string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q (call %s)", e.ToolName, e.ToolCallID)
}

// ValidationError reports a tool result that failed validation.
type ValidationError struct {
	StreamError
	ToolName   string
	ToolCallID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %q result invalid (call %s): %s", e.ToolName, e.ToolCallID, e.Reason)
}
