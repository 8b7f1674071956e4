package turnstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/martinemde/turnstream/chunkstream"
)

// ToolCall is one model-issued tool invocation handed to the executor.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolExecutor runs tool calls on behalf of the pipeline. Execute returns
// the raw tool result, or an error when the tool itself failed to run.
// Implementations are called from background goroutines and must be safe
// for concurrent use.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (json.RawMessage, error)
}

// ChunkSource yields one turn's chunks in order. Next blocks until a
// chunk is available and returns a non-nil error when the transport
// fails; a finish or error chunk ends the turn before the transport is
// expected to drain.
type ChunkSource interface {
	Next(ctx context.Context) (chunkstream.StreamChunk, error)
}

// ExecutionError reports that the tool executor itself failed, as
// distinct from a tool returning a structurally invalid result.
type ExecutionError struct {
	chunkstream.StreamError
	ToolName   string
	ToolCallID string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing tool %q (call %s): %s", e.ToolName, e.ToolCallID, e.StreamError.Error())
}

// RecoveryExhaustedError reports that a stream could not be recovered,
// either because attempts ran out or because it expired.
type RecoveryExhaustedError struct {
	chunkstream.StreamError
	Reason string
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("stream recovery exhausted: %s", e.Reason)
}

// IsRecoveryExhausted reports whether err is a RecoveryExhaustedError.
func IsRecoveryExhausted(err error) bool {
	var exhausted *RecoveryExhaustedError
	return errors.As(err, &exhausted)
}
