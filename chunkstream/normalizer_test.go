package chunkstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func testNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	tools := NewToolSet("read_file", "write_file", "execute_command")
	return NewNormalizer(tools, nil, "test-model", nil)
}

func TestNormalizeTextDelta(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{Type: ChunkTextDelta, TextDelta: "hello"})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaContent, deltas[0].Type)
	require.Equal(t, "hello", deltas[0].Content)
}

func TestNormalizeToolCallStreamingStartRegisters(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{
		Type:       ChunkToolCallStreamingStart,
		ToolCallID: "call-1",
		ToolName:   "read_file",
	})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaToolCallStart, deltas[0].Type)
	require.Equal(t, "call-1", deltas[0].ToolCall.ID)

	name, ok := reg.Lookup("call-1")
	require.True(t, ok)
	require.Equal(t, "read_file", name)
}

func TestNormalizeToolCallDeltaDoesNotRegister(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{
		Type:          ChunkToolCallDelta,
		ToolCallID:    "call-1",
		ArgsTextDelta: `{"file_pa`,
	})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaToolCallDelta, deltas[0].Type)
	require.Equal(t, `{"file_pa`, deltas[0].ToolCallDelta.ArgsTextDelta)
	require.Equal(t, 0, reg.Len())
}

func TestNormalizeKnownToolCall(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{
		Type:       ChunkToolCall,
		ToolCallID: "call-1",
		ToolName:   "write_file",
		Args:       json.RawMessage(`{"file_path":"/tmp/a"}`),
	})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaToolCall, deltas[0].Type)
	require.Equal(t, "write_file", deltas[0].ToolCall.Name)

	name, ok := reg.Lookup("call-1")
	require.True(t, ok)
	require.Equal(t, "write_file", name)
}

func TestNormalizeUnknownToolCallFabricatesResult(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{
		Type:       ChunkToolCall,
		ToolCallID: "call-9",
		ToolName:   "launch_rockets",
		Args:       json.RawMessage(`{}`),
	})
	require.Len(t, deltas, 2)
	require.Equal(t, DeltaToolCall, deltas[0].Type)
	require.Equal(t, DeltaToolResult, deltas[1].Type)
	require.False(t, deltas[1].ToolResult.IsValid)
	require.Equal(t, "call-9", deltas[1].ToolResult.ID)

	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(deltas[1].ToolResult.Result, &result))
	require.False(t, result.Success)
	require.Contains(t, result.Error, "launch_rockets")

	_, ok := reg.Lookup("call-9")
	require.False(t, ok)
}

func TestNormalizeToolResultValidated(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()
	reg.Register("call-1", "read_file")

	deltas := n.Normalize(reg, StreamChunk{
		Type:       ChunkToolResult,
		ToolCallID: "call-1",
		Result:     json.RawMessage(`{"success":false,"error":"no such file"}`),
	})
	require.Len(t, deltas, 1)
	require.False(t, deltas[0].ToolResult.IsValid)
	require.NotEmpty(t, deltas[0].ToolResult.Reason)
}

func TestNormalizeToolResultCommandExitCodeException(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()
	reg.Register("call-2", "execute_command")

	deltas := n.Normalize(reg, StreamChunk{
		Type:       ChunkToolResult,
		ToolCallID: "call-2",
		Result:     json.RawMessage(`{"success":false,"exitCode":1,"stderr":"tests failed"}`),
	})
	require.Len(t, deltas, 1)
	require.True(t, deltas[0].ToolResult.IsValid)
}

func TestNormalizeUnregisteredToolResultPassesThrough(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	raw := json.RawMessage(`{"success":false,"error":"boom"}`)
	deltas := n.Normalize(reg, StreamChunk{
		Type:       ChunkToolResult,
		ToolCallID: "ghost",
		Result:     raw,
	})
	require.Len(t, deltas, 1)
	require.True(t, deltas[0].ToolResult.IsValid)
	require.JSONEq(t, string(raw), string(deltas[0].ToolResult.Result))
}

func TestNormalizeReasoning(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{Type: ChunkReasoning, TextDelta: "thinking"})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaReasoning, deltas[0].Type)

	deltas = n.Normalize(reg, StreamChunk{Type: ChunkReasoningSignature, Signature: "sig-abc"})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaReasoningSignature, deltas[0].Type)
	require.Equal(t, "sig-abc", deltas[0].ReasoningSignature)
}

func TestNormalizeFinishEmitsUsageThenComplete(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{
		Type:         ChunkFinish,
		FinishReason: "stop",
		Usage:        &Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	})
	require.Len(t, deltas, 2)
	require.Equal(t, DeltaUsage, deltas[0].Type)
	require.Equal(t, 150, deltas[0].Usage.TotalTokens)
	require.Equal(t, DeltaComplete, deltas[1].Type)
	require.Equal(t, "stop", deltas[1].FinishReason)
	require.Equal(t, "test-model", deltas[1].Model)
}

func TestNormalizeErrorIsTerminal(t *testing.T) {
	n := testNormalizer(t)
	reg := NewToolCallRegistry()

	deltas := n.Normalize(reg, StreamChunk{Type: ChunkError, Error: "overloaded"})
	require.Len(t, deltas, 1)
	require.Equal(t, DeltaError, deltas[0].Type)
	require.Equal(t, "error", deltas[0].FinishReason)
	require.Equal(t, "overloaded", deltas[0].Error)
}

func TestRegistryFirstWriterWins(t *testing.T) {
	reg := NewToolCallRegistry()
	reg.Register("call-1", "read_file")
	reg.Register("call-1", "write_file")

	name, ok := reg.Lookup("call-1")
	require.True(t, ok)
	require.Equal(t, "read_file", name)
	require.Equal(t, 1, reg.Len())
}
