package chunkstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// ToolSet is the set of tool names the normalizer recognizes. A complete
// tool call naming a tool outside the set is never executed: the
// normalizer fabricates a failed result for it instead.
type ToolSet map[string]bool

// NewToolSet builds a ToolSet from tool names.
func NewToolSet(names ...string) ToolSet {
	set := make(ToolSet, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// Contains reports whether name is a recognized tool.
func (s ToolSet) Contains(name string) bool { return s[name] }

// Normalizer maps raw provider chunks to semantic deltas. It is stateless
// across turns; per-turn state lives in the ToolCallRegistry the caller
// passes to Normalize.
type Normalizer struct {
	tools     ToolSet
	validator ToolResultValidator
	model     string
	logger    *slog.Logger
}

// NewNormalizer creates a normalizer that recognizes the given tools and
// validates tool results with validator. model is stamped on complete
// deltas. A nil validator defaults to NewResultValidator().
func NewNormalizer(tools ToolSet, validator ToolResultValidator, model string, logger *slog.Logger) *Normalizer {
	if validator == nil {
		validator = NewResultValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		tools:     tools,
		validator: validator,
		model:     model,
		logger:    logger,
	}
}

// Normalize maps one chunk to zero, one, or two deltas, mutating only the
// registry. Chunks for a turn are processed one at a time, in arrival
// order.
func (n *Normalizer) Normalize(reg *ToolCallRegistry, chunk StreamChunk) []Delta {
	switch chunk.Type {
	case ChunkTextDelta:
		return []Delta{ContentDelta(chunk.TextDelta)}

	case ChunkToolCallStreamingStart:
		reg.Register(chunk.ToolCallID, chunk.ToolName)
		return []Delta{{
			Type: DeltaToolCallStart,
			ToolCall: &ToolCallPayload{
				ID:   chunk.ToolCallID,
				Name: chunk.ToolName,
			},
		}}

	case ChunkToolCallDelta:
		return []Delta{{
			Type: DeltaToolCallDelta,
			ToolCallDelta: &ToolCallDeltaPayload{
				ID:            chunk.ToolCallID,
				Name:          chunk.ToolName,
				ArgsTextDelta: chunk.ArgsTextDelta,
			},
		}}

	case ChunkToolCall:
		return n.normalizeToolCall(reg, chunk)

	case ChunkToolResult:
		return []Delta{n.normalizeToolResult(reg, chunk)}

	case ChunkReasoning:
		return []Delta{ReasoningDelta(chunk.TextDelta)}

	case ChunkReasoningSignature:
		return []Delta{{Type: DeltaReasoningSignature, ReasoningSignature: chunk.Signature}}

	case ChunkRedactedReasoning:
		return []Delta{{Type: DeltaRedactedReasoning, RedactedReasoning: chunk.Data}}

	case ChunkFinish:
		return []Delta{
			{Type: DeltaUsage, Usage: chunk.Usage},
			{Type: DeltaComplete, FinishReason: chunk.FinishReason, Model: n.model},
		}

	case ChunkError:
		return []Delta{ErrorDelta(chunk.Error)}

	default:
		// DecodeChunk rejects unrecognized types at the boundary, so
		// this only triggers on hand-built chunks.
		n.logger.Warn("dropping chunk with unhandled type", "type", chunk.Type)
		return nil
	}
}

func (n *Normalizer) normalizeToolCall(reg *ToolCallRegistry, chunk StreamChunk) []Delta {
	call := Delta{
		Type: DeltaToolCall,
		ToolCall: &ToolCallPayload{
			ID:   chunk.ToolCallID,
			Name: chunk.ToolName,
			Args: chunk.Args,
		},
	}

	if !n.tools.Contains(chunk.ToolName) {
		// Unknown tools are never registered and never executed. The
		// call still surfaces alongside a fabricated failed result so
		// the caller can show what the model attempted.
		n.logger.Warn("tool call for unknown tool",
			"toolName", chunk.ToolName,
			"toolCallId", chunk.ToolCallID)
		result, _ := json.Marshal(map[string]any{
			"success": false,
			"error":   fmt.Sprintf("unknown tool: %s", chunk.ToolName),
		})
		return []Delta{call, {
			Type: DeltaToolResult,
			ToolResult: &ToolResultPayload{
				ID:      chunk.ToolCallID,
				IsValid: false,
				Result:  result,
				Reason:  fmt.Sprintf("unknown tool: %s", chunk.ToolName),
			},
		}}
	}

	reg.Register(chunk.ToolCallID, chunk.ToolName)
	return []Delta{call}
}

func (n *Normalizer) normalizeToolResult(reg *ToolCallRegistry, chunk StreamChunk) Delta {
	toolName, registered := reg.Lookup(chunk.ToolCallID)
	if !registered {
		// An unregistered result is passed through rather than dropped;
		// without the tool name its validity cannot be fully checked.
		n.logger.Warn("tool result for unregistered call, skipping validation",
			"toolCallId", chunk.ToolCallID)
		return Delta{
			Type: DeltaToolResult,
			ToolResult: &ToolResultPayload{
				ID:      chunk.ToolCallID,
				IsValid: true,
				Result:  chunk.Result,
			},
		}
	}

	v := n.validator.Validate(toolName, chunk.Result)
	return Delta{
		Type: DeltaToolResult,
		ToolResult: &ToolResultPayload{
			ID:      chunk.ToolCallID,
			IsValid: v.IsValid,
			Result:  v.Result,
			Reason:  v.Reason,
		},
	}
}
