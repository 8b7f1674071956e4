// Package openaistream adapts the OpenAI Responses streaming API into
// the provider-agnostic chunk schema.
package openaistream

import (
	"context"
	"io"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"

	"github.com/martinemde/turnstream/chunkstream"
)

type partialCall struct {
	callID string
	name   string
	args   strings.Builder
	// started is set once the streaming-start chunk was emitted; the
	// Responses API can deliver the call id after the item appears.
	started bool
	done    bool
}

// Source pulls Responses API stream events and yields chunks.
type Source struct {
	stream *ssestream.Stream[responses.ResponseStreamEventUnion]
	// calls indexes in-flight function calls by item id.
	calls        map[string]*partialCall
	pending      []chunkstream.StreamChunk
	gotCompleted bool
	done         bool
}

// New wraps an already-opened Responses stream.
func New(stream *ssestream.Stream[responses.ResponseStreamEventUnion]) *Source {
	return &Source{
		stream: stream,
		calls:  map[string]*partialCall{},
	}
}

// Open starts a Responses streaming request against client.
func Open(ctx context.Context, client openai.Client, params responses.ResponseNewParams) *Source {
	return New(client.Responses.NewStreaming(ctx, params))
}

// Next returns the next chunk. io.EOF follows the terminal chunk.
func (s *Source) Next(ctx context.Context) (chunkstream.StreamChunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.done {
			return chunkstream.StreamChunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return chunkstream.StreamChunk{}, err
		}
		if !s.stream.Next() {
			s.done = true
			switch {
			case s.stream.Err() != nil:
				s.pending = append(s.pending, chunkstream.StreamChunk{
					Type:  chunkstream.ChunkError,
					Error: s.stream.Err().Error(),
				})
			case !s.gotCompleted:
				s.pending = append(s.pending, chunkstream.StreamChunk{
					Type:  chunkstream.ChunkError,
					Error: "stream ended without response.completed",
				})
			}
			continue
		}
		s.pending = append(s.pending, s.translate(s.stream.Current())...)
	}
}

func (s *Source) translate(event responses.ResponseStreamEventUnion) []chunkstream.StreamChunk {
	var out []chunkstream.StreamChunk

	switch strings.TrimSpace(event.Type) {
	case "response.output_text.delta":
		if delta := event.Delta.OfString; delta != "" {
			out = append(out, chunkstream.StreamChunk{
				Type:      chunkstream.ChunkTextDelta,
				TextDelta: delta,
			})
		}

	case "response.reasoning_summary_text.delta":
		if delta := event.Delta.OfString; delta != "" {
			out = append(out, chunkstream.StreamChunk{
				Type:      chunkstream.ChunkReasoning,
				TextDelta: delta,
			})
		}

	case "response.output_item.added":
		item := event.Item
		if strings.TrimSpace(item.Type) != "function_call" {
			break
		}
		pc := s.getCall(item.ID)
		if cid := strings.TrimSpace(item.CallID); cid != "" {
			pc.callID = cid
		}
		if name := strings.TrimSpace(item.Name); name != "" {
			pc.name = name
		}
		out = append(out, s.emitStart(pc)...)
		if raw := strings.TrimSpace(item.Arguments); raw != "" {
			pc.args.WriteString(raw)
			out = append(out, chunkstream.StreamChunk{
				Type:          chunkstream.ChunkToolCallDelta,
				ToolCallID:    pc.callID,
				ToolName:      pc.name,
				ArgsTextDelta: raw,
			})
		}

	case "response.function_call_arguments.delta":
		pc := s.getCall(event.ItemID)
		delta := event.Delta.OfString
		if pc == nil || delta == "" {
			break
		}
		pc.args.WriteString(delta)
		out = append(out, s.emitStart(pc)...)
		out = append(out, chunkstream.StreamChunk{
			Type:          chunkstream.ChunkToolCallDelta,
			ToolCallID:    pc.callID,
			ToolName:      pc.name,
			ArgsTextDelta: delta,
		})

	case "response.function_call_arguments.done":
		pc := s.getCall(event.ItemID)
		if pc == nil {
			break
		}
		if raw := strings.TrimSpace(event.Arguments); raw != "" {
			pc.args.Reset()
			pc.args.WriteString(raw)
		}
		out = append(out, s.emitEnd(pc)...)

	case "response.output_item.done":
		item := event.Item
		if strings.TrimSpace(item.Type) != "function_call" {
			break
		}
		pc := s.getCall(item.ID)
		if pc == nil {
			break
		}
		if cid := strings.TrimSpace(item.CallID); cid != "" {
			pc.callID = cid
		}
		if name := strings.TrimSpace(item.Name); name != "" {
			pc.name = name
		}
		if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.args.String()) == "" {
			pc.args.WriteString(raw)
		}
		out = append(out, s.emitEnd(pc)...)

	case "response.completed":
		s.gotCompleted = true
		resp := event.Response
		out = append(out, chunkstream.StreamChunk{
			Type:         chunkstream.ChunkFinish,
			FinishReason: mapStatus(resp.Status),
			Usage: &chunkstream.Usage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.TotalTokens),
			},
		})
	}

	return out
}

func (s *Source) getCall(itemID string) *partialCall {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil
	}
	if pc := s.calls[itemID]; pc != nil {
		return pc
	}
	pc := &partialCall{callID: itemID}
	s.calls[itemID] = pc
	return pc
}

func (s *Source) emitStart(pc *partialCall) []chunkstream.StreamChunk {
	if pc == nil || pc.started || pc.callID == "" || pc.name == "" {
		return nil
	}
	pc.started = true
	return []chunkstream.StreamChunk{{
		Type:       chunkstream.ChunkToolCallStreamingStart,
		ToolCallID: pc.callID,
		ToolName:   pc.name,
	}}
}

func (s *Source) emitEnd(pc *partialCall) []chunkstream.StreamChunk {
	if pc == nil || pc.done {
		return nil
	}
	pc.done = true
	raw := strings.TrimSpace(pc.args.String())
	if raw == "" {
		raw = "{}"
	}
	out := s.emitStart(pc)
	return append(out, chunkstream.StreamChunk{
		Type:       chunkstream.ChunkToolCall,
		ToolCallID: pc.callID,
		ToolName:   pc.name,
		Args:       []byte(raw),
	})
}

func mapStatus(status responses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}
