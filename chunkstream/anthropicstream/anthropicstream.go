// Package anthropicstream adapts the Anthropic Messages streaming API
// into the provider-agnostic chunk schema.
package anthropicstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/martinemde/turnstream/chunkstream"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// Source pulls Anthropic stream events and yields chunks. A finish chunk
// is synthesized from the accumulated message when the stream ends; a
// transport error becomes a terminal error chunk.
type Source struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	msg      anthropic.Message
	partials map[int64]*partialCall
	pending  []chunkstream.StreamChunk
	done     bool
}

// New wraps an already-opened Messages stream.
func New(stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) *Source {
	return &Source{
		stream:   stream,
		partials: map[int64]*partialCall{},
	}
}

// Open starts a Messages streaming request against client.
func Open(ctx context.Context, client anthropic.Client, params anthropic.MessageNewParams) *Source {
	return New(client.Messages.NewStreaming(ctx, params))
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
			if err := s.stream.Err(); err != nil {
				s.pending = append(s.pending, chunkstream.StreamChunk{
					Type:  chunkstream.ChunkError,
					Error: err.Error(),
				})
				continue
			}
			s.pending = append(s.pending, chunkstream.StreamChunk{
				Type:         chunkstream.ChunkFinish,
				FinishReason: mapStopReason(s.msg.StopReason),
				Usage: &chunkstream.Usage{
					PromptTokens:     int(s.msg.Usage.InputTokens),
					CompletionTokens: int(s.msg.Usage.OutputTokens),
					TotalTokens:      int(s.msg.Usage.InputTokens + s.msg.Usage.OutputTokens),
				},
			})
			continue
		}
		event := s.stream.Current()
		// Accumulation errors surface as malformed events; the stream
		// error path will report them.
		_ = s.msg.Accumulate(event)
		s.pending = append(s.pending, s.translate(event)...)
	}
}

func (s *Source) translate(event anthropic.MessageStreamEventUnion) []chunkstream.StreamChunk {
	var out []chunkstream.StreamChunk

	switch variant := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		switch strings.TrimSpace(variant.ContentBlock.Type) {
		case "tool_use":
			id := strings.TrimSpace(variant.ContentBlock.ID)
			if id == "" {
				id = fmt.Sprintf("anthropic_call_%d", variant.Index)
			}
			name := strings.TrimSpace(variant.ContentBlock.Name)
			pc := &partialCall{id: id, name: name}
			s.partials[variant.Index] = pc
			out = append(out, chunkstream.StreamChunk{
				Type:       chunkstream.ChunkToolCallStreamingStart,
				ToolCallID: id,
				ToolName:   name,
			})
			if variant.ContentBlock.Input != nil {
				if b, err := json.Marshal(variant.ContentBlock.Input); err == nil {
					raw := strings.TrimSpace(string(b))
					if raw != "" && raw != "{}" {
						pc.args.WriteString(raw)
						out = append(out, chunkstream.StreamChunk{
							Type:          chunkstream.ChunkToolCallDelta,
							ToolCallID:    id,
							ToolName:      name,
							ArgsTextDelta: raw,
						})
					}
				}
			}
		case "redacted_thinking":
			out = append(out, chunkstream.StreamChunk{
				Type: chunkstream.ChunkRedactedReasoning,
				Data: variant.ContentBlock.Data,
			})
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text != "" {
				out = append(out, chunkstream.StreamChunk{
					Type:      chunkstream.ChunkTextDelta,
					TextDelta: delta.Text,
				})
			}
		case anthropic.InputJSONDelta:
			pc := s.partials[variant.Index]
			if pc == nil || delta.PartialJSON == "" {
				break
			}
			pc.args.WriteString(delta.PartialJSON)
			out = append(out, chunkstream.StreamChunk{
				Type:          chunkstream.ChunkToolCallDelta,
				ToolCallID:    pc.id,
				ToolName:      pc.name,
				ArgsTextDelta: delta.PartialJSON,
			})
		case anthropic.ThinkingDelta:
			if delta.Thinking != "" {
				out = append(out, chunkstream.StreamChunk{
					Type:      chunkstream.ChunkReasoning,
					TextDelta: delta.Thinking,
				})
			}
		case anthropic.SignatureDelta:
			if delta.Signature != "" {
				out = append(out, chunkstream.StreamChunk{
					Type:      chunkstream.ChunkReasoningSignature,
					Signature: delta.Signature,
				})
			}
		}

	case anthropic.ContentBlockStopEvent:
		pc := s.partials[variant.Index]
		if pc == nil || pc.done {
			break
		}
		pc.done = true
		raw := strings.TrimSpace(pc.args.String())
		if raw == "" {
			raw = "{}"
		}
		out = append(out, chunkstream.StreamChunk{
			Type:       chunkstream.ChunkToolCall,
			ToolCallID: pc.id,
			ToolName:   pc.name,
			Args:       json.RawMessage(raw),
		})
	}

	return out
}

func mapStopReason(reason anthropic.StopReason) string {
	switch strings.TrimSpace(strings.ToLower(string(reason))) {
	case "tool_use":
		return "tool-calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "refusal":
		return "content-filter"
	default:
		return "unknown"
	}
}
