// Package gollmstream adapts a gollm completion into the
// provider-agnostic chunk schema. Providers without native streaming are
// served by a single text chunk followed by finish.
package gollmstream

import (
	"context"
	"io"

	"github.com/teilomillet/gollm"

	"github.com/martinemde/turnstream/chunkstream"
)

// Source drives a gollm generation in the background and yields its
// output as chunks.
type Source struct {
	ch <-chan chunkstream.StreamChunk
}

// New starts generating prompt against llm. The returned Source yields
// text chunks (token granularity when the provider streams, one chunk
// otherwise) and ends with a finish or error chunk.
func New(ctx context.Context, llm gollm.LLM, prompt *gollm.Prompt) *Source {
	ch := make(chan chunkstream.StreamChunk, 64)
	go run(ctx, llm, prompt, ch)
	return &Source{ch: ch}
}

// Next returns the next chunk. io.EOF follows the terminal chunk.
func (s *Source) Next(ctx context.Context) (chunkstream.StreamChunk, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			return chunkstream.StreamChunk{}, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return chunkstream.StreamChunk{}, ctx.Err()
	}
}

func run(ctx context.Context, llm gollm.LLM, prompt *gollm.Prompt, ch chan<- chunkstream.StreamChunk) {
	defer close(ch)

	if !llm.SupportsStreaming() {
		text, err := llm.Generate(ctx, prompt)
		if err != nil {
			ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkError, Error: err.Error()}
			return
		}
		if text != "" {
			ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkTextDelta, TextDelta: text}
		}
		ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkFinish, FinishReason: "stop"}
		return
	}

	stream, err := llm.Stream(ctx, prompt)
	if err != nil {
		ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkError, Error: err.Error()}
		return
	}
	defer stream.Close()

	for {
		token, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkError, Error: err.Error()}
			return
		}
		if token == nil || token.Text == "" {
			continue
		}
		ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkTextDelta, TextDelta: token.Text}
	}

	ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkFinish, FinishReason: "stop"}
}
