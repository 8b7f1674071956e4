package turnstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/turnstream/chunkstream"
	"github.com/martinemde/turnstream/kv/inmem"
	"github.com/martinemde/turnstream/toolledger"
)

// chanSource feeds chunks from a channel; closing the channel makes Next
// fail like a dropped provider connection.
type chanSource struct {
	ch chan chunkstream.StreamChunk
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan chunkstream.StreamChunk, 16)}
}

func (s *chanSource) Next(ctx context.Context) (chunkstream.StreamChunk, error) {
	select {
	case c, ok := <-s.ch:
		if !ok {
			return chunkstream.StreamChunk{}, errors.New("connection lost")
		}
		return c, nil
	case <-ctx.Done():
		return chunkstream.StreamChunk{}, ctx.Err()
	}
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  []ToolCall
	result json.RawMessage
	err    error
	// block, when non-nil, holds Execute until released.
	block chan struct{}
}

func (f *fakeExecutor) Execute(_ context.Context, call ToolCall) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestPipeline(t *testing.T, exec *fakeExecutor) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		Config:   DefaultConfig(),
		Store:    inmem.New(),
		Executor: exec,
	})
	require.NoError(t, err)
	return p
}

func collectUntilClosed(t *testing.T, deltas <-chan chunkstream.Delta) []chunkstream.Delta {
	t.Helper()
	var out []chunkstream.Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatalf("timed out waiting for delta channel to close, got %d deltas", len(out))
		}
	}
}

func nextDelta(t *testing.T, deltas <-chan chunkstream.Delta) chunkstream.Delta {
	t.Helper()
	select {
	case d, ok := <-deltas:
		require.True(t, ok, "delta channel closed early")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delta")
		return chunkstream.Delta{}
	}
}

func TestRunTextAndFinish(t *testing.T) {
	exec := &fakeExecutor{}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	source.ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkTextDelta, TextDelta: "hello"}
	source.ch <- chunkstream.StreamChunk{
		Type:         chunkstream.ChunkFinish,
		FinishReason: "stop",
		Usage:        &chunkstream.Usage{TotalTokens: 42},
	}

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)

	got := collectUntilClosed(t, deltas)
	require.Len(t, got, 3)
	require.Equal(t, chunkstream.DeltaContent, got[0].Type)
	require.Equal(t, "hello", got[0].Content)
	require.Equal(t, chunkstream.DeltaUsage, got[1].Type)
	require.Equal(t, 42, got[1].Usage.TotalTokens)
	require.Equal(t, chunkstream.DeltaComplete, got[2].Type)
	require.Equal(t, "stop", got[2].FinishReason)

	p.Wait()
	require.Equal(t, TurnCompleted, p.State())
	m := p.Metrics()
	require.Equal(t, 1, m.StreamsStarted)
	require.Equal(t, 1, m.StreamsCompleted)
	require.Equal(t, 2, m.TotalChunksReceived)
	require.Zero(t, exec.callCount())
}

func TestRunExecutesKnownTool(t *testing.T) {
	exec := &fakeExecutor{result: json.RawMessage(`{"contents":"data"}`)}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)

	source.ch <- chunkstream.StreamChunk{
		Type:       chunkstream.ChunkToolCall,
		ToolCallID: "call-1",
		ToolName:   "read_file",
		Args:       json.RawMessage(`{"path":"main.go"}`),
	}

	d := nextDelta(t, deltas)
	require.Equal(t, chunkstream.DeltaToolCall, d.Type)
	require.Equal(t, "read_file", d.ToolCall.Name)

	d = nextDelta(t, deltas)
	require.Equal(t, chunkstream.DeltaToolResult, d.Type)
	require.True(t, d.ToolResult.IsValid)
	require.JSONEq(t, `{"contents":"data"}`, string(d.ToolResult.Result))

	source.ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkFinish, FinishReason: "stop"}
	rest := collectUntilClosed(t, deltas)
	require.Equal(t, chunkstream.DeltaComplete, rest[len(rest)-1].Type)

	p.Wait()
	require.Equal(t, 1, exec.callCount())
	stats, ok := p.Ledger().ToolStatsFor("read_file")
	require.True(t, ok)
	require.Equal(t, 1, stats.SuccessCount)

	metrics := p.LoopRecorder().ComputeMetrics()
	require.Equal(t, 1, metrics.TotalToolCalls)
	require.True(t, metrics.HasProgress)
}

func TestRunUnknownToolIsNotExecuted(t *testing.T) {
	exec := &fakeExecutor{}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	source.ch <- chunkstream.StreamChunk{
		Type:       chunkstream.ChunkToolCall,
		ToolCallID: "call-9",
		ToolName:   "summon_demon",
		Args:       json.RawMessage(`{}`),
	}
	source.ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkFinish, FinishReason: "stop"}

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)
	got := collectUntilClosed(t, deltas)
	p.Wait()

	require.Len(t, got, 4)
	require.Equal(t, chunkstream.DeltaToolCall, got[0].Type)
	require.Equal(t, chunkstream.DeltaToolResult, got[1].Type)
	require.False(t, got[1].ToolResult.IsValid)
	require.JSONEq(t,
		`{"success":false,"error":"unknown tool: summon_demon"}`,
		string(got[1].ToolResult.Result))
	require.Zero(t, exec.callCount())
}

func TestRunExecutorFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)

	source.ch <- chunkstream.StreamChunk{
		Type:       chunkstream.ChunkToolCall,
		ToolCallID: "call-1",
		ToolName:   "run_command",
		Args:       json.RawMessage(`{"command":"make"}`),
	}

	d := nextDelta(t, deltas)
	require.Equal(t, chunkstream.DeltaToolCall, d.Type)

	d = nextDelta(t, deltas)
	require.Equal(t, chunkstream.DeltaToolResult, d.Type)
	require.False(t, d.ToolResult.IsValid)
	require.Contains(t, d.ToolResult.Reason, "boom")

	source.ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkFinish, FinishReason: "stop"}
	collectUntilClosed(t, deltas)
	p.Wait()

	failed := p.Ledger().FailedExecutions(10)
	require.Len(t, failed, 1)
	require.Equal(t, "run_command", failed[0].ToolName)
}

func TestCancelDropsLateToolResults(t *testing.T) {
	exec := &fakeExecutor{
		result: json.RawMessage(`{"ok":true}`),
		block:  make(chan struct{}),
	}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)

	source.ch <- chunkstream.StreamChunk{
		Type:       chunkstream.ChunkToolCall,
		ToolCallID: "call-1",
		ToolName:   "read_file",
		Args:       json.RawMessage(`{"path":"a.go"}`),
	}
	d := nextDelta(t, deltas)
	require.Equal(t, chunkstream.DeltaToolCall, d.Type)

	p.Cancel()
	require.Equal(t, TurnCancelled, p.State())

	// The executor finishes after cancellation; its callback must not
	// record anything or panic on the closed channel.
	close(exec.block)
	close(source.ch)
	p.Wait()

	_, ok := <-deltas
	require.False(t, ok)
	require.Len(t, p.Ledger().PendingExecutions(), 1)
	require.Zero(t, p.LoopRecorder().ComputeMetrics().TotalToolCalls)
}

func TestCancelWithStalledConsumer(t *testing.T) {
	exec := &fakeExecutor{}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	stop := make(chan struct{})
	go func() {
		chunk := chunkstream.StreamChunk{Type: chunkstream.ChunkTextDelta, TextDelta: "spam"}
		for {
			select {
			case source.ch <- chunk:
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)

	// Nothing reads the channel; wait for the buffer to fill so the
	// next send blocks.
	require.Eventually(t, func() bool {
		return len(deltas) == cap(deltas)
	}, 5*time.Second, 5*time.Millisecond)

	cancelled := make(chan struct{})
	go func() {
		p.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel blocked while the delta channel was full")
	}

	require.Equal(t, TurnCancelled, p.State())
	collectUntilClosed(t, deltas)
	p.Wait()
}

func TestRunRejectsConcurrentTurn(t *testing.T) {
	exec := &fakeExecutor{}
	p := newTestPipeline(t, exec)
	source := newChanSource()

	_, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), "task-2", newChanSource())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already active")

	source.ch <- chunkstream.StreamChunk{Type: chunkstream.ChunkFinish, FinishReason: "stop"}
	p.Wait()
}

func TestSourceErrorFailsTurn(t *testing.T) {
	exec := &fakeExecutor{}
	p := newTestPipeline(t, exec)
	source := newChanSource()
	close(source.ch)

	deltas, err := p.Run(context.Background(), "task-1", source)
	require.NoError(t, err)
	got := collectUntilClosed(t, deltas)
	p.Wait()

	require.Empty(t, got)
	require.Equal(t, TurnFailed, p.State())
	m := p.Metrics()
	require.Equal(t, 1, m.StreamsFailed)
	require.Equal(t, 1, m.ErrorsByType["stream_connection lost"])
}

func TestLedgerAccessor(t *testing.T) {
	p := newTestPipeline(t, &fakeExecutor{})
	require.IsType(t, &toolledger.Ledger{}, p.Ledger())
	require.Equal(t, float64(1), p.Ledger().GetSummary().SuccessRate)
}
