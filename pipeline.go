package turnstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/martinemde/turnstream/chunkstream"
	"github.com/martinemde/turnstream/kv"
	"github.com/martinemde/turnstream/loopmetrics"
	"github.com/martinemde/turnstream/recovery"
	"github.com/martinemde/turnstream/sessionmetrics"
	"github.com/martinemde/turnstream/toolledger"
)

// TurnState is the lifecycle state of the current turn.
type TurnState string

const (
	TurnIdle      TurnState = "idle"
	TurnActive    TurnState = "active"
	TurnCompleted TurnState = "completed"
	TurnFailed    TurnState = "failed"
	TurnCancelled TurnState = "cancelled"
)

// PipelineConfig wires a Pipeline's collaborators.
type PipelineConfig struct {
	Config Config
	// Store persists recovery state. Required.
	Store kv.Store
	// Executor runs tool calls. Required.
	Executor ToolExecutor
	// Tools is the recognized tool set. Defaults to BuiltinTools.
	Tools chunkstream.ToolSet
	// Validator classifies tool results. Defaults to the standard
	// validator.
	Validator chunkstream.ToolResultValidator
	Logger    *slog.Logger
}

// Pipeline orchestrates turns for one session. Chunks are processed
// synchronously, one at a time, in arrival order; tool execution runs in
// the background and reports back through callbacks that re-check the
// turn state before recording anything.
type Pipeline struct {
	mu         sync.Mutex
	cfg        Config
	normalizer *chunkstream.Normalizer
	executor   ToolExecutor
	ledger     *toolledger.Ledger
	loop       *loopmetrics.Recorder
	recovery   *recovery.Manager
	metrics    sessionmetrics.Metrics
	logger     *slog.Logger

	state     TurnState
	turnStart time.Time
	subjectID string
	registry  *chunkstream.ToolCallRegistry
	deltas    chan chunkstream.Delta
	// turnDone is closed on the turn's terminal transition, releasing
	// emitters blocked on a full delta channel.
	turnDone chan struct{}
	// emitters counts in-flight sends for the current turn; the delta
	// channel closes only after they drain.
	emitters *sync.WaitGroup
	wg       sync.WaitGroup
}

// NewPipeline creates a pipeline for one session.
func NewPipeline(pc PipelineConfig) (*Pipeline, error) {
	if pc.Store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if pc.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	logger := pc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := pc.Tools
	if tools == nil {
		tools = chunkstream.BuiltinTools()
	}

	recoveryMgr, err := recovery.NewManager(recovery.Config{
		Store:               pc.Store,
		StorageKey:          pc.Config.Recovery.StorageKey,
		MaxRecoveryAttempts: pc.Config.Recovery.MaxAttempts,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:        pc.Config,
		normalizer: chunkstream.NewNormalizer(tools, pc.Validator, pc.Config.Model, logger),
		executor:   pc.Executor,
		ledger:     toolledger.NewLedger(logger),
		loop:       loopmetrics.NewRecorder(pc.Config.Thresholds()),
		recovery:   recoveryMgr,
		metrics:    sessionmetrics.New(),
		logger:     logger,
		state:      TurnIdle,
	}, nil
}

// Run processes one turn. It returns a channel of semantic deltas that
// closes when the turn reaches a terminal state. Only one turn may run at
// a time.
func (p *Pipeline) Run(ctx context.Context, subjectID string, source ChunkSource) (<-chan chunkstream.Delta, error) {
	p.mu.Lock()
	if p.state == TurnActive {
		p.mu.Unlock()
		return nil, fmt.Errorf("turn already active for subject %q", p.subjectID)
	}
	p.state = TurnActive
	p.subjectID = subjectID
	p.turnStart = time.Now()
	p.registry = chunkstream.NewToolCallRegistry()
	p.deltas = make(chan chunkstream.Delta, 64)
	p.turnDone = make(chan struct{})
	p.emitters = &sync.WaitGroup{}
	deltas := p.deltas
	p.metrics = sessionmetrics.RecordStreamStarted(p.metrics)
	p.mu.Unlock()

	if _, err := p.recovery.Start(ctx, subjectID); err != nil {
		p.logger.Warn("failed to persist stream start", "error", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.consume(ctx, source)
	}()

	return deltas, nil
}

// consume is the synchronous per-turn loop: one chunk at a time, in
// order.
func (p *Pipeline) consume(ctx context.Context, source ChunkSource) {
	for {
		chunk, err := source.Next(ctx)
		if err != nil {
			p.finishTurn(ctx, TurnFailed, err.Error())
			return
		}

		if err := p.recovery.OnChunk(ctx, textOf(chunk)); err != nil {
			p.logger.Warn("failed to checkpoint stream", "error", err)
		}

		p.mu.Lock()
		if p.state != TurnActive {
			p.mu.Unlock()
			return
		}
		p.metrics = sessionmetrics.RecordStreamChunk(p.metrics)
		registry := p.registry
		p.mu.Unlock()

		for _, delta := range p.normalizer.Normalize(registry, chunk) {
			p.handleDelta(ctx, delta)
			switch delta.Type {
			case chunkstream.DeltaComplete:
				p.finishTurn(ctx, TurnCompleted, "")
				return
			case chunkstream.DeltaError:
				p.finishTurn(ctx, TurnFailed, delta.Error)
				return
			}
		}
	}
}

func (p *Pipeline) handleDelta(ctx context.Context, delta chunkstream.Delta) {
	p.emit(delta)

	if delta.Type != chunkstream.DeltaToolCall || delta.ToolCall == nil {
		return
	}
	call := ToolCall{
		ID:   delta.ToolCall.ID,
		Name: delta.ToolCall.Name,
		Args: delta.ToolCall.Args,
	}
	// Unknown tools were never registered; the normalizer already
	// fabricated their failed result, so nothing is dispatched.
	if _, registered := p.registryLookup(call.ID); !registered {
		return
	}
	p.dispatch(ctx, call)
}

// dispatch runs the executor in the background. The completion callback
// re-checks turn state: once the turn left active, it becomes a no-op.
func (p *Pipeline) dispatch(ctx context.Context, call ToolCall) {
	p.mu.Lock()
	subjectID := p.subjectID
	p.mu.Unlock()

	p.ledger.LogStart(call.ID, call.Name, subjectID, call.Args)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		result, err := p.executor.Execute(ctx, call)
		if err != nil {
			err = &ExecutionError{
				StreamError: chunkstream.StreamError{Message: "tool executor failed", Cause: err},
				ToolName:    call.Name,
				ToolCallID:  call.ID,
			}
		}
		p.onToolDone(call, result, err)
	}()
}

func (p *Pipeline) onToolDone(call ToolCall, result json.RawMessage, execErr error) {
	p.mu.Lock()
	active := p.state == TurnActive
	p.mu.Unlock()
	if !active {
		p.logger.Debug("discarding tool result for inactive turn",
			"toolCallId", call.ID, "toolName", call.Name)
		return
	}

	args := decodeArgs(call.Args)

	if execErr != nil {
		p.ledger.LogFailed(call.ID, execErr.Error())
		p.loop.RecordToolCall(call.Name, args, loopmetrics.ResultError, execErr.Error())
		p.emit(chunkstream.Delta{
			Type: chunkstream.DeltaToolResult,
			ToolResult: &chunkstream.ToolResultPayload{
				ID:      call.ID,
				IsValid: false,
				Reason:  execErr.Error(),
			},
		})
		return
	}

	p.ledger.LogComplete(call.ID, result)
	resultType := loopmetrics.ResultSuccess
	if isEmptyResult(result) {
		resultType = loopmetrics.ResultEmpty
	} else {
		p.loop.RecordProgress(loopmetrics.ProgressToolSuccess, call.Name)
	}
	p.loop.RecordToolCall(call.Name, args, resultType, "")

	p.emit(chunkstream.Delta{
		Type: chunkstream.DeltaToolResult,
		ToolResult: &chunkstream.ToolResultPayload{
			ID:      call.ID,
			IsValid: true,
			Result:  result,
		},
	})
}

// emit sends a delta unless the turn already left the active state. The
// send happens outside the state lock: a stalled consumer must never
// wedge the mutex, or Cancel could not flip the state. The terminal
// transition closes turnDone, which releases a blocked send before the
// channel itself is closed.
func (p *Pipeline) emit(delta chunkstream.Delta) {
	p.mu.Lock()
	if p.state != TurnActive || p.deltas == nil {
		p.mu.Unlock()
		return
	}
	deltas, done, emitters := p.deltas, p.turnDone, p.emitters
	emitters.Add(1)
	p.mu.Unlock()

	defer emitters.Done()
	select {
	case deltas <- delta:
	case <-done:
	}
}

// endTurn performs the terminal transition under the lock, then closes
// the delta channel once in-flight emitters have drained. Returns false
// if another transition already won.
func (p *Pipeline) endTurn(state TurnState, reason string) bool {
	p.mu.Lock()
	if p.state != TurnActive {
		p.mu.Unlock()
		return false
	}
	p.state = state
	durationMs := time.Since(p.turnStart).Milliseconds()
	switch state {
	case TurnCompleted:
		p.metrics = sessionmetrics.RecordStreamCompleted(p.metrics, durationMs)
	case TurnFailed:
		p.metrics = sessionmetrics.RecordStreamFailed(p.metrics, reason)
	}
	deltas, done, emitters := p.deltas, p.turnDone, p.emitters
	p.deltas = nil
	p.turnDone = nil
	p.mu.Unlock()

	if done != nil {
		close(done)
	}
	if deltas != nil {
		emitters.Wait()
		close(deltas)
	}
	return true
}

func (p *Pipeline) finishTurn(ctx context.Context, state TurnState, reason string) {
	if !p.endTurn(state, reason) {
		return
	}

	switch state {
	case TurnCompleted:
		if err := p.recovery.Complete(ctx); err != nil {
			p.logger.Warn("failed to clear stream state", "error", err)
		}
	case TurnFailed:
		if err := p.recovery.Fail(ctx, reason); err != nil {
			p.logger.Warn("failed to persist stream failure", "error", err)
		}
	}

	if p.cfg.EnableLoopDetection && p.loop.DetectPattern(p.cfg.LoopDetectionWindow) {
		p.logger.Warn("repeating tool-call pattern detected",
			"window", p.cfg.LoopDetectionWindow, "subjectId", p.subjectID)
	}
	p.loop.NextIteration()
}

// Cancel flips the turn out of the active state. In-flight executor
// callbacks for the cancelled turn become no-ops; the executor itself is
// not hard-aborted.
func (p *Pipeline) Cancel() {
	p.endTurn(TurnCancelled, "")
}

// Resume attempts to recover a previously failed or interrupted stream
// for subjectID. It returns a RecoveryExhaustedError when attempts ran
// out or the stream expired.
func (p *Pipeline) Resume(ctx context.Context, subjectID string) (*recovery.ActiveStreamInfo, error) {
	if _, err := p.recovery.Restore(ctx, subjectID); err != nil {
		return nil, err
	}
	ok, err := p.recovery.AttemptRecovery(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		reason := p.recovery.LastError()
		return nil, &RecoveryExhaustedError{
			StreamError: chunkstream.StreamError{Message: reason},
			Reason:      reason,
		}
	}

	p.mu.Lock()
	p.metrics = sessionmetrics.RecordStreamRecovered(p.metrics)
	p.mu.Unlock()
	return p.recovery.ActiveStream(), nil
}

// State returns the current turn state.
func (p *Pipeline) State() TurnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ledger exposes the execution ledger for operator queries.
func (p *Pipeline) Ledger() *toolledger.Ledger { return p.ledger }

// LoopRecorder exposes the loop metrics recorder.
func (p *Pipeline) LoopRecorder() *loopmetrics.Recorder { return p.loop }

// Metrics returns the current session metrics snapshot.
func (p *Pipeline) Metrics() sessionmetrics.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// RecordMetrics applies a metrics update function to the session
// snapshot.
func (p *Pipeline) RecordMetrics(update func(sessionmetrics.Metrics) sessionmetrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = update(p.metrics)
}

// Wait blocks until all background work for past turns has drained.
// Intended for tests and shutdown paths.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) registryLookup(id string) (string, bool) {
	p.mu.Lock()
	registry := p.registry
	p.mu.Unlock()
	if registry == nil {
		return "", false
	}
	return registry.Lookup(id)
}

func textOf(chunk chunkstream.StreamChunk) string {
	if chunk.Type == chunkstream.ChunkTextDelta {
		return chunk.TextDelta
	}
	return ""
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	return args
}

func isEmptyResult(result json.RawMessage) bool {
	switch string(result) {
	case "", "{}", "[]", "null", `""`:
		return true
	}
	return false
}
