// Package recovery tracks one in-flight assistant turn per manager and
// persists enough state to resume it after a process restart or dropped
// connection. Recovery is bounded by attempt count and stream age so a
// crash can never cause a retry storm.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/turnstream/kv"
)

// StreamStatus is the lifecycle state of a tracked stream.
type StreamStatus string

const (
	StreamActive    StreamStatus = "active"
	StreamPaused    StreamStatus = "paused"
	StreamCompleted StreamStatus = "completed"
	StreamFailed    StreamStatus = "failed"
)

const (
	// DefaultMaxRecoveryAttempts bounds recovery retries per stream.
	DefaultMaxRecoveryAttempts = 3
	// MaxStreamAge is how stale a stream may be and still recover.
	MaxStreamAge = 5 * time.Minute
	// persistEvery bounds write volume during streaming.
	persistEvery = 10
	// silenceThreshold is how long a stream may go without chunks
	// before it is reported unhealthy.
	silenceThreshold = 30 * time.Second
)

// ActiveStreamInfo is the per-turn stream record. Timestamps are unix
// milliseconds to keep the persisted form portable.
type ActiveStreamInfo struct {
	StreamID       string       `json:"streamId"`
	SubjectID      string       `json:"taskId"`
	StartedAt      int64        `json:"startedAt"`
	LastChunkAt    int64        `json:"lastChunkAt"`
	ChunkCount     int          `json:"chunkCount"`
	Status         StreamStatus `json:"status"`
	PartialContent string       `json:"partialContent,omitempty"`
}

// persistedState is the durable form: the stream record plus recovery
// bookkeeping.
type persistedState struct {
	ActiveStream        *ActiveStreamInfo `json:"activeStream"`
	RecoveryAttempts    int               `json:"recoveryAttempts"`
	MaxRecoveryAttempts int               `json:"maxRecoveryAttempts"`
	LastError           string            `json:"lastError,omitempty"`
}

// StreamHealth summarizes throughput and liveness for one stream.
type StreamHealth struct {
	DurationMs         int64
	ChunksPerSecond    float64
	TimeSinceLastChunk int64
	IsHealthy          bool
}

// Manager owns the recovery state machine for one logical chat surface.
// It persists through an injected kv.Store so the same state machine runs
// in-process, against local SQLite, or against Redis.
type Manager struct {
	mu          sync.Mutex
	store       kv.Store
	storageKey  string
	active      *ActiveStreamInfo
	attempts    int
	maxAttempts int
	lastError   string
	logger      *slog.Logger
	now         func() time.Time
}

// Config configures a Manager.
type Config struct {
	// Store persists stream state. Required.
	Store kv.Store
	// StorageKey is the kv key for this manager's state. Defaults to
	// "stream-recovery".
	StorageKey string
	// MaxRecoveryAttempts bounds retries. Zero selects the default.
	MaxRecoveryAttempts int
	Logger              *slog.Logger
}

// NewManager creates a Manager with no active stream.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	key := cfg.StorageKey
	if key == "" {
		key = "stream-recovery"
	}
	maxAttempts := cfg.MaxRecoveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxRecoveryAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		storageKey:  key,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func newStreamID(now time.Time) string {
	return fmt.Sprintf("stream-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), uuid.NewString()[:6])
}

// Start begins tracking a new stream for subjectID, resetting recovery
// bookkeeping and persisting immediately.
func (m *Manager) Start(ctx context.Context, subjectID string) (ActiveStreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.active = &ActiveStreamInfo{
		StreamID:    newStreamID(now),
		SubjectID:   subjectID,
		StartedAt:   now.UnixMilli(),
		LastChunkAt: now.UnixMilli(),
		ChunkCount:  0,
		Status:      StreamActive,
	}
	m.attempts = 0
	m.lastError = ""

	if err := m.persistLocked(ctx); err != nil {
		return *m.active, err
	}
	return *m.active, nil
}

// OnChunk records one received chunk, optionally replacing the partial
// content snapshot. State is persisted every tenth chunk to bound write
// volume. A manager with no active stream ignores the call.
func (m *Manager) OnChunk(ctx context.Context, partialContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	m.active.ChunkCount++
	m.active.LastChunkAt = m.now().UnixMilli()
	if partialContent != "" {
		m.active.PartialContent = partialContent
	}

	if m.active.ChunkCount%persistEvery == 0 {
		return m.persistLocked(ctx)
	}
	return nil
}

// Pause marks the active stream paused and persists. A paused stream
// remains recoverable.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	m.active.Status = StreamPaused
	return m.persistLocked(ctx)
}

// Resume flips a paused stream back to active and persists. Streams in
// any other state are left alone.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.Status != StreamPaused {
		return nil
	}
	m.active.Status = StreamActive
	return m.persistLocked(ctx)
}

// Complete marks the stream completed, clears persisted state, and drops
// the in-memory record.
func (m *Manager) Complete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	m.active.Status = StreamCompleted
	m.active = nil
	if err := m.store.Delete(ctx, m.storageKey); err != nil {
		return fmt.Errorf("clear stream state: %w", err)
	}
	return nil
}

// Fail marks the stream failed and records the error. Unlike Complete the
// persisted record is kept so the stream stays eligible for recovery.
func (m *Manager) Fail(ctx context.Context, streamErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.active.Status = StreamFailed
	}
	m.lastError = streamErr
	return m.persistLocked(ctx)
}

// AttemptRecovery tries to flip the tracked stream back to active.
// Recovery is refused once attempts are exhausted or the stream has gone
// silent longer than MaxStreamAge; the refusal reason is kept in
// LastError.
func (m *Manager) AttemptRecovery(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return false, nil
	}

	if m.attempts >= m.maxAttempts {
		m.active = nil
		m.lastError = "Max recovery attempts exceeded"
		return false, nil
	}

	if m.now().UnixMilli()-m.active.LastChunkAt > MaxStreamAge.Milliseconds() {
		m.active = nil
		m.lastError = "Stream expired"
		if err := m.store.Delete(ctx, m.storageKey); err != nil {
			return false, fmt.Errorf("clear expired stream: %w", err)
		}
		return false, nil
	}

	m.attempts++
	m.active.Status = StreamActive
	if err := m.persistLocked(ctx); err != nil {
		return true, err
	}
	m.logger.Info("recovering stream",
		"streamId", m.active.StreamID,
		"attempt", m.attempts,
		"chunkCount", m.active.ChunkCount)
	return true, nil
}

// Restore loads the persisted stream for subjectID into memory,
// including its recovery-attempt count, so AttemptRecovery can resume it
// after a process restart. Returns nil when nothing recoverable exists.
func (m *Manager) Restore(ctx context.Context, subjectID string) (*ActiveStreamInfo, error) {
	stream, err := m.RecoverableStream(ctx, subjectID)
	if err != nil || stream == nil {
		return stream, err
	}
	state, err := m.loadPersisted(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *stream
	m.active = &copied
	if state != nil {
		m.attempts = state.RecoveryAttempts
		m.lastError = state.LastError
	}
	returned := copied
	return &returned, nil
}

// HasRecoverableStream reports whether persisted state holds a stream for
// subjectID that is still active or paused and not expired.
func (m *Manager) HasRecoverableStream(ctx context.Context, subjectID string) (bool, error) {
	stream, err := m.RecoverableStream(ctx, subjectID)
	return stream != nil, err
}

// RecoverableStream loads the persisted stream for subjectID, clearing
// and returning nil if it has expired. Streams for other subjects are
// invisible.
func (m *Manager) RecoverableStream(ctx context.Context, subjectID string) (*ActiveStreamInfo, error) {
	state, err := m.loadPersisted(ctx)
	if err != nil || state == nil || state.ActiveStream == nil {
		return nil, err
	}
	stream := state.ActiveStream
	if stream.SubjectID != subjectID {
		return nil, nil
	}
	if m.now().UnixMilli()-stream.LastChunkAt > MaxStreamAge.Milliseconds() {
		if err := m.store.Delete(ctx, m.storageKey); err != nil {
			return nil, fmt.Errorf("clear expired stream: %w", err)
		}
		return nil, nil
	}
	if stream.Status != StreamActive && stream.Status != StreamPaused {
		return nil, nil
	}
	return stream, nil
}

// ActiveStream returns a copy of the in-memory stream record, if any.
func (m *Manager) ActiveStream() *ActiveStreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	copied := *m.active
	return &copied
}

// RecoveryAttempts returns how many recoveries have been attempted for
// the current stream.
func (m *Manager) RecoveryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent failure or refusal reason.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Health computes throughput and liveness for a stream record. A stream
// silent for 30 seconds is unhealthy.
func (m *Manager) Health(stream ActiveStreamInfo) StreamHealth {
	now := m.now().UnixMilli()
	durationMs := now - stream.StartedAt
	var chunksPerSecond float64
	if durationMs > 0 {
		chunksPerSecond = float64(stream.ChunkCount) / (float64(durationMs) / 1000)
	}
	sinceLast := now - stream.LastChunkAt
	return StreamHealth{
		DurationMs:         durationMs,
		ChunksPerSecond:    chunksPerSecond,
		TimeSinceLastChunk: sinceLast,
		IsHealthy:          sinceLast < silenceThreshold.Milliseconds(),
	}
}

func (m *Manager) persistLocked(ctx context.Context) error {
	state := persistedState{
		ActiveStream:        m.active,
		RecoveryAttempts:    m.attempts,
		MaxRecoveryAttempts: m.maxAttempts,
		LastError:           m.lastError,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal stream state: %w", err)
	}
	if err := m.store.Set(ctx, m.storageKey, data); err != nil {
		return fmt.Errorf("persist stream state: %w", err)
	}
	return nil
}

func (m *Manager) loadPersisted(ctx context.Context) (*persistedState, error) {
	data, found, err := m.store.Get(ctx, m.storageKey)
	if err != nil {
		return nil, fmt.Errorf("load stream state: %w", err)
	}
	if !found {
		return nil, nil
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode stream state: %w", err)
	}
	return &state, nil
}
