// Package sessionmetrics aggregates operator-facing counters for one
// messaging session: duplicates blocked, stream outcomes, latency
// percentiles, and errors by type. Every update is a pure function from
// the prior snapshot to a new one, so callers own the state and can
// persist or swap it freely.
package sessionmetrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/turnstream/kv"
)

// BlockReason distinguishes why a duplicate submission was suppressed.
type BlockReason string

const (
	BlockedByWindow      BlockReason = "window"
	BlockedByIdempotency BlockReason = "idempotency"
)

// MaxLatencySamples bounds the rolling latency window.
const MaxLatencySamples = 100

// Metrics is one session's snapshot. Counters are monotonic; the latency
// window holds the most recent samples only.
type Metrics struct {
	DuplicatesBlocked              int `json:"duplicatesBlocked"`
	DuplicatesBlockedByWindow      int `json:"duplicatesBlockedByWindow"`
	DuplicatesBlockedByIdempotency int `json:"duplicatesBlockedByIdempotency"`
	MessagesAllowed                int `json:"messagesAllowed"`

	StreamsStarted           int   `json:"streamsStarted"`
	StreamsCompleted         int   `json:"streamsCompleted"`
	StreamsFailed            int   `json:"streamsFailed"`
	StreamsRecovered         int   `json:"streamsRecovered"`
	TotalStreamingDurationMs int64 `json:"totalStreamingDurationMs"`
	TotalChunksReceived      int   `json:"totalChunksReceived"`

	MessageLatencies    []int64 `json:"messageLatencies"`
	AvgMessageLatencyMs int64   `json:"avgMessageLatencyMs"`
	P95MessageLatencyMs int64   `json:"p95MessageLatencyMs"`

	ErrorsByType map[string]int `json:"errorsByType"`
	TotalErrors  int            `json:"totalErrors"`

	SessionStartedAt int64 `json:"sessionStartedAt"`
	LastActivityAt   int64 `json:"lastActivityAt"`
}

// Summary is the derived view over a snapshot.
type Summary struct {
	DuplicateBlockRate float64
	StreamSuccessRate  float64
	AvgLatencyMs       int64
	P95LatencyMs       int64
	ErrorsPerHour      float64
	SessionDurationMs  int64
	ChunksPerStream    float64
}

// New creates a fresh snapshot with the session clock started now.
func New() Metrics {
	return NewAt(time.Now())
}

// NewAt is New with an explicit clock.
func NewAt(now time.Time) Metrics {
	ms := now.UnixMilli()
	return Metrics{
		ErrorsByType:     map[string]int{},
		SessionStartedAt: ms,
		LastActivityAt:   ms,
	}
}

// RecordDuplicateBlocked counts a suppressed duplicate, split by reason.
func RecordDuplicateBlocked(m Metrics, reason BlockReason) Metrics {
	m = touch(m)
	m.DuplicatesBlocked++
	if reason == BlockedByWindow {
		m.DuplicatesBlockedByWindow++
	} else {
		m.DuplicatesBlockedByIdempotency++
	}
	return m
}

// RecordMessageAllowed counts a message that passed the duplicate gate.
func RecordMessageAllowed(m Metrics) Metrics {
	m = touch(m)
	m.MessagesAllowed++
	return m
}

// RecordStreamStarted counts a new stream.
func RecordStreamStarted(m Metrics) Metrics {
	m = touch(m)
	m.StreamsStarted++
	return m
}

// RecordStreamChunk counts one received chunk.
func RecordStreamChunk(m Metrics) Metrics {
	m = touch(m)
	m.TotalChunksReceived++
	return m
}

// RecordStreamCompleted counts a finished stream and its duration.
func RecordStreamCompleted(m Metrics, durationMs int64) Metrics {
	m = touch(m)
	m.StreamsCompleted++
	m.TotalStreamingDurationMs += durationMs
	return m
}

// RecordStreamFailed counts a failed stream and buckets the error. The
// bucket key is truncated so unbounded error text cannot grow the map.
func RecordStreamFailed(m Metrics, streamErr string) Metrics {
	m = touch(m)
	m.StreamsFailed++
	if len(streamErr) > 50 {
		streamErr = streamErr[:50]
	}
	m.ErrorsByType = bumpError(m.ErrorsByType, "stream_"+streamErr)
	m.TotalErrors++
	return m
}

// RecordStreamRecovered counts a successful stream recovery.
func RecordStreamRecovered(m Metrics) Metrics {
	m = touch(m)
	m.StreamsRecovered++
	return m
}

// RecordMessageLatency appends a latency sample, keeping the most recent
// MaxLatencySamples, and recomputes the mean and 95th percentile over the
// window by sorting it.
func RecordMessageLatency(m Metrics, latencyMs int64) Metrics {
	m = touch(m)

	window := make([]int64, 0, len(m.MessageLatencies)+1)
	window = append(window, m.MessageLatencies...)
	window = append(window, latencyMs)
	if len(window) > MaxLatencySamples {
		window = window[len(window)-MaxLatencySamples:]
	}
	m.MessageLatencies = window

	sorted := make([]int64, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, sample := range sorted {
		sum += sample
	}
	m.AvgMessageLatencyMs = int64(math.Round(float64(sum) / float64(len(sorted))))

	p95Index := len(sorted) * 95 / 100
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}
	m.P95MessageLatencyMs = sorted[p95Index]
	return m
}

// RecordError counts a generic error by type.
func RecordError(m Metrics, errorType string) Metrics {
	m = touch(m)
	m.ErrorsByType = bumpError(m.ErrorsByType, errorType)
	m.TotalErrors++
	return m
}

// GetSummary derives rates from a snapshot. With no finished streams the
// success rate defaults to 1.
func GetSummary(m Metrics) Summary {
	return GetSummaryAt(m, time.Now())
}

// GetSummaryAt is GetSummary with an explicit clock for the session
// duration.
func GetSummaryAt(m Metrics, now time.Time) Summary {
	totalMessages := m.MessagesAllowed + m.DuplicatesBlocked
	blockRate := 0.0
	if totalMessages > 0 {
		blockRate = float64(m.DuplicatesBlocked) / float64(totalMessages)
	}

	totalStreams := m.StreamsCompleted + m.StreamsFailed
	successRate := 1.0
	if totalStreams > 0 {
		successRate = float64(m.StreamsCompleted) / float64(totalStreams)
	}

	sessionDurationMs := now.UnixMilli() - m.SessionStartedAt
	errorsPerHour := 0.0
	if sessionDurationMs > 0 {
		hours := float64(sessionDurationMs) / float64(time.Hour.Milliseconds())
		errorsPerHour = float64(m.TotalErrors) / hours
	}

	chunksPerStream := 0.0
	if m.StreamsCompleted > 0 {
		chunksPerStream = float64(m.TotalChunksReceived) / float64(m.StreamsCompleted)
	}

	return Summary{
		DuplicateBlockRate: blockRate,
		StreamSuccessRate:  successRate,
		AvgLatencyMs:       m.AvgMessageLatencyMs,
		P95LatencyMs:       m.P95MessageLatencyMs,
		ErrorsPerHour:      errorsPerHour,
		SessionDurationMs:  sessionDurationMs,
		ChunksPerStream:    chunksPerStream,
	}
}

// Persist stores a snapshot under key in the given store.
func Persist(ctx context.Context, store kv.Store, key string, m Metrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	if err := store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("persist metrics: %w", err)
	}
	return nil
}

// Load restores a snapshot from the store. Absent keys report found=false
// with a zero snapshot.
func Load(ctx context.Context, store kv.Store, key string) (Metrics, bool, error) {
	data, found, err := store.Get(ctx, key)
	if err != nil {
		return Metrics{}, false, fmt.Errorf("load metrics: %w", err)
	}
	if !found {
		return Metrics{}, false, nil
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return Metrics{}, false, fmt.Errorf("decode metrics: %w", err)
	}
	if m.ErrorsByType == nil {
		m.ErrorsByType = map[string]int{}
	}
	return m, true, nil
}

// FormatDisplay renders a snapshot for operators.
func FormatDisplay(m Metrics) string {
	summary := GetSummary(m)

	var b strings.Builder
	b.WriteString("Message Metrics Summary\n")
	b.WriteString("messages:\n")
	fmt.Fprintf(&b, "  allowed: %d\n", m.MessagesAllowed)
	fmt.Fprintf(&b, "  duplicates blocked: %d (window %d, idempotency %d)\n",
		m.DuplicatesBlocked, m.DuplicatesBlockedByWindow, m.DuplicatesBlockedByIdempotency)
	fmt.Fprintf(&b, "  block rate: %.1f%%\n", summary.DuplicateBlockRate*100)
	b.WriteString("streaming:\n")
	fmt.Fprintf(&b, "  started: %d, completed: %d, failed: %d, recovered: %d\n",
		m.StreamsStarted, m.StreamsCompleted, m.StreamsFailed, m.StreamsRecovered)
	fmt.Fprintf(&b, "  success rate: %.1f%%\n", summary.StreamSuccessRate*100)
	fmt.Fprintf(&b, "  avg chunks/stream: %.1f\n", summary.ChunksPerStream)
	b.WriteString("latency:\n")
	fmt.Fprintf(&b, "  avg: %dms, p95: %dms\n", summary.AvgLatencyMs, summary.P95LatencyMs)
	b.WriteString("errors:\n")
	fmt.Fprintf(&b, "  total: %d, per hour: %.2f", m.TotalErrors, summary.ErrorsPerHour)
	return b.String()
}

func touch(m Metrics) Metrics {
	m.LastActivityAt = time.Now().UnixMilli()
	return m
}

// bumpError copies the map before writing so snapshots stay independent.
func bumpError(errors map[string]int, key string) map[string]int {
	out := make(map[string]int, len(errors)+1)
	for k, v := range errors {
		out[k] = v
	}
	out[key]++
	return out
}
