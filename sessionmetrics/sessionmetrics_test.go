package sessionmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/martinemde/turnstream/kv/inmem"
)

func TestUpdatesDoNotMutatePrior(t *testing.T) {
	before := New()
	after := RecordError(before, "timeout")

	require.Equal(t, 0, before.TotalErrors)
	require.Empty(t, before.ErrorsByType["timeout"])
	require.Equal(t, 1, after.TotalErrors)
	require.Equal(t, 1, after.ErrorsByType["timeout"])
}

func TestDuplicateBlockedSplitByReason(t *testing.T) {
	m := New()
	m = RecordDuplicateBlocked(m, BlockedByWindow)
	m = RecordDuplicateBlocked(m, BlockedByIdempotency)
	m = RecordDuplicateBlocked(m, BlockedByIdempotency)
	m = RecordMessageAllowed(m)

	require.Equal(t, 3, m.DuplicatesBlocked)
	require.Equal(t, 1, m.DuplicatesBlockedByWindow)
	require.Equal(t, 2, m.DuplicatesBlockedByIdempotency)

	summary := GetSummary(m)
	require.InDelta(t, 0.75, summary.DuplicateBlockRate, 0.001)
}

func TestStreamCounters(t *testing.T) {
	m := New()
	m = RecordStreamStarted(m)
	for i := 0; i < 30; i++ {
		m = RecordStreamChunk(m)
	}
	m = RecordStreamCompleted(m, 1200)
	m = RecordStreamStarted(m)
	m = RecordStreamFailed(m, "connection reset by peer")
	m = RecordStreamRecovered(m)

	require.Equal(t, 2, m.StreamsStarted)
	require.Equal(t, 1, m.StreamsCompleted)
	require.Equal(t, 1, m.StreamsFailed)
	require.Equal(t, 1, m.StreamsRecovered)
	require.Equal(t, int64(1200), m.TotalStreamingDurationMs)
	require.Equal(t, 1, m.ErrorsByType["stream_connection reset by peer"])

	summary := GetSummary(m)
	require.InDelta(t, 0.5, summary.StreamSuccessRate, 0.001)
	require.InDelta(t, 30.0, summary.ChunksPerStream, 0.001)
}

func TestStreamSuccessRateDefaultsToOne(t *testing.T) {
	summary := GetSummary(New())
	require.Equal(t, 1.0, summary.StreamSuccessRate)
	require.Equal(t, 0.0, summary.DuplicateBlockRate)
}

func TestRecordMessageLatencyPercentiles(t *testing.T) {
	m := New()
	for i := 1; i <= 100; i++ {
		m = RecordMessageLatency(m, int64(i*10))
	}

	require.Len(t, m.MessageLatencies, 100)
	require.Equal(t, int64(505), m.AvgMessageLatencyMs)
	require.GreaterOrEqual(t, m.P95MessageLatencyMs, int64(950))
}

func TestRecordMessageLatencyWindowBound(t *testing.T) {
	m := New()
	for i := 1; i <= 150; i++ {
		m = RecordMessageLatency(m, int64(i))
	}

	require.Len(t, m.MessageLatencies, MaxLatencySamples)
	// Only samples 51..150 remain.
	require.Equal(t, int64(51), m.MessageLatencies[0])
	require.Equal(t, int64(150), m.MessageLatencies[len(m.MessageLatencies)-1])
}

func TestStreamFailedTruncatesErrorBucket(t *testing.T) {
	m := New()
	long := "this error message is far longer than fifty characters and keeps going"
	m = RecordStreamFailed(m, long)

	for key := range m.ErrorsByType {
		require.LessOrEqual(t, len(key), len("stream_")+50)
	}
	require.Equal(t, 1, m.TotalErrors)
}

func TestPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()

	m := New()
	m = RecordMessageAllowed(m)
	m = RecordStreamStarted(m)
	m = RecordMessageLatency(m, 42)

	require.NoError(t, Persist(ctx, store, "metrics", m))

	loaded, found, err := Load(ctx, store, "metrics")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, m.MessagesAllowed, loaded.MessagesAllowed)
	require.Equal(t, m.MessageLatencies, loaded.MessageLatencies)

	_, found, err = Load(ctx, store, "absent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestErrorsPerHour(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	m := NewAt(start)
	m = RecordError(m, "timeout")
	m = RecordError(m, "timeout")

	summary := GetSummaryAt(m, start.Add(time.Hour))
	require.InDelta(t, 2.0, summary.ErrorsPerHour, 0.001)
	require.Equal(t, 2, m.ErrorsByType["timeout"])
}

func TestFormatDisplay(t *testing.T) {
	m := New()
	m = RecordMessageAllowed(m)
	out := FormatDisplay(m)
	require.Contains(t, out, "allowed: 1")
	require.Contains(t, out, "success rate: 100.0%")
}
