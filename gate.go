package turnstream

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/turnstream/idempotency"
	"github.com/martinemde/turnstream/sessionmetrics"
)

// Decision is the gate's verdict on one submission.
type Decision struct {
	Allowed bool
	// Key is the idempotency key derived for the submission, set on
	// allowed submissions so the caller can confirm or fail it later.
	Key string
	// MessageID is a fresh message id for allowed submissions.
	MessageID string
	// Reason is set on blocked submissions.
	Reason sessionmetrics.BlockReason
}

// MessageGate suppresses duplicate message submissions before a turn
// starts. Two independent checks apply: a short debounce window catching
// rapid double-submits of identical content, and the idempotency tracker
// catching retried requests that derive the same key.
type MessageGate struct {
	mu         sync.Mutex
	tracker    *idempotency.Tracker
	windowMs   int64
	debounce   time.Duration
	lastText   map[string]string
	lastSubmit map[string]time.Time
	logger     *slog.Logger
	now        func() time.Time
}

// NewMessageGate creates a gate from cfg.
func NewMessageGate(cfg Config, logger *slog.Logger) *MessageGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageGate{
		tracker:    idempotency.NewTracker(cfg.IdempotencyMaxAge(), cfg.Idempotency.MaxSize),
		windowMs:   cfg.Idempotency.WindowMs,
		debounce:   time.Duration(cfg.DuplicateDebounceMs) * time.Millisecond,
		lastText:   make(map[string]string),
		lastSubmit: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// Accept decides whether the submission may proceed and updates the
// metrics snapshot accordingly. Callers pass the prior snapshot and keep
// the returned one.
func (g *MessageGate) Accept(subjectID, content string, m sessionmetrics.Metrics) (Decision, sessionmetrics.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	trimmed := strings.TrimSpace(content)

	if last, ok := g.lastSubmit[subjectID]; ok &&
		g.lastText[subjectID] == trimmed &&
		now.Sub(last) < g.debounce {
		g.logger.Debug("duplicate blocked by debounce window", "subjectId", subjectID)
		return Decision{Reason: sessionmetrics.BlockedByWindow},
			sessionmetrics.RecordDuplicateBlocked(m, sessionmetrics.BlockedByWindow)
	}

	key := idempotency.GenerateKeyAt(subjectID, content, g.windowMs, now)
	// A key whose send already failed does not block the retry.
	if entry, ok := g.tracker.KeyStatus(key); ok && entry.Status != idempotency.StatusFailed {
		g.logger.Debug("duplicate blocked by idempotency key",
			"subjectId", subjectID, "key", key)
		return Decision{Reason: sessionmetrics.BlockedByIdempotency},
			sessionmetrics.RecordDuplicateBlocked(m, sessionmetrics.BlockedByIdempotency)
	}

	g.tracker.Register(key)
	g.lastText[subjectID] = trimmed
	g.lastSubmit[subjectID] = now

	return Decision{
		Allowed:   true,
		Key:       key,
		MessageID: idempotency.NewMessageID("msg"),
	}, sessionmetrics.RecordMessageAllowed(m)
}

// Confirm marks an allowed submission's key as confirmed with the server
// message id.
func (g *MessageGate) Confirm(key, messageID string) {
	g.tracker.UpdateStatus(key, idempotency.StatusConfirmed, messageID)
}

// FailKey marks an allowed submission's key as failed so a retry is not
// treated as a duplicate forever.
func (g *MessageGate) FailKey(key string) {
	g.tracker.UpdateStatus(key, idempotency.StatusFailed, "")
}
