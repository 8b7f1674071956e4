// Package idempotency derives deterministic submission keys and tracks
// their lifecycle so duplicate message sends (retried requests, rapid
// double-submits) can be suppressed before a turn starts.
//
// This is a client-side heuristic, not a transactional guarantee: a true
// exactly-once contract needs server-side correlation by message ID.
package idempotency

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf16"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tracked submission key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

const (
	// DefaultWindowMs buckets rapid submissions of identical content.
	DefaultWindowMs = 5000
	// DefaultMaxAge is how long a key stays valid.
	DefaultMaxAge = 60 * time.Second
	// DefaultMaxSize caps the number of tracked keys.
	DefaultMaxSize = 100
)

// Entry is one tracked submission key.
type Entry struct {
	Key       string
	CreatedAt time.Time
	Status    Status
	MessageID string
}

// GenerateKey derives the idempotency key for a submission: the djb2 hash
// of the trimmed content, bucketed by time window. Identical trimmed
// content from the same subject within one window always produces the same
// key; crossing a window boundary changes it.
func GenerateKey(subjectID, content string, windowMs int64) string {
	return GenerateKeyAt(subjectID, content, windowMs, time.Now())
}

// GenerateKeyAt is GenerateKey with an explicit clock.
func GenerateKeyAt(subjectID, content string, windowMs int64, now time.Time) string {
	if windowMs <= 0 {
		windowMs = DefaultWindowMs
	}
	hash := hashContent(trimSpace(content))
	window := now.UnixMilli() / windowMs
	return fmt.Sprintf("%s-%x-%d", subjectID, hash, window)
}

// hashContent is djb2 with XOR mixing over UTF-16 code units, reduced to
// unsigned 32 bits. Iterating code units rather than runes keeps keys
// stable across clients that hash JavaScript strings: supplementary
// characters contribute their surrogate pair, not the code point.
func hashContent(s string) uint32 {
	var hash uint32 = 5381
	for _, u := range utf16.Encode([]rune(s)) {
		hash = ((hash << 5) + hash) ^ uint32(u)
	}
	return hash
}

// trimSpace trims Unicode whitespace plus the BOM, matching what
// JavaScript's String.prototype.trim removes.
func trimSpace(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\uFEFF'
	})
}

// Tracker is a bounded map of submission keys to status. Expired entries
// are reaped lazily on read and opportunistically when the tracker is at
// capacity; there is no background sweep.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry
	maxAge  time.Duration
	maxSize int
	now     func() time.Time
}

// NewTracker creates a tracker. Zero values select the defaults.
func NewTracker(maxAge time.Duration, maxSize int) *Tracker {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		maxAge:  maxAge,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Register inserts a new pending entry for key. At capacity it first
// purges aged entries, then evicts the oldest entry if still full.
func (t *Tracker) Register(key string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if len(t.entries) >= t.maxSize {
		t.purgeExpiredLocked(now)
		if len(t.entries) >= t.maxSize {
			t.evictOldestLocked()
		}
	}

	entry := &Entry{Key: key, CreatedAt: now, Status: StatusPending}
	t.entries[key] = entry
	return *entry
}

// HasValidKey reports whether key exists and is within maxAge. Expired
// entries are removed on the way out.
func (t *Tracker) HasValidKey(key string) bool {
	_, ok := t.KeyStatus(key)
	return ok
}

// KeyStatus returns the entry for key, evicting and reporting false if it
// has aged out.
func (t *Tracker) KeyStatus(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	if t.now().Sub(entry.CreatedAt) > t.maxAge {
		delete(t.entries, key)
		return Entry{}, false
	}
	return *entry, true
}

// UpdateStatus mutates the entry in place. Absent keys are a no-op.
func (t *Tracker) UpdateStatus(key string, status Status, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return
	}
	entry.Status = status
	if messageID != "" {
		entry.MessageID = messageID
	}
}

// Len returns the number of tracked keys, including any not yet reaped.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cleanup removes all aged entries and returns how many were evicted.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.purgeExpiredLocked(t.now())
}

func (t *Tracker) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for key, entry := range t.entries {
		if now.Sub(entry.CreatedAt) > t.maxAge {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

func (t *Tracker) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range t.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(t.entries, oldestKey)
	}
}

// NewMessageID generates a unique message ID with the given prefix.
func NewMessageID(prefix string) string {
	if prefix == "" {
		prefix = "msg"
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("%s-%s-%s", prefix, ts, uuid.NewString()[:8])
}
