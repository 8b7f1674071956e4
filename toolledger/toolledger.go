// Package toolledger records every tool invocation in a turn-taking agent
// session: lifecycle transitions, durations, per-tool aggregates, and a
// bounded window of recent errors. The ledger is capacity-bounded; an
// in-flight execution is never evicted to make room.
package toolledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// ExecutionStatus is the lifecycle state of one tool invocation.
// Transitions only move forward: executing to completed or failed.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusExecuting ExecutionStatus = "executing"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

const (
	// MaxExecutions caps the ledger size.
	MaxExecutions = 500
	// MaxErrorsPerTool bounds the per-tool error window.
	MaxErrorsPerTool = 10
	// PreviewLength bounds args and result previews.
	PreviewLength = 100
)

// Execution is one recorded tool invocation, keyed by tool call ID.
type Execution struct {
	ID            string
	ToolName      string
	SubjectID     string
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        ExecutionStatus
	DurationMs    int64
	Error         string
	ArgsPreview   string
	ResultPreview string
}

// ToolStats is the per-tool aggregate, derived from completed and failed
// executions.
type ToolStats struct {
	ToolName        string
	ExecutionCount  int
	SuccessCount    int
	FailureCount    int
	TotalDurationMs int64
	AvgDurationMs   int64
	LastExecutedAt  time.Time
	// Errors holds the most recent failures, oldest first.
	Errors []string
}

// Summary is the ledger-wide rollup.
type Summary struct {
	TotalExecutions int
	SuccessRate     float64
	AvgDurationMs   int64
	PendingCount    int
	UniqueTools     int
	MostUsedTool    string
	SlowestTool     string
}

// Ledger tracks tool executions for one session.
type Ledger struct {
	mu             sync.Mutex
	executions     map[string]*Execution
	byTool         map[string]*ToolStats
	totalStarted   int
	totalSuccesses int
	totalFailures  int
	avgDurationMs  int64
	logger         *slog.Logger
	now            func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		executions: make(map[string]*Execution),
		byTool:     make(map[string]*ToolStats),
		logger:     logger,
		now:        time.Now,
	}
}

// LogStart records the beginning of a tool execution. At capacity the
// oldest non-executing entry is evicted first.
func (l *Ledger) LogStart(toolCallID, toolName, subjectID string, args json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.executions) >= MaxExecutions {
		if oldest := l.findOldestEvictableLocked(); oldest != "" {
			delete(l.executions, oldest)
		}
	}

	exec := &Execution{
		ID:        toolCallID,
		ToolName:  toolName,
		SubjectID: subjectID,
		StartedAt: l.now(),
		Status:    StatusExecuting,
	}
	if len(args) > 0 {
		exec.ArgsPreview = truncatePreview(string(args))
	}
	l.executions[toolCallID] = exec
	l.totalStarted++

	l.logger.Debug("tool execution started",
		"toolName", toolName,
		"toolCallId", toolCallID,
		"subjectId", subjectID)
}

// LogComplete marks an execution completed and folds its duration into
// the per-tool and ledger-wide running averages. Unknown IDs are logged
// and ignored.
func (l *Ledger) LogComplete(toolCallID string, result json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.executions[toolCallID]
	if !ok {
		l.logger.Warn("completion for unknown tool execution", "toolCallId", toolCallID)
		return
	}

	completedAt := l.now()
	durationMs := completedAt.Sub(exec.StartedAt).Milliseconds()

	exec.Status = StatusCompleted
	exec.CompletedAt = completedAt
	exec.DurationMs = durationMs
	if len(result) > 0 {
		exec.ResultPreview = truncatePreview(string(result))
	}

	stats := l.statsLocked(exec.ToolName)
	stats.ExecutionCount++
	stats.SuccessCount++
	stats.TotalDurationMs += durationMs
	// Running mean over successes, matching how the ledger-wide average
	// is maintained below.
	stats.AvgDurationMs = int64(math.Round(float64(stats.TotalDurationMs) / float64(stats.SuccessCount)))
	stats.LastExecutedAt = completedAt

	total := l.avgDurationMs*int64(l.totalSuccesses) + durationMs
	l.totalSuccesses++
	l.avgDurationMs = int64(math.Round(float64(total) / float64(l.totalSuccesses)))

	l.logger.Debug("tool execution completed",
		"toolName", exec.ToolName,
		"toolCallId", toolCallID,
		"durationMs", durationMs)
}

// LogFailed marks an execution failed, appends the error to the per-tool
// error window, and recomputes the tool average over all executions.
func (l *Ledger) LogFailed(toolCallID, execError string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.executions[toolCallID]
	if !ok {
		l.logger.Warn("failure for unknown tool execution", "toolCallId", toolCallID)
		return
	}

	completedAt := l.now()
	durationMs := completedAt.Sub(exec.StartedAt).Milliseconds()

	exec.Status = StatusFailed
	exec.CompletedAt = completedAt
	exec.DurationMs = durationMs
	exec.Error = execError

	stats := l.statsLocked(exec.ToolName)
	stats.ExecutionCount++
	stats.FailureCount++
	stats.TotalDurationMs += durationMs
	stats.AvgDurationMs = int64(math.Round(float64(stats.TotalDurationMs) / float64(stats.ExecutionCount)))
	stats.LastExecutedAt = completedAt
	stats.Errors = append(stats.Errors, execError)
	if len(stats.Errors) > MaxErrorsPerTool {
		stats.Errors = stats.Errors[1:]
	}

	l.totalFailures++

	l.logger.Error("tool execution failed",
		"toolName", exec.ToolName,
		"toolCallId", toolCallID,
		"durationMs", durationMs,
		"error", execError)
}

// Execution returns a copy of the recorded execution for toolCallID.
func (l *Ledger) Execution(toolCallID string) (Execution, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exec, ok := l.executions[toolCallID]
	if !ok {
		return Execution{}, false
	}
	return *exec, true
}

// ToolStatsFor returns a copy of the aggregate for toolName.
func (l *Ledger) ToolStatsFor(toolName string) (ToolStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats, ok := l.byTool[toolName]
	if !ok {
		return ToolStats{}, false
	}
	return copyStats(stats), true
}

// AllToolStats returns every tool aggregate sorted by execution count
// descending.
func (l *Ledger) AllToolStats() []ToolStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ToolStats, 0, len(l.byTool))
	for _, stats := range l.byTool {
		out = append(out, copyStats(stats))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExecutionCount > out[j].ExecutionCount
	})
	return out
}

// PendingExecutions returns executions still in flight.
func (l *Ledger) PendingExecutions() []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Execution
	for _, exec := range l.executions {
		if exec.Status == StatusExecuting {
			out = append(out, *exec)
		}
	}
	return out
}

// RecentExecutions returns up to limit executions, most recent first.
func (l *Ledger) RecentExecutions(limit int) []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedByStartLocked(limit, func(*Execution) bool { return true })
}

// FailedExecutions returns up to limit failed executions, most recent
// first.
func (l *Ledger) FailedExecutions(limit int) []Execution {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedByStartLocked(limit, func(e *Execution) bool {
		return e.Status == StatusFailed
	})
}

// GetSummary returns the ledger-wide rollup. An empty ledger reports a
// success rate of 1 and no most-used or slowest tool.
func (l *Ledger) GetSummary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	totalFinished := l.totalSuccesses + l.totalFailures
	successRate := 1.0
	if totalFinished > 0 {
		successRate = float64(l.totalSuccesses) / float64(totalFinished)
	}

	pending := 0
	for _, exec := range l.executions {
		if exec.Status == StatusExecuting {
			pending++
		}
	}

	var mostUsed, slowest string
	var maxCount int
	var maxAvg int64
	for _, stats := range l.byTool {
		if stats.ExecutionCount > maxCount {
			maxCount = stats.ExecutionCount
			mostUsed = stats.ToolName
		}
		if stats.AvgDurationMs > maxAvg {
			maxAvg = stats.AvgDurationMs
			slowest = stats.ToolName
		}
	}

	return Summary{
		TotalExecutions: l.totalStarted,
		SuccessRate:     successRate,
		AvgDurationMs:   l.avgDurationMs,
		PendingCount:    pending,
		UniqueTools:     len(l.byTool),
		MostUsedTool:    mostUsed,
		SlowestTool:     slowest,
	}
}

// FormatReport renders a human-readable metrics report for operators.
func (l *Ledger) FormatReport() string {
	summary := l.GetSummary()
	topTools := l.AllToolStats()
	if len(topTools) > 5 {
		topTools = topTools[:5]
	}

	var b strings.Builder
	b.WriteString("Tool Execution Metrics\n")
	fmt.Fprintf(&b, "  total executions: %d\n", summary.TotalExecutions)
	fmt.Fprintf(&b, "  success rate: %.1f%%\n", summary.SuccessRate*100)
	fmt.Fprintf(&b, "  avg duration: %dms\n", summary.AvgDurationMs)
	fmt.Fprintf(&b, "  pending: %d\n", summary.PendingCount)
	fmt.Fprintf(&b, "  unique tools: %d\n", summary.UniqueTools)

	if len(topTools) > 0 {
		b.WriteString("  top tools:\n")
		for _, tool := range topTools {
			rate := 100.0
			if tool.ExecutionCount > 0 {
				rate = float64(tool.SuccessCount) / float64(tool.ExecutionCount) * 100
			}
			fmt.Fprintf(&b, "    %s: %d calls, %.0f%% success, %dms avg\n",
				tool.ToolName, tool.ExecutionCount, rate, tool.AvgDurationMs)
		}
	}
	if summary.MostUsedTool != "" {
		fmt.Fprintf(&b, "  most used: %s\n", summary.MostUsedTool)
	}
	if summary.SlowestTool != "" {
		fmt.Fprintf(&b, "  slowest: %s\n", summary.SlowestTool)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *Ledger) statsLocked(toolName string) *ToolStats {
	stats, ok := l.byTool[toolName]
	if !ok {
		stats = &ToolStats{ToolName: toolName}
		l.byTool[toolName] = stats
	}
	return stats
}

func (l *Ledger) sortedByStartLocked(limit int, keep func(*Execution) bool) []Execution {
	var out []Execution
	for _, exec := range l.executions {
		if keep(exec) {
			out = append(out, *exec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// findOldestEvictableLocked returns the oldest entry whose status is not
// executing, or "" when every entry is in flight.
func (l *Ledger) findOldestEvictableLocked() string {
	var oldestID string
	var oldestAt time.Time
	for id, exec := range l.executions {
		if exec.Status == StatusExecuting {
			continue
		}
		if oldestID == "" || exec.StartedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = exec.StartedAt
		}
	}
	return oldestID
}

func copyStats(stats *ToolStats) ToolStats {
	out := *stats
	out.Errors = append([]string(nil), stats.Errors...)
	return out
}

func truncatePreview(s string) string {
	if len(s) <= PreviewLength {
		return s
	}
	return s[:PreviewLength] + "..."
}
