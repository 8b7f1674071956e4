// Package loopmetrics quantifies unproductive repetition in multi-step
// tool use. A Recorder keeps an append-only log of tool calls and
// progress evidence for one agent run, computes duplication, stall, and
// consecutive-repeat statistics, and checks them against configurable
// thresholds. Violations are advisory: the calling control loop decides
// whether to force a strategy change, they never halt execution here.
package loopmetrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ResultType classifies the outcome of one tool call.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultError   ResultType = "error"
	ResultEmpty   ResultType = "empty"
)

// ProgressType classifies forward-progress evidence.
type ProgressType string

const (
	ProgressFileCreated     ProgressType = "file_created"
	ProgressFileModified    ProgressType = "file_modified"
	ProgressSearchHit       ProgressType = "search_hit"
	ProgressPatchApplied    ProgressType = "patch_applied"
	ProgressAnswerGenerated ProgressType = "answer_generated"
	ProgressToolSuccess     ProgressType = "tool_success"
)

// ToolCallRecord is one logged tool call. ArgsHash ignores volatile
// argument fields so signature comparison is stable across retries.
type ToolCallRecord struct {
	ToolName       string
	Args           map[string]any
	ArgsHash       string
	Timestamp      time.Time
	IterationIndex int
	ResultType     ResultType
	ResultSummary  string
}

// ProgressMarker is append-only evidence that an iteration moved the
// task forward.
type ProgressMarker struct {
	Type           ProgressType
	Description    string
	Timestamp      time.Time
	IterationIndex int
}

// DuplicateCall describes a call signature seen more than once.
type DuplicateCall struct {
	ToolName string
	ArgsHash string
	Count    int
}

// Metrics is the computed view over one run's recorded data.
type Metrics struct {
	TotalToolCalls         int
	UniqueToolCalls        int
	MaxConsecutiveSameTool int
	DuplicateCallRate      float64
	StallSteps             int
	ProgressMarkers        []ProgressMarker
	// TimeToFirstProgress is negative when no progress was recorded.
	TimeToFirstProgress        time.Duration
	HasProgress                bool
	TotalIterations            int
	ToolCallsByName            map[string]int
	ConsecutiveSameToolHistory []int
	DuplicateCalls             []DuplicateCall
}

// Thresholds are the ceilings metrics are validated against.
type Thresholds struct {
	MaxConsecutiveSameTool int     `json:"maxConsecutiveSameTool" yaml:"max_consecutive_same_tool"`
	MaxDuplicateCallRate   float64 `json:"maxDuplicateCallRate" yaml:"max_duplicate_call_rate"`
	MaxStallSteps          int     `json:"maxStallSteps" yaml:"max_stall_steps"`
	MaxTotalToolCalls      int     `json:"maxTotalToolCalls" yaml:"max_total_tool_calls"`
}

// DefaultThresholds suit typical interactive tasks.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveSameTool: 2,
		MaxDuplicateCallRate:   0.15,
		MaxStallSteps:          2,
		MaxTotalToolCalls:      50,
	}
}

// StrictThresholds tighten every ceiling, for short well-scoped tasks.
func StrictThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveSameTool: 2,
		MaxDuplicateCallRate:   0.10,
		MaxStallSteps:          1,
		MaxTotalToolCalls:      30,
	}
}

// RelaxedThresholds loosen every ceiling, for long-running complex tasks.
func RelaxedThresholds() Thresholds {
	return Thresholds{
		MaxConsecutiveSameTool: 4,
		MaxDuplicateCallRate:   0.25,
		MaxStallSteps:          3,
		MaxTotalToolCalls:      100,
	}
}

// Violation reports one metric that exceeded its ceiling.
type Violation struct {
	Metric    string
	Actual    float64
	Threshold float64
	Message   string
}

// Recorder accumulates tool calls and progress markers for one agent run.
type Recorder struct {
	mu              sync.Mutex
	toolCalls       []ToolCallRecord
	progressMarkers []ProgressMarker
	iterationIndex  int
	startTime       time.Time
	thresholds      Thresholds
	now             func() time.Time
}

// NewRecorder creates a recorder validating against the given thresholds.
func NewRecorder(thresholds Thresholds) *Recorder {
	r := &Recorder{thresholds: thresholds, now: time.Now}
	r.startTime = r.now()
	return r
}

// HashArgs produces the deterministic call signature hash: arguments are
// keyed in sorted order with any key containing "timestamp", "random",
// or "id" excluded, so retries that only differ in volatile fields
// compare equal.
func HashArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for key := range args {
		if strings.Contains(key, "timestamp") ||
			strings.Contains(key, "random") ||
			strings.Contains(key, "id") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, _ := json.Marshal(key)
		valueJSON, _ := json.Marshal(args[key])
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valueJSON)
	}
	b.WriteByte('}')
	return b.String()
}

// RecordToolCall appends one tool call tagged with the current iteration.
func (r *Recorder) RecordToolCall(toolName string, args map[string]any, resultType ResultType, resultSummary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = append(r.toolCalls, ToolCallRecord{
		ToolName:       toolName,
		Args:           args,
		ArgsHash:       HashArgs(args),
		Timestamp:      r.now(),
		IterationIndex: r.iterationIndex,
		ResultType:     resultType,
		ResultSummary:  resultSummary,
	})
}

// RecordProgress appends progress evidence tagged with the current
// iteration.
func (r *Recorder) RecordProgress(progressType ProgressType, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressMarkers = append(r.progressMarkers, ProgressMarker{
		Type:           progressType,
		Description:    description,
		Timestamp:      r.now(),
		IterationIndex: r.iterationIndex,
	})
}

// NextIteration advances the iteration counter.
func (r *Recorder) NextIteration() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterationIndex++
}

// ComputeMetrics derives the full metric set from recorded data.
func (r *Recorder) ComputeMetrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	totalToolCalls := len(r.toolCalls)

	signatures := make([]string, totalToolCalls)
	signatureCounts := make(map[string]int)
	byName := make(map[string]int)
	for i, call := range r.toolCalls {
		sig := call.ToolName + ":" + call.ArgsHash
		signatures[i] = sig
		signatureCounts[sig]++
		byName[call.ToolName]++
	}

	maxConsecutive := 0
	var history []int
	if totalToolCalls > 0 {
		current := 1
		for i := 1; i < totalToolCalls; i++ {
			if r.toolCalls[i].ToolName == r.toolCalls[i-1].ToolName {
				current++
				continue
			}
			history = append(history, current)
			if current > maxConsecutive {
				maxConsecutive = current
			}
			current = 1
		}
		history = append(history, current)
		if current > maxConsecutive {
			maxConsecutive = current
		}
	}

	var duplicates []DuplicateCall
	totalDuplicates := 0
	for sig, count := range signatureCounts {
		if count <= 1 {
			continue
		}
		toolName, argsHash, _ := strings.Cut(sig, ":")
		duplicates = append(duplicates, DuplicateCall{
			ToolName: toolName,
			ArgsHash: argsHash,
			Count:    count,
		})
		totalDuplicates += count - 1
	}
	sort.Slice(duplicates, func(i, j int) bool {
		if duplicates[i].Count != duplicates[j].Count {
			return duplicates[i].Count > duplicates[j].Count
		}
		return duplicates[i].ToolName < duplicates[j].ToolName
	})

	duplicateRate := 0.0
	if totalToolCalls > 0 {
		duplicateRate = float64(totalDuplicates) / float64(totalToolCalls)
	}

	withProgress := make(map[int]bool)
	for _, marker := range r.progressMarkers {
		withProgress[marker.IterationIndex] = true
	}
	stallSteps := 0
	for i := 0; i <= r.iterationIndex; i++ {
		if !withProgress[i] {
			stallSteps++
		}
	}

	timeToFirst := time.Duration(-1)
	hasProgress := len(r.progressMarkers) > 0
	if hasProgress {
		timeToFirst = r.progressMarkers[0].Timestamp.Sub(r.startTime)
	}

	return Metrics{
		TotalToolCalls:             totalToolCalls,
		UniqueToolCalls:            len(signatureCounts),
		MaxConsecutiveSameTool:     maxConsecutive,
		DuplicateCallRate:          duplicateRate,
		StallSteps:                 stallSteps,
		ProgressMarkers:            append([]ProgressMarker(nil), r.progressMarkers...),
		TimeToFirstProgress:        timeToFirst,
		HasProgress:                hasProgress,
		TotalIterations:            r.iterationIndex + 1,
		ToolCallsByName:            byName,
		ConsecutiveSameToolHistory: history,
		DuplicateCalls:             duplicates,
	}
}

// ValidateMetrics compares metrics against the recorder's thresholds and
// returns the violations. An empty slice means every ceiling held.
func (r *Recorder) ValidateMetrics(m Metrics) []Violation {
	r.mu.Lock()
	thresholds := r.thresholds
	r.mu.Unlock()

	var violations []Violation
	if m.MaxConsecutiveSameTool > thresholds.MaxConsecutiveSameTool {
		violations = append(violations, Violation{
			Metric:    "maxConsecutiveSameTool",
			Actual:    float64(m.MaxConsecutiveSameTool),
			Threshold: float64(thresholds.MaxConsecutiveSameTool),
			Message: fmt.Sprintf("agent called same tool %d times consecutively (max: %d)",
				m.MaxConsecutiveSameTool, thresholds.MaxConsecutiveSameTool),
		})
	}
	if m.DuplicateCallRate > thresholds.MaxDuplicateCallRate {
		violations = append(violations, Violation{
			Metric:    "duplicateCallRate",
			Actual:    m.DuplicateCallRate,
			Threshold: thresholds.MaxDuplicateCallRate,
			Message: fmt.Sprintf("duplicate call rate %.1f%% exceeds threshold %.1f%%",
				m.DuplicateCallRate*100, thresholds.MaxDuplicateCallRate*100),
		})
	}
	if m.StallSteps > thresholds.MaxStallSteps {
		violations = append(violations, Violation{
			Metric:    "stallSteps",
			Actual:    float64(m.StallSteps),
			Threshold: float64(thresholds.MaxStallSteps),
			Message: fmt.Sprintf("agent stalled for %d iterations without progress (max: %d)",
				m.StallSteps, thresholds.MaxStallSteps),
		})
	}
	if m.TotalToolCalls > thresholds.MaxTotalToolCalls {
		violations = append(violations, Violation{
			Metric:    "totalToolCalls",
			Actual:    float64(m.TotalToolCalls),
			Threshold: float64(thresholds.MaxTotalToolCalls),
			Message: fmt.Sprintf("agent made %d tool calls (max: %d)",
				m.TotalToolCalls, thresholds.MaxTotalToolCalls),
		})
	}
	return violations
}

// Validate computes metrics and validates them in one step.
func (r *Recorder) Validate() []Violation {
	return r.ValidateMetrics(r.ComputeMetrics())
}

// Report renders a human-readable metrics report for operators.
func (r *Recorder) Report() string {
	metrics := r.ComputeMetrics()
	violations := r.ValidateMetrics(metrics)

	rule := strings.Repeat("=", 60)
	lines := []string{
		rule,
		"LOOP METRICS REPORT",
		rule,
		"",
		"SUMMARY:",
		fmt.Sprintf("  Total Tool Calls: %d", metrics.TotalToolCalls),
		fmt.Sprintf("  Unique Tool Calls: %d", metrics.UniqueToolCalls),
		fmt.Sprintf("  Max Consecutive Same Tool: %d", metrics.MaxConsecutiveSameTool),
		fmt.Sprintf("  Duplicate Call Rate: %.1f%%", metrics.DuplicateCallRate*100),
		fmt.Sprintf("  Stall Steps: %d", metrics.StallSteps),
		fmt.Sprintf("  Total Iterations: %d", metrics.TotalIterations),
		fmt.Sprintf("  Progress Markers: %d", len(metrics.ProgressMarkers)),
	}
	if metrics.HasProgress {
		lines = append(lines, fmt.Sprintf("  Time to First Progress: %dms", metrics.TimeToFirstProgress.Milliseconds()))
	} else {
		lines = append(lines, "  Time to First Progress: N/A")
	}

	lines = append(lines, "", "TOOL CALL DISTRIBUTION:")
	names := make([]string, 0, len(metrics.ToolCallsByName))
	for name := range metrics.ToolCallsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %s: %d", name, metrics.ToolCallsByName[name]))
	}
	lines = append(lines, "")

	if len(metrics.DuplicateCalls) > 0 {
		lines = append(lines, "DUPLICATE CALLS:")
		for _, dup := range metrics.DuplicateCalls {
			hash := dup.ArgsHash
			if len(hash) > 50 {
				hash = hash[:50] + "..."
			}
			lines = append(lines, fmt.Sprintf("  %s (%dx): %s", dup.ToolName, dup.Count, hash))
		}
		lines = append(lines, "")
	}

	if len(violations) > 0 {
		lines = append(lines, "VIOLATIONS:")
		for _, v := range violations {
			lines = append(lines, fmt.Sprintf("  [FAIL] %s", v.Message))
		}
		lines = append(lines, "")
	} else {
		lines = append(lines, "VALIDATION: All thresholds passed", "")
	}

	lines = append(lines, rule)
	return strings.Join(lines, "\n")
}

// Reset discards all recorded data and restarts the run clock.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolCalls = nil
	r.progressMarkers = nil
	r.iterationIndex = 0
	r.startTime = r.now()
}
