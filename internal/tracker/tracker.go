// Package tracker records the upstream tool calls made during one
// sandboxed execution. The append log is the only state; every view
// handed out is derived from it on demand and copied, so callers can
// never mutate the tracker through a returned value.
package tracker

import (
	"sync"
	"time"
)

// CallStatus is the outcome of one forwarded tool call.
type CallStatus string

const (
	StatusSuccess CallStatus = "success"
	StatusError   CallStatus = "error"
)

// Call is one forwarded upstream tool call.
type Call struct {
	ToolName     string     `json:"toolName"`
	DurationMs   int64      `json:"durationMs"`
	Status       CallStatus `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ResultTokens int        `json:"resultTokens,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Summary aggregates every call made to one tool.
type Summary struct {
	ToolName           string     `json:"toolName"`
	CallCount          int        `json:"callCount"`
	SuccessCount       int        `json:"successCount"`
	ErrorCount         int        `json:"errorCount"`
	AverageDurationMs  float64    `json:"averageDurationMs"`
	LastCallDurationMs int64      `json:"lastCallDurationMs"`
	LastCallStatus     CallStatus `json:"lastCallStatus"`
	LastErrorMessage   string     `json:"lastErrorMessage,omitempty"`
	LastCalledAt       time.Time  `json:"lastCalledAt"`
	TotalResultTokens  int        `json:"totalResultTokens,omitempty"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	calls []Call
}

func New() *Tracker {
	return &Tracker{}
}

// Record appends one call. A zero timestamp is filled with the current
// time in UTC.
func (t *Tracker) Record(call Call) {
	if call.Timestamp.IsZero() {
		call.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

// GetCalls returns the calls in the order they were recorded.
func (t *Tracker) GetCalls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// GetUniqueCalls returns the distinct tool names in first-call order.
func (t *Tracker) GetUniqueCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(t.calls))
	var names []string
	for _, call := range t.calls {
		if !seen[call.ToolName] {
			seen[call.ToolName] = true
			names = append(names, call.ToolName)
		}
	}
	return names
}

// GetSummary aggregates the call log per tool, in first-call order.
func (t *Tracker) GetSummary() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := make(map[string]int, len(t.calls))
	var summaries []Summary
	for _, call := range t.calls {
		i, ok := index[call.ToolName]
		if !ok {
			i = len(summaries)
			index[call.ToolName] = i
			summaries = append(summaries, Summary{ToolName: call.ToolName})
		}

		s := &summaries[i]
		s.CallCount++
		if call.Status == StatusSuccess {
			s.SuccessCount++
		} else {
			s.ErrorCount++
		}
		// Running mean over durations seen so far for this tool.
		s.AverageDurationMs += (float64(call.DurationMs) - s.AverageDurationMs) / float64(s.CallCount)
		s.LastCallDurationMs = call.DurationMs
		s.LastCallStatus = call.Status
		if call.ErrorMessage != "" {
			s.LastErrorMessage = call.ErrorMessage
		}
		s.LastCalledAt = call.Timestamp
		s.TotalResultTokens += call.ResultTokens
	}
	return summaries
}

// Len reports how many calls have been recorded.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
