package storage

import (
	"encoding/json"
	"time"
)

// ExecutionRecordsBucket is the BBolt bucket name for execution history records
const ExecutionRecordsBucket = "execution_records"

// Execution status values stored in history records
const (
	// ExecutionStatusSuccess means the script ran to completion
	ExecutionStatusSuccess = "success"
	// ExecutionStatusError means the script threw or the runtime failed
	ExecutionStatusError = "error"
	// ExecutionStatusTimeout means the script was killed at its deadline
	ExecutionStatusTimeout = "timeout"
)

// ToolCallRecord summarizes one upstream tool call made during an execution
type ToolCallRecord struct {
	ToolName     string `json:"tool_name"`               // Fully qualified name (mcp__server__tool)
	Status       string `json:"status"`                  // "success" or "error"
	DurationMs   int64  `json:"duration_ms,omitempty"`   // Wall time of the forwarded call
	ErrorMessage string `json:"error_message,omitempty"` // Error details if the call failed
	ResultTokens int    `json:"result_tokens,omitempty"` // Estimated token count of the result
}

// ExecutionRecord represents a single finished sandbox execution stored in BBolt
type ExecutionRecord struct {
	ID              string                 `json:"id"`                         // Execution ID from the orchestrator
	Language        string                 `json:"language"`                   // "typescript" or "python"
	Status          string                 `json:"status"`                     // "success", "error", "timeout"
	CodeHash        string                 `json:"code_hash,omitempty"`        // SHA-256 of the submitted source
	CodeSize        int                    `json:"code_size,omitempty"`        // Byte length of the submitted source
	Output          string                 `json:"output,omitempty"`           // Captured output (potentially truncated)
	OutputTruncated bool                   `json:"output_truncated,omitempty"` // True if output was truncated for storage
	ErrorMessage    string                 `json:"error_message,omitempty"`    // Error details if status is not "success"
	DurationMs      int64                  `json:"duration_ms,omitempty"`      // Execution wall time in milliseconds
	ToolCalls       []ToolCallRecord       `json:"tool_calls,omitempty"`       // Per-call summaries from the usage tracker
	ToolCallCount   int                    `json:"tool_call_count"`            // Total upstream calls made
	StartedAt       time.Time              `json:"started_at"`                 // When the execution started
	SessionID       string                 `json:"session_id,omitempty"`       // MCP session ID for correlation
	RequestID       string                 `json:"request_id,omitempty"`       // Request correlation ID
	Metadata        map[string]interface{} `json:"metadata,omitempty"`         // Additional context-specific data
}

// MarshalBinary implements encoding.BinaryMarshaler for BBolt storage
func (r *ExecutionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for BBolt storage
func (r *ExecutionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// ExecutionFilter represents query parameters for filtering execution records
type ExecutionFilter struct {
	Language  string    // Filter by language ("typescript", "python")
	Status    string    // Filter by status (success/error/timeout)
	SessionID string    // Filter by MCP session
	StartTime time.Time // Executions started after this time
	EndTime   time.Time // Executions started before this time
	Limit     int       // Max records to return (default 50, max 100)
	Offset    int       // Pagination offset
}

// DefaultExecutionFilter returns an ExecutionFilter with sensible defaults
func DefaultExecutionFilter() ExecutionFilter {
	return ExecutionFilter{
		Limit:  50,
		Offset: 0,
	}
}

// Validate validates and normalizes the filter
func (f *ExecutionFilter) Validate() {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches checks if an execution record matches the filter criteria
func (f *ExecutionFilter) Matches(record *ExecutionRecord) bool {
	if f.Language != "" && record.Language != f.Language {
		return false
	}

	if f.Status != "" && record.Status != f.Status {
		return false
	}

	if f.SessionID != "" && record.SessionID != f.SessionID {
		return false
	}

	if !f.StartTime.IsZero() && record.StartedAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && record.StartedAt.After(f.EndTime) {
		return false
	}

	return true
}
