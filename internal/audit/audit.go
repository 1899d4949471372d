// Package audit writes security-relevant events as line-delimited JSON,
// one file per UTC day, with date-based retention. Writes are
// serialized so lines from concurrent callers never interleave.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventAuthFailure EventType = "auth_failure"
	EventRateLimited EventType = "rate_limited"
	EventCircuitOpen EventType = "circuit_open"
	EventQueueFull   EventType = "queue_full"
	EventToolCall    EventType = "tool_call"
	EventShutdown    EventType = "shutdown"
	EventDiscovery   EventType = "discovery"
)

// Status is the outcome recorded with an entry.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusRejected Status = "rejected"
)

// Entry is one audit record. ClientID and ParamsHash carry SHA-256
// hashes, never raw identifiers or parameters.
type Entry struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	EventType     EventType              `json:"eventType"`
	ClientID      string                 `json:"clientId,omitempty"`
	ClientIP      string                 `json:"clientIp,omitempty"`
	ToolName      string                 `json:"toolName,omitempty"`
	ParamsHash    string                 `json:"paramsHash,omitempty"`
	Status        Status                 `json:"status"`
	ErrorMessage  string                 `json:"errorMessage,omitempty"`
	LatencyMs     int64                  `json:"latencyMs,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

const (
	DefaultRetentionDays = 30
	MinRetentionDays     = 1
	MaxRetentionDays     = 365

	// RetentionEnvVar overrides the configured retention window.
	RetentionEnvVar = "AUDIT_LOG_RETENTION_DAYS"

	fileDateLayout = "2006-01-02"
)

var fileNamePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})\.log$`)

// Logger appends audit entries to audit-YYYY-MM-DD.log files under dir.
type Logger struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	logger        *zap.Logger

	// path caches the current day's file; invalidated by Rotate and
	// recomputed whenever the UTC day changes.
	path string
	day  string

	now func() time.Time
}

// New creates an audit logger writing under dir. The retention window
// defaults to 30 days; AUDIT_LOG_RETENTION_DAYS overrides the given
// value and an unparseable or out-of-range override fails construction.
func New(dir string, retentionDays int, logger *zap.Logger) (*Logger, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retentionDays == 0 {
		retentionDays = DefaultRetentionDays
	}

	if v := os.Getenv(RetentionEnvVar); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q: %w", RetentionEnvVar, v, err)
		}
		retentionDays = n
	}
	if retentionDays < MinRetentionDays || retentionDays > MaxRetentionDays {
		return nil, fmt.Errorf("audit retention must be between %d and %d days, got %d",
			MinRetentionDays, MaxRetentionDays, retentionDays)
	}

	return &Logger{
		dir:           dir,
		retentionDays: retentionDays,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// RetentionDays returns the effective retention window.
func (l *Logger) RetentionDays() int {
	return l.retentionDays
}

// Dir returns the audit log directory.
func (l *Logger) Dir() string {
	return l.dir
}

// Log appends one entry to the current UTC day's file. A zero
// timestamp is filled with the current time; timestamps are always
// written in UTC.
func (l *Logger) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	} else {
		entry.Timestamp = entry.Timestamp.UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}

	day := now.Format(fileDateLayout)
	if l.path == "" || l.day != day {
		l.path = filepath.Join(l.dir, "audit-"+day+".log")
		l.day = day
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Rotate invalidates the cached file path so the next append
// recomputes it. Taken under the write lock so an in-flight append
// cannot finish into the old day's file.
func (l *Logger) Rotate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = ""
	l.day = ""
}

// Cleanup removes audit files older than the retention window and
// returns how many were removed. A file dated exactly retentionDays
// ago is kept; only strictly older files go. Filenames that do not
// match audit-YYYY-MM-DD.log exactly are left alone.
func (l *Logger) Cleanup() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list audit log directory: %w", err)
	}

	nowUTC := l.now().UTC()
	midnight := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := midnight.AddDate(0, 0, -l.retentionDays)

	removed := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		m := fileNamePattern.FindStringSubmatch(de.Name())
		if m == nil {
			continue
		}
		fileDate, err := time.ParseInLocation(fileDateLayout, m[1], time.UTC)
		if err != nil {
			continue
		}
		if !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, de.Name())); err != nil {
			l.logger.Warn("Failed to remove expired audit log",
				zap.String("file", de.Name()),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Flush is a no-op: entries are single O_APPEND writes and hit the file
// as they are logged. Kept for symmetry with buffered implementations.
func (l *Logger) Flush() error {
	return nil
}
