package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, DefaultRetentionDays, zap.NewNop())
	require.NoError(t, err)
	return l, dir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestLogWritesOneJSONLinePerEntry(t *testing.T) {
	l, dir := newTestLogger(t)
	l.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	require.NoError(t, l.Log(Entry{
		CorrelationID: "01JW0000000000000000000000",
		EventType:     EventToolCall,
		ToolName:      "mcp__github__create_issue",
		Status:        StatusSuccess,
		LatencyMs:     42,
	}))
	require.NoError(t, l.Log(Entry{
		CorrelationID: "01JW0000000000000000000001",
		EventType:     EventAuthFailure,
		Status:        StatusRejected,
		ErrorMessage:  "invalid token",
	}))

	lines := readLines(t, filepath.Join(dir, "audit-2025-06-01.log"))
	require.Len(t, lines, 2)

	var first Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventToolCall, first.EventType)
	assert.Equal(t, "mcp__github__create_issue", first.ToolName)
	assert.Equal(t, int64(42), first.LatencyMs)
	assert.Equal(t, StatusSuccess, first.Status)

	var second Entry
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, EventAuthFailure, second.EventType)
	assert.Equal(t, "invalid token", second.ErrorMessage)

	// Optional fields are omitted, not written as empty strings.
	assert.NotContains(t, lines[1], "toolName")
	assert.NotContains(t, lines[1], "clientId")
}

func TestFileNameUsesUTCDate(t *testing.T) {
	l, dir := newTestLogger(t)

	// 03:00 at UTC+5 is still the previous day in UTC.
	zone := time.FixedZone("UTC+5", 5*3600)
	l.now = func() time.Time {
		return time.Date(2025, 6, 2, 3, 0, 0, 0, zone)
	}

	require.NoError(t, l.Log(Entry{EventType: EventDiscovery, Status: StatusSuccess}))

	assert.FileExists(t, filepath.Join(dir, "audit-2025-06-01.log"))
	assert.NoFileExists(t, filepath.Join(dir, "audit-2025-06-02.log"))
}

func TestTimestampsAreUTC(t *testing.T) {
	l, dir := newTestLogger(t)
	l.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	zone := time.FixedZone("UTC-7", -7*3600)
	require.NoError(t, l.Log(Entry{
		EventType: EventToolCall,
		Status:    StatusSuccess,
		Timestamp: time.Date(2025, 6, 1, 5, 0, 0, 0, zone),
	}))

	lines := readLines(t, filepath.Join(dir, "audit-2025-06-01.log"))
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"2025-06-01T12:00:00Z"`)
}

func TestDayRollover(t *testing.T) {
	l, dir := newTestLogger(t)

	current := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return current }

	require.NoError(t, l.Log(Entry{EventType: EventToolCall, Status: StatusSuccess}))

	current = current.Add(2 * time.Minute)
	require.NoError(t, l.Log(Entry{EventType: EventToolCall, Status: StatusSuccess}))

	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2025-06-01.log")), 1)
	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2025-06-02.log")), 1)
}

func TestRotateRecomputesPath(t *testing.T) {
	l, dir := newTestLogger(t)
	l.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	require.NoError(t, l.Log(Entry{EventType: EventToolCall, Status: StatusSuccess}))
	l.Rotate()
	require.NoError(t, l.Log(Entry{EventType: EventToolCall, Status: StatusSuccess}))

	// Same UTC day, so the recomputed path is the same file.
	assert.Len(t, readLines(t, filepath.Join(dir, "audit-2025-06-01.log")), 2)
}

func TestConcurrentLogsNeverInterleave(t *testing.T) {
	l, dir := newTestLogger(t)
	l.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}

	const writers = 10
	const perWriter = 20

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				err := l.Log(Entry{
					CorrelationID: fmt.Sprintf("writer-%d-entry-%d", n, j),
					EventType:     EventToolCall,
					Status:        StatusSuccess,
					Metadata:      map[string]interface{}{"writer": n, "seq": j},
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	lines := readLines(t, filepath.Join(dir, "audit-2025-06-01.log"))
	require.Len(t, lines, writers*perWriter)
	for i, line := range lines {
		var e Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e), "line %d is not valid JSON: %s", i, line)
		assert.NotEmpty(t, e.CorrelationID)
	}
}

func TestCleanupRetentionBoundary(t *testing.T) {
	l, dir := newTestLogger(t)
	now := time.Date(2025, 6, 30, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	write := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o600))
	}

	today := now.Format("2006-01-02")
	boundary := now.AddDate(0, 0, -DefaultRetentionDays).Format("2006-01-02")
	expired := now.AddDate(0, 0, -DefaultRetentionDays-1).Format("2006-01-02")
	ancient := now.AddDate(0, 0, -200).Format("2006-01-02")

	write("audit-" + today + ".log")
	write("audit-" + boundary + ".log")
	write("audit-" + expired + ".log")
	write("audit-" + ancient + ".log")
	// Names that do not match the strict pattern are never touched.
	write("audit-2025-1-1.log")
	write("audit-2020-01-01.log.bak")
	write("notes.txt")
	write("audit-9999-99-99.log")

	removed, err := l.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.FileExists(t, filepath.Join(dir, "audit-"+today+".log"))
	// A file dated exactly retentionDays ago survives.
	assert.FileExists(t, filepath.Join(dir, "audit-"+boundary+".log"))
	assert.NoFileExists(t, filepath.Join(dir, "audit-"+expired+".log"))
	assert.NoFileExists(t, filepath.Join(dir, "audit-"+ancient+".log"))

	assert.FileExists(t, filepath.Join(dir, "audit-2025-1-1.log"))
	assert.FileExists(t, filepath.Join(dir, "audit-2020-01-01.log.bak"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.FileExists(t, filepath.Join(dir, "audit-9999-99-99.log"))
}

func TestCleanupMissingDirectory(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "never-created"), 30, zap.NewNop())
	require.NoError(t, err)

	removed, err := l.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestRetentionValidation(t *testing.T) {
	t.Setenv(RetentionEnvVar, "")
	dir := t.TempDir()

	tests := []struct {
		name    string
		days    int
		wantErr bool
	}{
		{"default from zero", 0, false},
		{"minimum", 1, false},
		{"maximum", 365, false},
		{"negative", -1, true},
		{"above maximum", 366, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(dir, tt.days, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.days == 0 {
				assert.Equal(t, DefaultRetentionDays, l.RetentionDays())
			} else {
				assert.Equal(t, tt.days, l.RetentionDays())
			}
		})
	}
}

func TestRetentionEnvOverride(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid override wins", func(t *testing.T) {
		t.Setenv(RetentionEnvVar, "7")
		l, err := New(dir, 90, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, 7, l.RetentionDays())
	})

	t.Run("unparseable fails fast", func(t *testing.T) {
		t.Setenv(RetentionEnvVar, "a month")
		_, err := New(dir, 30, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("out of range fails fast", func(t *testing.T) {
		t.Setenv(RetentionEnvVar, "0")
		_, err := New(dir, 30, zap.NewNop())
		assert.Error(t, err)

		t.Setenv(RetentionEnvVar, "1000")
		_, err = New(dir, 30, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestLogCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "audit")
	l, err := New(dir, 30, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, l.Log(Entry{EventType: EventShutdown, Status: StatusSuccess}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "audit-"))
}

func TestFlushIsNoOp(t *testing.T) {
	l, _ := newTestLogger(t)
	assert.NoError(t, l.Flush())
}
