package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codebroker/internal/audit"
	"codebroker/internal/config"
	"codebroker/internal/hash"
	"codebroker/internal/schemacache"
	"codebroker/internal/storage"
	"codebroker/internal/upstream"
)

// stubBackend implements proxy.ToolBackend without any real upstreams.
type stubBackend struct {
	mu      sync.Mutex
	results map[string]interface{}
	errs    map[string]error
	delay   time.Duration
	called  []string
	schemas []upstream.ToolSchemaSummary
}

func newStubBackend() *stubBackend {
	return &stubBackend{
		results: map[string]interface{}{},
		errs:    map[string]error{},
	}
}

func (b *stubBackend) CallTool(ctx context.Context, fullName string, params map[string]interface{}) (interface{}, error) {
	b.mu.Lock()
	b.called = append(b.called, fullName)
	delay := b.delay
	err := b.errs[fullName]
	result, ok := b.results[fullName]
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		result = "ok"
	}
	return result, nil
}

func (b *stubBackend) ListAllToolSchemas(_ context.Context, _ upstream.SchemaSource) []upstream.ToolSchemaSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.schemas
}

func (b *stubBackend) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.called))
	copy(out, b.called)
	return out
}

// stubSchemas implements proxy.SchemaProvider from a fixed map.
type stubSchemas struct {
	entries map[string]*schemacache.ToolSchema
}

func (s *stubSchemas) GetToolSchema(_ context.Context, fullName string) (*schemacache.ToolSchema, error) {
	return s.entries[fullName], nil
}

func (s *stubSchemas) PrePopulate(context.Context) {}

func (s *stubSchemas) GetStats() schemacache.Stats { return schemacache.Stats{} }

type orchHarness struct {
	orch     *Orchestrator
	backend  *stubBackend
	history  *storage.Manager
	cfg      *config.Config
	auditDir string
}

func newTestOrchestrator(t *testing.T, mutate func(*Options)) *orchHarness {
	t.Helper()
	t.Setenv(audit.RetentionEnvVar, "")

	backend := newStubBackend()
	auditDir := t.TempDir()
	auditor, err := audit.New(auditDir, 30, zap.NewNop())
	require.NoError(t, err)

	history, err := storage.NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	cfg := config.DefaultConfig()
	cfg.Sandbox.MaxOutputBytes = 1 << 16

	opts := Options{
		Pool:    backend,
		Cache:   &stubSchemas{entries: map[string]*schemacache.ToolSchema{}},
		Audit:   auditor,
		Config:  cfg,
		History: history,
		Logger:  zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := NewOrchestrator(opts)
	require.NoError(t, err)

	return &orchHarness{
		orch:     orch,
		backend:  backend,
		history:  history,
		cfg:      cfg,
		auditDir: auditDir,
	}
}

func (h *orchHarness) auditEvents(t *testing.T) []map[string]interface{} {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(h.auditDir, "audit-*.log"))
	require.NoError(t, err)

	var entries []map[string]interface{}
	for _, file := range files {
		f, err := os.Open(file)
		require.NoError(t, err)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
			entries = append(entries, entry)
		}
		require.NoError(t, scanner.Err())
		require.NoError(t, f.Close())
	}
	return entries
}

func TestExecuteTypeScriptEndToEnd(t *testing.T) {
	h := newTestOrchestrator(t, nil)
	h.backend.results["mcp__fs__list_directory"] = "file-a file-b"

	res := h.orch.Execute(context.Background(), Request{
		Language: "typescript",
		Code: `
			const listing = callMCPTool("mcp__fs__list_directory", {path: "/tmp"});
			console.log("listing:", listing);
			const again = callMCPTool("mcp__fs__list_directory", {path: "/var"});
			console.log("again:", again);
		`,
		AllowedTools: []string{"mcp__fs__list_directory"},
	})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "listing: file-a file-b")
	assert.Contains(t, res.Output, "again: file-a file-b")
	assert.Equal(t, []string{"mcp__fs__list_directory"}, res.ToolCallsMade)
	require.Len(t, res.ToolCallSummary, 1)
	assert.Equal(t, 2, res.ToolCallSummary[0].CallCount)
	assert.Equal(t, 2, res.ToolCallSummary[0].SuccessCount)
	assert.Len(t, h.backend.calls(), 2)
}

func TestExecuteRecordsHistory(t *testing.T) {
	h := newTestOrchestrator(t, nil)
	code := `callMCPTool("mcp__fs__list_directory", {path: "/tmp"});`

	res := h.orch.Execute(context.Background(), Request{
		Language:     "typescript",
		Code:         code,
		AllowedTools: []string{"mcp__fs__list_directory"},
		SessionID:    "session-42",
	})
	require.True(t, res.Success, res.Error)

	records, total, err := h.history.ListExecutions(storage.DefaultExecutionFilter())
	require.NoError(t, err)
	require.Equal(t, 1, total)

	record := records[0]
	assert.Equal(t, LanguageTypeScript, record.Language)
	assert.Equal(t, storage.ExecutionStatusSuccess, record.Status)
	assert.Equal(t, hash.StringHash(code), record.CodeHash)
	assert.Equal(t, len(code), record.CodeSize)
	assert.Equal(t, 1, record.ToolCallCount)
	assert.Equal(t, "session-42", record.SessionID)
	assert.NotEmpty(t, record.RequestID)
	assert.False(t, record.StartedAt.IsZero())
	require.Len(t, record.ToolCalls, 1)
	assert.Equal(t, "mcp__fs__list_directory", record.ToolCalls[0].ToolName)
}

func TestExecuteAuditsShutdown(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{
		Language: "typescript",
		Code:     `console.log("quiet run");`,
	})
	require.True(t, res.Success, res.Error)

	var shutdown map[string]interface{}
	for _, entry := range h.auditEvents(t) {
		if entry["eventType"] == "shutdown" {
			shutdown = entry
		}
	}
	require.NotNil(t, shutdown, "every execution must audit its teardown")
	assert.Equal(t, "success", shutdown["status"])

	metadata, ok := shutdown["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "typescript", metadata["language"])
	assert.NotEmpty(t, metadata["executionId"])
}

func TestExecuteDeniesToolOutsideAllowlist(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{
		Language: "typescript",
		Code: `
			try {
				callMCPTool("mcp__evil__forbidden", {});
				console.log("unexpectedly allowed");
			} catch (e) {
				console.log("denied:", e.message);
			}
		`,
		AllowedTools: []string{"mcp__fs__list_directory"},
	})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "denied:")
	assert.Contains(t, res.Output, "not in allowlist")
	assert.Empty(t, h.backend.calls(), "denied calls must never reach the upstream")
	assert.Empty(t, res.ToolCallsMade)
}

func TestExecuteValidatesParamsAgainstSchema(t *testing.T) {
	h := newTestOrchestrator(t, func(opts *Options) {
		opts.Cache = &stubSchemas{entries: map[string]*schemacache.ToolSchema{
			"mcp__fs__read_file": {
				Name: "read_file",
				InputSchema: map[string]interface{}{
					"type":       "object",
					"required":   []interface{}{"path"},
					"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
				},
			},
		}}
	})

	res := h.orch.Execute(context.Background(), Request{
		Language: "typescript",
		Code: `
			try {
				callMCPTool("mcp__fs__read_file", {});
			} catch (e) {
				console.log("rejected:", e.message);
			}
		`,
		AllowedTools: []string{"mcp__fs__read_file"},
	})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "rejected:")
	assert.Contains(t, res.Output, "path")
	assert.Empty(t, h.backend.calls())
}

func TestExecuteUpstreamErrorSurfacesToCode(t *testing.T) {
	h := newTestOrchestrator(t, nil)
	h.backend.errs["mcp__fs__list_directory"] = errors.New("upstream exploded")

	res := h.orch.Execute(context.Background(), Request{
		Language: "typescript",
		Code: `
			try {
				callMCPTool("mcp__fs__list_directory", {path: "/tmp"});
			} catch (e) {
				console.log("failed:", e.message);
			}
		`,
		AllowedTools: []string{"mcp__fs__list_directory"},
	})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "failed:")
	require.Len(t, res.ToolCallSummary, 1)
	assert.Equal(t, 1, res.ToolCallSummary[0].ErrorCount)
}

func TestExecuteTimeout(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	start := time.Now()
	res := h.orch.Execute(context.Background(), Request{
		Language:  "typescript",
		Code:      "while (true) {}",
		TimeoutMs: 300,
	})
	elapsed := time.Since(start)

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out after 300ms")
	assert.Less(t, elapsed, 5*time.Second)

	records, total, err := h.history.ListExecutions(storage.DefaultExecutionFilter())
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, storage.ExecutionStatusTimeout, records[0].Status)
}

func TestExecuteTimeoutClampedToConfiguredMax(t *testing.T) {
	h := newTestOrchestrator(t, func(opts *Options) {
		opts.Config.Sandbox.MaxTimeoutMs = 250
	})

	res := h.orch.Execute(context.Background(), Request{
		Language:  "typescript",
		Code:      "while (true) {}",
		TimeoutMs: 60_000,
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out after 250ms")
}

func TestExecuteUncaughtErrorProducesErrorResult(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{
		Language: "typescript",
		Code:     `throw new Error("explosion");`,
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "explosion")

	records, total, err := h.history.ListExecutions(storage.DefaultExecutionFilter())
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, storage.ExecutionStatusError, records[0].Status)
	assert.Contains(t, records[0].ErrorMessage, "explosion")
}

func TestExecuteRejectsBlockedNetworkPermissions(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{
		Language:           "typescript",
		Code:               `console.log("never runs");`,
		NetworkPermissions: []string{"api.github.com", "169.254.169.254"},
	})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "169.254.169.254")
	assert.Empty(t, h.backend.calls())

	_, total, err := h.history.ListExecutions(storage.DefaultExecutionFilter())
	require.NoError(t, err)
	assert.Zero(t, total, "refused executions never ran, so nothing to record")
}

func TestExecuteRejectsUnknownLanguage(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{Language: "ruby", Code: `puts 1`})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported language")
}

func TestExecuteRejectsEmptyCode(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{Language: "typescript", Code: "   \n\t"})

	require.False(t, res.Success)
	assert.Equal(t, "code is empty", res.Error)
}

func TestExecutePythonRequiresConfiguredInterpreter(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	res := h.orch.Execute(context.Background(), Request{Language: "python", Code: `print(1)`})

	require.False(t, res.Success)
	assert.Contains(t, res.Error, "python execution is not configured")
}

func TestExecutePythonEndToEnd(t *testing.T) {
	command := pythonCommand(t)
	h := newTestOrchestrator(t, func(opts *Options) {
		opts.Config.Sandbox.PythonCommand = command
	})
	h.backend.results["mcp__fs__list_directory"] = "from-upstream"

	res := h.orch.Execute(context.Background(), Request{
		Language: "python",
		Code: `
result = callMCPTool("mcp__fs__list_directory", {"path": "/tmp"})
print("via python:", result)
`,
		AllowedTools: []string{"mcp__fs__list_directory"},
	})

	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "via python: from-upstream")
	assert.Equal(t, []string{"mcp__fs__list_directory"}, res.ToolCallsMade)
	assert.Len(t, h.backend.calls(), 1)
}

func TestExecuteConcurrentExecutionsAreIsolated(t *testing.T) {
	h := newTestOrchestrator(t, nil)

	type outcome struct {
		res  *Result
		name string
	}
	results := make(chan outcome, 2)

	run := func(tool string) {
		res := h.orch.Execute(context.Background(), Request{
			Language:     "typescript",
			Code:         `callMCPTool("` + tool + `", {});`,
			AllowedTools: []string{tool},
		})
		results <- outcome{res: res, name: tool}
	}

	go run("mcp__alpha__one")
	go run("mcp__beta__two")

	for i := 0; i < 2; i++ {
		got := <-results
		require.True(t, got.res.Success, got.res.Error)
		assert.Equal(t, []string{got.name}, got.res.ToolCallsMade,
			"each execution must only see its own tracker")
	}
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	backend := newStubBackend()
	cache := &stubSchemas{}
	auditor, err := audit.New(t.TempDir(), 30, zap.NewNop())
	require.NoError(t, err)
	cfg := config.DefaultConfig()

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing pool", func(o *Options) { o.Pool = nil }},
		{"missing cache", func(o *Options) { o.Cache = nil }},
		{"missing audit", func(o *Options) { o.Audit = nil }},
		{"missing config", func(o *Options) { o.Config = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Options{Pool: backend, Cache: cache, Audit: auditor, Config: cfg}
			tc.mutate(&opts)
			_, err := NewOrchestrator(opts)
			assert.Error(t, err)
		})
	}
}
