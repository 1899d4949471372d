package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codebroker/internal/config"
	"codebroker/internal/sandbox"
	"codebroker/internal/tracker"
)

// stubBroker records the last execution request and returns canned results.
type stubBroker struct {
	lastReq sandbox.Request
	result  *sandbox.Result
	health  HealthReport
}

func (s *stubBroker) Execute(_ context.Context, req sandbox.Request) *sandbox.Result {
	s.lastReq = req
	if s.result != nil {
		return s.result
	}
	return &sandbox.Result{Success: true, Output: "ok"}
}

func (s *stubBroker) Health() HealthReport {
	return s.health
}

func newTestBroker(t *testing.T) (*BrokerServer, *stubBroker) {
	t.Helper()
	stub := &stubBroker{}
	cfg := config.DefaultConfig()
	return NewBrokerServer(stub, cfg, zap.NewNop()), stub
}

func executeRequest(args map[string]interface{}) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Name = ToolExecuteTypeScript
	request.Params.Arguments = args
	return request
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return tc.Text
}

func TestExecuteArgumentParsing(t *testing.T) {
	tests := []struct {
		name        string
		args        map[string]interface{}
		wantErr     bool
		errContains string
		check       func(t *testing.T, req sandbox.Request)
	}{
		{
			name: "code only",
			args: map[string]interface{}{"code": "1 + 1"},
			check: func(t *testing.T, req sandbox.Request) {
				assert.Equal(t, "1 + 1", req.Code)
				assert.Equal(t, sandbox.LanguageTypeScript, req.Language)
				assert.Zero(t, req.TimeoutMs)
				assert.Nil(t, req.AllowedTools)
			},
		},
		{
			name: "full request",
			args: map[string]interface{}{
				"code":                "callMCPTool('mcp__fs__read_file', {})",
				"timeout_ms":          float64(5000),
				"allowed_tools":       []interface{}{"mcp__fs__read_file", "mcp__fs__list_directory"},
				"network_permissions": []interface{}{"api.github.com"},
			},
			check: func(t *testing.T, req sandbox.Request) {
				assert.Equal(t, 5000, req.TimeoutMs)
				assert.Equal(t, []string{"mcp__fs__read_file", "mcp__fs__list_directory"}, req.AllowedTools)
				assert.Equal(t, []string{"api.github.com"}, req.NetworkPermissions)
			},
		},
		{
			name:        "missing code",
			args:        map[string]interface{}{"timeout_ms": float64(1000)},
			wantErr:     true,
			errContains: "code",
		},
		{
			name:        "empty code",
			args:        map[string]interface{}{"code": ""},
			wantErr:     true,
			errContains: "must not be empty",
		},
		{
			name:        "timeout above maximum",
			args:        map[string]interface{}{"code": "1", "timeout_ms": float64(10_000_000)},
			wantErr:     true,
			errContains: "timeout_ms",
		},
		{
			name:        "timeout below minimum",
			args:        map[string]interface{}{"code": "1", "timeout_ms": float64(0.5)},
			wantErr:     true,
			errContains: "timeout_ms",
		},
		{
			name:        "allowed_tools wrong element type",
			args:        map[string]interface{}{"code": "1", "allowed_tools": []interface{}{"mcp__a__b", 42}},
			wantErr:     true,
			errContains: "allowed_tools",
		},
		{
			name:        "allowed_tools wrong type",
			args:        map[string]interface{}{"code": "1", "allowed_tools": "mcp__a__b"},
			wantErr:     true,
			errContains: "allowed_tools",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, stub := newTestBroker(t)
			handler := broker.handleExecute(sandbox.LanguageTypeScript)

			result, err := handler(context.Background(), executeRequest(tt.args))
			require.NoError(t, err)
			require.NotNil(t, result)

			if tt.wantErr {
				assert.True(t, result.IsError)
				assert.Contains(t, resultText(t, result), tt.errContains)
				return
			}
			assert.False(t, result.IsError)
			if tt.check != nil {
				tt.check(t, stub.lastReq)
			}
		})
	}
}

func TestExecuteResultSerialization(t *testing.T) {
	broker, stub := newTestBroker(t)
	stub.result = &sandbox.Result{
		Success:         true,
		Output:          "listed 3 files",
		ExecutionTimeMs: 42,
		ToolCallsMade:   []string{"mcp__fs__list_directory"},
		ToolCallSummary: []tracker.Summary{
			{ToolName: "mcp__fs__list_directory", CallCount: 1, SuccessCount: 1},
		},
	}

	handler := broker.handleExecute(sandbox.LanguageTypeScript)
	result, err := handler(context.Background(), executeRequest(map[string]interface{}{
		"code": "discoverMCPTools()",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var decoded sandbox.Result
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &decoded))
	assert.True(t, decoded.Success)
	assert.Equal(t, "listed 3 files", decoded.Output)
	assert.Equal(t, int64(42), decoded.ExecutionTimeMs)
	assert.Equal(t, []string{"mcp__fs__list_directory"}, decoded.ToolCallsMade)
	require.Len(t, decoded.ToolCallSummary, 1)
	assert.Equal(t, 1, decoded.ToolCallSummary[0].CallCount)
}

func TestExecuteFailureStillReturnsResult(t *testing.T) {
	broker, stub := newTestBroker(t)
	stub.result = &sandbox.Result{
		Success:         false,
		Error:           "execution timed out after 500ms",
		ExecutionTimeMs: 512,
	}

	handler := broker.handleExecute(sandbox.LanguagePython)
	result, err := handler(context.Background(), executeRequest(map[string]interface{}{
		"code": "while True: pass",
	}))
	require.NoError(t, err)

	// A failed execution is a successful tool call carrying a failure
	// payload, not an MCP protocol error.
	assert.False(t, result.IsError)

	var decoded sandbox.Result
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &decoded))
	assert.False(t, decoded.Success)
	assert.Contains(t, decoded.Error, "timed out")
	assert.Equal(t, sandbox.LanguagePython, stub.lastReq.Language)
}

func TestHealthHandler(t *testing.T) {
	broker, stub := newTestBroker(t)
	stub.health = HealthReport{
		Status:        "ok",
		Version:       "test",
		UptimeSec:     61,
		PythonEnabled: true,
		Executions:    7,
	}
	stub.health.Upstream.Servers = 2
	stub.health.Upstream.Tools = 14

	result, err := broker.handleHealth(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var decoded HealthReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &decoded))
	assert.Equal(t, "ok", decoded.Status)
	assert.Equal(t, int64(61), decoded.UptimeSec)
	assert.Equal(t, 2, decoded.Upstream.Servers)
	assert.Equal(t, 14, decoded.Upstream.Tools)
	assert.True(t, decoded.PythonEnabled)
}

func TestStringSlice(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		want    []string
		wantErr bool
	}{
		{name: "absent", args: map[string]interface{}{}, want: nil},
		{name: "nil value", args: map[string]interface{}{"k": nil}, want: nil},
		{name: "empty array", args: map[string]interface{}{"k": []interface{}{}}, want: []string{}},
		{name: "strings", args: map[string]interface{}{"k": []interface{}{"a", "b"}}, want: []string{"a", "b"}},
		{name: "non-string element", args: map[string]interface{}{"k": []interface{}{"a", 1}}, wantErr: true},
		{name: "scalar", args: map[string]interface{}{"k": "a"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stringSlice(tt.args, "k")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "k must be an array of strings")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionStore(t *testing.T) {
	store := NewSessionStore(zap.NewNop())
	assert.Equal(t, 0, store.Count())
	assert.Nil(t, store.Get("missing"))

	store.Set("sess-1", "claude", "1.2.3")
	store.Set("sess-2", "", "")
	assert.Equal(t, 2, store.Count())

	info := store.Get("sess-1")
	require.NotNil(t, info)
	assert.Equal(t, "claude", info.ClientName)
	assert.Equal(t, "1.2.3", info.ClientVersion)

	store.Remove("sess-1")
	assert.Nil(t, store.Get("sess-1"))
	assert.Equal(t, 1, store.Count())
}
