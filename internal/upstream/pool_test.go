package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codebroker/internal/config"
	"codebroker/internal/connpool"
	"codebroker/internal/schemacache"
)

type fakeUpstream struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	listErr   error
	result    *mcp.CallToolResult
	callErr   error
	delay     time.Duration
	calls     []string
	listCalls int
	closed    bool
	inflight  int
	peakSeen  int
}

func (f *fakeUpstream) ListTools(_ context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeUpstream) CallTool(_ context.Context, tool string, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.inflight++
	if f.inflight > f.peakSeen {
		f.peakSeen = f.inflight
	}
	delay, result, err := f.delay, f.result, f.callErr
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return result, err
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peakSeen
}

func (f *fakeUpstream) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeSchemaSource struct {
	schemas map[string]*schemacache.ToolSchema
	errs    map[string]error
}

func (f *fakeSchemaSource) GetToolSchema(_ context.Context, name string) (*schemacache.ToolSchema, error) {
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return f.schemas[name], nil
}

func newTestPool(t *testing.T, maxConcurrent int) *Pool {
	t.Helper()
	cfg := &config.Config{ServerName: "codebroker"}
	gate := connpool.New(maxConcurrent, time.Second, zap.NewNop())
	return NewPool(cfg, gate, zap.NewNop())
}

func registerFake(p *Pool, server string, f *fakeUpstream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[server] = f
	for i := range f.tools {
		p.tools[BuildToolName(server, f.tools[i].Name)] = ToolInfo{
			Server:      server,
			Name:        f.tools[i].Name,
			Description: f.tools[i].Description,
		}
	}
}

func TestCallToolReturnsFirstTextBlock(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{
		tools:  []mcp.Tool{{Name: "add"}},
		result: mcp.NewToolResultText("42"),
	}
	registerFake(p, "calc", f)

	got, err := p.CallTool(context.Background(), "mcp__calc__add", map[string]interface{}{"a": 40, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, "42", got)
	assert.Equal(t, []string{"add"}, f.calls)
}

func TestCallToolReturnsRawContentWithoutText(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{
		tools:  []mcp.Tool{{Name: "add"}},
		result: &mcp.CallToolResult{Content: []mcp.Content{}},
	}
	registerFake(p, "calc", f)

	got, err := p.CallTool(context.Background(), "mcp__calc__add", nil)
	require.NoError(t, err)
	content, ok := got.([]mcp.Content)
	require.True(t, ok, "expected the raw content slice, got %T", got)
	assert.Empty(t, content)
}

func TestCallToolWrapsTransportErrors(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{
		tools:   []mcp.Tool{{Name: "add"}},
		callErr: errors.New("pipe closed"),
	}
	registerFake(p, "calc", f)

	_, err := p.CallTool(context.Background(), "mcp__calc__add", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool 'mcp__calc__add' failed:")
	assert.Contains(t, err.Error(), "pipe closed")
}

func TestCallToolSurfacesUpstreamErrorResult(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{
		tools:  []mcp.Tool{{Name: "add"}},
		result: mcp.NewToolResultError("division by zero"),
	}
	registerFake(p, "calc", f)

	_, err := p.CallTool(context.Background(), "mcp__calc__add", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool 'mcp__calc__add' failed")
	assert.Contains(t, err.Error(), "division by zero")
}

func TestCallToolRejectsMalformedNames(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{tools: []mcp.Tool{{Name: "add"}}}
	registerFake(p, "calc", f)

	for _, name := range []string{"calc__add", "mcp__calc", "mcp__calc__add__extra", ""} {
		_, err := p.CallTool(context.Background(), name, nil)
		assert.Error(t, err, "name %q", name)
	}
	assert.Empty(t, f.calls, "malformed names must never reach the upstream")
}

func TestCallToolUnknownServer(t *testing.T) {
	p := newTestPool(t, 4)

	_, err := p.CallTool(context.Background(), "mcp__ghost__boo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown upstream server")
}

func TestCallToolBoundedByGate(t *testing.T) {
	p := newTestPool(t, 1)
	f := &fakeUpstream{
		tools:  []mcp.Tool{{Name: "add"}},
		result: mcp.NewToolResultText("ok"),
		delay:  20 * time.Millisecond,
	}
	registerFake(p, "calc", f)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.CallTool(context.Background(), "mcp__calc__add", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.peak(), "gate of 1 must serialize upstream calls")
	assert.Len(t, f.calls, 4)
}

func TestGetToolSchemaReturnsInputSchema(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{
		tools: []mcp.Tool{{
			Name:        "add",
			Description: "Adds two numbers",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]interface{}{
					"a": map[string]interface{}{"type": "number"},
					"b": map[string]interface{}{"type": "number"},
				},
				Required: []string{"a", "b"},
			},
		}},
	}
	registerFake(p, "calc", f)

	schema, err := p.GetToolSchema(context.Background(), "mcp__calc__add")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, "mcp__calc__add", schema.Name)
	assert.Equal(t, "Adds two numbers", schema.Description)
	require.NotNil(t, schema.InputSchema)
	assert.Equal(t, "object", schema.InputSchema["type"])
	props, ok := schema.InputSchema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "a")
	assert.Contains(t, props, "b")
}

func TestGetToolSchemaUnknownToolIsNilNotError(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{tools: []mcp.Tool{{Name: "add"}}}
	registerFake(p, "calc", f)

	schema, err := p.GetToolSchema(context.Background(), "mcp__calc__subtract")
	require.NoError(t, err)
	assert.Nil(t, schema)
	assert.Zero(t, f.listCount(), "unknown names must not trigger upstream listings")
}

func TestGetToolSchemaGoneFromListing(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{tools: []mcp.Tool{{Name: "add"}}}
	registerFake(p, "calc", f)

	// The descriptor survives but the server no longer advertises the tool.
	f.mu.Lock()
	f.tools = nil
	f.mu.Unlock()

	schema, err := p.GetToolSchema(context.Background(), "mcp__calc__add")
	require.NoError(t, err)
	assert.Nil(t, schema)
	assert.Equal(t, 1, f.listCount())
}

func TestGetToolSchemaPropagatesListErrors(t *testing.T) {
	p := newTestPool(t, 4)
	f := &fakeUpstream{
		tools:   []mcp.Tool{{Name: "add"}},
		listErr: errors.New("connection reset"),
	}
	registerFake(p, "calc", f)

	_, err := p.GetToolSchema(context.Background(), "mcp__calc__add")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestListAllToolsIsACopy(t *testing.T) {
	p := newTestPool(t, 4)
	registerFake(p, "calc", &fakeUpstream{tools: []mcp.Tool{{Name: "add"}}})

	tools := p.ListAllTools()
	require.Len(t, tools, 1)
	delete(tools, "mcp__calc__add")

	assert.Len(t, p.ListAllTools(), 1)
}

func TestToolNamesSorted(t *testing.T) {
	p := newTestPool(t, 4)
	registerFake(p, "zeta", &fakeUpstream{tools: []mcp.Tool{{Name: "z"}}})
	registerFake(p, "alpha", &fakeUpstream{tools: []mcp.Tool{{Name: "a"}, {Name: "b"}}})

	assert.Equal(t, []string{"mcp__alpha__a", "mcp__alpha__b", "mcp__zeta__z"}, p.ToolNames())
}

func TestListAllToolSchemasOmitsFailures(t *testing.T) {
	p := newTestPool(t, 4)
	registerFake(p, "calc", &fakeUpstream{tools: []mcp.Tool{
		{Name: "add", Description: "Adds"},
		{Name: "div", Description: "Divides"},
	}})

	source := &fakeSchemaSource{
		schemas: map[string]*schemacache.ToolSchema{
			"mcp__calc__add": {
				Name:        "mcp__calc__add",
				Description: "Adds two numbers",
				InputSchema: map[string]interface{}{"type": "object"},
			},
		},
		errs: map[string]error{
			"mcp__calc__div": errors.New("upstream down"),
		},
	}

	got := p.ListAllToolSchemas(context.Background(), source)
	require.Len(t, got, 1)
	assert.Equal(t, "mcp__calc__add", got[0].Name)
	assert.Equal(t, "Adds two numbers", got[0].Description)
	assert.Equal(t, map[string]interface{}{"type": "object"}, got[0].Parameters)
}

func TestListAllToolSchemasKeepsSchemalessTools(t *testing.T) {
	p := newTestPool(t, 4)
	registerFake(p, "calc", &fakeUpstream{tools: []mcp.Tool{
		{Name: "add", Description: "Adds"},
	}})

	got := p.ListAllToolSchemas(context.Background(), &fakeSchemaSource{})
	require.Len(t, got, 1)
	assert.Equal(t, "mcp__calc__add", got[0].Name)
	assert.Equal(t, "Adds", got[0].Description, "descriptor description stands in when no schema is cached")
	assert.Nil(t, got[0].Parameters)
}

func TestListAllToolSchemasSortedByName(t *testing.T) {
	p := newTestPool(t, 4)
	registerFake(p, "zeta", &fakeUpstream{tools: []mcp.Tool{{Name: "z"}}})
	registerFake(p, "alpha", &fakeUpstream{tools: []mcp.Tool{{Name: "a"}}})

	got := p.ListAllToolSchemas(context.Background(), &fakeSchemaSource{})
	require.Len(t, got, 2)
	assert.Equal(t, "mcp__alpha__a", got[0].Name)
	assert.Equal(t, "mcp__zeta__z", got[1].Name)
}

func TestDisconnectClosesAllClients(t *testing.T) {
	p := newTestPool(t, 4)
	calc := &fakeUpstream{tools: []mcp.Tool{{Name: "add"}}}
	files := &fakeUpstream{tools: []mcp.Tool{{Name: "read"}}}
	registerFake(p, "calc", calc)
	registerFake(p, "files", files)

	p.Disconnect()

	assert.True(t, calc.closed)
	assert.True(t, files.closed)
	stats := p.GetStats()
	assert.Zero(t, stats.Servers)
	assert.Zero(t, stats.Tools)
}

func TestConnectStandalone(t *testing.T) {
	cfg := &config.Config{ServerName: "codebroker"}
	p := NewPool(cfg, connpool.New(2, time.Second, zap.NewNop()), zap.NewNop())

	require.NoError(t, p.Connect(context.Background()))
	assert.Zero(t, p.GetStats().Servers)
}

func TestConnectSkipsOwnName(t *testing.T) {
	enabled := true
	cfg := &config.Config{
		ServerName: "codebroker",
		Servers: []*config.ServerConfig{
			{Name: "codebroker", Command: "/usr/bin/true", Enabled: &enabled},
		},
	}
	p := NewPool(cfg, connpool.New(2, time.Second, zap.NewNop()), zap.NewNop())

	// The only entry shadows the broker itself, so the pool comes up
	// standalone instead of recursing.
	require.NoError(t, p.Connect(context.Background()))
	assert.Zero(t, p.GetStats().Servers)
}

func TestConnectSkipsDisabledServers(t *testing.T) {
	disabled := false
	cfg := &config.Config{
		ServerName: "codebroker",
		Servers: []*config.ServerConfig{
			{Name: "off", Command: "/nonexistent/server", Enabled: &disabled},
		},
	}
	p := NewPool(cfg, connpool.New(2, time.Second, zap.NewNop()), zap.NewNop())

	require.NoError(t, p.Connect(context.Background()))
	assert.Zero(t, p.GetStats().Servers)
}

func TestConnectAllFailedAggregates(t *testing.T) {
	cfg := &config.Config{
		ServerName: "codebroker",
		Servers: []*config.ServerConfig{
			{Name: "broken-a", Command: "/nonexistent/broken-a-binary"},
			{Name: "broken-b", Command: "/nonexistent/broken-b-binary"},
		},
	}
	p := NewPool(cfg, connpool.New(2, time.Second, zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 upstream servers failed")
	assert.Contains(t, err.Error(), "broken-a")
	assert.Contains(t, err.Error(), "broken-b")
}

func TestGetStats(t *testing.T) {
	p := newTestPool(t, 4)
	registerFake(p, "calc", &fakeUpstream{tools: []mcp.Tool{{Name: "add"}, {Name: "sub"}}})
	registerFake(p, "files", &fakeUpstream{tools: []mcp.Tool{{Name: "read"}}})

	stats := p.GetStats()
	assert.Equal(t, 2, stats.Servers)
	assert.Equal(t, 3, stats.Tools)
	assert.Equal(t, []string{"calc", "files"}, stats.ServerNames)
}
