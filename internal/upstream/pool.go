package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codebroker/internal/config"
	"codebroker/internal/connpool"
	"codebroker/internal/schemacache"
)

// schemaFanoutConcurrency bounds the parallel schema fan-out in
// ListAllToolSchemas.
const schemaFanoutConcurrency = 8

// ToolInfo describes one upstream tool in the pool's descriptor cache.
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ToolSchemaSummary is the normalized discovery shape: the fully qualified
// name, a description, and the tool's JSON Schema parameters when known.
type ToolSchemaSummary struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// SchemaSource resolves a fully qualified tool name to its schema.
// *schemacache.Cache is the production implementation.
type SchemaSource interface {
	GetToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error)
}

// caller is the slice of Client the pool routes traffic through.
type caller interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error)
	Close() error
}

// Stats reports pool composition for health checks.
type Stats struct {
	Servers     int      `json:"servers"`
	Tools       int      `json:"tools"`
	ServerNames []string `json:"serverNames,omitempty"`
}

// Pool owns the upstream clients and the tool descriptor cache built from
// their listings at connect time. Each client exclusively owns its transport
// and child process; the pool exclusively owns the clients.
type Pool struct {
	cfg    *config.Config
	gate   *connpool.Pool
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]caller
	tools   map[string]ToolInfo
}

// NewPool creates an empty pool. The gate bounds concurrent upstream calls.
func NewPool(cfg *config.Config, gate *connpool.Pool, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		gate:    gate,
		logger:  logger.Named("upstream-pool"),
		clients: make(map[string]caller),
		tools:   make(map[string]ToolInfo),
	}
}

// Connect brings up every enabled upstream server in parallel. An entry named
// after the broker itself is skipped so an execution cannot recurse into its
// own outer server. Individual failures are logged and tolerated; the pool
// fails init only when every configured server failed.
func (p *Pool) Connect(ctx context.Context) error {
	var candidates []*config.ServerConfig
	for _, srv := range p.cfg.Servers {
		if srv == nil || !srv.IsEnabled() {
			continue
		}
		if srv.Name == p.cfg.ServerName {
			p.logger.Warn("skipping upstream entry with the broker's own name",
				zap.String("server", srv.Name))
			continue
		}
		candidates = append(candidates, srv)
	}

	if len(candidates) == 0 {
		p.logger.Info("no upstream servers configured, running standalone")
		return nil
	}

	var (
		failMu   sync.Mutex
		failures []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range candidates {
		g.Go(func() error {
			if err := p.connectOne(gctx, srv); err != nil {
				p.logger.Error("failed to connect upstream server",
					zap.String("server", srv.Name),
					zap.Error(err))
				failMu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", srv.Name, err))
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == len(candidates) {
		sort.Strings(failures)
		return fmt.Errorf("all %d upstream servers failed to connect: %s",
			len(candidates), strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		p.logger.Warn("continuing with partial upstream fleet",
			zap.Int("failed", len(failures)),
			zap.Int("total", len(candidates)))
	}

	p.mu.RLock()
	servers, tools := len(p.clients), len(p.tools)
	p.mu.RUnlock()
	p.logger.Info("upstream pool ready",
		zap.Int("servers", servers),
		zap.Int("tools", tools))
	return nil
}

func (p *Pool) connectOne(ctx context.Context, srv *config.ServerConfig) error {
	cli := NewClient(srv, p.logger)
	if err := cli.Connect(ctx); err != nil {
		return err
	}

	tools, err := cli.ListTools(ctx)
	if err != nil {
		_ = cli.Close()
		return fmt.Errorf("connected but could not list tools: %w", err)
	}

	p.mu.Lock()
	p.clients[srv.Name] = cli
	for i := range tools {
		full := BuildToolName(srv.Name, tools[i].Name)
		p.tools[full] = ToolInfo{
			Server:      srv.Name,
			Name:        tools[i].Name,
			Description: tools[i].Description,
		}
	}
	p.mu.Unlock()

	p.logger.Info("upstream server registered",
		zap.String("server", srv.Name),
		zap.Int("tools", len(tools)),
		zap.Int("pid", cli.PID()))
	return nil
}

// ListAllTools returns a copy of the descriptor cache built at connect time.
// No upstream I/O happens here.
func (p *Pool) ListAllTools() map[string]ToolInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ToolInfo, len(p.tools))
	for name, info := range p.tools {
		out[name] = info
	}
	return out
}

// ToolNames implements schemacache.Fetcher. Names come back sorted.
func (p *Pool) ToolNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetToolSchema re-lists the owning server's tools and returns the input
// schema for the given fully qualified name. A tool absent from the
// descriptor cache, or gone from the fresh listing, yields (nil, nil):
// unknown tools are not an error, merely unvalidatable.
func (p *Pool) GetToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error) {
	serverName, toolName, err := ParseToolName(fullName)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	_, known := p.tools[fullName]
	cli := p.clients[serverName]
	p.mu.RUnlock()

	if !known || cli == nil {
		return nil, nil
	}

	tools, err := cli.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Name != toolName {
			continue
		}
		params, err := schemaAsMap(tools[i].InputSchema)
		if err != nil {
			return nil, fmt.Errorf("undecodable schema for %s: %w", fullName, err)
		}
		return &schemacache.ToolSchema{
			Name:        fullName,
			Description: tools[i].Description,
			InputSchema: params,
		}, nil
	}
	return nil, nil
}

// FetchToolSchema implements schemacache.Fetcher.
func (p *Pool) FetchToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error) {
	return p.GetToolSchema(ctx, fullName)
}

// CallTool routes a fully qualified tool call to its owning client and
// normalizes the result: the first text content block when present, the raw
// content otherwise. The connpool gate bounds concurrent upstream calls, so
// CallTool blocks in FIFO order when the pool is saturated.
func (p *Pool) CallTool(ctx context.Context, fullName string, params map[string]interface{}) (interface{}, error) {
	serverName, toolName, err := ParseToolName(fullName)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	cli := p.clients[serverName]
	p.mu.RUnlock()
	if cli == nil {
		return nil, fmt.Errorf("tool '%s' failed: unknown upstream server %q", fullName, serverName)
	}

	var result *mcp.CallToolResult
	callErr := p.gate.Execute(ctx, func() error {
		var err error
		result, err = cli.CallTool(ctx, toolName, params)
		return err
	})
	if callErr != nil {
		return nil, fmt.Errorf("tool '%s' failed: %w", fullName, callErr)
	}

	return normalizeResult(fullName, result)
}

func normalizeResult(fullName string, result *mcp.CallToolResult) (interface{}, error) {
	if result == nil {
		return nil, nil
	}
	if result.IsError {
		if len(result.Content) > 0 {
			if textContent, ok := result.Content[0].(mcp.TextContent); ok {
				return nil, fmt.Errorf("tool '%s' failed: %s", fullName, textContent.Text)
			}
		}
		return nil, fmt.Errorf("tool '%s' failed", fullName)
	}
	for _, content := range result.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			return textContent.Text, nil
		}
	}
	return result.Content, nil
}

// ListAllToolSchemas resolves every known tool's schema through the cache in
// parallel. Individual failures are logged and omitted so one broken upstream
// cannot empty the whole discovery listing. Results come back sorted by name;
// tools whose schema is unknown still appear, with nil parameters.
func (p *Pool) ListAllToolSchemas(ctx context.Context, cache SchemaSource) []ToolSchemaSummary {
	names := p.ToolNames()

	p.mu.RLock()
	infos := make([]ToolInfo, len(names))
	for i, name := range names {
		infos[i] = p.tools[name]
	}
	p.mu.RUnlock()

	results := make([]*ToolSchemaSummary, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(schemaFanoutConcurrency)
	for i, name := range names {
		g.Go(func() error {
			schema, err := cache.GetToolSchema(gctx, name)
			if err != nil {
				p.logger.Warn("omitting tool with unresolvable schema",
					zap.String("tool", name),
					zap.Error(err))
				return nil
			}
			summary := &ToolSchemaSummary{Name: name, Description: infos[i].Description}
			if schema != nil {
				if schema.Description != "" {
					summary.Description = schema.Description
				}
				summary.Parameters = schema.InputSchema
			}
			results[i] = summary
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ToolSchemaSummary, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Disconnect closes every client concurrently and clears all pool state.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]caller)
	p.tools = make(map[string]ToolInfo)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for name, cli := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := cli.Close(); err != nil {
				p.logger.Warn("error closing upstream client",
					zap.String("server", name),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()

	if len(clients) > 0 {
		p.logger.Info("upstream pool disconnected", zap.Int("servers", len(clients)))
	}
}

// GetStats returns a snapshot of the pool composition.
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return Stats{
		Servers:     len(p.clients),
		Tools:       len(p.tools),
		ServerNames: names,
	}
}

func schemaAsMap(in mcp.ToolInputSchema) (map[string]interface{}, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
