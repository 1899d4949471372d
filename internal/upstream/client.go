package upstream

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	uptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"codebroker/internal/config"
	"codebroker/internal/secureenv"
)

const (
	clientName    = "codebroker"
	clientVersion = "1.0.0"

	// Generous ceiling for remote transports; per-call deadlines come from
	// the caller's context.
	httpTimeout = 180 * time.Second
)

// Client owns the connection to one upstream MCP server: the mcp-go client,
// its transport, and for stdio servers the child process.
type Client struct {
	name   string
	cfg    *config.ServerConfig
	logger *zap.Logger

	mu        sync.RWMutex
	client    *client.Client
	info      *mcp.InitializeResult
	cmd       *exec.Cmd
	pgid      int
	connected bool
}

// NewClient prepares a client for the given server entry without connecting.
func NewClient(cfg *config.ServerConfig, logger *zap.Logger) *Client {
	return &Client{
		name:   cfg.Name,
		cfg:    cfg,
		logger: logger.Named("upstream").With(zap.String("server", cfg.Name)),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Connect instantiates the transport per the server entry and runs the MCP
// initialize handshake. ctx bounds the handshake only; a stdio child keeps
// running after ctx expires.
func (c *Client) Connect(ctx context.Context) error {
	switch proto := c.cfg.EffectiveProtocol(); proto {
	case config.ProtocolStdio:
		return c.connectStdio(ctx)
	case config.ProtocolHTTP, config.ProtocolSSE:
		return c.connectHTTP(ctx, proto)
	default:
		return fmt.Errorf("server %q has neither command nor url", c.name)
	}
}

func (c *Client) connectStdio(ctx context.Context) error {
	if c.cfg.Command == "" {
		return fmt.Errorf("no command specified for stdio transport")
	}

	// Children get the filtered environment plus the entry's own vars;
	// broker-level credentials stay out of upstream processes.
	envCfg := secureenv.DefaultEnvConfig()
	for k, v := range c.cfg.Env {
		envCfg.CustomVars[k] = v
	}
	envVars := secureenv.NewManager(envCfg).BuildSecureEnvironment()

	stdioTransport := uptransport.NewStdioWithOptions(c.cfg.Command, envVars, c.cfg.Args,
		uptransport.WithCommandFunc(processGroupCommandFunc(c)))
	mcpClient := client.NewClient(stdioTransport)

	// Start with a persistent background context so the child process is not
	// tied to the connect deadline.
	if err := mcpClient.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start stdio transport: %w", err)
	}

	c.mu.Lock()
	c.client = mcpClient
	if c.cmd != nil {
		c.pgid = processGroupID(c.cmd)
	}
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		_ = mcpClient.Close()
		c.terminateChild()
		return err
	}
	return nil
}

func (c *Client) connectHTTP(ctx context.Context, proto string) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("no URL specified for HTTP transport")
	}

	if proto != config.ProtocolSSE {
		streamClient, err := c.newStreamableClient()
		if err == nil {
			if err = c.startAndInitialize(ctx, streamClient); err == nil {
				return nil
			}
		}
		c.logger.Warn("streamable HTTP connect failed, falling back to SSE",
			zap.String("url", c.cfg.URL),
			zap.Error(err))
	}

	sseClient, err := c.newSSEClient()
	if err != nil {
		return fmt.Errorf("failed to create SSE client: %w", err)
	}
	return c.startAndInitialize(ctx, sseClient)
}

func (c *Client) newStreamableClient() (*client.Client, error) {
	var (
		httpTransport *uptransport.StreamableHTTP
		err           error
	)
	if len(c.cfg.Headers) > 0 {
		httpTransport, err = uptransport.NewStreamableHTTP(c.cfg.URL,
			uptransport.WithHTTPHeaders(c.cfg.Headers))
	} else {
		httpTransport, err = uptransport.NewStreamableHTTP(c.cfg.URL,
			uptransport.WithHTTPTimeout(httpTimeout))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

func (c *Client) newSSEClient() (*client.Client, error) {
	httpClient := &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 5,
		},
	}
	if len(c.cfg.Headers) > 0 {
		return client.NewSSEMCPClient(c.cfg.URL,
			client.WithHTTPClient(httpClient),
			client.WithHeaders(c.cfg.Headers))
	}
	return client.NewSSEMCPClient(c.cfg.URL, client.WithHTTPClient(httpClient))
}

func (c *Client) startAndInitialize(ctx context.Context, mcpClient *client.Client) error {
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	c.mu.Lock()
	c.client = mcpClient
	c.mu.Unlock()

	if err := c.initialize(ctx); err != nil {
		_ = mcpClient.Close()
		return err
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) error {
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initRequest.Params.Capabilities = mcp.ClientCapabilities{}

	c.mu.RLock()
	cli := c.client
	c.mu.RUnlock()

	info, err := cli.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("MCP initialize failed: %w", err)
	}

	c.mu.Lock()
	c.info = info
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("upstream server connected",
		zap.String("server_name", info.ServerInfo.Name),
		zap.String("server_version", info.ServerInfo.Version))
	return nil
}

// ListTools fetches the server's tool listing.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	cli, err := c.connectedClient()
	if err != nil {
		return nil, err
	}
	result, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %q: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool by its short (server-local) name.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	cli, err := c.connectedClient()
	if err != nil {
		return nil, err
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = tool
	request.Params.Arguments = args

	return cli.CallTool(ctx, request)
}

// ServerInfo returns the initialize result, or nil before the handshake.
func (c *Client) ServerInfo() *mcp.InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// PID returns the stdio child's process id, or 0 for remote servers.
func (c *Client) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// Close shuts the transport down and, for stdio servers, terminates the
// child process group.
func (c *Client) Close() error {
	c.mu.Lock()
	cli := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	var err error
	if cli != nil {
		err = cli.Close()
	}
	c.terminateChild()
	return err
}

func (c *Client) connectedClient() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.client == nil {
		return nil, fmt.Errorf("server %q not connected", c.name)
	}
	return c.client, nil
}

func (c *Client) terminateChild() {
	c.mu.Lock()
	cmd, pgid := c.cmd, c.pgid
	c.cmd, c.pgid = nil, 0
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	terminateProcessTree(cmd.Process.Pid, pgid, c.logger)
}
