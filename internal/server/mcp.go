package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"codebroker/internal/config"
	"codebroker/internal/connpool"
	"codebroker/internal/sandbox"
	"codebroker/internal/schemacache"
	"codebroker/internal/upstream"
)

// Tool names published to the agent.
const (
	ToolExecuteTypeScript = "execute_typescript"
	ToolExecutePython     = "execute_python"
	ToolBrokerHealth      = "broker_health"
)

// Broker is what the MCP handlers need from the composed server.
// Narrowed to an interface so handler tests run against a stub.
type Broker interface {
	Execute(ctx context.Context, req sandbox.Request) *sandbox.Result
	Health() HealthReport
}

// HealthReport is the broker_health response body.
type HealthReport struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSec     int64             `json:"uptimeSeconds"`
	PythonEnabled bool              `json:"pythonEnabled"`
	Executions    int               `json:"executionsRecorded"`
	Upstream      upstream.Stats    `json:"upstream"`
	Cache         schemacache.Stats `json:"schemaCache"`
	Gate          connpool.Stats    `json:"connectionPool"`
}

// BrokerServer is the agent-facing MCP server. It publishes the two
// execute tools and broker_health and nothing else: upstream tools are
// reachable only from inside the sandbox through the loopback proxy, so
// the agent's context never carries the upstream catalog.
type BrokerServer struct {
	server   *mcpserver.MCPServer
	broker   Broker
	cfg      *config.Config
	logger   *zap.Logger
	sessions *SessionStore
}

// NewBrokerServer wires the MCP server, session hooks, and tools.
func NewBrokerServer(broker Broker, cfg *config.Config, logger *zap.Logger) *BrokerServer {
	sessions := NewSessionStore(logger)

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		sessionID := sess.SessionID()

		var clientName, clientVersion string
		if sessWithInfo, ok := sess.(mcpserver.SessionWithClientInfo); ok {
			clientInfo := sessWithInfo.GetClientInfo()
			clientName = clientInfo.Name
			clientVersion = clientInfo.Version
		}
		sessions.Set(sessionID, clientName, clientVersion)

		logger.Info("MCP session registered",
			zap.String("session_id", sessionID),
			zap.String("client_name", clientName),
			zap.String("client_version", clientVersion))
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, sess mcpserver.ClientSession) {
		sessions.Remove(sess.SessionID())
	})

	mcpServer := mcpserver.NewMCPServer(
		cfg.ServerName,
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
		mcpserver.WithHooks(hooks),
	)

	b := &BrokerServer{
		server:   mcpServer,
		broker:   broker,
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
	}
	b.registerTools()
	return b
}

// ServeStdio blocks serving MCP on stdin/stdout until stdin closes.
func (b *BrokerServer) ServeStdio() error {
	return mcpserver.ServeStdio(b.server)
}

// MCPServer exposes the underlying server for alternative transports.
func (b *BrokerServer) MCPServer() *mcpserver.MCPServer {
	return b.server
}

const executeParamsDoc = `Inside the sandbox these helpers are available:
- callMCPTool(name, params): call an upstream tool by its full name 'mcp__<server>__<tool>'. Throws on error.
- discoverMCPTools(options?): list available tools with their JSON schemas; options.search filters by keywords.
- getToolSchema(name): fetch one tool's schema, or null if unknown.
- searchTools(query, limit?): keyword search over tool names and descriptions.
Discover tools from inside your code instead of asking for a catalog up front.`

func (b *BrokerServer) registerTools() {
	executeTS := mcp.NewTool(ToolExecuteTypeScript,
		mcp.WithDescription("Execute TypeScript (or JavaScript) code in a sandbox that can call upstream MCP tools. "+
			"Use this to orchestrate multi-step workflows: discover tools, call several of them, transform and combine results, all in one request. "+
			"console.log output and the final expression value are returned.\n\n"+executeParamsDoc),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("TypeScript or JavaScript source to execute. The last evaluated expression is the result."),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description(fmt.Sprintf("Execution timeout in milliseconds (default %d, max %d). On expiry the sandbox is killed and the execution fails.", b.cfg.Sandbox.DefaultTimeoutMs, b.cfg.Sandbox.MaxTimeoutMs)),
		),
		mcp.WithArray("allowed_tools",
			mcp.Description("Full tool names ('mcp__<server>__<tool>') the code may call. Empty means no tool calls are allowed; discovery still works."),
		),
		mcp.WithArray("network_permissions",
			mcp.Description("Hostnames the sandbox may reach directly. Loopback, private, and cloud-metadata addresses are rejected."),
		),
	)
	b.server.AddTool(executeTS, b.handleExecute(sandbox.LanguageTypeScript))

	executePy := mcp.NewTool(ToolExecutePython,
		mcp.WithDescription("Execute Python code in a sandbox that can call upstream MCP tools. "+
			"Same capabilities and helper functions as execute_typescript, with Python syntax. "+
			"stdout is returned as output.\n\n"+executeParamsDoc),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python source to execute. Print results to stdout."),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description(fmt.Sprintf("Execution timeout in milliseconds (default %d, max %d). On expiry the interpreter is killed and the execution fails.", b.cfg.Sandbox.DefaultTimeoutMs, b.cfg.Sandbox.MaxTimeoutMs)),
		),
		mcp.WithArray("allowed_tools",
			mcp.Description("Full tool names ('mcp__<server>__<tool>') the code may call. Empty means no tool calls are allowed; discovery still works."),
		),
		mcp.WithArray("network_permissions",
			mcp.Description("Hostnames the sandbox may reach directly. Loopback, private, and cloud-metadata addresses are rejected."),
		),
	)
	b.server.AddTool(executePy, b.handleExecute(sandbox.LanguagePython))

	health := mcp.NewTool(ToolBrokerHealth,
		mcp.WithDescription("Report broker health: version, uptime, connected upstream servers and tool count, schema cache and connection pool statistics."),
	)
	b.server.AddTool(health, b.handleHealth)
}

// handleExecute builds the handler for one execute tool. Parsing follows
// the same shape for both languages; only the runner differs.
func (b *BrokerServer) handleExecute(language string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, err := request.RequireString("code")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'code': %v", err)), nil
		}
		if code == "" {
			return mcp.NewToolResultError("Parameter 'code' must not be empty"), nil
		}

		req := sandbox.Request{
			Language: language,
			Code:     code,
		}

		args := request.GetArguments()
		if timeoutMs, ok := args["timeout_ms"].(float64); ok {
			req.TimeoutMs = int(timeoutMs)
			if req.TimeoutMs < 1 || req.TimeoutMs > b.cfg.Sandbox.MaxTimeoutMs {
				return mcp.NewToolResultError(fmt.Sprintf("timeout_ms must be between 1 and %d milliseconds", b.cfg.Sandbox.MaxTimeoutMs)), nil
			}
		}
		req.AllowedTools, err = stringSlice(args, "allowed_tools")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		req.NetworkPermissions, err = stringSlice(args, "network_permissions")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var clientName string
		if sess := mcpserver.ClientSessionFromContext(ctx); sess != nil {
			req.SessionID = sess.SessionID()
			if info := b.sessions.Get(req.SessionID); info != nil {
				clientName = info.ClientName
			}
		}

		b.logger.Info("Execute request received",
			zap.String("language", language),
			zap.Int("code_length", len(code)),
			zap.Int("timeout_ms", req.TimeoutMs),
			zap.Int("allowed_tools", len(req.AllowedTools)),
			zap.String("session_id", req.SessionID),
			zap.String("client_name", clientName))

		result := b.broker.Execute(ctx, req)

		if result.Success {
			b.logger.Info("Execution succeeded",
				zap.String("language", language),
				zap.Int64("execution_time_ms", result.ExecutionTimeMs),
				zap.Int("tool_calls_made", len(result.ToolCallsMade)))
		} else {
			b.logger.Warn("Execution failed",
				zap.String("language", language),
				zap.Int64("execution_time_ms", result.ExecutionTimeMs),
				zap.String("error", result.Error))
		}

		return toolResultJSON(result)
	}
}

func (b *BrokerServer) handleHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResultJSON(b.broker.Health())
}

// stringSlice reads an optional array argument as []string.
func stringSlice(args map[string]interface{}, key string) ([]string, error) {
	raw, ok := args[key].([]interface{})
	if !ok {
		if _, present := args[key]; present && args[key] != nil {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func toolResultJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(data)),
		},
	}, nil
}
