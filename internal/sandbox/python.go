package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"codebroker/internal/secureenv"
)

// waitDelay bounds how long we wait for pipe readers after the
// interpreter is killed.
const waitDelay = 2 * time.Second

// stderrTailBytes is how much trailing stderr is kept for the error
// message. Tracebacks print last, so the tail is the useful part.
const stderrTailBytes = 4 * 1024

// pythonPrelude is prepended to every script. It implements the same
// helper contract the TypeScript VM gets, over the same loopback HTTP
// API, using only the standard library so it runs on any interpreter.
// Internal names are underscore-prefixed to stay out of user code's way.
const pythonPrelude = `# MCP proxy helpers. User code follows below.
import json as _json
import os as _os
import urllib.error as _urlerr
import urllib.parse as _urlparse
import urllib.request as _urlreq

_MCP_BASE = "http://127.0.0.1:" + _os.environ["MCP_PROXY_PORT"]
_MCP_TOKEN = _os.environ["MCP_PROXY_TOKEN"]
_MCP_EXEC_ID = _os.environ.get("MCP_EXECUTION_ID", "")


def _mcp_request(method, path, body=None):
    data = _json.dumps(body).encode("utf-8") if body is not None else None
    req = _urlreq.Request(_MCP_BASE + path, data=data, method=method)
    req.add_header("Authorization", "Bearer " + _MCP_TOKEN)
    if _MCP_EXEC_ID:
        req.add_header("X-Request-Id", _MCP_EXEC_ID)
    if data is not None:
        req.add_header("Content-Type", "application/json")
    try:
        with _urlreq.urlopen(req) as resp:
            return _json.loads(resp.read().decode("utf-8"))
    except _urlerr.HTTPError as exc:
        detail = exc.read().decode("utf-8", "replace")
        try:
            payload = _json.loads(detail)
            message = payload.get("error") if isinstance(payload, dict) else None
        except ValueError:
            message = None
        raise RuntimeError(message or detail or str(exc)) from None


def callMCPTool(name, params=None):
    return _mcp_request("POST", "/", {"toolName": name, "params": params or {}})["result"]


def discoverMCPTools(options=None):
    path = "/mcp/tools"
    search = (options or {}).get("search")
    if search:
        terms = [search] if isinstance(search, str) else list(search)
        path += "?" + "&".join("q=" + _urlparse.quote(t) for t in terms)
    return _mcp_request("GET", path)["tools"]


def getToolSchema(full_name):
    search = full_name if full_name and len(full_name) <= 100 else None
    for tool in discoverMCPTools({"search": search}):
        if tool.get("name") == full_name:
            return tool
    return None


def searchTools(query, limit=10):
    return discoverMCPTools({"search": query})[:limit]
`

// PythonRunner executes code with an external interpreter command. The
// interpreter is configuration: a plain python3 for trusted setups, or
// a wasm-sandboxed launcher where isolation matters. The runner only
// manages the process: filtered environment, helper prelude, output
// capture, and a hard kill at the deadline.
type PythonRunner struct {
	command []string
	logger  *zap.Logger
}

// NewPythonRunner creates a runner for the given interpreter command.
// The script path is appended to the command when the runner starts it.
func NewPythonRunner(command []string, logger *zap.Logger) *PythonRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PythonRunner{command: command, logger: logger}
}

// Run writes the prelude plus user code to a scratch script and runs
// the interpreter on it. Stdout and stderr both land in out; the
// stderr tail is kept separately so tracebacks reach the error message.
func (r *PythonRunner) Run(ctx context.Context, code string, creds ProxyCredentials, out *OutputBuffer) error {
	if len(r.command) == 0 {
		return newRunError(ErrorCodeInterpreter, "no python interpreter configured")
	}

	dir, err := os.MkdirTemp("", "codebroker-exec-*")
	if err != nil {
		return runErrorf(ErrorCodeInterpreter, "failed to create scratch directory: %v", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(pythonPrelude+"\n\n"+code), 0o600); err != nil {
		return runErrorf(ErrorCodeInterpreter, "failed to write script: %v", err)
	}

	// The child gets the filtered environment plus the proxy
	// credentials; broker-level secrets never reach user code.
	envCfg := secureenv.DefaultEnvConfig()
	envCfg.CustomVars["MCP_PROXY_PORT"] = strconv.Itoa(creds.Port)
	envCfg.CustomVars["MCP_PROXY_TOKEN"] = creds.Token
	envCfg.CustomVars["MCP_EXECUTION_ID"] = creds.ExecutionID
	envCfg.CustomVars["PYTHONUNBUFFERED"] = "1"
	envCfg.CustomVars["PYTHONDONTWRITEBYTECODE"] = "1"

	tail := &tailBuffer{max: stderrTailBytes}

	args := append(append([]string{}, r.command[1:]...), script)
	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Dir = dir
	cmd.Env = secureenv.NewManager(envCfg).BuildSecureEnvironment()
	cmd.Stdout = out
	cmd.Stderr = io.MultiWriter(out, tail)
	cmd.WaitDelay = waitDelay

	r.logger.Debug("Starting python interpreter",
		zap.String("command", r.command[0]),
		zap.Int("codeBytes", len(code)))

	err = cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return newRunError(ErrorCodeTimeout, "interpreter killed at execution deadline")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		message := fmt.Sprintf("python exited with status %d", exitErr.ExitCode())
		if trace := strings.TrimSpace(tail.String()); trace != "" {
			message += "\n" + trace
		}
		return newRunError(ErrorCodeRuntime, message)
	}
	return runErrorf(ErrorCodeInterpreter, "failed to run interpreter: %v", err)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(b.data)
}
