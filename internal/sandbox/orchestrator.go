// Package sandbox runs agent-submitted TypeScript and Python against
// the upstream tool catalog. Every execution gets its own loopback
// proxy, bearer token, allowlist, rate limiter, and call tracker; the
// code runner only ever sees the proxy's port and token. Teardown is
// guaranteed: the proxy is stopped, a shutdown entry is audited, and a
// history record is persisted on every exit path.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"codebroker/internal/audit"
	"codebroker/internal/config"
	"codebroker/internal/hash"
	"codebroker/internal/netguard"
	"codebroker/internal/observability"
	"codebroker/internal/proxy"
	"codebroker/internal/ratelimit"
	"codebroker/internal/reqcontext"
	"codebroker/internal/storage"
	"codebroker/internal/tokens"
	"codebroker/internal/tracker"
)

// Language names accepted by Execute. JavaScript runs on the same VM
// as TypeScript; the transpile step is a near no-op for plain JS.
const (
	LanguageTypeScript = "typescript"
	LanguagePython     = "python"
)

// proxyStopTimeout bounds teardown so a wedged connection cannot hold
// an execution slot open.
const proxyStopTimeout = 3 * time.Second

// Runner executes user code against a started proxy. Implementations
// return *RunError for classified failures.
type Runner interface {
	Run(ctx context.Context, code string, creds ProxyCredentials, out *OutputBuffer) error
}

// Request is one code-execution request from the agent-facing surface.
type Request struct {
	Language           string
	Code               string
	TimeoutMs          int
	AllowedTools       []string
	NetworkPermissions []string

	// SessionID correlates history records across one MCP session.
	SessionID string
}

// Result is the execution outcome returned to the agent.
type Result struct {
	Success         bool              `json:"success"`
	Output          string            `json:"output"`
	Error           string            `json:"error,omitempty"`
	ExecutionTimeMs int64             `json:"executionTimeMs"`
	ToolCallsMade   []string          `json:"toolCallsMade"`
	ToolCallSummary []tracker.Summary `json:"toolCallSummary"`
}

// Options carries the process-wide dependencies an Orchestrator wires
// into each execution.
type Options struct {
	Pool   proxy.ToolBackend
	Cache  proxy.SchemaProvider
	Audit  *audit.Logger
	Config *config.Config

	// Optional.
	Metrics *observability.Manager
	History *storage.Manager
	Tokens  *tokens.DefaultTokenizer
	Logger  *zap.Logger
}

// Orchestrator builds the per-execution plumbing around a code runner.
// One Orchestrator serves the whole process; Execute calls are
// independent and safe to run concurrently.
type Orchestrator struct {
	pool    proxy.ToolBackend
	cache   proxy.SchemaProvider
	auditor *audit.Logger
	cfg     *config.Config
	metrics *observability.Manager
	history *storage.Manager
	tokens  *tokens.DefaultTokenizer
	logger  *zap.Logger
}

// NewOrchestrator validates the dependencies and builds an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("upstream pool is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("schema cache is required")
	}
	if opts.Audit == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		pool:    opts.Pool,
		cache:   opts.Cache,
		auditor: opts.Audit,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		history: opts.History,
		tokens:  opts.Tokens,
		logger:  logger,
	}, nil
}

// Execute runs one sandboxed execution end to end. It never returns an
// error: every failure becomes a Result with Success=false so the agent
// always gets a structured answer.
func (o *Orchestrator) Execute(ctx context.Context, req Request) *Result {
	started := time.Now()

	language, runner, err := o.runnerFor(req.Language)
	if err != nil {
		return failureResult(err.Error(), started)
	}
	if strings.TrimSpace(req.Code) == "" {
		return failureResult("code is empty", started)
	}

	// SSRF gate before anything is provisioned.
	valid, blocked, warnings := netguard.ValidateNetworkPermissions(req.NetworkPermissions)
	if !valid {
		return failureResult(fmt.Sprintf("network permissions include blocked hosts: %s",
			strings.Join(blocked, ", ")), started)
	}
	if len(warnings) > 0 {
		o.logger.Warn("Network permission warnings", zap.Strings("warnings", warnings))
	}

	timeout := o.clampTimeout(req.TimeoutMs)
	executionID := uuid.New().String()

	ctx, correlationID := reqcontext.EnsureCorrelationID(ctx)
	ctx = reqcontext.WithExecutionID(ctx, executionID)

	if o.metrics != nil && o.metrics.Tracing() != nil {
		var span oteltrace.Span
		ctx, span = o.metrics.Tracing().TraceExecution(ctx, language, executionID)
		defer span.End()
	}

	track := tracker.New()
	allowlist := proxy.NewAllowlist(req.AllowedTools)

	proxySrv, err := proxy.New(proxy.Options{
		Pool:             o.pool,
		Allowlist:        allowlist,
		Cache:            o.cache,
		Limiter:          o.newLimiter(),
		Audit:            o.auditor,
		Tracker:          track,
		Tokens:           o.tokens,
		Metrics:          o.metrics,
		DiscoveryTimeout: time.Duration(o.cfg.Proxy.DiscoveryTimeoutMs) * time.Millisecond,
		Logger:           o.logger,
	})
	if err != nil {
		return failureResult(fmt.Sprintf("failed to build execution proxy: %v", err), started)
	}

	startResult, err := proxySrv.Start(ctx)
	if err != nil {
		return failureResult(fmt.Sprintf("failed to start execution proxy: %v", err), started)
	}

	o.logger.Info("Execution starting",
		zap.String("executionId", executionID),
		zap.String("language", language),
		zap.Int("codeBytes", len(req.Code)),
		zap.Int("allowedTools", allowlist.Len()),
		zap.Duration("timeout", timeout))

	out := NewOutputBuffer(o.cfg.Sandbox.MaxOutputBytes)

	status := storage.ExecutionStatusError
	var runErr error

	// Teardown runs on every exit path, panics included. The closure
	// reads status and runErr after the run settles them.
	defer func() {
		o.finish(executionID, correlationID, language, status, runErr, req, track, out, proxySrv, started)
	}()

	creds := ProxyCredentials{
		Port:        startResult.Port,
		Token:       startResult.AuthToken,
		ExecutionID: executionID,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	runErr = runner.Run(runCtx, req.Code, creds, out)
	cancel()

	duration := time.Since(started)

	switch {
	case runErr == nil:
		status = storage.ExecutionStatusSuccess
	case isTimeoutError(runErr):
		status = storage.ExecutionStatusTimeout
		runErr = runErrorf(ErrorCodeTimeout, "execution timed out after %dms", timeout.Milliseconds())
	default:
		status = storage.ExecutionStatusError
	}

	result := &Result{
		Success:         status == storage.ExecutionStatusSuccess,
		Output:          out.String(),
		ExecutionTimeMs: duration.Milliseconds(),
		ToolCallsMade:   track.GetUniqueCalls(),
		ToolCallSummary: track.GetSummary(),
	}
	if result.ToolCallsMade == nil {
		result.ToolCallsMade = []string{}
	}
	if result.ToolCallSummary == nil {
		result.ToolCallSummary = []tracker.Summary{}
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	o.logger.Info("Execution finished",
		zap.String("executionId", executionID),
		zap.String("status", status),
		zap.Int64("durationMs", duration.Milliseconds()),
		zap.Int("toolCalls", track.Len()))

	return result
}

// finish tears down one execution: stop the proxy, audit the shutdown,
// persist the history record, record metrics. Failures here are logged
// and swallowed; the execution result is already decided.
func (o *Orchestrator) finish(executionID, correlationID, language, status string, runErr error,
	req Request, track *tracker.Tracker, out *OutputBuffer, proxySrv *proxy.Server, started time.Time) {
	duration := time.Since(started)

	stopCtx, cancel := context.WithTimeout(context.Background(), proxyStopTimeout)
	defer cancel()
	if err := proxySrv.Stop(stopCtx); err != nil {
		o.logger.Warn("Failed to stop execution proxy",
			zap.String("executionId", executionID),
			zap.Error(err))
	}

	auditStatus := audit.StatusSuccess
	if status != storage.ExecutionStatusSuccess {
		auditStatus = audit.StatusFailure
	}
	if err := o.auditor.Log(audit.Entry{
		CorrelationID: correlationID,
		EventType:     audit.EventShutdown,
		Status:        auditStatus,
		LatencyMs:     duration.Milliseconds(),
		Metadata: map[string]interface{}{
			"executionId": executionID,
			"language":    language,
			"status":      status,
			"toolCalls":   track.Len(),
		},
	}); err != nil {
		o.logger.Warn("Failed to audit execution shutdown", zap.Error(err))
	}

	if o.history != nil {
		record := o.buildRecord(executionID, correlationID, language, status, runErr, req, track, out, started, duration)
		err := o.history.SaveExecution(record)
		if err != nil {
			o.logger.Warn("Failed to save execution record",
				zap.String("executionId", executionID),
				zap.Error(err))
		}
		if o.metrics != nil {
			o.metrics.RecordStorageOperation("save_execution", err)
		}
	}

	if o.metrics != nil {
		o.metrics.RecordExecution(language, status, duration)
	}
}

// buildRecord assembles the history record for one finished execution.
// The code itself is never stored, only its hash and size.
func (o *Orchestrator) buildRecord(executionID, correlationID, language, status string, runErr error,
	req Request, track *tracker.Tracker, out *OutputBuffer, started time.Time, duration time.Duration) *storage.ExecutionRecord {
	calls := track.GetCalls()
	toolCalls := make([]storage.ToolCallRecord, 0, len(calls))
	for _, call := range calls {
		toolCalls = append(toolCalls, storage.ToolCallRecord{
			ToolName:     call.ToolName,
			Status:       string(call.Status),
			DurationMs:   call.DurationMs,
			ErrorMessage: call.ErrorMessage,
			ResultTokens: call.ResultTokens,
		})
	}

	record := &storage.ExecutionRecord{
		ID:              executionID,
		Language:        language,
		Status:          status,
		CodeHash:        hash.StringHash(req.Code),
		CodeSize:        len(req.Code),
		Output:          out.String(),
		OutputTruncated: out.Truncated(),
		DurationMs:      duration.Milliseconds(),
		ToolCalls:       toolCalls,
		ToolCallCount:   len(calls),
		StartedAt:       started.UTC(),
		SessionID:       req.SessionID,
		RequestID:       correlationID,
	}
	if runErr != nil {
		record.ErrorMessage = runErr.Error()
	}
	return record
}

// runnerFor maps a requested language to its runner. Python requires a
// configured interpreter command; TypeScript always works because the
// VM is embedded.
func (o *Orchestrator) runnerFor(language string) (string, Runner, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case LanguageTypeScript, "javascript", "ts", "js":
		return LanguageTypeScript, NewTypeScriptRunner(o.logger), nil
	case LanguagePython, "py":
		if len(o.cfg.Sandbox.PythonCommand) == 0 {
			return "", nil, errors.New("python execution is not configured: set sandbox.python-command")
		}
		return LanguagePython, NewPythonRunner(o.cfg.Sandbox.PythonCommand, o.logger), nil
	default:
		return "", nil, fmt.Errorf("unsupported language %q (supported: typescript, python)", language)
	}
}

// clampTimeout applies the configured default and ceiling.
func (o *Orchestrator) clampTimeout(requestedMs int) time.Duration {
	ms := requestedMs
	if ms <= 0 {
		ms = o.cfg.Sandbox.DefaultTimeoutMs
	}
	if ceiling := o.cfg.Sandbox.MaxTimeoutMs; ceiling > 0 && ms > ceiling {
		ms = ceiling
	}
	return time.Duration(ms) * time.Millisecond
}

// newLimiter builds the per-execution rate limiter from configuration.
// Discovery always runs under the default budget; tool execution is
// only limited when an endpoint override names "/".
func (o *Orchestrator) newLimiter() *ratelimit.Limiter {
	def := ratelimit.DefaultLimit()
	if rl := o.cfg.Proxy.RateLimit; rl != nil && rl.MaxRequests > 0 && rl.WindowMs > 0 {
		def = ratelimit.Limit{
			MaxRequests: rl.MaxRequests,
			Window:      time.Duration(rl.WindowMs) * time.Millisecond,
		}
	}

	var endpoints map[string]ratelimit.Limit
	if len(o.cfg.Proxy.EndpointRateLimits) > 0 {
		endpoints = make(map[string]ratelimit.Limit, len(o.cfg.Proxy.EndpointRateLimits))
		for path, rl := range o.cfg.Proxy.EndpointRateLimits {
			if rl == nil || rl.MaxRequests <= 0 || rl.WindowMs <= 0 {
				continue
			}
			endpoints[path] = ratelimit.Limit{
				MaxRequests: rl.MaxRequests,
				Window:      time.Duration(rl.WindowMs) * time.Millisecond,
			}
		}
	}
	return ratelimit.New(def, endpoints)
}

// isTimeoutError reports whether a runner failure was a deadline kill.
func isTimeoutError(err error) bool {
	var runErr *RunError
	return errors.As(err, &runErr) && runErr.Code == ErrorCodeTimeout
}

// failureResult is used for failures before the runner ever started.
func failureResult(message string, started time.Time) *Result {
	return &Result{
		Success:         false,
		Error:           message,
		ExecutionTimeMs: time.Since(started).Milliseconds(),
		ToolCallsMade:   []string{},
		ToolCallSummary: []tracker.Summary{},
	}
}
