// Package proxy implements the per-execution loopback HTTP server that
// sandboxed code talks to. It is the only path from a running script to
// the upstream MCP servers: every request must present the execution's
// bearer token, execution requests must pass the allowlist and the
// tool's JSON Schema, and every forwarded call lands in the usage
// tracker and the audit log.
//
// One Server is created per execution and never shared. It binds an
// ephemeral port on 127.0.0.1 and dies with the execution.
package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"codebroker/internal/audit"
	"codebroker/internal/hash"
	"codebroker/internal/observability"
	"codebroker/internal/ratelimit"
	"codebroker/internal/reqcontext"
	"codebroker/internal/schema"
	"codebroker/internal/schemacache"
	"codebroker/internal/tokens"
	"codebroker/internal/tracker"
	"codebroker/internal/upstream"
)

const (
	// DefaultDiscoveryTimeout bounds how long a discovery request waits
	// for the schema fan-out before giving up.
	DefaultDiscoveryTimeout = 500 * time.Millisecond

	executePath   = "/"
	discoveryPath = "/mcp/tools"
	metricsPath   = "/metrics"

	// The proxy serves exactly one sandbox, so rate limiting runs
	// under a single fixed client key.
	sandboxClientKey = "sandbox"

	maxSearchTermLength = 100
	authTokenBytes      = 32
	shutdownGrace       = 1 * time.Second
)

var searchTermPattern = regexp.MustCompile(`^[A-Za-z0-9 _-]*$`)

// ToolBackend is the slice of the upstream pool the proxy needs.
type ToolBackend interface {
	CallTool(ctx context.Context, fullName string, params map[string]interface{}) (interface{}, error)
	ListAllToolSchemas(ctx context.Context, cache upstream.SchemaSource) []upstream.ToolSchemaSummary
}

// SchemaProvider is the slice of the schema cache the proxy needs.
type SchemaProvider interface {
	GetToolSchema(ctx context.Context, fullName string) (*schemacache.ToolSchema, error)
	PrePopulate(ctx context.Context)
	GetStats() schemacache.Stats
}

// Options carries the per-execution dependencies for a proxy server.
type Options struct {
	Pool      ToolBackend
	Allowlist *Allowlist
	Cache     SchemaProvider
	Limiter   *ratelimit.Limiter
	Audit     *audit.Logger
	Tracker   *tracker.Tracker

	// Optional.
	Tokens  *tokens.DefaultTokenizer
	Metrics *observability.Manager

	DiscoveryTimeout time.Duration
	Logger           *zap.Logger
}

// StartResult is handed to the sandbox runner: the loopback port and
// the bearer token user code must present on every request.
type StartResult struct {
	Port      int
	AuthToken string
}

// Server is a per-execution loopback HTTP proxy. Start once, Stop once.
type Server struct {
	pool      ToolBackend
	allowlist *Allowlist
	cache     SchemaProvider
	limiter   *ratelimit.Limiter
	auditLog  *audit.Logger
	track     *tracker.Tracker
	tokens    *tokens.DefaultTokenizer
	metrics   *observability.Manager

	discoveryTimeout time.Duration
	logger           *zap.Logger

	authToken  string
	port       int
	httpServer *http.Server
}

// New validates the dependencies and builds an unstarted server.
func New(opts Options) (*Server, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("upstream pool is required")
	}
	if opts.Allowlist == nil {
		return nil, fmt.Errorf("allowlist is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("schema cache is required")
	}
	if opts.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if opts.Audit == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Server{
		pool:             opts.Pool,
		allowlist:        opts.Allowlist,
		cache:            opts.Cache,
		limiter:          opts.Limiter,
		auditLog:         opts.Audit,
		track:            opts.Tracker,
		tokens:           opts.Tokens,
		metrics:          opts.Metrics,
		discoveryTimeout: opts.DiscoveryTimeout,
		logger:           opts.Logger.Named("proxy"),
	}, nil
}

func generateAuthToken() (string, error) {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Start warms the schema cache, binds an ephemeral loopback port, and
// begins serving. The returned token is the only credential that will
// ever authorize requests against this instance.
func (s *Server) Start(ctx context.Context) (*StartResult, error) {
	// Warm-up is best-effort; per-tool failures are logged inside the
	// cache and the first real call retries.
	s.cache.PrePopulate(ctx)

	token, err := generateAuthToken()
	if err != nil {
		return nil, err
	}
	s.authToken = token

	// Loopback only. Binding 0.0.0.0 would expose every upstream tool
	// to the local network with a single shared bearer.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind proxy listener: %w", err)
	}
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Proxy server terminated", zap.Error(err))
		}
	}()

	s.logger.Info("Proxy server listening",
		zap.Int("port", s.port),
		zap.Int("allowed_tools", s.allowlist.Len()))

	return &StartResult{Port: s.port, AuthToken: token}, nil
}

// Stop shuts the server down, giving in-flight requests and keep-alive
// connections one second before force-closing them.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Port returns the bound port; valid after Start.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.correlationMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.HTTPMiddleware())
	}
	r.Use(s.authMiddleware)

	r.Post(executePath, s.handleExecute)
	r.Get(discoveryPath, s.handleDiscovery)
	r.Get(metricsPath, s.handleMetrics)
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)
	return r
}

// recoverMiddleware turns handler panics into sanitized 500 responses.
// The panic and stack stay in the server log.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in proxy handler",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// correlationMiddleware tags the request for its audit entries. A valid
// caller-supplied X-Request-Id becomes the correlation ID so sandbox
// code can line its own logs up with the audit trail; anything else
// gets a fresh ULID. The effective ID is echoed on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if provided := r.Header.Get(reqcontext.RequestIDHeader); reqcontext.IsValidRequestID(provided) {
			ctx = reqcontext.WithCorrelationID(ctx, provided)
		}
		ctx, id := reqcontext.EnsureCorrelationID(ctx)
		w.Header().Set(reqcontext.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware enforces the per-execution bearer token on every
// route. The comparison is constant-time for equal lengths; a length
// mismatch answers immediately without revealing anything beyond the
// length itself. 401 bodies never echo tokens or cache state.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.appendAudit(r, audit.Entry{
				EventType:    audit.EventAuthFailure,
				Status:       audit.StatusRejected,
				ErrorMessage: "missing or invalid bearer token",
			})
			s.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error": "Unauthorized",
				"hint":  "Expected 'Authorization: Bearer <token>' header",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

type executeRequest struct {
	ToolName string                 `json:"toolName"`
	Params   map[string]interface{} `json:"params"`
}

// handleExecute forwards one tool call upstream. Order matters:
// allowlist, then schema validation, then the optional per-endpoint
// rate limit, then the forward. Tracker and audit entries are appended
// only when a call was actually forwarded.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": `Invalid request body: expected {"toolName": "...", "params": {...}}`,
		})
		return
	}
	if req.ToolName == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "toolName is required",
		})
		return
	}

	if !s.allowlist.IsAllowed(req.ToolName) {
		s.writeForbidden(w, req.ToolName)
		return
	}

	if msg := s.validateAgainstSchema(r.Context(), req.ToolName, req.Params); msg != "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": msg})
		return
	}

	// Execution is unthrottled by default; a configured override for
	// "/" turns the limiter on for this endpoint too.
	if s.limiter.HasEndpointLimit(executePath) {
		res := s.limiter.CheckLimit(sandboxClientKey, executePath)
		if !res.Allowed {
			s.writeRateLimited(w, res)
			return
		}
	}

	s.forwardToolCall(w, r, req.ToolName, req.Params)
}

// validateAgainstSchema returns a formatted parameter error, or "" when
// the params pass or no schema is known. Unknown or unfetchable schemas
// never block the call; the upstream is the authority on its own tools.
func (s *Server) validateAgainstSchema(ctx context.Context, toolName string, params map[string]interface{}) string {
	toolSchema, err := s.cache.GetToolSchema(ctx, toolName)
	if err != nil {
		s.logger.Warn("Schema lookup failed, forwarding unvalidated",
			zap.String("tool", toolName),
			zap.Error(err))
		return ""
	}
	if toolSchema == nil || len(toolSchema.InputSchema) == 0 {
		return ""
	}

	result, err := schema.ValidateParams(toolSchema.InputSchema, params)
	if err != nil {
		s.logger.Warn("Tool schema does not compile, forwarding unvalidated",
			zap.String("tool", toolName),
			zap.Error(err))
		return ""
	}
	if result.Valid {
		return ""
	}
	return schema.FormatValidationError(toolName, result, params)
}

func (s *Server) forwardToolCall(w http.ResponseWriter, r *http.Request, toolName string, params map[string]interface{}) {
	start := time.Now()
	result, err := s.pool.CallTool(r.Context(), toolName, params)
	duration := time.Since(start)
	durationMs := duration.Milliseconds()

	if s.metrics != nil {
		if server, tool, perr := upstream.ParseToolName(toolName); perr == nil {
			s.metrics.RecordToolCall(r.Context(), server, tool, duration, err)
		}
	}

	paramsHash := ""
	if h, hashErr := hash.ParamsHash(params); hashErr == nil {
		paramsHash = h
	}

	call := tracker.Call{
		ToolName:   toolName,
		DurationMs: durationMs,
		Timestamp:  start.UTC(),
	}
	entry := audit.Entry{
		EventType:  audit.EventToolCall,
		ToolName:   toolName,
		ParamsHash: paramsHash,
		LatencyMs:  durationMs,
	}

	if err != nil {
		call.Status = tracker.StatusError
		call.ErrorMessage = err.Error()
		s.track.Record(call)

		entry.Status = audit.StatusFailure
		entry.ErrorMessage = err.Error()
		s.appendAudit(r, entry)

		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	call.Status = tracker.StatusSuccess
	if s.tokens != nil {
		call.ResultTokens = s.tokens.EstimateResult(result)
	}
	s.track.Record(call)

	entry.Status = audit.StatusSuccess
	s.appendAudit(r, entry)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// handleDiscovery lists and filters upstream tool schemas.
//
// The allowlist is deliberately not consulted here: discovery returns
// read-only metadata (name, description, parameter schema) and cannot
// execute anything. The sandbox needs the full catalog to report which
// tools the caller would have to allow for a follow-up run.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	res := s.limiter.CheckLimit(sandboxClientKey, discoveryPath)
	if !res.Allowed {
		s.appendAudit(r, audit.Entry{
			EventType: audit.EventRateLimited,
			Status:    audit.StatusRejected,
			Metadata:  map[string]interface{}{"endpoint": discoveryPath},
		})
		s.writeRateLimited(w, res)
		return
	}

	terms, err := parseSearchTerms(r.URL.Query()["q"])
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	// The fan-out races the discovery timeout. On timeout the listing
	// keeps running toward the cache, so a retry gets cheap hits.
	listed := make(chan []upstream.ToolSchemaSummary, 1)
	go func() {
		listed <- s.pool.ListAllToolSchemas(context.WithoutCancel(r.Context()), s.cache)
	}()

	timer := time.NewTimer(s.discoveryTimeout)
	defer timer.Stop()

	var tools []upstream.ToolSchemaSummary
	select {
	case tools = <-listed:
	case <-timer.C:
		s.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": fmt.Sprintf("Tool discovery timed out after %s", s.discoveryTimeout),
		})
		return
	}

	filtered := filterTools(tools, terms)

	s.appendAudit(r, audit.Entry{
		EventType: audit.EventDiscovery,
		Status:    audit.StatusSuccess,
		Metadata: map[string]interface{}{
			"searchTerms": terms,
			"resultCount": len(filtered),
		},
	})

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tools": filtered})
}

// parseSearchTerms validates the repeated ?q= parameters and lowercases
// them. Empty terms are dropped rather than rejected.
func parseSearchTerms(raw []string) ([]string, error) {
	terms := make([]string, 0, len(raw))
	for _, q := range raw {
		if len(q) > maxSearchTermLength {
			return nil, fmt.Errorf("search term exceeds %d characters", maxSearchTermLength)
		}
		if !searchTermPattern.MatchString(q) {
			return nil, fmt.Errorf("search term %q contains invalid characters", q)
		}
		if q == "" {
			continue
		}
		terms = append(terms, strings.ToLower(q))
	}
	return terms, nil
}

// filterTools keeps each tool whose name or description contains at
// least one search term. Case-insensitive substring match, OR semantics.
func filterTools(tools []upstream.ToolSchemaSummary, terms []string) []upstream.ToolSchemaSummary {
	if len(terms) == 0 {
		if tools == nil {
			return []upstream.ToolSchemaSummary{}
		}
		return tools
	}

	filtered := make([]upstream.ToolSchemaSummary, 0, len(tools))
	for _, tool := range tools {
		haystack := strings.ToLower(tool.Name + " " + tool.Description)
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				filtered = append(filtered, tool)
				break
			}
		}
	}
	return filtered
}

// handleMetrics serves an authenticated observability snapshot:
// Prometheus output when metrics are wired, otherwise a small JSON
// summary of this execution's activity.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil && s.metrics.Metrics() != nil {
		s.metrics.Metrics().Handler().ServeHTTP(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"toolCalls":   s.track.GetSummary(),
		"rateLimiter": s.limiter.GetStats(sandboxClientKey),
		"schemaCache": s.cache.GetStats(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":  fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path),
		"routes": []string{"POST /", "GET /mcp/tools", "GET /metrics"},
	})
}

func (s *Server) writeForbidden(w http.ResponseWriter, toolName string) {
	allowed := s.allowlist.AllowedTools()
	var allowedField interface{} = allowed
	if len(allowed) == 0 {
		allowedField = "(empty: no tools allowed)"
	}
	s.writeJSON(w, http.StatusForbidden, map[string]interface{}{
		"error":        fmt.Sprintf("Tool '%s' not in allowlist", toolName),
		"allowedTools": allowedField,
		"suggestion":   fmt.Sprintf("Add '%s' to allowedTools array", toolName),
	})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	if s.metrics != nil && s.metrics.Metrics() != nil {
		s.metrics.Metrics().RecordRateLimited()
	}
	s.writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":      "Rate limit exceeded",
		"retryAfter": res.RetryAfter,
		"limit":      res.Limit,
		"window":     int(res.Window.Seconds()),
	})
}

// appendAudit fills the correlation fields and writes the entry.
// Audit failures are logged, never surfaced to the sandbox.
func (s *Server) appendAudit(r *http.Request, entry audit.Entry) {
	entry.CorrelationID = reqcontext.GetCorrelationID(r.Context())
	if entry.ClientIP == "" {
		entry.ClientIP = r.RemoteAddr
	}
	if err := s.auditLog.Log(entry); err != nil {
		s.logger.Warn("Failed to append audit entry", zap.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}
