// Package server wires the broker's process-wide components and serves
// the agent-facing MCP surface over stdio. Exactly three tools are
// published: execute_typescript, execute_python, and broker_health.
// Tool discovery helpers exist only inside the sandbox; publishing them
// as top-level tools would flood the agent's context with the full
// upstream catalog and defeat the point of brokering.
package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"codebroker/internal/audit"
	"codebroker/internal/config"
	"codebroker/internal/connpool"
	"codebroker/internal/logs"
	"codebroker/internal/observability"
	"codebroker/internal/sandbox"
	"codebroker/internal/schemacache"
	"codebroker/internal/secret"
	"codebroker/internal/storage"
	"codebroker/internal/tokens"
	"codebroker/internal/upstream"
)

// Version is injected by -ldflags at build time.
var Version = "dev"

const (
	auditDirName = "audit"

	// drainTimeout bounds how long shutdown waits for in-flight
	// upstream calls before disconnecting anyway.
	drainTimeout = 5 * time.Second

	// retentionSweepInterval is how often expired audit files and
	// schema-cache entries are swept while the broker runs.
	retentionSweepInterval = 24 * time.Hour
)

// Server owns the process-wide singletons: storage, observability,
// audit, the upstream client pool, and the schema cache. They are
// constructed once in NewServer and torn down in reverse order by
// Shutdown. Everything per-execution lives in the sandbox orchestrator.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	history   *storage.Manager
	obs       *observability.Manager
	auditLog  *audit.Logger
	gate      *connpool.Pool
	pool      *upstream.Pool
	cache     *schemacache.Cache
	tokenizer *tokens.DefaultTokenizer
	orch      *sandbox.Orchestrator
	broker    *BrokerServer

	startedAt time.Time

	mu       sync.Mutex
	shutdown bool
}

// NewServer builds the full broker from configuration. Secret
// references in upstream headers are resolved here so connect-time
// failures surface before any MCP traffic.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}

	if err := s.resolveSecrets(); err != nil {
		return nil, err
	}

	var err error
	s.history, err = storage.NewManager(cfg.DataDir, logger.Sugar())
	if err != nil {
		return nil, fmt.Errorf("failed to open execution history store: %w", err)
	}

	if err := s.setupObservability(); err != nil {
		s.closePartial()
		return nil, err
	}

	auditDir := cfg.Audit.LogDir
	if auditDir == "" {
		auditDir = filepath.Join(cfg.DataDir, auditDirName)
	}
	s.auditLog, err = audit.New(auditDir, cfg.Audit.RetentionDays, logger)
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	s.gate = connpool.New(cfg.Pool.MaxConnections, cfg.Pool.QueueTimeout, logger)
	s.pool = upstream.NewPool(cfg, s.gate, logger)

	cachePath := cfg.Cache.Filename
	if !filepath.IsAbs(cachePath) {
		cachePath = filepath.Join(cfg.DataDir, cachePath)
	}
	s.cache, err = schemacache.New(schemacache.Options{
		Fetcher:    s.pool,
		Path:       cachePath,
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Logger:     logger,
	})
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}

	if cfg.Tokens.Enabled {
		s.tokenizer, err = tokens.NewTokenizer(cfg.Tokens.Encoding, logger.Sugar(), true)
		if err != nil {
			// Token estimation is advisory; a broken encoding never
			// blocks the broker.
			logger.Warn("Token estimation disabled", zap.Error(err))
			s.tokenizer = nil
		}
	}

	s.orch, err = sandbox.NewOrchestrator(sandbox.Options{
		Pool:    s.pool,
		Cache:   s.cache,
		Audit:   s.auditLog,
		Config:  cfg,
		Metrics: s.obs,
		History: s.history,
		Tokens:  s.tokenizer,
		Logger:  logger,
	})
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("failed to create sandbox orchestrator: %w", err)
	}

	s.broker = NewBrokerServer(s, cfg, logger)
	s.registerHealthCheckers()

	return s, nil
}

// resolveSecrets expands ${env:...} and ${keyring:...} references in
// upstream header and env values. Every resolved value is registered
// with the log sanitizer so it can never appear in a log line.
func (s *Server) resolveSecrets() error {
	resolver := secret.NewResolver()

	onResolved := func(string) {}
	if san, ok := s.logger.Core().(*logs.SecretSanitizer); ok {
		onResolved = san.RegisterResolvedSecret
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := resolver.ExpandServers(ctx, s.cfg.Servers, onResolved); err != nil {
		return fmt.Errorf("failed to resolve upstream secrets: %w", err)
	}
	return nil
}

func (s *Server) setupObservability() error {
	obsCfg := observability.DefaultConfig(s.cfg.ServerName, Version)
	obsCfg.Metrics.Enabled = s.cfg.Observability.MetricsEnabled
	if tc := s.cfg.Observability.Tracing; tc != nil && tc.Enabled {
		obsCfg.Tracing.Enabled = true
		if tc.Endpoint != "" {
			obsCfg.Tracing.OTLPEndpoint = tc.Endpoint
		}
		obsCfg.Tracing.Insecure = tc.Insecure
		if tc.SampleRatio > 0 {
			obsCfg.Tracing.SampleRate = tc.SampleRatio
		}
		if tc.ServiceName != "" {
			obsCfg.Tracing.ServiceName = tc.ServiceName
		}
	}

	obs, err := observability.NewManager(s.logger.Sugar(), obsCfg)
	if err != nil {
		return fmt.Errorf("failed to set up observability: %w", err)
	}
	s.obs = obs
	return nil
}

func (s *Server) registerHealthCheckers() {
	if s.obs == nil {
		return
	}
	s.obs.RegisterHealthChecker(observability.NewDatabaseHealthChecker("history", s.history.DB()))
	s.obs.RegisterReadinessChecker(observability.NewDatabaseHealthChecker("history", s.history.DB()))

	// minServers 0: a standalone broker with no upstreams is healthy,
	// it just cannot forward tool calls.
	upstreamChecker := observability.NewUpstreamHealthChecker("upstream", func() (int, int) {
		stats := s.pool.GetStats()
		return stats.Servers, stats.Tools
	}, 0)
	s.obs.RegisterHealthChecker(upstreamChecker)
}

// Serve connects the upstream fleet, warms the schema cache, and blocks
// serving MCP over stdio until the context is cancelled or stdin
// closes. It is the only long-running entry point.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Starting code broker",
		zap.String("version", Version),
		zap.String("data_dir", s.cfg.DataDir),
		zap.Int("upstream_servers", len(s.cfg.Servers)))

	if err := s.pool.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect upstream servers: %w", err)
	}

	// Cache warm-up and retention sweeps run in the background; the
	// first execution does not wait for either.
	go s.cache.PrePopulate(ctx)
	go s.retentionLoop(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info("Context cancelled, shutting down broker")
		if err := s.Shutdown(); err != nil {
			s.logger.Error("Error during shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("Serving MCP over stdio",
		zap.String("server_name", s.cfg.ServerName),
		zap.Strings("tools", []string{ToolExecuteTypeScript, ToolExecutePython, ToolBrokerHealth}))

	if err := s.broker.ServeStdio(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server error: %w", err)
	}
	return nil
}

// retentionLoop sweeps expired audit files and schema-cache entries
// once at startup and then daily.
func (s *Server) retentionLoop(ctx context.Context) {
	sweep := func() {
		if removed, err := s.auditLog.Cleanup(); err != nil {
			s.logger.Warn("Audit retention sweep failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("Removed expired audit logs", zap.Int("files", removed))
		}
		if dropped := s.cache.Cleanup(); dropped > 0 {
			s.logger.Debug("Dropped expired schema entries", zap.Int("entries", dropped))
		}
	}

	sweep()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.auditLog.Rotate()
			sweep()
		}
	}
}

// Shutdown tears the broker down in reverse construction order:
// drain the connection gate, disconnect upstreams, persist the schema
// cache, flush audit, close storage and observability. Safe to call
// more than once.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.logger.Info("Shutting down code broker")

	if rejected := s.gate.Drain(drainTimeout); rejected > 0 {
		s.logger.Warn("Rejected queued upstream calls during drain", zap.Int("rejected", rejected))
	}
	s.pool.Disconnect()
	s.cache.Close()

	if err := s.auditLog.Log(audit.Entry{
		EventType: audit.EventShutdown,
		Status:    audit.StatusSuccess,
		Metadata: map[string]interface{}{
			"uptimeMs": time.Since(s.startedAt).Milliseconds(),
		},
	}); err != nil {
		s.logger.Warn("Failed to write shutdown audit entry", zap.Error(err))
	}
	_ = s.auditLog.Flush()

	if err := s.history.Close(); err != nil {
		s.logger.Error("Failed to close execution history store", zap.Error(err))
	}

	if s.obs != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.obs.Close(closeCtx); err != nil {
			s.logger.Warn("Failed to close observability", zap.Error(err))
		}
	}

	s.logger.Info("Code broker shutdown complete")
	return nil
}

// closePartial releases whatever NewServer managed to construct before
// failing. Order mirrors Shutdown for the pieces that exist.
func (s *Server) closePartial() {
	if s.pool != nil {
		s.pool.Disconnect()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.history != nil {
		_ = s.history.Close()
	}
	if s.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.obs.Close(ctx)
	}
}

// Execute runs one sandboxed execution. Part of the Broker interface
// consumed by the MCP handlers.
func (s *Server) Execute(ctx context.Context, req sandbox.Request) *sandbox.Result {
	return s.orch.Execute(ctx, req)
}

// Health assembles the broker_health snapshot from the live components.
func (s *Server) Health() HealthReport {
	report := HealthReport{
		Status:    "ok",
		Version:   Version,
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
		Upstream:  s.pool.GetStats(),
		Cache:     s.cache.GetStats(),
		Gate:      s.gate.GetStats(),
	}
	if s.obs != nil && !s.obs.IsHealthy() {
		report.Status = "degraded"
	}
	if count, err := s.history.CountExecutions(); err == nil {
		report.Executions = count
	}
	report.PythonEnabled = len(s.cfg.Sandbox.PythonCommand) > 0
	return report
}
