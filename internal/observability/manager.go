package observability

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Tool call and execution status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Config holds configuration for all observability features.
type Config struct {
	Health  HealthConfig  `json:"health"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// HealthConfig holds configuration for health checks.
type HealthConfig struct {
	Enabled bool          `json:"enabled"`
	Timeout time.Duration `json:"timeout"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns the default observability configuration: health and
// metrics on, tracing off.
func DefaultConfig(serviceName, serviceVersion string) Config {
	return Config{
		Health: HealthConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			OTLPEndpoint:   "localhost:4318",
			Insecure:       true,
			SampleRate:     0.1,
		},
	}
}

// Manager coordinates health, metrics, and tracing.
type Manager struct {
	logger  *zap.SugaredLogger
	config  Config
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager creates a manager with the enabled subsystems initialized.
func NewManager(logger *zap.SugaredLogger, config Config) (*Manager, error) {
	manager := &Manager{
		logger:    logger,
		config:    config,
		startTime: time.Now(),
	}

	if config.Health.Enabled {
		manager.health = NewHealthManager(logger)
		manager.health.SetTimeout(config.Health.Timeout)
	}

	if config.Metrics.Enabled {
		manager.metrics = NewMetricsManager(logger)
		logger.Debug("Prometheus metrics enabled")
	}

	if config.Tracing.Enabled {
		var err error
		manager.tracing, err = NewTracingManager(logger, config.Tracing)
		if err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// Health returns the health manager, nil when disabled.
func (m *Manager) Health() *HealthManager {
	return m.health
}

// Metrics returns the metrics manager, nil when disabled.
func (m *Manager) Metrics() *MetricsManager {
	return m.metrics
}

// Tracing returns the tracing manager, nil when disabled.
func (m *Manager) Tracing() *TracingManager {
	return m.tracing
}

// RegisterHealthChecker registers a health checker if health is enabled.
func (m *Manager) RegisterHealthChecker(checker HealthChecker) {
	if m.health != nil {
		m.health.AddHealthChecker(checker)
	}
}

// RegisterReadinessChecker registers a readiness checker if health is enabled.
func (m *Manager) RegisterReadinessChecker(checker ReadinessChecker) {
	if m.health != nil {
		m.health.AddReadinessChecker(checker)
	}
}

// SetupHTTPHandlers mounts /healthz, /readyz and /metrics on the mux.
func (m *Manager) SetupHTTPHandlers(mux *http.ServeMux) {
	if m.health != nil {
		mux.HandleFunc("/healthz", m.health.HealthzHandler())
		mux.HandleFunc("/readyz", m.health.ReadyzHandler())
	}
	if m.metrics != nil {
		mux.Handle("/metrics", m.metrics.Handler())
	}
}

// HTTPMiddleware chains the metrics and tracing middlewares.
func (m *Manager) HTTPMiddleware() func(http.Handler) http.Handler {
	middlewares := make([]func(http.Handler) http.Handler, 0, 2)
	if m.metrics != nil {
		middlewares = append(middlewares, m.metrics.HTTPMiddleware())
	}
	if m.tracing != nil {
		middlewares = append(middlewares, m.tracing.HTTPMiddleware())
	}

	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// UpdateMetrics refreshes metrics derived from process state.
func (m *Manager) UpdateMetrics() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetUptime(m.startTime)
}

// Close shuts down exporter pipelines.
func (m *Manager) Close(ctx context.Context) error {
	if m.tracing != nil {
		if err := m.tracing.Close(ctx); err != nil {
			m.logger.Errorw("failed to close tracing manager", "error", err)
			return err
		}
	}
	return nil
}

// IsHealthy reports aggregate health; disabled health checks count as healthy.
func (m *Manager) IsHealthy() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsHealthy()
}

// IsReady reports aggregate readiness.
func (m *Manager) IsReady() bool {
	if m.health == nil {
		return true
	}
	return m.health.IsReady()
}

// RecordToolCall records metrics for one upstream call and marks the span on
// failure.
func (m *Manager) RecordToolCall(ctx context.Context, serverName, toolName string, duration time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	if m.metrics != nil {
		m.metrics.RecordToolCall(serverName, toolName, status, duration)
	}
	if m.tracing != nil && err != nil {
		m.tracing.SetSpanError(ctx, err)
	}
}

// RecordExecution records metrics for one sandbox execution.
func (m *Manager) RecordExecution(language, status string, duration time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordExecution(language, status, duration)
	}
}

// RecordStorageOperation records one history-store operation.
func (m *Manager) RecordStorageOperation(operation string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	if m.metrics != nil {
		m.metrics.RecordStorageOperation(operation, status)
	}
}
