package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager owns the Prometheus registry and every broker metric.
type MetricsManager struct {
	logger   *zap.SugaredLogger
	registry *prometheus.Registry

	uptime        prometheus.Gauge
	executions    *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec
	proxyRequests *prometheus.CounterVec
	proxyDuration *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	rateLimited   prometheus.Counter
	queueDepth    prometheus.Gauge
	activeCalls   prometheus.Gauge
	serversUp     prometheus.Gauge
	toolsTotal    prometheus.Gauge
	storageOps    *prometheus.CounterVec
	auditEvents   *prometheus.CounterVec
}

// NewMetricsManager creates a manager with its own registry.
func NewMetricsManager(logger *zap.SugaredLogger) *MetricsManager {
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	mm.initMetrics()
	mm.registerMetrics()
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codebroker_uptime_seconds",
		Help: "Time since the broker started",
	})

	mm.executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebroker_executions_total",
			Help: "Total number of sandbox executions",
		},
		[]string{"language", "status"},
	)

	mm.execDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codebroker_execution_duration_seconds",
			Help:    "Sandbox execution duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"language", "status"},
	)

	mm.proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebroker_proxy_requests_total",
			Help: "Total number of loopback proxy requests",
		},
		[]string{"method", "path", "status"},
	)

	mm.proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codebroker_proxy_request_duration_seconds",
			Help:    "Loopback proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	mm.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebroker_tool_calls_total",
			Help: "Total number of upstream tool calls",
		},
		[]string{"server", "tool", "status"},
	)

	mm.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codebroker_tool_call_duration_seconds",
			Help:    "Upstream tool call duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"server", "tool", "status"},
	)

	mm.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebroker_schema_cache_lookups_total",
			Help: "Schema cache lookups by outcome",
		},
		[]string{"result"}, // hit, miss, stale
	)

	mm.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codebroker_rate_limited_total",
		Help: "Requests denied by the sliding-window rate limiter",
	})

	mm.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codebroker_connection_queue_depth",
		Help: "Callers waiting for an upstream connection slot",
	})

	mm.activeCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codebroker_connections_active",
		Help: "Upstream connection slots currently in use",
	})

	mm.serversUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codebroker_upstream_servers_connected",
		Help: "Number of connected upstream MCP servers",
	})

	mm.toolsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codebroker_upstream_tools_total",
		Help: "Total number of tools advertised by upstream servers",
	})

	mm.storageOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebroker_storage_operations_total",
			Help: "Total number of execution-history storage operations",
		},
		[]string{"operation", "status"},
	)

	mm.auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codebroker_audit_events_total",
			Help: "Audit log entries by event type",
		},
		[]string{"event_type"},
	)
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		mm.uptime,
		mm.executions,
		mm.execDuration,
		mm.proxyRequests,
		mm.proxyDuration,
		mm.toolCalls,
		mm.toolDuration,
		mm.cacheLookups,
		mm.rateLimited,
		mm.queueDepth,
		mm.activeCalls,
		mm.serversUp,
		mm.toolsTotal,
		mm.storageOps,
		mm.auditEvents,
	)

	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the registry for custom collectors.
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// SetUptime sets the uptime metric relative to the given start time.
func (mm *MetricsManager) SetUptime(startTime time.Time) {
	mm.uptime.Set(time.Since(startTime).Seconds())
}

// RecordExecution records one sandbox execution.
func (mm *MetricsManager) RecordExecution(language, status string, duration time.Duration) {
	mm.executions.WithLabelValues(language, status).Inc()
	mm.execDuration.WithLabelValues(language, status).Observe(duration.Seconds())
}

// RecordProxyRequest records one loopback proxy request.
func (mm *MetricsManager) RecordProxyRequest(method, path, status string, duration time.Duration) {
	mm.proxyRequests.WithLabelValues(method, path, status).Inc()
	mm.proxyDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordToolCall records one upstream tool call.
func (mm *MetricsManager) RecordToolCall(server, tool, status string, duration time.Duration) {
	mm.toolCalls.WithLabelValues(server, tool, status).Inc()
	mm.toolDuration.WithLabelValues(server, tool, status).Observe(duration.Seconds())
}

// RecordCacheLookup counts a schema cache lookup outcome: hit, miss or stale.
func (mm *MetricsManager) RecordCacheLookup(result string) {
	mm.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRateLimited counts a 429 issued by the limiter.
func (mm *MetricsManager) RecordRateLimited() {
	mm.rateLimited.Inc()
}

// SetConnectionStats updates connection pool gauges.
func (mm *MetricsManager) SetConnectionStats(active, waiting int) {
	mm.activeCalls.Set(float64(active))
	mm.queueDepth.Set(float64(waiting))
}

// SetUpstreamStats updates upstream fleet gauges.
func (mm *MetricsManager) SetUpstreamStats(servers, tools int) {
	mm.serversUp.Set(float64(servers))
	mm.toolsTotal.Set(float64(tools))
}

// RecordStorageOperation records an execution-history storage operation.
func (mm *MetricsManager) RecordStorageOperation(operation, status string) {
	mm.storageOps.WithLabelValues(operation, status).Inc()
}

// RecordAuditEvent counts one audit entry by event type.
func (mm *MetricsManager) RecordAuditEvent(eventType string) {
	mm.auditEvents.WithLabelValues(eventType).Inc()
}

// HTTPMiddleware records request counts and latencies for every route.
func (mm *MetricsManager) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			mm.RecordProxyRequest(r.Method, r.URL.Path, http.StatusText(ww.statusCode), time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
