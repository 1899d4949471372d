package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMetrics(t *testing.T) *MetricsManager {
	t.Helper()
	return NewMetricsManager(zap.NewNop().Sugar())
}

func TestRecordToolCallMetrics(t *testing.T) {
	mm := newTestMetrics(t)

	mm.RecordToolCall("calc", "add", StatusSuccess, 25*time.Millisecond)
	mm.RecordToolCall("calc", "add", StatusSuccess, 50*time.Millisecond)
	mm.RecordToolCall("calc", "div", StatusError, 5*time.Millisecond)

	got := testutil.ToFloat64(mm.toolCalls.With(prometheus.Labels{
		"server": "calc", "tool": "add", "status": StatusSuccess,
	}))
	assert.Equal(t, 2.0, got)

	got = testutil.ToFloat64(mm.toolCalls.With(prometheus.Labels{
		"server": "calc", "tool": "div", "status": StatusError,
	}))
	assert.Equal(t, 1.0, got)
}

func TestRecordExecutionMetrics(t *testing.T) {
	mm := newTestMetrics(t)

	mm.RecordExecution("typescript", StatusSuccess, time.Second)
	mm.RecordExecution("python", StatusTimeout, 30*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(mm.executions.With(prometheus.Labels{
		"language": "typescript", "status": StatusSuccess,
	})))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.executions.With(prometheus.Labels{
		"language": "python", "status": StatusTimeout,
	})))
}

func TestCacheAndLimiterCounters(t *testing.T) {
	mm := newTestMetrics(t)

	mm.RecordCacheLookup("hit")
	mm.RecordCacheLookup("hit")
	mm.RecordCacheLookup("miss")
	mm.RecordRateLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(mm.cacheLookups.With(prometheus.Labels{"result": "hit"})))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.cacheLookups.With(prometheus.Labels{"result": "miss"})))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.rateLimited))
}

func TestGauges(t *testing.T) {
	mm := newTestMetrics(t)

	mm.SetConnectionStats(3, 7)
	mm.SetUpstreamStats(2, 14)

	assert.Equal(t, 3.0, testutil.ToFloat64(mm.activeCalls))
	assert.Equal(t, 7.0, testutil.ToFloat64(mm.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(mm.serversUp))
	assert.Equal(t, 14.0, testutil.ToFloat64(mm.toolsTotal))
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	mm := newTestMetrics(t)

	handler := mm.HTTPMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/mcp/tools", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	got := testutil.ToFloat64(mm.proxyRequests.With(prometheus.Labels{
		"method": "GET",
		"path":   "/mcp/tools",
		"status": http.StatusText(http.StatusTeapot),
	}))
	assert.Equal(t, 1.0, got)
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	mm := newTestMetrics(t)
	mm.RecordAuditEvent("tool_call")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mm.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codebroker_audit_events_total")
}

type staticChecker struct {
	name string
	err  error
}

func (s *staticChecker) Name() string { return s.name }

func (s *staticChecker) HealthCheck(_ context.Context) error { return s.err }

func (s *staticChecker) ReadinessCheck(_ context.Context) error { return s.err }

func TestHealthzAggregation(t *testing.T) {
	hm := NewHealthManager(zap.NewNop().Sugar())
	hm.AddHealthChecker(&staticChecker{name: "storage"})
	hm.AddHealthChecker(&staticChecker{name: "upstream", err: errors.New("all servers down")})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	hm.HealthzHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	require.Len(t, body.Components, 2)
	assert.Equal(t, "healthy", body.Components[0].Status)
	assert.Equal(t, "unhealthy", body.Components[1].Status)
	assert.Equal(t, "all servers down", body.Components[1].Error)
}

func TestReadyzHealthyWhenAllPass(t *testing.T) {
	hm := NewHealthManager(zap.NewNop().Sugar())
	hm.AddReadinessChecker(&staticChecker{name: "storage"})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	hm.ReadyzHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hm.IsReady())
}

func TestUpstreamReadinessChecker(t *testing.T) {
	connected := 0
	checker := NewUpstreamHealthChecker("upstream", func() (int, int) {
		return connected, 0
	}, 1)

	assert.Error(t, checker.ReadinessCheck(context.Background()))
	connected = 2
	assert.NoError(t, checker.ReadinessCheck(context.Background()))
	assert.NoError(t, checker.HealthCheck(context.Background()))
}

func TestComponentChecker(t *testing.T) {
	healthy := true
	checker := NewComponentHealthChecker("cache", func() bool { return healthy }, func() bool { return healthy })

	assert.NoError(t, checker.HealthCheck(context.Background()))
	healthy = false
	assert.Error(t, checker.HealthCheck(context.Background()))
	assert.Error(t, checker.ReadinessCheck(context.Background()))
}

func TestManagerDisabledSubsystems(t *testing.T) {
	cfg := Config{} // everything off
	m, err := NewManager(zap.NewNop().Sugar(), cfg)
	require.NoError(t, err)

	assert.Nil(t, m.Metrics())
	assert.Nil(t, m.Health())
	assert.Nil(t, m.Tracing())
	assert.True(t, m.IsHealthy())
	assert.True(t, m.IsReady())

	// The middleware chain must still be usable as a pass-through.
	called := false
	h := m.HTTPMiddleware()(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)

	assert.NoError(t, m.Close(context.Background()))
}

func TestManagerDefaults(t *testing.T) {
	cfg := DefaultConfig("codebroker", "1.0.0")
	assert.True(t, cfg.Health.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tracing.Enabled, "tracing must be opt-in")

	m, err := NewManager(zap.NewNop().Sugar(), cfg)
	require.NoError(t, err)
	require.NotNil(t, m.Metrics())
	require.NotNil(t, m.Health())
	assert.Nil(t, m.Tracing())

	m.UpdateMetrics()
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Metrics().uptime), 0.0)
}

func TestManagerRecordHelpers(t *testing.T) {
	cfg := DefaultConfig("codebroker", "1.0.0")
	m, err := NewManager(zap.NewNop().Sugar(), cfg)
	require.NoError(t, err)

	m.RecordToolCall(context.Background(), "calc", "add", time.Millisecond, nil)
	m.RecordToolCall(context.Background(), "calc", "add", time.Millisecond, errors.New("boom"))
	m.RecordExecution("typescript", StatusSuccess, time.Second)
	m.RecordStorageOperation("save", nil)

	mm := m.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.toolCalls.With(prometheus.Labels{
		"server": "calc", "tool": "add", "status": StatusSuccess,
	})))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.toolCalls.With(prometheus.Labels{
		"server": "calc", "tool": "add", "status": StatusError,
	})))
	assert.Equal(t, 1.0, testutil.ToFloat64(mm.storageOps.With(prometheus.Labels{
		"operation": "save", "status": StatusSuccess,
	})))
}
