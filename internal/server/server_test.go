package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"codebroker/internal/audit"
	"codebroker/internal/config"
	"codebroker/internal/sandbox"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(audit.RetentionEnvVar, "")

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	// Token estimation pulls encoding data on first use; wiring tests
	// do not need it.
	cfg.Tokens.Enabled = false
	return cfg
}

func TestNewServerWiresComponents(t *testing.T) {
	cfg := newTestConfig(t)

	s, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	report := s.Health()
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, Version, report.Version)
	assert.Zero(t, report.Upstream.Servers)
	assert.Zero(t, report.Upstream.Tools)
	assert.Equal(t, cfg.Cache.MaxEntries, report.Cache.MaxEntries)
	assert.Equal(t, cfg.Pool.MaxConnections, report.Gate.Max)
	assert.False(t, report.PythonEnabled)
	assert.Zero(t, report.Executions)
}

func TestNewServerValidation(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop())
		require.Error(t, err)
	})

	t.Run("missing data dir", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Tokens.Enabled = false
		_, err := NewServer(cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data directory")
	})

	t.Run("invalid retention", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Audit.RetentionDays = 1000
		_, err := NewServer(cfg, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retention")
	})
}

func TestShutdownIdempotent(t *testing.T) {
	cfg := newTestConfig(t)

	s, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
}

// TestServerExecuteSmoke drives one execution through the fully wired
// server: per-execution proxy on loopback, sandbox VM, history record.
func TestServerExecuteSmoke(t *testing.T) {
	cfg := newTestConfig(t)

	s, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	res := s.Execute(context.Background(), sandbox.Request{
		Language: sandbox.LanguageTypeScript,
		Code:     `console.log("answer:", 6 * 7);`,
	})
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "answer: 42")
	assert.Empty(t, res.ToolCallsMade)

	report := s.Health()
	assert.Equal(t, 1, report.Executions)
}

func TestServerImplementsBroker(t *testing.T) {
	var _ Broker = (*Server)(nil)
}
