package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Transport protocol values for upstream server entries.
const (
	ProtocolStdio = "stdio"
	ProtocolHTTP  = "http"
	ProtocolSSE   = "sse"
	ProtocolAuto  = "auto"
)

// Config is the main broker configuration.
type Config struct {
	// ServerName is the broker's own MCP identity. An upstream entry with
	// this name is skipped at pool init to prevent self-recursion.
	ServerName string `json:"server_name,omitempty" mapstructure:"server-name"`

	DataDir string `json:"data_dir,omitempty" mapstructure:"data-dir"`

	// Servers holds the upstream MCP fleet, keyed by name on the wire
	// ("mcpServers" object) and flattened to a slice in memory.
	Servers []*ServerConfig `json:"-" mapstructure:"servers"`

	Logging *LogConfig     `json:"logging,omitempty" mapstructure:"logging"`
	Proxy   *ProxyConfig   `json:"proxy,omitempty" mapstructure:"proxy"`
	Cache   *CacheConfig   `json:"schema_cache,omitempty" mapstructure:"schema-cache"`
	Pool    *PoolConfig    `json:"connection_pool,omitempty" mapstructure:"connection-pool"`
	Audit   *AuditConfig   `json:"audit,omitempty" mapstructure:"audit"`
	Sandbox *SandboxConfig `json:"sandbox,omitempty" mapstructure:"sandbox"`

	Observability *ObservabilityConfig `json:"observability,omitempty" mapstructure:"observability"`
	Tokens        *TokensConfig        `json:"tokens,omitempty" mapstructure:"tokens"`
}

// LogConfig controls the zap logger setup.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ServerConfig describes one upstream MCP server. Either Command (stdio)
// or URL (streamable HTTP with SSE fallback) must be set.
type ServerConfig struct {
	Name     string            `json:"name,omitempty" mapstructure:"name"`
	Protocol string            `json:"type,omitempty" mapstructure:"protocol"` // stdio, http, sse, auto
	Command  string            `json:"command,omitempty" mapstructure:"command"`
	Args     []string          `json:"args,omitempty" mapstructure:"args"`
	Env      map[string]string `json:"env,omitempty" mapstructure:"env"`
	URL      string            `json:"url,omitempty" mapstructure:"url"`
	Headers  map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Enabled  *bool             `json:"enabled,omitempty" mapstructure:"enabled"`
}

// IsEnabled reports whether the entry takes part in pool init.
// Absent means enabled; the common config shape omits the field.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// EffectiveProtocol resolves the transport for the entry. An explicit
// Protocol wins; otherwise Command implies stdio and URL implies http.
func (s *ServerConfig) EffectiveProtocol() string {
	if s.Protocol != "" && s.Protocol != ProtocolAuto {
		return s.Protocol
	}
	if s.Command != "" {
		return ProtocolStdio
	}
	if s.URL != "" {
		return ProtocolHTTP
	}
	return ""
}

// ProxyConfig controls the per-execution loopback proxy.
type ProxyConfig struct {
	// DiscoveryTimeoutMs bounds the GET /mcp/tools upstream fan-out.
	DiscoveryTimeoutMs int `json:"discovery_timeout_ms" mapstructure:"discovery-timeout-ms"`

	// RateLimit is the default window applied to discovery requests.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" mapstructure:"rate-limit"`

	// EndpointRateLimits fully replace the default for the named endpoint
	// path. Tool execution (POST /) is unlimited unless listed here.
	EndpointRateLimits map[string]*RateLimitConfig `json:"endpoint_rate_limits,omitempty" mapstructure:"endpoint-rate-limits"`
}

// RateLimitConfig is one sliding-window budget.
type RateLimitConfig struct {
	MaxRequests int `json:"max_requests" mapstructure:"max-requests"`
	WindowMs    int `json:"window_ms" mapstructure:"window-ms"`
}

// CacheConfig controls the schema cache.
type CacheConfig struct {
	TTL        time.Duration `json:"ttl" mapstructure:"ttl"`
	MaxEntries int           `json:"max_entries" mapstructure:"max-entries"`
	// Filename under DataDir; absolute paths are honored as-is.
	Filename string `json:"filename,omitempty" mapstructure:"filename"`
}

// PoolConfig controls the upstream connection gate.
type PoolConfig struct {
	MaxConnections int           `json:"max_connections" mapstructure:"max-connections"`
	QueueTimeout   time.Duration `json:"queue_timeout" mapstructure:"queue-timeout"`
	CallTimeout    time.Duration `json:"call_timeout" mapstructure:"call-timeout"`
}

// AuditConfig controls the JSONL audit logger.
type AuditConfig struct {
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention-days"`
}

// SandboxConfig controls the code runners.
type SandboxConfig struct {
	// PythonCommand launches the external interpreter; the script path is
	// appended. Empty disables execute_python.
	PythonCommand []string `json:"python_command,omitempty" mapstructure:"python-command"`

	DefaultTimeoutMs int `json:"default_timeout_ms" mapstructure:"default-timeout-ms"`
	MaxTimeoutMs     int `json:"max_timeout_ms" mapstructure:"max-timeout-ms"`

	// MaxOutputBytes caps captured stdout/console output per execution.
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max-output-bytes"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool           `json:"metrics_enabled" mapstructure:"metrics-enabled"`
	Tracing        *TracingConfig `json:"tracing,omitempty" mapstructure:"tracing"`
}

// TracingConfig configures the OTLP HTTP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty" mapstructure:"endpoint"`
	Insecure    bool    `json:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample-ratio"`
	ServiceName string  `json:"service_name,omitempty" mapstructure:"service-name"`
}

// TokensConfig controls result token estimation.
type TokensConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Encoding string `json:"encoding,omitempty" mapstructure:"encoding"`
}

// Defaults used by DefaultConfig and Validate.
const (
	DefaultServerName         = "codebroker"
	DefaultDiscoveryTimeoutMs = 500
	DefaultRateLimitRequests  = 30
	DefaultRateLimitWindowMs  = 60_000
	DefaultCacheTTL           = 24 * time.Hour
	DefaultCacheMaxEntries    = 1000
	DefaultMaxConnections     = 10
	DefaultQueueTimeout       = 5 * time.Second
	DefaultCallTimeout        = 30 * time.Second
	DefaultRetentionDays      = 30
	DefaultExecTimeoutMs      = 30_000
	MaxExecTimeoutMs          = 300_000
	DefaultMaxOutputBytes     = 1 << 20
	DefaultTokenEncoding      = "cl100k_base"
)

// DefaultConfig returns a configuration with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		ServerName: DefaultServerName,
		Servers:    []*ServerConfig{},
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
		Proxy: &ProxyConfig{
			DiscoveryTimeoutMs: DefaultDiscoveryTimeoutMs,
			RateLimit: &RateLimitConfig{
				MaxRequests: DefaultRateLimitRequests,
				WindowMs:    DefaultRateLimitWindowMs,
			},
		},
		Cache: &CacheConfig{
			TTL:        DefaultCacheTTL,
			MaxEntries: DefaultCacheMaxEntries,
			Filename:   "schema_cache.json",
		},
		Pool: &PoolConfig{
			MaxConnections: DefaultMaxConnections,
			QueueTimeout:   DefaultQueueTimeout,
			CallTimeout:    DefaultCallTimeout,
		},
		Audit: &AuditConfig{
			RetentionDays: DefaultRetentionDays,
		},
		Sandbox: &SandboxConfig{
			DefaultTimeoutMs: DefaultExecTimeoutMs,
			MaxTimeoutMs:     MaxExecTimeoutMs,
			MaxOutputBytes:   DefaultMaxOutputBytes,
		},
		Observability: &ObservabilityConfig{
			MetricsEnabled: true,
		},
		Tokens: &TokensConfig{
			Enabled:  true,
			Encoding: DefaultTokenEncoding,
		},
	}
}

// Validate normalizes zero values to defaults and rejects contradictions.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		c.ServerName = DefaultServerName
	}
	if c.Logging == nil {
		c.Logging = DefaultConfig().Logging
	}
	if c.Proxy == nil {
		c.Proxy = DefaultConfig().Proxy
	}
	if c.Proxy.DiscoveryTimeoutMs <= 0 {
		c.Proxy.DiscoveryTimeoutMs = DefaultDiscoveryTimeoutMs
	}
	if c.Proxy.RateLimit == nil {
		c.Proxy.RateLimit = &RateLimitConfig{
			MaxRequests: DefaultRateLimitRequests,
			WindowMs:    DefaultRateLimitWindowMs,
		}
	}
	if c.Proxy.RateLimit.MaxRequests <= 0 || c.Proxy.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("proxy rate limit must be positive, got %d req / %d ms",
			c.Proxy.RateLimit.MaxRequests, c.Proxy.RateLimit.WindowMs)
	}
	for path, rl := range c.Proxy.EndpointRateLimits {
		if rl == nil || rl.MaxRequests <= 0 || rl.WindowMs <= 0 {
			return fmt.Errorf("endpoint rate limit for %q must be positive", path)
		}
	}
	if c.Cache == nil {
		c.Cache = DefaultConfig().Cache
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if c.Cache.Filename == "" {
		c.Cache.Filename = "schema_cache.json"
	}
	if c.Pool == nil {
		c.Pool = DefaultConfig().Pool
	}
	if c.Pool.MaxConnections <= 0 {
		c.Pool.MaxConnections = DefaultMaxConnections
	}
	if c.Pool.QueueTimeout <= 0 {
		c.Pool.QueueTimeout = DefaultQueueTimeout
	}
	if c.Pool.CallTimeout <= 0 {
		c.Pool.CallTimeout = DefaultCallTimeout
	}
	if c.Audit == nil {
		c.Audit = DefaultConfig().Audit
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = DefaultRetentionDays
	}
	if c.Audit.RetentionDays < 1 || c.Audit.RetentionDays > 365 {
		return fmt.Errorf("audit retention_days must be in 1..365, got %d", c.Audit.RetentionDays)
	}
	if c.Sandbox == nil {
		c.Sandbox = DefaultConfig().Sandbox
	}
	if c.Sandbox.DefaultTimeoutMs <= 0 {
		c.Sandbox.DefaultTimeoutMs = DefaultExecTimeoutMs
	}
	if c.Sandbox.MaxTimeoutMs <= 0 {
		c.Sandbox.MaxTimeoutMs = MaxExecTimeoutMs
	}
	if c.Sandbox.DefaultTimeoutMs > c.Sandbox.MaxTimeoutMs {
		return fmt.Errorf("sandbox default timeout %dms exceeds max %dms",
			c.Sandbox.DefaultTimeoutMs, c.Sandbox.MaxTimeoutMs)
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		c.Sandbox.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.Observability == nil {
		c.Observability = DefaultConfig().Observability
	}
	if c.Tokens == nil {
		c.Tokens = DefaultConfig().Tokens
	}
	if c.Tokens.Encoding == "" {
		c.Tokens.Encoding = DefaultTokenEncoding
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, srv := range c.Servers {
		if srv.Name == "" {
			return fmt.Errorf("upstream server entry with empty name")
		}
		if _, dup := seen[srv.Name]; dup {
			return fmt.Errorf("duplicate upstream server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}
		if srv.Command == "" && srv.URL == "" {
			return fmt.Errorf("upstream server %q needs either command or url", srv.Name)
		}
		if srv.Command != "" && srv.URL != "" {
			return fmt.Errorf("upstream server %q has both command and url", srv.Name)
		}
	}
	return nil
}

// GetServer returns the named upstream entry, or nil.
func (c *Config) GetServer(name string) *ServerConfig {
	for _, srv := range c.Servers {
		if srv.Name == name {
			return srv
		}
	}
	return nil
}

// configJSON is the wire shape: servers live in an object keyed by name.
type configJSON struct {
	ServerName    string                   `json:"server_name,omitempty"`
	DataDir       string                   `json:"data_dir,omitempty"`
	MCPServers    map[string]*ServerConfig `json:"mcpServers"`
	Logging       *LogConfig               `json:"logging,omitempty"`
	Proxy         *ProxyConfig             `json:"proxy,omitempty"`
	Cache         *CacheConfig             `json:"schema_cache,omitempty"`
	Pool          *PoolConfig              `json:"connection_pool,omitempty"`
	Audit         *AuditConfig             `json:"audit,omitempty"`
	Sandbox       *SandboxConfig           `json:"sandbox,omitempty"`
	Observability *ObservabilityConfig     `json:"observability,omitempty"`
	Tokens        *TokensConfig            `json:"tokens,omitempty"`
}

// MarshalJSON writes the mcpServers map form.
func (c *Config) MarshalJSON() ([]byte, error) {
	out := configJSON{
		ServerName:    c.ServerName,
		DataDir:       c.DataDir,
		MCPServers:    make(map[string]*ServerConfig, len(c.Servers)),
		Logging:       c.Logging,
		Proxy:         c.Proxy,
		Cache:         c.Cache,
		Pool:          c.Pool,
		Audit:         c.Audit,
		Sandbox:       c.Sandbox,
		Observability: c.Observability,
		Tokens:        c.Tokens,
	}
	for _, srv := range c.Servers {
		entry := *srv
		entry.Name = "" // the map key carries the name
		out.MCPServers[srv.Name] = &entry
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the mcpServers map form and flattens it to a slice
// sorted by name so iteration order is stable.
func (c *Config) UnmarshalJSON(data []byte) error {
	var in configJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	c.ServerName = in.ServerName
	c.DataDir = in.DataDir
	c.Logging = in.Logging
	c.Proxy = in.Proxy
	c.Cache = in.Cache
	c.Pool = in.Pool
	c.Audit = in.Audit
	c.Sandbox = in.Sandbox
	c.Observability = in.Observability
	c.Tokens = in.Tokens

	names := make([]string, 0, len(in.MCPServers))
	for name := range in.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	c.Servers = make([]*ServerConfig, 0, len(names))
	for _, name := range names {
		srv := in.MCPServers[name]
		if srv == nil {
			srv = &ServerConfig{}
		}
		srv.Name = name
		c.Servers = append(c.Servers, srv)
	}
	return nil
}
