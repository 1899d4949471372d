package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultDataDir = ".codebroker"
	ConfigFileName = "mcp_config.json"
)

// LoadFromFile loads configuration from a specific file. An empty path
// yields the defaults with the data dir resolved and created.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := resolveDataDir(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Load loads configuration from the viper-bound flags and environment,
// falling back to the config file in the data dir. A missing file is
// created with defaults so a fresh install starts clean.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	setupViper()

	configPath := viper.GetString("config")
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	switch _, err := os.Stat(configPath); {
	case err == nil:
		if loadErr := loadConfigFile(configPath, cfg); loadErr != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, loadErr)
		}
	case os.IsNotExist(err) && viper.GetString("config") == "":
		if err := resolveDataDir(cfg); err != nil {
			return nil, err
		}
		if err := SaveToFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	applyEnvOverrides(cfg)

	if err := resolveDataDir(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile writes the configuration as indented JSON.
func SaveToFile(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Expand ${VAR} in the raw document before decoding so env refs work
	// in any string field (notably upstream env and headers).
	expanded := os.Expand(string(data), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		// Keep unknown refs verbatim; the secret resolver reports them.
		return "${" + key + "}"
	})
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func setupViper() {
	viper.SetEnvPrefix("CODEBROKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// applyEnvOverrides maps the flat viper keys onto the config struct.
// Flags registered in cmd/ bind to the same keys.
func applyEnvOverrides(cfg *Config) {
	if v := viper.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := viper.GetString("log-level"); v != "" {
		if cfg.Logging == nil {
			cfg.Logging = DefaultConfig().Logging
		}
		cfg.Logging.Level = v
	}
	if viper.IsSet("log-to-file") {
		if cfg.Logging == nil {
			cfg.Logging = DefaultConfig().Logging
		}
		cfg.Logging.EnableFile = viper.GetBool("log-to-file")
	}
	if v := viper.GetString("python-command"); v != "" {
		if cfg.Sandbox == nil {
			cfg.Sandbox = DefaultConfig().Sandbox
		}
		cfg.Sandbox.PythonCommand = strings.Fields(v)
	}
	if viper.IsSet("tracing-endpoint") {
		if cfg.Observability == nil {
			cfg.Observability = DefaultConfig().Observability
		}
		if cfg.Observability.Tracing == nil {
			cfg.Observability.Tracing = &TracingConfig{}
		}
		cfg.Observability.Tracing.Endpoint = viper.GetString("tracing-endpoint")
		cfg.Observability.Tracing.Enabled = cfg.Observability.Tracing.Endpoint != ""
	}
}

func resolveDataDir(cfg *Config) error {
	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, DefaultDataDir)
	}
	if strings.HasPrefix(cfg.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, cfg.DataDir[2:])
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	return nil
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(homeDir, DefaultDataDir, ConfigFileName)
}
