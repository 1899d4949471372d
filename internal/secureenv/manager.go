// Package secureenv builds filtered environment variable lists for child
// processes. Sandbox interpreters and upstream stdio servers receive only
// an allowlisted subset of the broker's environment plus explicitly
// injected variables; broker credentials never leak into children.
package secureenv

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

// EnvConfig controls which variables a child process inherits.
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars"` // exact names or "PREFIX*" wildcards
	CustomVars        map[string]string `json:"custom_vars"`
}

// DefaultEnvConfig returns the safe system variable allowlist: execution
// basics (PATH, HOME, shell, temp dirs) and locale settings, nothing else.
func DefaultEnvConfig() *EnvConfig {
	allowed := []string{
		"PATH",
		"HOME",
		"TMPDIR",
		"TEMP",
		"TMP",
		"SHELL",
		"TERM",
		"LANG",
		"LC_*",
		"USER",
		"USERNAME",
	}

	if runtime.GOOS == "windows" {
		allowed = append(allowed,
			"USERPROFILE",
			"APPDATA",
			"LOCALAPPDATA",
			"SYSTEMROOT",
			"COMSPEC",
		)
	} else {
		allowed = append(allowed,
			"XDG_CONFIG_HOME",
			"XDG_DATA_HOME",
			"XDG_CACHE_HOME",
			"XDG_RUNTIME_DIR",
		)
	}

	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowed,
		CustomVars:        make(map[string]string),
	}
}

// Manager filters the process environment for child processes.
type Manager struct {
	config *EnvConfig
}

// NewManager creates a manager; a nil config gets the defaults.
func NewManager(config *EnvConfig) *Manager {
	if config == nil {
		config = DefaultEnvConfig()
	}
	return &Manager{config: config}
}

// BuildSecureEnvironment returns the child environment: allowlisted system
// variables in their original order, then custom variables in sorted key
// order. A custom variable overrides a system variable of the same name
// in place rather than duplicating the entry.
func (m *Manager) BuildSecureEnvironment() []string {
	var envVars []string

	if m.config.InheritSystemSafe {
		for _, kv := range os.Environ() {
			if m.isKeyAllowed(envKey(kv)) {
				envVars = append(envVars, kv)
			}
		}
	}

	keys := make([]string, 0, len(m.config.CustomVars))
	for k := range m.config.CustomVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		envVars = setEnvVar(envVars, k, m.config.CustomVars[k])
	}

	return envVars
}

// GetSystemEnvVar reads a system variable only if the allowlist admits it.
func (m *Manager) GetSystemEnvVar(key string) (string, bool) {
	if !m.isKeyAllowed(key) {
		return "", false
	}
	value := os.Getenv(key)
	return value, value != ""
}

// GetFilteredEnvCount reports how many system variables pass the filter
// out of the total present.
func (m *Manager) GetFilteredEnvCount() (filteredCount, totalCount int) {
	systemEnv := os.Environ()
	for _, kv := range systemEnv {
		if m.isKeyAllowed(envKey(kv)) {
			filteredCount++
		}
	}
	return filteredCount, len(systemEnv)
}

func (m *Manager) isKeyAllowed(key string) bool {
	if _, exists := m.config.CustomVars[key]; exists {
		return true
	}
	for _, allowed := range m.config.AllowedSystemVars {
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		} else if strings.EqualFold(allowed, key) {
			return true
		}
	}
	return false
}

func envKey(kv string) string {
	key, _, _ := strings.Cut(kv, "=")
	return key
}

func setEnvVar(env []string, key, value string) []string {
	entry := key + "=" + value
	for i, kv := range env {
		if strings.HasPrefix(kv, key+"=") {
			env[i] = entry
			return env
		}
	}
	return append(env, entry)
}
