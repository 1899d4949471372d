package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"codebroker/internal/cli/output"
	"codebroker/internal/config"
	"codebroker/internal/logs"
	"codebroker/internal/secret"
	"codebroker/internal/upstream"
)

// errReported marks failures already rendered by a formatter so main
// does not print them a second time.
var errReported = errors.New("error already reported")

// loadCLIConfig resolves configuration for one-shot commands. Priority:
// the --config flag, then the default config file if a broker has
// created one, then built-in defaults. The global --data-dir flag
// overrides the resolved data directory either way.
func loadCLIConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, config.DefaultDataDir, config.ConfigFileName)
			if _, statErr := os.Stat(candidate); statErr == nil {
				path = candidate
			}
		}
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// newCommandLogger builds a console-only logger for one-shot commands so
// their output is not interleaved with file rotation side effects.
func newCommandLogger() (*zap.Logger, error) {
	return logs.SetupCommandLogger(false, logLevel, false, "")
}

// resolveFormatter builds the formatter selected by --output/--json.
func resolveFormatter(outputFlag string, jsonFlag bool) (output.Formatter, string, error) {
	format := output.ResolveFormat(outputFlag, jsonFlag)
	f, err := output.NewFormatter(format)
	if err != nil {
		return nil, "", err
	}
	return f, format, nil
}

// reportError renders a structured error and returns errReported so the
// caller can propagate a non-zero exit without a duplicate message.
// Table output goes to stderr for humans; json and yaml go to stdout so
// agents can parse the failure like any other payload.
func reportError(f output.Formatter, format string, serr output.StructuredError) error {
	rendered, err := f.FormatError(serr)
	if err != nil {
		return serr
	}
	if format == "json" || format == "yaml" {
		fmt.Println(rendered)
	} else {
		fmt.Fprint(os.Stderr, rendered)
	}
	return errReported
}

// expandServerSecrets resolves ${keyring:...} and ${env:...} references
// in upstream server entries before any connection is attempted.
func expandServerSecrets(ctx context.Context, cfg *config.Config) error {
	return secret.NewResolver().ExpandServers(ctx, cfg.Servers, nil)
}

// serverNames returns the configured upstream names, sorted.
func serverNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		names = append(names, srv.Name)
	}
	sort.Strings(names)
	return names
}

// connectUpstream looks up one configured server, expands its secrets,
// and connects a standalone client to it. The caller owns Close.
func connectUpstream(ctx context.Context, cfg *config.Config, serverName string, logger *zap.Logger) (*upstream.Client, error) {
	srvCfg := cfg.GetServer(serverName)
	if srvCfg == nil {
		return nil, output.NewStructuredError(output.ErrCodeServerNotFound,
			fmt.Sprintf("server %q is not configured", serverName)).
			WithGuidance("Check the server name against the mcpServers section of the config file.").
			WithContext("available", serverNames(cfg))
	}
	if !srvCfg.IsEnabled() {
		return nil, output.NewStructuredError(output.ErrCodeServerNotFound,
			fmt.Sprintf("server %q is disabled", serverName)).
			WithGuidance("Set \"enabled\": true for this server in the config file.")
	}

	if err := expandServerSecrets(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	client := upstream.NewClient(srvCfg, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, output.NewStructuredError(output.ErrCodeConnectionFailed,
			fmt.Sprintf("failed to connect to server %q: %v", serverName, err)).
			WithGuidance("Verify the server command or URL and that the server starts outside the broker.")
	}
	return client, nil
}

// asStructured coerces any error into a StructuredError for rendering.
func asStructured(err error, fallbackCode string) output.StructuredError {
	var serr output.StructuredError
	if errors.As(err, &serr) {
		return serr
	}
	return output.FromError(err, fallbackCode)
}
