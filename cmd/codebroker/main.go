package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"codebroker/internal/cli/output"
	"codebroker/internal/config"
	"codebroker/internal/logs"
	"codebroker/internal/server"
)

var (
	configFile string
	dataDir    string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codebroker",
		Short: "Code execution broker for MCP - agents submit code, the code calls upstream tools",
		Long: `codebroker is an MCP server that exposes execute_typescript and
execute_python. Submitted code runs in a sandbox and reaches upstream MCP
tools through an authenticated loopback proxy with allowlisting, schema
validation, rate limiting, and audit logging.

Running codebroker with no subcommand starts the broker on stdio.`,
		Version:       version,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "Configuration file path (default: ~/.codebroker/mcp_config.json)")
	pf.StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.codebroker)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.BoolVar(&logToFile, "log-to-file", true, "Enable logging to file in the data directory")
	pf.StringVar(&logDir, "log-dir", "", "Custom log directory path")

	// The loader reads these through viper so CODEBROKER_* env vars and
	// flags share one override path.
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("data-dir", pf.Lookup("data-dir"))
	_ = viper.BindPFlag("log-level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("log-to-file", pf.Lookup("log-to-file"))

	rootCmd.AddCommand(
		GetCallCommand(),
		GetToolsCommand(),
		GetHistoryCommand(),
		GetCacheCommand(),
		GetAuditCommand(),
	)
	output.SetupHelpJSON(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		// Errors already rendered by a formatter only set the exit code.
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting codebroker",
		zap.String("version", version),
		zap.String("log_level", cfg.Logging.Level),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("servers_count", len(cfg.Servers)))

	server.Version = version
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	serveErr := srv.Serve(ctx)

	// Serve returns when stdin closes as well as on signals; tear down
	// either way. Shutdown is idempotent.
	if err := srv.Shutdown(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	return serveErr
}
