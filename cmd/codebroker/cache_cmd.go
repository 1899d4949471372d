package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"codebroker/internal/cli/output"
	"codebroker/internal/connpool"
	"codebroker/internal/schemacache"
	"codebroker/internal/upstream"
)

var (
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Manage the tool schema cache",
		Long:  "Commands for inspecting and maintaining the on-disk schema cache snapshot.",
	}

	cacheStatsCmd = &cobra.Command{
		Use:          "stats",
		Short:        "Show cached schema entries",
		RunE:         runCacheStats,
		SilenceUsage: true,
	}

	cacheCleanupCmd = &cobra.Command{
		Use:          "cleanup",
		Short:        "Drop expired entries from the snapshot",
		RunE:         runCacheCleanup,
		SilenceUsage: true,
	}

	cacheInvalidateCmd = &cobra.Command{
		Use:          "invalidate",
		Short:        "Remove cached schemas by tool name",
		RunE:         runCacheInvalidate,
		SilenceUsage: true,
	}

	cacheOutput string
	cacheJSON   bool

	cacheInvalidateTool string
	cacheInvalidateAll  bool
)

// GetCacheCommand returns the cache command for adding to the root command.
func GetCacheCommand() *cobra.Command {
	return cacheCmd
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheCleanupCmd, cacheInvalidateCmd)

	cacheCmd.PersistentFlags().StringVarP(&cacheOutput, "output", "o", "", "Output format (table, json, yaml)")
	cacheCmd.PersistentFlags().BoolVar(&cacheJSON, "json", false, "Shorthand for --output=json")

	cacheInvalidateCmd.Flags().StringVarP(&cacheInvalidateTool, "tool", "t", "", "Fully qualified tool name to remove")
	cacheInvalidateCmd.Flags().BoolVar(&cacheInvalidateAll, "all", false, "Remove every cached schema")

	cacheInvalidateCmd.Example = `  # Drop one stale schema so the next execution refetches it
  codebroker cache invalidate --tool=mcp__github__create_issue

  # Start over with an empty cache
  codebroker cache invalidate --all`
}

// openSchemaCache builds the cache over an unconnected upstream pool.
// Stats, cleanup, and invalidation work purely off the disk snapshot,
// so no upstream server is ever contacted.
func openSchemaCache() (*schemacache.Cache, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newCommandLogger()
	if err != nil {
		return nil, err
	}

	gate := connpool.New(cfg.Pool.MaxConnections, cfg.Pool.QueueTimeout, logger)
	pool := upstream.NewPool(cfg, gate, logger)

	cachePath := cfg.Cache.Filename
	if !filepath.IsAbs(cachePath) {
		cachePath = filepath.Join(cfg.DataDir, cachePath)
	}
	cache, err := schemacache.New(schemacache.Options{
		Fetcher:    pool,
		Path:       cachePath,
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open schema cache: %w", err)
	}
	return cache, nil
}

func runCacheStats(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(cacheOutput, cacheJSON)
	if err != nil {
		return err
	}

	cache, err := openSchemaCache()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer cache.Close()

	stats := cache.GetStats()
	names := cache.ListCached()

	if format == "json" || format == "yaml" {
		payload := struct {
			Entries    int      `json:"entries" yaml:"entries"`
			MaxEntries int      `json:"max_entries" yaml:"max_entries"`
			TTL        string   `json:"ttl" yaml:"ttl"`
			Tools      []string `json:"tools" yaml:"tools"`
		}{Entries: stats.Entries, MaxEntries: stats.MaxEntries, TTL: stats.TTL.String(), Tools: names}
		rendered, err := formatter.Format(payload)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	fmt.Printf("Entries: %d / %d (TTL %s)\n\n", stats.Entries, stats.MaxEntries, stats.TTL)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name})
	}
	rendered, err := formatter.FormatTable([]string{"TOOL"}, rows)
	if err != nil {
		return fmt.Errorf("failed to format table: %w", err)
	}
	fmt.Print(rendered)
	return nil
}

func runCacheCleanup(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(cacheOutput, cacheJSON)
	if err != nil {
		return err
	}

	cache, err := openSchemaCache()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer cache.Close()

	removed := cache.Cleanup()

	if format == "json" || format == "yaml" {
		rendered, err := formatter.Format(map[string]int{"removed": removed})
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	fmt.Printf("Removed %d expired entries.\n", removed)
	return nil
}

func runCacheInvalidate(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(cacheOutput, cacheJSON)
	if err != nil {
		return err
	}

	if cacheInvalidateAll == (cacheInvalidateTool != "") {
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeInvalidInput,
			"exactly one of --tool or --all is required"))
	}

	cache, err := openSchemaCache()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer cache.Close()

	if cacheInvalidateAll {
		if err := cache.InvalidateAll(); err != nil {
			return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
		}
		fmt.Println("Cleared the schema cache.")
		return nil
	}

	if _, _, err := upstream.ParseToolName(cacheInvalidateTool); err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeInvalidInput).
			WithGuidance("Tool names look like mcp__<server>__<tool>."))
	}
	cache.Invalidate(cacheInvalidateTool)
	fmt.Printf("Invalidated %s.\n", cacheInvalidateTool)
	return nil
}
