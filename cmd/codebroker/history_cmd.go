package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"codebroker/internal/cli/output"
	"codebroker/internal/storage"
)

var (
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded executions",
		Long:  "Commands for querying and pruning the execution history database.",
	}

	historyListCmd = &cobra.Command{
		Use:          "list",
		Short:        "List recorded executions",
		RunE:         runHistoryList,
		SilenceUsage: true,
	}

	historyShowCmd = &cobra.Command{
		Use:          "show <execution-id>",
		Short:        "Show one execution record in full",
		Args:         cobra.ExactArgs(1),
		RunE:         runHistoryShow,
		SilenceUsage: true,
	}

	historyPruneCmd = &cobra.Command{
		Use:          "prune",
		Short:        "Delete old execution records",
		RunE:         runHistoryPrune,
		SilenceUsage: true,
	}

	historyStatsCmd = &cobra.Command{
		Use:          "stats",
		Short:        "Show history database statistics",
		RunE:         runHistoryStats,
		SilenceUsage: true,
	}

	historyLimit    int
	historyOffset   int
	historyLanguage string
	historyStatus   string
	historySession  string
	historyOutput   string
	historyJSON     bool

	historyMaxAge     time.Duration
	historyMaxRecords int
)

// GetHistoryCommand returns the history command for adding to the root command.
func GetHistoryCommand() *cobra.Command {
	return historyCmd
}

func init() {
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd, historyStatsCmd)

	historyCmd.PersistentFlags().StringVarP(&historyOutput, "output", "o", "", "Output format (table, json, yaml)")
	historyCmd.PersistentFlags().BoolVar(&historyJSON, "json", false, "Shorthand for --output=json")

	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum records to return")
	historyListCmd.Flags().IntVar(&historyOffset, "offset", 0, "Records to skip, newest first")
	historyListCmd.Flags().StringVar(&historyLanguage, "language", "", "Filter by language (typescript, python)")
	historyListCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status (success, error, timeout)")
	historyListCmd.Flags().StringVar(&historySession, "session", "", "Filter by MCP session ID")

	historyPruneCmd.Flags().DurationVar(&historyMaxAge, "max-age", 720*time.Hour, "Delete records older than this")
	historyPruneCmd.Flags().IntVar(&historyMaxRecords, "max-records", 0, "Also prune the excess when more than this many records remain (0 disables)")

	historyListCmd.Example = `  # Last 20 executions
  codebroker history list

  # Failed Python runs in one session, as JSON
  codebroker history list --language=python --status=error --session=sess-1 -o json`
}

// openHistory loads the config and opens the history database. The open
// fails after ten seconds when a running broker holds the lock.
func openHistory() (*storage.Manager, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newCommandLogger()
	if err != nil {
		return nil, err
	}
	mgr, err := storage.NewManager(cfg.DataDir, logger.Sugar())
	if err != nil {
		return nil, output.NewStructuredError(output.ErrCodeOperationFailed,
			fmt.Sprintf("failed to open history database: %v", err)).
			WithGuidance("The broker must have run at least once with this data directory, and a running broker holds an exclusive lock on the database.")
	}
	return mgr, nil
}

func runHistoryList(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(historyOutput, historyJSON)
	if err != nil {
		return err
	}

	mgr, err := openHistory()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer func() { _ = mgr.Close() }()

	filter := storage.DefaultExecutionFilter()
	filter.Limit = historyLimit
	filter.Offset = historyOffset
	filter.Language = historyLanguage
	filter.Status = historyStatus
	filter.SessionID = historySession

	records, total, err := mgr.ListExecutions(filter)
	if err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
	}

	if format == "json" || format == "yaml" {
		payload := struct {
			Total   int                        `json:"total" yaml:"total"`
			Records []*storage.ExecutionRecord `json:"records" yaml:"records"`
		}{Total: total, Records: records}
		rendered, err := formatter.Format(payload)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	headers := []string{"ID", "STARTED", "LANGUAGE", "STATUS", "DURATION", "TOOL CALLS"}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ID,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Language,
			rec.Status,
			(time.Duration(rec.DurationMs) * time.Millisecond).String(),
			fmt.Sprintf("%d", rec.ToolCallCount),
		})
	}
	rendered, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return fmt.Errorf("failed to format table: %w", err)
	}
	fmt.Print(rendered)
	if total > len(records) {
		fmt.Printf("\nShowing %d of %d records. Use --limit and --offset to page.\n", len(records), total)
	}
	return nil
}

func runHistoryShow(_ *cobra.Command, args []string) error {
	formatter, format, err := resolveFormatter(historyOutput, historyJSON)
	if err != nil {
		return err
	}

	mgr, err := openHistory()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer func() { _ = mgr.Close() }()

	rec, err := mgr.GetExecution(args[0])
	if err != nil {
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeRecordNotFound,
			fmt.Sprintf("execution %q not found: %v", args[0], err)).
			WithRecoveryCommand("codebroker history list"))
	}

	if format == "json" || format == "yaml" {
		rendered, err := formatter.Format(rec)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	fmt.Printf("ID:         %s\n", rec.ID)
	fmt.Printf("Started:    %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Language:   %s\n", rec.Language)
	fmt.Printf("Status:     %s\n", rec.Status)
	fmt.Printf("Duration:   %s\n", time.Duration(rec.DurationMs)*time.Millisecond)
	fmt.Printf("Tool calls: %d\n", rec.ToolCallCount)
	if rec.SessionID != "" {
		fmt.Printf("Session:    %s\n", rec.SessionID)
	}
	if rec.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", rec.ErrorMessage)
	}
	for _, call := range rec.ToolCalls {
		line := fmt.Sprintf("  %s: %s in %s", call.ToolName, call.Status, time.Duration(call.DurationMs)*time.Millisecond)
		if call.ErrorMessage != "" {
			line += " (" + call.ErrorMessage + ")"
		}
		fmt.Println(line)
	}
	if rec.Output != "" {
		suffix := ""
		if rec.OutputTruncated {
			suffix = " (truncated)"
		}
		fmt.Printf("\nOutput%s:\n%s\n", suffix, rec.Output)
	}
	return nil
}

func runHistoryPrune(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(historyOutput, historyJSON)
	if err != nil {
		return err
	}

	mgr, err := openHistory()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer func() { _ = mgr.Close() }()

	byAge, err := mgr.PruneOldExecutions(historyMaxAge)
	if err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
	}

	byCount := 0
	if historyMaxRecords > 0 {
		byCount, err = mgr.PruneExcessExecutions(historyMaxRecords, 0.9)
		if err != nil {
			return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
		}
	}

	if format == "json" || format == "yaml" {
		payload := map[string]int{"pruned_by_age": byAge, "pruned_by_count": byCount}
		rendered, err := formatter.Format(payload)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	fmt.Printf("Pruned %d records older than %s", byAge, historyMaxAge)
	if historyMaxRecords > 0 {
		fmt.Printf(" and %d excess records", byCount)
	}
	fmt.Println(".")
	return nil
}

func runHistoryStats(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(historyOutput, historyJSON)
	if err != nil {
		return err
	}

	mgr, err := openHistory()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeOperationFailed))
	}
	defer func() { _ = mgr.Close() }()

	stats, err := mgr.GetStats()
	if err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
	}

	if format == "json" || format == "yaml" {
		rendered, err := formatter.Format(stats)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	for key, value := range stats {
		fmt.Printf("%s: %v\n", key, value)
	}
	return nil
}
