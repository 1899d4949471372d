package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"codebroker/internal/audit"
	"codebroker/internal/cli/output"
	"codebroker/internal/config"
)

var (
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect and maintain audit logs",
		Long:  "Commands for reading the JSONL audit trail and enforcing its retention window.",
	}

	auditListCmd = &cobra.Command{
		Use:          "list",
		Short:        "Show recent audit entries",
		RunE:         runAuditList,
		SilenceUsage: true,
	}

	auditCleanupCmd = &cobra.Command{
		Use:          "cleanup",
		Short:        "Delete audit files past the retention window",
		RunE:         runAuditCleanup,
		SilenceUsage: true,
	}

	auditDate   string
	auditLimit  int
	auditEvent  string
	auditOutput string
	auditJSON   bool
)

// GetAuditCommand returns the audit command for adding to the root command.
func GetAuditCommand() *cobra.Command {
	return auditCmd
}

func init() {
	auditCmd.AddCommand(auditListCmd, auditCleanupCmd)

	auditCmd.PersistentFlags().StringVarP(&auditOutput, "output", "o", "", "Output format (table, json, yaml)")
	auditCmd.PersistentFlags().BoolVar(&auditJSON, "json", false, "Shorthand for --output=json")

	auditListCmd.Flags().StringVar(&auditDate, "date", "", "Day to read, YYYY-MM-DD (default today)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show, newest last")
	auditListCmd.Flags().StringVar(&auditEvent, "event", "", "Filter by event type (tool_call, auth_failure, rate_limited, ...)")

	auditListCmd.Example = `  # Today's trail
  codebroker audit list

  # Rejected calls from one day, as JSON
  codebroker audit list --date=2025-11-03 --event=auth_failure -o json`
}

// auditLogDir mirrors the broker's audit directory resolution.
func auditLogDir(cfg *config.Config) string {
	if cfg.Audit.LogDir != "" {
		return cfg.Audit.LogDir
	}
	return filepath.Join(cfg.DataDir, "audit")
}

func runAuditList(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(auditOutput, auditJSON)
	if err != nil {
		return err
	}

	day := auditDate
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeInvalidInput,
			fmt.Sprintf("invalid date %q: expected YYYY-MM-DD", auditDate)))
	}

	cfg, err := loadCLIConfig()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeConfigNotFound))
	}

	path := filepath.Join(auditLogDir(cfg), "audit-"+day+".log")
	entries, skipped, err := readAuditFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reportError(formatter, format, output.NewStructuredError(output.ErrCodeRecordNotFound,
				fmt.Sprintf("no audit log for %s", day)).
				WithContext("path", path))
		}
		return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
	}

	if auditEvent != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.EventType) == auditEvent {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if auditLimit > 0 && len(entries) > auditLimit {
		entries = entries[len(entries)-auditLimit:]
	}

	if format == "json" || format == "yaml" {
		rendered, err := formatter.Format(entries)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	headers := []string{"TIME", "EVENT", "TOOL", "STATUS", "LATENCY"}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		latency := "-"
		if e.LatencyMs > 0 {
			latency = (time.Duration(e.LatencyMs) * time.Millisecond).String()
		}
		tool := e.ToolName
		if tool == "" {
			tool = "-"
		}
		rows = append(rows, []string{
			e.Timestamp.UTC().Format("15:04:05"),
			string(e.EventType),
			tool,
			string(e.Status),
			latency,
		})
	}
	rendered, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return fmt.Errorf("failed to format table: %w", err)
	}
	fmt.Print(rendered)
	if skipped > 0 {
		fmt.Printf("\nSkipped %d malformed lines.\n", skipped)
	}
	return nil
}

// readAuditFile parses one JSONL audit file. Malformed lines are counted
// and skipped so a torn final write cannot hide the rest of the day.
func readAuditFile(path string) ([]audit.Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		entries []audit.Entry
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, skipped, nil
}

func runAuditCleanup(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(auditOutput, auditJSON)
	if err != nil {
		return err
	}

	cfg, err := loadCLIConfig()
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeConfigNotFound))
	}

	logger, err := newCommandLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	auditLog, err := audit.New(auditLogDir(cfg), cfg.Audit.RetentionDays, logger)
	if err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
	}

	removed, err := auditLog.Cleanup()
	if err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeOperationFailed))
	}

	if format == "json" || format == "yaml" {
		rendered, err := formatter.Format(map[string]int{"removed_files": removed})
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	fmt.Printf("Removed %d audit files older than %d days.\n", removed, auditLog.RetentionDays())
	return nil
}
