package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"codebroker/internal/cli/output"
	"codebroker/internal/upstream"
)

var (
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Inspect tools on upstream servers",
		Long:  "Commands for listing the tools an upstream MCP server exposes.",
	}

	toolsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tools from an upstream server",
		Long: `Connect to one configured upstream server and list its tools under
their fully qualified broker names.`,
		RunE:         runToolsList,
		SilenceUsage: true,
	}

	toolsServer  string
	toolsTimeout time.Duration
	toolsOutput  string
	toolsJSON    bool
)

// GetToolsCommand returns the tools command for adding to the root command.
func GetToolsCommand() *cobra.Command {
	return toolsCmd
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)

	toolsListCmd.Flags().StringVarP(&toolsServer, "server", "s", "", "Upstream server name from the config file (required)")
	toolsListCmd.Flags().DurationVar(&toolsTimeout, "timeout", 30*time.Second, "Connection and listing timeout")
	toolsListCmd.Flags().StringVarP(&toolsOutput, "output", "o", "", "Output format (table, json, yaml)")
	toolsListCmd.Flags().BoolVar(&toolsJSON, "json", false, "Shorthand for --output=json")

	if err := toolsListCmd.MarkFlagRequired("server"); err != nil {
		panic(fmt.Sprintf("failed to mark server flag as required: %v", err))
	}

	toolsListCmd.Example = `  # Table of tools exposed by the github server
  codebroker tools list --server=github

  # Full schema-free listing as JSON
  codebroker tools list --server=github -o json`
}

type toolListing struct {
	Name        string `json:"name" yaml:"name"`
	Server      string `json:"server" yaml:"server"`
	Tool        string `json:"tool" yaml:"tool"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

func runToolsList(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(toolsOutput, toolsJSON)
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

	ctx, cancel := context.WithTimeout(context.Background(), toolsTimeout)
	defer cancel()

	client, err := connectUpstream(ctx, cfg, toolsServer, logger)
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeConnectionFailed))
	}
	defer func() { _ = client.Close() }()

	tools, err := client.ListTools(ctx)
	if err != nil {
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeOperationFailed,
			fmt.Sprintf("failed to list tools: %v", err)).
			WithContext("server", toolsServer))
	}

	listings := make([]toolListing, 0, len(tools))
	for _, tool := range tools {
		listings = append(listings, toolListing{
			Name:        upstream.BuildToolName(toolsServer, tool.Name),
			Server:      toolsServer,
			Tool:        tool.Name,
			Description: tool.Description,
		})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })

	if format == "json" || format == "yaml" {
		rendered, err := formatter.Format(listings)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	headers := []string{"NAME", "DESCRIPTION"}
	rows := make([][]string, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, []string{l.Name, firstLine(l.Description, 72)})
	}
	rendered, err := formatter.FormatTable(headers, rows)
	if err != nil {
		return fmt.Errorf("failed to format table: %w", err)
	}
	fmt.Print(rendered)
	return nil
}

// firstLine reduces a description to its first line, capped at max runes.
func firstLine(s string, maxLen int) string {
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		s = s[:idx]
	}
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
