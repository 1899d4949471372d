package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"codebroker/internal/cli/output"
	"codebroker/internal/upstream"
)

var (
	callCmd = &cobra.Command{
		Use:   "call",
		Short: "Call tools on upstream servers",
		Long:  "Commands for calling tools on configured upstream MCP servers directly, bypassing the sandbox.",
	}

	callToolCmd = &cobra.Command{
		Use:   "tool",
		Short: "Call one tool on an upstream server",
		Long: `Call a tool using its fully qualified broker name. The upstream server
is derived from the mcp__<server>__<tool> prefix, connected on demand,
and disconnected when the call returns.`,
		RunE:         runCallTool,
		SilenceUsage: true,
	}

	callToolName string
	callJSONArgs string
	callTimeout  time.Duration
	callOutput   string
	callJSON     bool
)

// GetCallCommand returns the call command for adding to the root command.
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callCmd.AddCommand(callToolCmd)

	callToolCmd.Flags().StringVarP(&callToolName, "tool-name", "t", "", "Tool name in the form mcp__<server>__<tool> (required)")
	callToolCmd.Flags().StringVarP(&callJSONArgs, "json-args", "j", "{}", "JSON object with the tool arguments")
	callToolCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Tool call timeout")
	callToolCmd.Flags().StringVarP(&callOutput, "output", "o", "", "Output format (table, json, yaml)")
	callToolCmd.Flags().BoolVar(&callJSON, "json", false, "Shorthand for --output=json")

	if err := callToolCmd.MarkFlagRequired("tool-name"); err != nil {
		panic(fmt.Sprintf("failed to mark tool-name flag as required: %v", err))
	}

	callToolCmd.Example = `  # Call a tool with JSON arguments
  codebroker call tool --tool-name=mcp__github__list_repos --json-args='{"owner":"acme"}'

  # Machine-readable result for scripting
  codebroker call tool --tool-name=mcp__weather__get_forecast --json-args='{"city":"Oslo"}' -o json`
}

func runCallTool(_ *cobra.Command, _ []string) error {
	formatter, format, err := resolveFormatter(callOutput, callJSON)
	if err != nil {
		return err
	}

	serverName, toolName, err := upstream.ParseToolName(callToolName)
	if err != nil {
		return reportError(formatter, format, output.FromError(err, output.ErrCodeInvalidInput).
			WithGuidance("Tool names look like mcp__<server>__<tool>, e.g. mcp__github__create_issue."))
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(callJSONArgs), &args); err != nil {
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeInvalidInput,
			fmt.Sprintf("invalid JSON arguments: %v", err)).
			WithGuidance("Pass a single JSON object, e.g. --json-args='{\"city\":\"Oslo\"}'."))
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

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	client, err := connectUpstream(ctx, cfg, serverName, logger)
	if err != nil {
		return reportError(formatter, format, asStructured(err, output.ErrCodeConnectionFailed))
	}
	defer func() { _ = client.Close() }()

	result, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeToolCallFailed,
			fmt.Sprintf("tool call failed: %v", err)).
			WithContext("tool", callToolName))
	}

	return renderCallResult(formatter, format, result)
}

// renderCallResult follows the proxy's result normalization: the first
// textual block is the payload, otherwise the raw content list.
func renderCallResult(formatter output.Formatter, format string, result *mcp.CallToolResult) error {
	if result != nil && result.IsError {
		msg := "tool returned an error"
		if texts := textContents(result); len(texts) > 0 {
			msg = texts[0]
		}
		return reportError(formatter, format, output.NewStructuredError(output.ErrCodeToolCallFailed, msg).
			WithContext("tool", callToolName))
	}

	texts := textContents(result)

	if format == "json" || format == "yaml" {
		payload := struct {
			Tool    string      `json:"tool" yaml:"tool"`
			Content interface{} `json:"content" yaml:"content"`
		}{Tool: callToolName}
		if len(texts) == 1 {
			payload.Content = texts[0]
		} else if result != nil {
			payload.Content = result.Content
		}
		rendered, err := formatter.Format(payload)
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		fmt.Println(rendered)
		return nil
	}

	if len(texts) == 0 {
		fmt.Println("(no textual content)")
		return nil
	}
	for _, text := range texts {
		fmt.Println(text)
	}
	return nil
}

func textContents(result *mcp.CallToolResult) []string {
	if result == nil {
		return nil
	}
	var texts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return texts
}
