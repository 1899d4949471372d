// Package output provides unified output formatting for CLI commands:
// human-readable tables, JSON, and YAML, plus structured errors that
// agents can parse for recovery.
package output

import (
	"fmt"
	"os"
	"strings"
)

// EnvOutputFormat overrides the default output format for all commands.
const EnvOutputFormat = "CODEBROKER_OUTPUT"

// Formatter renders structured data for CLI output. Implementations are
// stateless and safe for concurrent use.
type Formatter interface {
	// Format converts data to formatted string output.
	Format(data interface{}) (string, error)

	// FormatError converts a structured error to formatted output.
	FormatError(err StructuredError) (string, error)

	// FormatTable formats tabular data with headers.
	FormatTable(headers []string, rows [][]string) (string, error)
}

// NewFormatter creates a formatter for the given format name.
// Supported: table, json, yaml (case-insensitive; empty means table).
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{
			NoColor: os.Getenv("NO_COLOR") == "1",
		}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat determines the output format from flags and environment.
// Priority: --json alias, explicit --output flag, CODEBROKER_OUTPUT, table.
func ResolveFormat(outputFlag string, jsonFlag bool) string {
	if jsonFlag {
		return "json"
	}
	if outputFlag != "" {
		return outputFlag
	}
	if envFormat := os.Getenv(EnvOutputFormat); envFormat != "" {
		return envFormat
	}
	return "table"
}
