package output

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"
)

// TableFormatter renders human-readable output. Error rendering adapts
// to whether stdout is a terminal; piped output stays grep-friendly.
type TableFormatter struct {
	NoColor   bool // disable ANSI colors
	Condensed bool // force the simplified non-TTY rendering
}

// Format renders generic data. Tables are the native shape here; for
// arbitrary structures fall back to Go formatting so callers always get
// something printable.
func (f *TableFormatter) Format(data interface{}) (string, error) {
	return fmt.Sprintf("%v", data), nil
}

// FormatError renders an error with guidance and recovery hints.
func (f *TableFormatter) FormatError(err StructuredError) (string, error) {
	var buf bytes.Buffer

	if f.Condensed || !f.isTTY() {
		fmt.Fprintf(&buf, "Error [%s]: %s\n", err.Code, err.Message)
		if err.Guidance != "" {
			fmt.Fprintf(&buf, "  Guidance: %s\n", err.Guidance)
		}
		if err.RecoveryCommand != "" {
			fmt.Fprintf(&buf, "  Try: %s\n", err.RecoveryCommand)
		}
		return buf.String(), nil
	}

	rule := strings.Repeat("─", 56)
	fmt.Fprintf(&buf, "%s\nError [%s]\n%s\n\n%s\n", rule, err.Code, rule, err.Message)
	if err.Guidance != "" {
		fmt.Fprintf(&buf, "\n%s\n", err.Guidance)
	}
	if err.RecoveryCommand != "" {
		fmt.Fprintf(&buf, "\nTry: %s\n", err.RecoveryCommand)
	}
	return buf.String(), nil
}

// FormatTable renders rows under headers with aligned columns.
func (f *TableFormatter) FormatTable(headers []string, rows [][]string) (string, error) {
	if len(rows) == 0 {
		return "No results found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, strings.Join(headers, "\t"))

	separators := make([]string, len(headers))
	for i, h := range headers {
		separators[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(separators, "\t"))

	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}

	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (f *TableFormatter) isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
