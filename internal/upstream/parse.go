package upstream

import (
	"fmt"
	"strings"
)

// ToolNamePrefix qualifies every proxied tool name: mcp__<server>__<tool>.
const ToolNamePrefix = "mcp__"

const nameSeparator = "__"

// BuildToolName returns the fully qualified name for a tool on a server.
func BuildToolName(server, tool string) string {
	return ToolNamePrefix + server + nameSeparator + tool
}

// ParseToolName splits a fully qualified tool name into its server and tool
// parts. The name must yield exactly three segments when split on "__": the
// literal "mcp", a non-empty server name, and a non-empty tool name. Names
// whose server or tool part itself contains "__" are rejected rather than
// guessed at.
func ParseToolName(fullName string) (server, tool string, err error) {
	segments := strings.Split(fullName, nameSeparator)
	if len(segments) != 3 || segments[0] != "mcp" {
		return "", "", fmt.Errorf("invalid tool name %q: expected mcp__<server>__<tool>", fullName)
	}
	if segments[1] == "" || segments[2] == "" {
		return "", "", fmt.Errorf("invalid tool name %q: server and tool segments must be non-empty", fullName)
	}
	return segments[1], segments[2], nil
}
