// Package schema validates tool-call parameters against the tool's JSON
// Schema (draft-07) before anything is forwarded upstream. Validation
// failures become actionable sentences, not raw library output: the sandbox
// author reads these in the 400 body and fixes the call.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationResult is the outcome of validating one parameter object.
// Errors is ordered: missing first, unexpected second, type mismatches
// third, then everything else.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	Errors         []string `json:"errors,omitempty"`
	Missing        []string `json:"missing,omitempty"`
	Unexpected     []string `json:"unexpected,omitempty"`
	TypeMismatches []string `json:"typeMismatch,omitempty"`
}

// ValidateParams validates params against inputSchema. A nil or empty
// schema accepts anything. The returned error means the schema itself
// would not compile; parameter problems land in the result.
func ValidateParams(inputSchema, params map[string]interface{}) (*ValidationResult, error) {
	if len(inputSchema) == 0 {
		return &ValidationResult{Valid: true}, nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	schemaLoader := gojsonschema.NewGoLoader(inputSchema)
	docLoader := gojsonschema.NewGoLoader(params)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	if result.Valid() {
		return &ValidationResult{Valid: true}, nil
	}

	return projectErrors(inputSchema, result.Errors()), nil
}

// projectErrors sorts the library's findings into the three named buckets
// and renders one sentence per finding.
func projectErrors(inputSchema map[string]interface{}, errs []gojsonschema.ResultError) *ValidationResult {
	out := &ValidationResult{Valid: false}

	var missingMsgs, unexpectedMsgs, typeMsgs, restMsgs []string

	for _, e := range errs {
		switch e.Type() {
		case "required":
			name := detailString(e, "property")
			path := joinPath(e.Field(), name)
			out.Missing = append(out.Missing, path)
			msg := fmt.Sprintf("missing required parameter %q", path)
			if expected := propertyType(inputSchema, path); expected != "" {
				msg += fmt.Sprintf(" (expected %s)", expected)
			}
			missingMsgs = append(missingMsgs, msg)

		case "additional_property_not_allowed":
			name := detailString(e, "property")
			path := joinPath(e.Field(), name)
			out.Unexpected = append(out.Unexpected, path)
			unexpectedMsgs = append(unexpectedMsgs,
				fmt.Sprintf("unexpected parameter %q is not defined in the schema", path))

		case "invalid_type":
			path := normalizePath(e.Field())
			out.TypeMismatches = append(out.TypeMismatches, path)
			expected := detailString(e, "expected")
			given := detailString(e, "given")
			typeMsgs = append(typeMsgs,
				fmt.Sprintf("parameter %q must be of type %s, got %s", path, expected, given))

		default:
			path := normalizePath(e.Field())
			restMsgs = append(restMsgs,
				fmt.Sprintf("parameter %q %s", path, e.Description()))
		}
	}

	// Stable output within each bucket.
	sort.Strings(missingMsgs)
	sort.Strings(unexpectedMsgs)

	out.Errors = append(out.Errors, missingMsgs...)
	out.Errors = append(out.Errors, unexpectedMsgs...)
	out.Errors = append(out.Errors, typeMsgs...)
	out.Errors = append(out.Errors, restMsgs...)
	sort.Strings(out.Missing)
	sort.Strings(out.Unexpected)

	return out
}

// FormatValidationError renders the 400 body text: the ordered findings
// followed by a pretty-printed "You provided" block.
func FormatValidationError(toolName string, result *ValidationResult, params interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Parameter validation failed for tool '%s':\n", toolName)
	for _, msg := range result.Errors {
		fmt.Fprintf(&b, "  - %s\n", msg)
	}

	b.WriteString("\nYou provided:\n")
	pretty, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		fmt.Fprintf(&b, "%v\n", params)
	} else {
		b.Write(pretty)
		b.WriteString("\n")
	}
	return b.String()
}

// joinPath appends a property name to a library field path. The library
// reports the document root as "(root)".
func joinPath(field, name string) string {
	field = normalizePath(field)
	if field == "" {
		return name
	}
	if name == "" {
		return field
	}
	return field + "." + name
}

func normalizePath(field string) string {
	if field == "(root)" {
		return ""
	}
	return field
}

func detailString(e gojsonschema.ResultError, key string) string {
	if v, ok := e.Details()[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// propertyType digs the declared type for a top-level property out of the
// schema so "missing required parameter" messages can say what to send.
func propertyType(inputSchema map[string]interface{}, path string) string {
	// Only top-level properties are annotated; nested paths would need a
	// full schema walk for marginal benefit.
	if strings.Contains(path, ".") {
		return ""
	}
	props, ok := inputSchema["properties"].(map[string]interface{})
	if !ok {
		return ""
	}
	prop, ok := props[path].(map[string]interface{})
	if !ok {
		return ""
	}
	switch t := prop["type"].(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, v := range t {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		return strings.Join(parts, " or ")
	}
	return ""
}
