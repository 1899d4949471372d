package output

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		name       string
		outputFlag string
		jsonFlag   bool
		env        string
		want       string
	}{
		{name: "default is table", want: "table"},
		{name: "output flag", outputFlag: "yaml", want: "yaml"},
		{name: "json alias wins over output flag", outputFlag: "table", jsonFlag: true, want: "json"},
		{name: "env var used when no flags", env: "json", want: "json"},
		{name: "output flag overrides env var", outputFlag: "table", env: "json", want: "table"},
		{name: "json alias overrides env var", jsonFlag: true, env: "yaml", want: "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvOutputFormat, tt.env)

			got := ResolveFormat(tt.outputFlag, tt.jsonFlag)
			if got != tt.want {
				t.Errorf("ResolveFormat(%q, %v) = %q, want %q", tt.outputFlag, tt.jsonFlag, got, tt.want)
			}
		})
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  string
		want    interface{}
		wantErr bool
	}{
		{format: "json", want: &JSONFormatter{}},
		{format: "JSON", want: &JSONFormatter{}},
		{format: "yaml", want: &YAMLFormatter{}},
		{format: "table", want: &TableFormatter{}},
		{format: "", want: &TableFormatter{}},
		{format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("format_"+tt.format, func(t *testing.T) {
			f, err := NewFormatter(tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewFormatter(%q) expected error, got %T", tt.format, f)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFormatter(%q) unexpected error: %v", tt.format, err)
			}
			switch tt.want.(type) {
			case *JSONFormatter:
				if _, ok := f.(*JSONFormatter); !ok {
					t.Errorf("NewFormatter(%q) = %T, want *JSONFormatter", tt.format, f)
				}
			case *YAMLFormatter:
				if _, ok := f.(*YAMLFormatter); !ok {
					t.Errorf("NewFormatter(%q) = %T, want *YAMLFormatter", tt.format, f)
				}
			case *TableFormatter:
				if _, ok := f.(*TableFormatter); !ok {
					t.Errorf("NewFormatter(%q) = %T, want *TableFormatter", tt.format, f)
				}
			}
		})
	}
}

func TestJSONFormatTable(t *testing.T) {
	f := &JSONFormatter{}
	out, err := f.FormatTable(
		[]string{"NAME", "STATUS"},
		[][]string{{"fs", "connected"}, {"github"}},
	)
	if err != nil {
		t.Fatalf("FormatTable: %v", err)
	}

	var decoded []map[string]string
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, out)
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d objects, want 2", len(decoded))
	}
	if decoded[0]["NAME"] != "fs" || decoded[0]["STATUS"] != "connected" {
		t.Errorf("first row mismatch: %v", decoded[0])
	}
	// Short row pads missing columns.
	if decoded[1]["STATUS"] != "" {
		t.Errorf("expected empty STATUS for short row, got %q", decoded[1]["STATUS"])
	}
}

func TestYAMLFormatError(t *testing.T) {
	f := &YAMLFormatter{}
	out, err := f.FormatError(NewStructuredError(ErrCodeServerNotFound, "server 'fs' not found").
		WithGuidance("check the configured server names").
		WithRecoveryCommand("codebroker tools list"))
	if err != nil {
		t.Fatalf("FormatError: %v", err)
	}
	for _, want := range []string{"SERVER_NOT_FOUND", "server 'fs' not found", "codebroker tools list"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStructuredErrorBuilders(t *testing.T) {
	base := NewStructuredError(ErrCodeTimeout, "timed out")
	enriched := base.WithGuidance("upstream slow").WithContext("server", "fs")

	if base.Guidance != "" || base.Context != nil {
		t.Error("builders must not mutate the receiver")
	}
	if enriched.Guidance != "upstream slow" {
		t.Errorf("Guidance = %q", enriched.Guidance)
	}
	if enriched.Context["server"] != "fs" {
		t.Errorf("Context = %v", enriched.Context)
	}
	if enriched.Error() != "timed out" {
		t.Errorf("Error() = %q", enriched.Error())
	}
}

func TestFromErrorPassthrough(t *testing.T) {
	orig := NewStructuredError(ErrCodeInvalidInput, "bad json").WithGuidance("fix the argument")
	got := FromError(orig, ErrCodeOperationFailed)
	if got.Code != ErrCodeInvalidInput || got.Guidance != "fix the argument" {
		t.Errorf("FromError rewrapped a StructuredError: %+v", got)
	}
}
