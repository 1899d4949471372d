package reqcontext

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// ContextKey is the type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation IDs
	CorrelationIDKey ContextKey = "correlation_id"

	// ExecutionIDKey is the context key for the sandbox execution ID
	ExecutionIDKey ContextKey = "execution_id"

	// RequestSourceKey is the context key for request source
	RequestSourceKey ContextKey = "request_source"
)

// RequestSource indicates where the request originated
type RequestSource string

const (
	// SourceMCP indicates the request came from the agent-facing MCP surface
	SourceMCP RequestSource = "MCP"

	// SourceSandbox indicates the request came from sandboxed code via the
	// loopback proxy
	SourceSandbox RequestSource = "SANDBOX"

	// SourceCLI indicates the request came from a CLI command
	SourceCLI RequestSource = "CLI"

	// SourceInternal indicates an internal/background operation
	SourceInternal RequestSource = "INTERNAL"

	// SourceUnknown indicates the source could not be determined
	SourceUnknown RequestSource = "UNKNOWN"
)

// NewCorrelationID generates a new unique correlation ID. ULIDs sort by
// creation time, which keeps audit lines greppable in order.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from context, or ""
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns the context's correlation ID, minting one and
// attaching it when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// WithExecutionID adds the sandbox execution ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// GetExecutionID retrieves the execution ID from context, or ""
func GetExecutionID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestSource adds request source to the context
func WithRequestSource(ctx context.Context, source RequestSource) context.Context {
	return context.WithValue(ctx, RequestSourceKey, source)
}

// GetRequestSource retrieves the request source from context
func GetRequestSource(ctx context.Context) RequestSource {
	if ctx == nil {
		return SourceUnknown
	}
	if source, ok := ctx.Value(RequestSourceKey).(RequestSource); ok {
		return source
	}
	return SourceUnknown
}
