// Package shared holds request-scoped context helpers used across the
// gateway and dispatcher.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type callerKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithCaller attaches the calling agent's name to the context. The
// dispatcher resolves sender identity from this, so transports decide
// who the caller is exactly once, at the edge.
func WithCaller(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerKey{}, name)
}

// Caller extracts the calling agent's name from context. Returns "" if
// absent.
func Caller(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok {
		return v
	}
	return ""
}
