package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	traceIDKey contextKey = "logger-trace-id"
	spanIDKey  contextKey = "logger-span-id"
)

// ContextWithTrace stores the provided trace ID in the context.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ContextWithSpan stores the provided span ID in the context.
func ContextWithSpan(ctx context.Context, spanID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanIDKey, spanID)
}

// TraceIDFromContext returns the trace ID of the active OpenTelemetry span,
// falling back to an ID stored with ContextWithTrace.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// SpanIDFromContext mirrors TraceIDFromContext for span identifiers.
func SpanIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTraceAndSpan decorates the context with freshly generated identifiers.
// Used for device sessions, which live longer than any single span.
func WithTraceAndSpan(ctx context.Context) (context.Context, string, string) {
	traceID := randomHex(16)
	spanID := randomHex(8)
	ctx = ContextWithTrace(ctx, traceID)
	ctx = ContextWithSpan(ctx, spanID)
	return ctx, traceID, spanID
}

func randomHex(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
