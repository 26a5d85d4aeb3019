package wick

import "context"

// Tracer creates spans for model and tool operations inside a turn. The
// trace package provides two implementations: an in-memory recorder backing
// the trace query API and an OTEL-backed exporter.
type Tracer interface {
	// Start creates a span and returns a child context carrying it.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr adds attributes after creation.
	SetAttr(attrs ...SpanAttr)
	// Error records an error and marks the span failed.
	Error(err error)
	// End completes the span. Must be called exactly once.
	End()
}

// SpanAttr is a key-value attribute on a span.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

type tracingDisabledKey struct{}

// WithTracingDisabled marks a turn context so tracing hooks skip span
// recording. Set when a turn request carries trace=false.
func WithTracingDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, tracingDisabledKey{}, true)
}

// TracingEnabled reports whether spans should be recorded for this context.
func TracingEnabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(tracingDisabledKey{}).(bool)
	return !disabled
}
