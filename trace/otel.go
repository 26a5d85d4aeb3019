package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	wick "github.com/wicklab/wick"
)

const scopeName = "github.com/wicklab/wick/trace"

// InitOTEL sets up a trace provider with an OTLP HTTP exporter configured
// from the standard OTEL env vars. The returned shutdown function flushes
// pending spans and must be called on exit.
func InitOTEL(ctx context.Context, serviceName string) (wick.Tracer, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &OTELTracer{tracer: tp.Tracer(scopeName)}, tp.Shutdown, nil
}

// OTELTracer adapts an OpenTelemetry tracer to the engine Tracer
// interface.
type OTELTracer struct {
	tracer oteltrace.Tracer
}

// NewOTELTracer wraps an existing OTEL tracer.
func NewOTELTracer(tracer oteltrace.Tracer) *OTELTracer {
	return &OTELTracer{tracer: tracer}
}

// Start implements wick.Tracer.
func (t *OTELTracer) Start(ctx context.Context, name string, attrs ...wick.SpanAttr) (context.Context, wick.Span) {
	ctx, span := t.tracer.Start(ctx, name, oteltrace.WithAttributes(toKeyValues(attrs)...))
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) SetAttr(attrs ...wick.SpanAttr) {
	s.span.SetAttributes(toKeyValues(attrs)...)
}

func (s *otelSpan) Error(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() { s.span.End() }

func toKeyValues(attrs []wick.SpanAttr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, fmt.Sprintf("%v", v)))
		}
	}
	return kvs
}
