package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with operation-scoped spans.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a span named "apiguard.<op>".
	StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return NopTracer()
	}
	return &tracerImpl{tracer: t}
}

// SpanName returns the deterministic span name for an operation.
func SpanName(op string) string {
	return "apiguard." + op
}

func (t *tracerImpl) StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+1)
	all = append(all, attribute.String("operation.name", op))
	all = append(all, attrs...)

	return t.tracer.Start(ctx, SpanName(op),
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type nopTracer struct {
	noop trace.Tracer
}

// NopTracer returns a tracer whose spans are never recorded.
func NopTracer() Tracer {
	return &nopTracer{noop: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (t *nopTracer) StartSpan(ctx context.Context, op string, _ ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.noop.Start(ctx, SpanName(op))
}

func (t *nopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
