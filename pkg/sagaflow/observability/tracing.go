package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the sagaflow tracer instance, using the global OTel tracer provider.
var tracer = otel.Tracer("sagaflow")

// SpanManager handles trace span lifecycle. Use NewSpanManager() for
// OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartSagaSpan starts a span for the whole saga run.
	StartSagaSpan(ctx context.Context, sagaName, sagaID string) (context.Context, trace.Span)

	// StartStepSpan starts a span for a single step invocation, child of the saga span.
	StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span)

	EndSpanWithError(span trace.Span, err error)
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager backed by OpenTelemetry.
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

func (m *otelSpanManager) StartSagaSpan(ctx context.Context, sagaName, sagaID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sagaflow.saga",
		trace.WithAttributes(
			attribute.String("saga.name", sagaName),
			attribute.String("saga.id", sagaID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sagaflow.step."+step,
		trace.WithAttributes(attribute.String("step.name", step)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Convenience functions operating on the global tracer, for callers that
// don't need the SpanManager interface.

func StartSagaSpan(ctx context.Context, sagaName, sagaID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sagaflow.saga",
		trace.WithAttributes(
			attribute.String("saga.name", sagaName),
			attribute.String("saga.id", sagaID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sagaflow.step."+step,
		trace.WithAttributes(attribute.String("step.name", step)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
