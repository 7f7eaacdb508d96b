package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga and outbox metrics. Use
// NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordStepInvocation records a single participant invocation.
	RecordStepInvocation(ctx context.Context, step string, duration time.Duration, err error)

	// RecordSagaRun records a saga run completion.
	RecordSagaRun(ctx context.Context, outcome string, duration time.Duration)

	// RecordOutboxPublish records an outbox relay publish attempt.
	RecordOutboxPublish(ctx context.Context, aggregateType string, success bool, attempts int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	stepInvocations metric.Int64Counter
	stepLatency     metric.Float64Histogram
	stepErrors      metric.Int64Counter
	sagaRuns        metric.Int64Counter
	sagaLatency     metric.Float64Histogram
	outboxPublishes metric.Int64Counter
	outboxAttempts  metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("sagaflow")

	stepInvocations, err := meter.Int64Counter("sagaflow.step.invocations",
		metric.WithDescription("Number of participant step invocations"),
	)
	if err != nil {
		return nil, err
	}

	stepLatency, err := meter.Float64Histogram("sagaflow.step.latency_ms",
		metric.WithDescription("Step invocation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stepErrors, err := meter.Int64Counter("sagaflow.step.errors",
		metric.WithDescription("Number of step invocation errors"),
	)
	if err != nil {
		return nil, err
	}

	sagaRuns, err := meter.Int64Counter("sagaflow.saga.runs",
		metric.WithDescription("Number of saga runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	sagaLatency, err := meter.Float64Histogram("sagaflow.saga.latency_ms",
		metric.WithDescription("Saga run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	outboxPublishes, err := meter.Int64Counter("sagaflow.outbox.publishes",
		metric.WithDescription("Number of outbox publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	outboxAttempts, err := meter.Int64Histogram("sagaflow.outbox.attempts",
		metric.WithDescription("Attempt count of an outbox row at each publish attempt"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		stepInvocations: stepInvocations,
		stepLatency:     stepLatency,
		stepErrors:      stepErrors,
		sagaRuns:        sagaRuns,
		sagaLatency:     sagaLatency,
		outboxPublishes: outboxPublishes,
		outboxAttempts:  outboxAttempts,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordStepInvocation(ctx context.Context, step string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("step", step)}

	m.stepInvocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.stepErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *otelMetrics) RecordSagaRun(ctx context.Context, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	m.sagaRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.sagaLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

func (m *otelMetrics) RecordOutboxPublish(ctx context.Context, aggregateType string, success bool, attempts int) {
	attrs := []attribute.KeyValue{
		attribute.String("aggregate_type", aggregateType),
		attribute.Bool("success", success),
	}
	m.outboxPublishes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.outboxAttempts.Record(ctx, int64(attempts), metric.WithAttributes(attrs...))
}
