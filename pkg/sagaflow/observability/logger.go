// Package observability provides structured logging, metrics, and
// distributed tracing for the saga coordinator and outbox relay.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds saga context to a logger, returning a new logger
// carrying saga_id, step, and attempt fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "saga-123", "reserve-inventory", 1)
//	enriched.Info("invoking participant")
func EnrichLogger(logger *slog.Logger, sagaID, step string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("saga_id", sagaID),
		slog.String("step", step),
		slog.Int("attempt", attempt),
	)
}

// LogSagaStart logs the start of a saga.
func LogSagaStart(logger *slog.Logger, sagaID, sagaName string) {
	if logger == nil {
		return
	}
	logger.Info("saga starting",
		slog.String("saga_id", sagaID),
		slog.String("saga_name", sagaName),
	)
}

// LogSagaComplete logs successful saga completion.
func LogSagaComplete(logger *slog.Logger, sagaID string, durationMs float64, stepCount int) {
	if logger == nil {
		return
	}
	logger.Info("saga completed",
		slog.String("saga_id", sagaID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("steps_executed", stepCount),
	)
}

// LogSagaCompensated logs that a saga finished by compensating.
func LogSagaCompensated(logger *slog.Logger, sagaID string, durationMs float64, failedStep string) {
	if logger == nil {
		return
	}
	logger.Warn("saga compensated",
		slog.String("saga_id", sagaID),
		slog.Float64("duration_ms", durationMs),
		slog.String("failed_step", failedStep),
	)
}

// LogSagaError logs a saga that failed to fully compensate.
func LogSagaError(logger *slog.Logger, sagaID string, err error, durationMs float64, lastStep string) {
	if logger == nil {
		return
	}
	logger.Error("saga failed",
		slog.String("saga_id", sagaID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_step", lastStep),
	)
}

// LogStepStart logs step invocation start.
func LogStepStart(logger *slog.Logger, step string) {
	if logger == nil {
		return
	}
	logger.Debug("step starting", slog.String("step", step))
}

// LogStepComplete logs successful step completion.
func LogStepComplete(logger *slog.Logger, step string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("step completed",
		slog.String("step", step),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogStepError logs step invocation error.
func LogStepError(logger *slog.Logger, step string, err error, kind string) {
	if logger == nil {
		return
	}
	logger.Error("step failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
		slog.String("error_kind", kind),
	)
}

// LogCompensationError logs a compensation call failure.
func LogCompensationError(logger *slog.Logger, step string, err error) {
	if logger == nil {
		return
	}
	logger.Error("compensation failed",
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
}

// LogOutboxDelivered logs a successfully published outbox row.
func LogOutboxDelivered(logger *slog.Logger, eventID, aggregateID string, attempts int) {
	if logger == nil {
		return
	}
	logger.Debug("outbox row delivered",
		slog.String("event_id", eventID),
		slog.String("aggregate_id", aggregateID),
		slog.Int("attempts", attempts),
	)
}

// LogOutboxDead logs an outbox row that exceeded its retry threshold.
func LogOutboxDead(logger *slog.Logger, eventID, aggregateID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("outbox row dead-lettered",
		slog.String("event_id", eventID),
		slog.String("aggregate_id", aggregateID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation. Returns a
// function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
