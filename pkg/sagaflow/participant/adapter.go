package participant

import (
	"context"
	"fmt"
	"time"

	sferrors "github.com/randalmurphal/sagaflow/pkg/sagaflow/errors"
)

// AdapterConfig configures the cross-cutting behavior an Adapter wraps
// around a bare Client.
type AdapterConfig struct {
	// Retry governs backoff between attempts. Unless Retry.RetryableFunc
	// is set, only TRANSIENT, UNAVAILABLE and TIMEOUT errors are retried,
	// per the saga's error taxonomy; a RetryableFunc replaces that check.
	Retry sferrors.RetryConfig

	// PerAttemptTimeout bounds a single Invoke/Compensate attempt.
	PerAttemptTimeout time.Duration

	// Breaker configures the circuit breaker. Zero value uses
	// DefaultBreakerConfig.
	Breaker BreakerConfig

	// MaxConcurrent bounds in-flight calls to this participant. Zero
	// means unbounded.
	MaxConcurrent int
}

// DefaultAdapterConfig provides reasonable retry, timeout, breaker, and
// bulkhead defaults for a participant call.
var DefaultAdapterConfig = AdapterConfig{
	Retry: sferrors.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
	},
	PerAttemptTimeout: 10 * time.Second,
	Breaker:           DefaultBreakerConfig,
}

// Adapter wraps a participant Client with retry, per-attempt timeout,
// circuit breaking, and bounded concurrency. It implements Client itself
// so the saga coordinator can depend on Client uniformly whether or not a
// given participant needs the extra resilience.
type Adapter struct {
	client   Client
	cfg      AdapterConfig
	breaker  *Breaker
	bulkhead *Bulkhead
}

// NewAdapter wraps client with the cross-cutting behavior in cfg. Zero
// fields in cfg fall back to DefaultAdapterConfig.
func NewAdapter(client Client, cfg AdapterConfig) *Adapter {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultAdapterConfig.Retry
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = DefaultAdapterConfig.PerAttemptTimeout
	}
	return &Adapter{
		client:   client,
		cfg:      cfg,
		breaker:  NewBreaker(cfg.Breaker),
		bulkhead: NewBulkhead(cfg.MaxConcurrent),
	}
}

var _ Client = (*Adapter)(nil)

// Invoke calls the wrapped Client's Invoke with retry, timeout, breaker
// and bulkhead applied.
func (a *Adapter) Invoke(ctx context.Context, step string, idempotencyKey string, payload []byte) (string, error) {
	handle, _, err := a.InvokeAttempts(ctx, step, idempotencyKey, payload)
	return handle, err
}

// InvokeAttempts behaves like Invoke but also reports how many attempts
// the retry loop made, including fail-fast attempts short-circuited by
// the breaker or bulkhead (reported as 0, since the client was never
// called). The saga coordinator persists this to StepResult.AttemptCount.
func (a *Adapter) InvokeAttempts(ctx context.Context, step string, idempotencyKey string, payload []byte) (string, int, error) {
	return a.call(ctx, func(ctx context.Context) (string, error) {
		return a.client.Invoke(ctx, step, idempotencyKey, payload)
	})
}

// Compensate calls the wrapped Client's Compensate with the same
// cross-cutting behavior as Invoke.
func (a *Adapter) Compensate(ctx context.Context, step string, idempotencyKey string, handle string) error {
	_, _, err := a.call(ctx, func(ctx context.Context) (string, error) {
		return "", a.client.Compensate(ctx, step, idempotencyKey, handle)
	})
	return err
}

// call runs fn with the bulkhead/breaker/retry/timeout stack. fn's string
// return is ignored by Compensate but threaded through generically so both
// methods share one call path. The int return is the number of attempts
// the retry loop made.
func (a *Adapter) call(ctx context.Context, fn func(context.Context) (string, error)) (string, int, error) {
	if !a.bulkhead.TryAcquire() {
		return "", 0, sferrors.Unavailable(fmt.Errorf("bulkhead full"), "participant call")
	}
	defer a.bulkhead.Release()

	if !a.breaker.Allow() {
		return "", 0, sferrors.Unavailable(fmt.Errorf("circuit open"), "participant call")
	}

	result := sferrors.WithRetryContext(ctx, a.cfg.Retry, func(ctx context.Context) (string, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.PerAttemptTimeout)
		defer cancel()

		handle, err := fn(attemptCtx)
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded {
			err = &sferrors.TimeoutError{Operation: "participant call", Duration: a.cfg.PerAttemptTimeout.String()}
		}
		return handle, err
	})

	a.breaker.RecordResult(result.Err == nil)

	if result.Err == nil {
		return result.Value, result.Attempts, nil
	}
	return "", result.Attempts, fmt.Errorf("participant call failed after %d attempts: %w", result.Attempts, result.Err)
}
