// Package participant defines the uniform client-side contract the saga
// coordinator uses to call out to external collaborators (order,
// inventory, payment, ...), and the composable retry/timeout/breaker/
// bulkhead wrapper that turns a bare Client into one safe for the
// coordinator to depend on directly.
package participant

//go:generate go run go.uber.org/mock/mockgen -source=client.go -destination=mock_client.go -package=participant

import (
	"context"

	sferrors "github.com/randalmurphal/sagaflow/pkg/sagaflow/errors"
)

// ErrorKind classifies the outcome of a participant call so the saga
// coordinator knows whether to retry, compensate, or abort. It is the
// same taxonomy as sferrors.Category; participants never need their own.
type ErrorKind = sferrors.Category

const (
	KindTransient     = sferrors.CategoryTransient
	KindBusiness      = sferrors.CategoryBusiness
	KindUnavailable   = sferrors.CategoryUnavailable
	KindTimeout       = sferrors.CategoryTimeout
	KindCanceled      = sferrors.CategoryCanceled
	KindFatalInternal = sferrors.CategoryFatalInternal
)

// Client is implemented by every participant adapter the saga coordinator
// invokes. Both methods MUST be idempotent on idempotencyKey: a repeated
// call with the same key returns the original outcome without producing
// additional side effects.
type Client interface {
	// Invoke performs the forward action of a step and returns an opaque
	// handle (order id, reservation id, payment id) used later by
	// Compensate. payload is the step's projection of the saga input.
	Invoke(ctx context.Context, step string, idempotencyKey string, payload []byte) (handle string, err error)

	// Compensate undoes the effect of a previous successful Invoke.
	// handle is the value Invoke returned.
	Compensate(ctx context.Context, step string, idempotencyKey string, handle string) error
}

// AttemptReporter is implemented by Clients that can report how many
// attempts their last Invoke call took, such as Adapter's retry wrapper.
// Callers that only hold a bare Client (no retry behavior of its own)
// report exactly 1 attempt.
type AttemptReporter interface {
	InvokeAttempts(ctx context.Context, step string, idempotencyKey string, payload []byte) (handle string, attempts int, err error)
}

// Categorize maps an error returned by a Client into an ErrorKind. Clients
// are expected to return errors from the sagaflow/errors package (HTTPError,
// BusinessError, TimeoutError, or context.Canceled/DeadlineExceeded);
// anything else is treated as TRANSIENT so the adapter gives it a few
// retries rather than failing the saga outright.
func Categorize(err error) ErrorKind {
	return sferrors.Categorize(err)
}
