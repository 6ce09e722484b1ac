package runtime

import (
	"context"
	"errors"
)

// Adapter failure classes. Callers classify with errors.Is; the job manager
// retries ErrUnavailable and ErrTimeout and surfaces the rest immediately.
var (
	// ErrNotFound reports a missing container or image.
	ErrNotFound = errors.New("runtime: not found")

	// ErrUnavailable reports an unreachable container engine. Retryable.
	ErrUnavailable = errors.New("runtime: engine unavailable")

	// ErrImagePull reports a failed image pull.
	ErrImagePull = errors.New("runtime: image pull failed")

	// ErrResourceExhausted reports the engine refusing an operation for
	// lack of host resources.
	ErrResourceExhausted = errors.New("runtime: resources exhausted")

	// ErrTimeout reports an operation cancelled by the caller's deadline.
	// Retryable.
	ErrTimeout = errors.New("runtime: operation timed out")
)

// IsRetryable reports whether err is a transient adapter failure that the
// job manager may retry under the job's backoff policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err is a permanent adapter failure that moves the
// component to the error state.
func IsFatal(err error) bool {
	return errors.Is(err, ErrImagePull) || errors.Is(err, ErrResourceExhausted)
}

// translateCtx folds context cancellation into the adapter taxonomy.
func translateCtx(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
