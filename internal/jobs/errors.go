package jobs

import (
	"errors"
	"fmt"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
)

// ErrLockTimeout reports that a job gave up waiting for a lock inside its
// timeout budget.
var ErrLockTimeout = errors.New("jobs: lock acquisition timed out")

// ErrNotFound reports an unknown job or component identifier.
var ErrNotFound = errors.New("jobs: not found")

// ValidationError rejects a malformed request before any job is created.
// Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// ConflictError rejects a request whose state transition is illegal. The
// caller must re-query component state; the job manager never retries it.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Reason)
}

// RollbackError is the most severe failure class: an update's compensating
// sequence itself failed, so the component may be left without a running
// instance.
type RollbackError struct {
	// Cause is the saga failure that triggered the rollback.
	Cause error
	// Err is the failure of the compensating sequence.
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %s (update failure: %s)", e.Err, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether err rejects an illegal transition.
func IsConflict(err error) bool {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return true
	}
	var rej *lifecycle.Rejected
	return errors.As(err, &rej)
}

// isFatal reports whether err must move the component to the error state.
func isFatal(err error) bool {
	var re *RollbackError
	if errors.As(err, &re) {
		return true
	}
	return runtime.IsFatal(err)
}
