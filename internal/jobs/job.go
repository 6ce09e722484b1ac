package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
)

// Status is a job's execution status. Statuses are monotonic: queued,
// running, then exactly one terminal status that never reverts.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RetryPolicy bounds automatic retries of retryable adapter failures.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int

	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy used when a request carries none.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// RunFunc is a job body. It runs while the job manager holds the
// component's lock, after the transition has been validated; from is the
// component state observed at that point. ctx is cancelled on job timeout
// or cooperative cancellation.
type RunFunc func(ctx context.Context, from lifecycle.State) error

// Request describes a job to submit.
type Request struct {
	ComponentID string
	Action      lifecycle.Action
	Priority    int
	Timeout     time.Duration
	Retry       RetryPolicy

	// HostLock additionally serializes the job against every other job
	// holding the global host-resource lock, across all components.
	HostLock bool

	// Run overrides the default body derived from Action. Used by the
	// update coordinator to run a saga under the job's lock.
	Run RunFunc
}

// Job is one requested operation against one component.
type Job struct {
	ID          string
	ComponentID string
	Action      lifecycle.Action
	Priority    int
	Timeout     time.Duration
	Retry       RetryPolicy
	HostLock    bool

	run RunFunc

	mu          sync.Mutex
	status      Status
	detail      string
	cancelled   bool
	cancel      context.CancelFunc
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	done        chan struct{}
}

// JobStatus is a point-in-time snapshot of a job, safe to hand to callers.
type JobStatus struct {
	ID          string           `json:"id"`
	ComponentID string           `json:"component_id"`
	Action      lifecycle.Action `json:"action"`
	Status      Status           `json:"status"`
	Detail      string           `json:"detail,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Snapshot returns the job's current status snapshot.
func (j *Job) Snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		ID:          j.ID,
		ComponentID: j.ComponentID,
		Action:      j.Action,
		Status:      j.status,
		Detail:      j.detail,
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}

// Done is closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) markRunning(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	j.cancel = cancel
	return true
}

func (j *Job) finish(status Status, detail string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	j.detail = detail
	j.completedAt = time.Now()
	close(j.done)
	return true
}

func (j *Job) wasCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}
