// Package jobs is the scheduler at the center of the supervisor. It turns
// requested lifecycle operations into serialized, retryable jobs: per
// component, jobs run strictly in submission order under that component's
// lock; across components they run in parallel, bounded by a fixed worker
// pool. The job manager is the only writer of component state.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wI2L/jsondiff"

	"github.com/OpenPeerPower/supervisor/internal/lifecycle"
	"github.com/OpenPeerPower/supervisor/internal/pubsub"
	"github.com/OpenPeerPower/supervisor/internal/registry"
	"github.com/OpenPeerPower/supervisor/internal/runtime"
	"github.com/OpenPeerPower/supervisor/internal/store"
)

// Config tunes the job manager.
type Config struct {
	// Workers is the size of the executor pool.
	Workers int

	// DefaultTimeout bounds jobs submitted without one.
	DefaultTimeout time.Duration

	// HistoryWindow bounds how long completed jobs are retained.
	HistoryWindow time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		DefaultTimeout: 2 * time.Minute,
		HistoryWindow:  24 * time.Hour,
	}
}

type componentQueue struct {
	id     string
	jobs   []*Job
	active bool
}

// Manager accepts operation requests and executes them as jobs.
type Manager struct {
	registry *registry.Registry
	runtime  runtime.Runtime
	store    *store.Store // nil disables persistence
	bus      *pubsub.Bus[pubsub.Event]
	locks    *LockTable
	cfg      Config

	mu     sync.Mutex
	jobs   map[string]*Job
	queues map[string]*componentQueue
	ready  chan *componentQueue

	wg sync.WaitGroup
}

// NewManager wires a manager. The bus may be nil if nobody subscribes.
func NewManager(reg *registry.Registry, rt runtime.Runtime, st *store.Store, bus *pubsub.Bus[pubsub.Event], cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	return &Manager{
		registry: reg,
		runtime:  rt,
		store:    st,
		bus:      bus,
		locks:    NewLockTable(),
		cfg:      cfg,
		jobs:     make(map[string]*Job),
		queues:   make(map[string]*componentQueue),
		ready:    make(chan *componentQueue, 1024),
	}
}

// Locks exposes the lock table for collaborators that need to serialize
// against job execution (startup reconciliation, health recording).
func (m *Manager) Locks() *LockTable {
	return m.locks
}

// Start launches the worker pool and the history pruner. Workers exit when
// ctx is cancelled; Wait blocks until they have.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.worker(ctx)
		}()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pruneLoop(ctx)
	}()
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit validates a request and queues it as a job.
func (m *Manager) Submit(req Request) (*Job, error) {
	if req.ComponentID == "" {
		return nil, &ValidationError{Reason: "component id must not be empty"}
	}
	known := false
	for _, a := range lifecycle.Actions() {
		if a == req.Action {
			known = true
			break
		}
	}
	if !known {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown action %q", req.Action)}
	}
	if _, ok := m.registry.Get(req.ComponentID); !ok {
		return nil, fmt.Errorf("%w: component %s", ErrNotFound, req.ComponentID)
	}

	if req.Timeout <= 0 {
		req.Timeout = m.cfg.DefaultTimeout
	}
	if req.Retry.MaxAttempts <= 0 {
		req.Retry = DefaultRetryPolicy
	}

	j := &Job{
		ID:          uuid.NewString(),
		ComponentID: req.ComponentID,
		Action:      req.Action,
		Priority:    req.Priority,
		Timeout:     req.Timeout,
		Retry:       req.Retry,
		HostLock:    req.HostLock,
		run:         req.Run,
		status:      StatusQueued,
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}
	if j.run == nil {
		j.run = m.defaultRun(j)
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	q := m.queues[j.ComponentID]
	if q == nil {
		q = &componentQueue{id: j.ComponentID}
		m.queues[j.ComponentID] = q
	}
	q.jobs = append(q.jobs, j)
	wake := !q.active
	if wake {
		q.active = true
	}
	m.mu.Unlock()

	if wake {
		m.ready <- q
	}
	log.Debug().Str("job", j.ID).Str("component", j.ComponentID).Str("action", string(j.Action)).Msg("Job queued")
	return j, nil
}

// Install registers a new component from its manifest and queues the
// install job. Registration happens under the component's lock so a
// concurrent install of the same id loses cleanly.
func (m *Manager) Install(ctx context.Context, man *registry.Manifest) (*Job, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.DefaultTimeout)
	defer cancel()
	if err := m.locks.Acquire(lockCtx, man.ID); err != nil {
		return nil, err
	}
	err := m.registry.Register(man.NewComponent())
	m.locks.Release(man.ID)
	if err != nil {
		return nil, &ConflictError{Reason: err.Error()}
	}
	return m.Submit(Request{ComponentID: man.ID, Action: lifecycle.ActionInstall})
}

// Status returns the snapshot for a job id.
func (m *Manager) Status(id string) (JobStatus, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j.Snapshot(), nil
}

// Jobs returns snapshots of every retained job, newest first.
func (m *Manager) Jobs() []JobStatus {
	m.mu.Lock()
	out := make([]JobStatus, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Await suspends the caller until the job reaches a terminal status or ctx
// expires; the job keeps running either way.
func (m *Manager) Await(ctx context.Context, id string) (JobStatus, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// Cancel cancels a job. A queued job is removed before execution; a running
// job is cancelled cooperatively via its context and reaches the cancelled
// status once the in-flight adapter call returns.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}

	j.mu.Lock()
	switch {
	case j.status.Terminal():
		j.mu.Unlock()
		return nil
	case j.status == StatusQueued:
		j.cancelled = true
		j.status = StatusCancelled
		j.detail = "cancelled before execution"
		j.completedAt = time.Now()
		close(j.done)
		j.mu.Unlock()
		m.persistJob(j)
		m.publishJob(j)
		return nil
	default:
		j.cancelled = true
		cancel := j.cancel
		j.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
}

// RecordHealth updates a component's last-known health under its lock. It
// gives up silently if the lock is busy; the next watchdog pass catches up.
func (m *Manager) RecordHealth(ctx context.Context, id string, healthy bool) {
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := m.locks.Acquire(lockCtx, id); err != nil {
		return
	}
	defer m.locks.Release(id)

	comp, ok := m.registry.Get(id)
	if !ok || comp.Healthy == healthy {
		return
	}
	if err := m.registry.SetHealth(id, healthy); err != nil {
		log.Err(err).Str("component", id).Msg("Recording health failed")
		return
	}
	m.publishChange(comp)
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-m.ready:
			m.drain(ctx, q)
		}
	}
}

// drain runs the queue's jobs in FIFO order until it is empty, then parks
// it. Exactly one worker drains a given queue at a time, which is what
// serializes jobs per component.
func (m *Manager) drain(ctx context.Context, q *componentQueue) {
	for {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		var j *Job
		for len(q.jobs) > 0 {
			head := q.jobs[0]
			q.jobs = q.jobs[1:]
			if !head.Snapshot().Status.Terminal() {
				j = head
				break
			}
		}
		if j == nil {
			q.active = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.execute(ctx, j)
	}
}

func (m *Manager) execute(ctx context.Context, j *Job) {
	// Lock acquisition is bounded by the job's own timeout budget.
	lockCtx, lockCancel := context.WithTimeout(ctx, j.Timeout)
	err := m.locks.Acquire(lockCtx, j.ComponentID)
	lockCancel()
	if err != nil {
		m.complete(j, nil, lifecycle.Transition{}, lifecycle.State(""), err)
		return
	}
	defer m.locks.Release(j.ComponentID)

	if j.HostLock {
		hostCtx, hostCancel := context.WithTimeout(ctx, j.Timeout)
		err := m.locks.Acquire(hostCtx, HostResourceKey)
		hostCancel()
		if err != nil {
			m.complete(j, nil, lifecycle.Transition{}, lifecycle.State(""), err)
			return
		}
		defer m.locks.Release(HostResourceKey)
	}

	// A job cancelled while queued never touches the runtime adapter.
	if j.wasCancelled() {
		return
	}

	comp, ok := m.registry.Get(j.ComponentID)
	if !ok {
		m.complete(j, nil, lifecycle.Transition{}, lifecycle.State(""),
			fmt.Errorf("%w: component %s", ErrNotFound, j.ComponentID))
		return
	}

	// Boot ordering: add-ons only start once plugins and core are running.
	if j.Action == lifecycle.ActionStart && comp.Kind == registry.KindAddon && !m.registry.BootOrderSatisfied() {
		m.complete(j, comp, lifecycle.Transition{}, comp.State,
			&ConflictError{Reason: "plugins and core must be running before add-ons start"})
		return
	}

	// Re-check the transition: state may have changed while queued.
	from := comp.State
	tr, err := lifecycle.Next(from, j.Action)
	if err != nil {
		m.complete(j, comp, lifecycle.Transition{}, from, err)
		return
	}
	if tr.Noop {
		if j.finish(StatusSucceeded, fmt.Sprintf("no-op in state %q", from)) {
			m.persistJob(j)
			m.publishJob(j)
		}
		return
	}

	m.setState(comp, tr.Transient)

	jctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()
	if !j.markRunning(cancel) {
		// Cancelled between dequeue and execution.
		m.setState(comp, from)
		return
	}

	op := func() error {
		err := j.run(jctx, from)
		if err != nil && !runtime.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	runErr := backoff.Retry(op, j.Retry.backOff(jctx))

	m.complete(j, comp, tr, from, runErr)
}

// complete maps the job outcome onto job status and component state, then
// persists and publishes the result.
func (m *Manager) complete(j *Job, comp *registry.Component, tr lifecycle.Transition, from lifecycle.State, runErr error) {
	var status Status
	var detail string

	switch {
	case runErr == nil:
		status = StatusSucceeded
		if comp != nil {
			m.setState(comp, tr.Success)
			if tr.Success == lifecycle.StateRunning && !comp.Healthy {
				old := comp.Clone()
				if err := m.registry.SetHealth(comp.ID, true); err == nil {
					m.publishChange(old)
				}
			}
			if j.Action == lifecycle.ActionRemove {
				if err := m.registry.Deregister(comp.ID); err != nil {
					log.Err(err).Str("component", comp.ID).Msg("Deregister after removal failed")
				}
			}
		}

	case j.wasCancelled():
		status = StatusCancelled
		detail = "cancelled during execution"
		var re *RollbackError
		if errors.As(runErr, &re) {
			// Cancellation interrupted a saga whose compensation then
			// failed: the component has no confirmed instance.
			detail = runErr.Error()
			if comp != nil {
				m.setState(comp, lifecycle.StateError)
			}
			log.Error().Str("component", j.ComponentID).Err(runErr).
				Msg("Rollback failed, component may be left without a running instance")
		} else if comp != nil {
			// Component state stays at whatever the adapter last confirmed.
			m.setState(comp, from)
		}

	case IsConflict(runErr):
		status = StatusFailed
		detail = runErr.Error()
		if comp != nil {
			m.setState(comp, from)
		}

	case isFatal(runErr):
		status = StatusFailed
		detail = runErr.Error()
		if comp != nil {
			m.setState(comp, lifecycle.StateError)
		}
		var re *RollbackError
		if errors.As(runErr, &re) {
			log.Error().Str("component", j.ComponentID).Err(runErr).
				Msg("Rollback failed, component may be left without a running instance")
		}

	default:
		// Retries exhausted or lock timeout: leave the component in its
		// last safely-observed state.
		status = StatusFailed
		detail = runErr.Error()
		if comp != nil && tr.Failure != "" {
			m.setState(comp, tr.Failure)
		}
	}

	if !j.finish(status, detail) {
		return
	}
	m.persistJob(j)
	m.publishJob(j)

	evt := log.Info()
	if status == StatusFailed {
		evt = log.Warn()
	}
	evt.Str("job", j.ID).Str("component", j.ComponentID).
		Str("action", string(j.Action)).Str("status", string(status)).Msg("Job completed")
}

// setState advances the catalog entry and refreshes comp, which is the
// caller's snapshot, so later decisions in the same job see the new state.
func (m *Manager) setState(comp *registry.Component, state lifecycle.State) {
	if state == "" || comp.State == state {
		return
	}
	if err := m.registry.UpdateState(comp.ID, state); err != nil {
		log.Err(err).Str("component", comp.ID).Msg("State update failed")
		return
	}
	m.publishChange(comp)
	comp.State = state
}

// publishChange emits a state_changed event diffing the caller's pre-change
// snapshot against the current catalog entry.
func (m *Manager) publishChange(old *registry.Component) {
	cur, ok := m.registry.Get(old.ID)
	if !ok {
		return
	}
	m.publishComponent(old, cur)
}

func (m *Manager) publishComponent(old, current *registry.Component) {
	if m.bus == nil {
		return
	}
	var raw json.RawMessage
	if patch, err := jsondiff.Compare(old, current); err == nil && patch != nil {
		if b, err := json.Marshal(patch); err == nil {
			raw = b
		}
	}
	m.bus.Publish(pubsub.Event{
		Type:        pubsub.EventStateChanged,
		ComponentID: current.ID,
		State:       string(current.State),
		Patch:       raw,
		Time:        time.Now(),
	})
}

func (m *Manager) publishJob(j *Job) {
	if m.bus == nil {
		return
	}
	snap := j.Snapshot()
	m.bus.Publish(pubsub.Event{
		Type:        pubsub.EventJobCompleted,
		ComponentID: snap.ComponentID,
		JobID:       snap.ID,
		Status:      string(snap.Status),
		Detail:      snap.Detail,
		Time:        time.Now(),
	})
}

func (m *Manager) persistJob(j *Job) {
	if m.store == nil {
		return
	}
	snap := j.Snapshot()
	rec := &store.JobRecord{
		ID:          snap.ID,
		ComponentID: snap.ComponentID,
		Action:      string(snap.Action),
		Status:      string(snap.Status),
		Detail:      snap.Detail,
		CreatedAt:   snap.CreatedAt,
		CompletedAt: snap.CompletedAt,
	}
	if err := m.store.SaveJob(rec); err != nil {
		log.Err(err).Str("job", snap.ID).Msg("Persisting job record failed")
	}
}

// pruneLoop drops completed jobs past the history window, in memory and in
// the store.
func (m *Manager) pruneLoop(ctx context.Context) {
	interval := m.cfg.HistoryWindow / 4
	if interval > 10*time.Minute {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.HistoryWindow)
			m.mu.Lock()
			for id, j := range m.jobs {
				snap := j.Snapshot()
				if snap.Status.Terminal() && snap.CompletedAt.Before(cutoff) {
					delete(m.jobs, id)
				}
			}
			m.mu.Unlock()
			if m.store != nil {
				if err := m.store.PruneJobs(cutoff); err != nil {
					log.Err(err).Msg("Pruning job history failed")
				}
			}
		}
	}
}
