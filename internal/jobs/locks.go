package jobs

import (
	"context"
	"fmt"
	"sync"
)

// HostResourceKey is the global lock key serializing operations that touch
// shared host resources (network reconfiguration, DNS plugin churn) against
// all component lifecycle operations that hold it.
const HostResourceKey = "host:network"

// LockTable is an identifier-keyed lock arena. Locks are granted in FIFO
// order per key so queued jobs cannot starve. The table is the only locking
// primitive in the orchestrator; the registry itself stays lock-free and
// the job manager is the sole lock owner.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	held    bool
	waiters []chan struct{}
}

func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the lock for key is granted or ctx expires, in which
// case it returns ErrLockTimeout. Grant order is FIFO.
func (t *LockTable) Acquire(ctx context.Context, key string) error {
	t.mu.Lock()
	e := t.entries[key]
	if e == nil {
		e = &lockEntry{}
		t.entries[key] = e
	}
	if !e.held {
		e.held = true
		t.mu.Unlock()
		return nil
	}

	w := make(chan struct{})
	e.waiters = append(e.waiters, w)
	t.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		defer t.mu.Unlock()
		// The grant may have raced the deadline; prefer the grant.
		select {
		case <-w:
			return nil
		default:
		}
		for i, q := range e.waiters {
			if q == w {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
}

// Release hands the lock to the oldest waiter, or frees it if none wait.
// Releasing an unheld lock is a no-op.
func (t *LockTable) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil || !e.held {
		return
	}
	if len(e.waiters) > 0 {
		w := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(w) // ownership transfers, held stays true
		return
	}
	e.held = false
	delete(t.entries, key)
}
