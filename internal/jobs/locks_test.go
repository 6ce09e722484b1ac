package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableAcquireRelease(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, "a"))
	// A different key is independent.
	require.NoError(t, lt.Acquire(ctx, "b"))
	lt.Release("a")
	require.NoError(t, lt.Acquire(ctx, "a"))
	lt.Release("a")
	lt.Release("b")
}

func TestLockTableTimeout(t *testing.T) {
	lt := NewLockTable()
	require.NoError(t, lt.Acquire(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lt.Acquire(ctx, "a")
	assert.ErrorIs(t, err, ErrLockTimeout)

	// The timed-out waiter must not absorb the next release.
	lt.Release("a")
	require.NoError(t, lt.Acquire(context.Background(), "a"))
}

func TestLockTableReleaseUnheld(t *testing.T) {
	lt := NewLockTable()
	lt.Release("never-acquired") // must not panic
}

// Waiters are granted in the order they arrived.
func TestLockTableFIFO(t *testing.T) {
	lt := NewLockTable()
	require.NoError(t, lt.Acquire(context.Background(), "a"))

	const waiters = 5
	var mu sync.Mutex
	var order []int
	started := make(chan struct{}, waiters)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			started <- struct{}{}
			require.NoError(t, lt.Acquire(context.Background(), "a"))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			lt.Release("a")
		}(i)
		// Serialize goroutine arrival so queue order is deterministic.
		<-started
		time.Sleep(5 * time.Millisecond)
	}
	go func() { wg.Wait(); close(done) }()

	lt.Release("a")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiters did not drain")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// A release with a queued waiter transfers ownership instead of freeing
// the lock, so a third party can never barge in between.
func TestLockTableHandoff(t *testing.T) {
	lt := NewLockTable()
	require.NoError(t, lt.Acquire(context.Background(), "a"))

	granted := make(chan struct{})
	go func() {
		require.NoError(t, lt.Acquire(context.Background(), "a"))
		close(granted)
	}()

	// Give the waiter time to queue up.
	time.Sleep(20 * time.Millisecond)
	lt.Release("a")

	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("queued waiter was not granted the lock")
	}

	// The lock is held by the second owner now.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, lt.Acquire(ctx, "a"), ErrLockTimeout)
}
