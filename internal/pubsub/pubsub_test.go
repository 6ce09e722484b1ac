package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus[int]()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(42)

	select {
	case v := <-a:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive")
	}
	select {
	case v := <-b:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber b did not receive")
	}
}

// A full subscriber drops events instead of blocking the publisher.
func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus[int]()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	// The first event is buffered, the rest were dropped.
	assert.Equal(t, 0, <-ch)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus[int]()
	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic or deliver.
	bus.Publish(1)
	cancel() // idempotent
}
