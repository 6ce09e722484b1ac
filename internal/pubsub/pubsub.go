// Package pubsub is a small channel-based event bus used to fan out
// state-change and job-completion events to API subscribers.
package pubsub

import "sync"

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that falls behind its buffer drops events rather than stalling the
// publisher, which runs inside job completion paths.
type Bus[E any] struct {
	mu   sync.Mutex
	subs map[int]chan E
	next int
}

func NewBus[E any]() *Bus[E] {
	return &Bus[E]{subs: make(map[int]chan E)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. The channel is closed on
// cancel.
func (b *Bus[E]) Subscribe(buffer int) (<-chan E, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan E, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers e to every subscriber.
func (b *Bus[E]) Publish(e E) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
