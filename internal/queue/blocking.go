package queue

import (
	"context"
	"sync"
)

// Blocking wraps Queue[T] with the put/take synchronization the
// connection's send queue needs: many producers, a single consumer, and
// a consumer that can suspend until an item arrives or its context is
// cancelled. Channels have no receive queue of this kind; the
// connection's reader task hands inbound frames to them directly.
type Blocking[T any] struct {
	mu     sync.Mutex
	q      *Queue[T]
	nonEmpty chan struct{} // recreated each time the queue transitions empty->non-empty
	closed bool
}

// NewBlocking creates a Blocking queue whose segments hold size items.
func NewBlocking[T any](size int) *Blocking[T] {
	return &Blocking[T]{
		q:        New[T](size),
		nonEmpty: make(chan struct{}),
	}
}

// Put enqueues item, waking any task blocked in Take. Put never blocks;
// it reports whether the queue was open at the time of the call.
func (b *Blocking[T]) Put(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	wasEmpty := b.q.Len() == 0
	b.q.Enqueue(item)
	if wasEmpty {
		close(b.nonEmpty)
		b.nonEmpty = make(chan struct{})
	}
	return true
}

// Take removes and returns the item at the front of the queue, blocking
// until one is available, ctx is done, or the queue is closed.
func (b *Blocking[T]) Take(ctx context.Context) (T, bool) {
	for {
		b.mu.Lock()
		if v := b.q.Dequeue(); v != nil {
			b.mu.Unlock()
			return *v, true
		}
		if b.closed {
			b.mu.Unlock()
			var zero T
			return zero, false
		}
		wait := b.nonEmpty
		b.mu.Unlock()

		select {
		case <-wait:
			// loop around and dequeue
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Close marks the queue closed. Items already enqueued are still
// drained by subsequent Take calls; only once the queue runs dry does
// Take start returning ok=false.
func (b *Blocking[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.nonEmpty)
}

// Len reports the number of items currently enqueued.
func (b *Blocking[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Len()
}
