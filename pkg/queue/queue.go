package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/novelbytelabs/arqonbus/errors"
)

// OverflowPolicy defines how the queue behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	// Used for retained history where silent eviction is the contract.
	DropOldest OverflowPolicy = iota

	// DropNewest drops the incoming item when the queue is full.
	// Used for at-most-once subscriber queues; drops are counted.
	DropNewest

	// Reject refuses the incoming item with ErrOverload.
	// Used for at-least-once subscriber queues so backpressure
	// propagates to the publisher instead of losing the item.
	Reject
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// Stats holds queue counters. All fields are updated atomically and safe
// for concurrent reads.
type Stats struct {
	Pushed  atomic.Int64
	Popped  atomic.Int64
	Dropped atomic.Int64
}

// DropCallback is invoked with each item dropped due to the overflow policy.
type DropCallback[T any] func(item T)

// Ring is a thread-safe bounded ring queue.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	policy OverflowPolicy
	onDrop DropCallback[T]
	stats  Stats

	// notify carries at most one pending wakeup for blocked PopWait callers.
	notify chan struct{}
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithPolicy sets the overflow policy. The default is DropOldest.
func WithPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// WithDropCallback registers a callback invoked for each dropped item.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(r *Ring[T]) { r.onDrop = cb }
}

// NewRing creates a bounded ring queue with the given capacity.
func NewRing[T any](capacity int, opts ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push adds an item according to the overflow policy. It never blocks.
func (r *Ring[T]) Push(item T) error {
	_, err := r.Offer(item)
	return err
}

// Offer is Push with an explicit retention result: under DropNewest a
// full queue accepts the call but discards the item, and Offer reports
// that as retained=false with a nil error.
func (r *Ring[T]) Offer(item T) (retained bool, err error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return false, errors.WrapInvalid(errors.ErrQueueClosed, "Ring", "Push", "enqueue")
	}

	var dropped *T
	if r.size == r.capacity {
		switch r.policy {
		case DropOldest:
			old := r.items[r.tail]
			dropped = &old
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.stats.Dropped.Add(1)
		case DropNewest:
			r.stats.Dropped.Add(1)
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return false, nil
		case Reject:
			r.mu.Unlock()
			return false, errors.ErrOverload
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.Pushed.Add(1)
	r.mu.Unlock()

	// Callback runs outside the lock.
	if dropped != nil && r.onDrop != nil {
		r.onDrop(*dropped)
	}

	r.wake()
	return true, nil
}

// Pop retrieves and removes one item. Returns false if the queue is empty.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *Ring[T]) popLocked() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero // release reference
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.Popped.Add(1)
	return item, true
}

// PopWait blocks until an item is available, the context is canceled, or
// the queue is closed and drained.
func (r *Ring[T]) PopWait(ctx context.Context) (T, error) {
	for {
		r.mu.Lock()
		if item, ok := r.popLocked(); ok {
			r.mu.Unlock()
			return item, nil
		}
		closed := r.closed
		r.mu.Unlock()

		var zero T
		if closed {
			return zero, errors.ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.notify:
		}
	}
}

// PopBatch retrieves and removes up to max items.
func (r *Ring[T]) PopBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > r.size {
		max = r.size
	}
	if max <= 0 {
		return nil
	}
	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		item, _ := r.popLocked()
		out = append(out, item)
	}
	return out
}

// Snapshot returns the queued items oldest-first without removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.tail+i)%r.capacity])
	}
	return out
}

// Len returns the current number of queued items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the maximum number of items the queue can hold.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Stats returns the queue statistics.
func (r *Ring[T]) Stats() *Stats {
	return &r.stats
}

// Close shuts down the queue. Pending items remain readable via Pop;
// blocked PopWait callers are released once drained.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.wake()
}

func (r *Ring[T]) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
