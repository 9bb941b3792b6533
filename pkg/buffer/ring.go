// Package buffer provides a bounded, thread-safe FIFO with an overflow policy.
//
// A Ring never blocks writers. When full it drops either the oldest item or
// the incoming one and counts the drop. Ready signals a single consumer
// goroutine that items are waiting, so the consumer can select on it
// alongside a context or shutdown channel.
package buffer

import (
	"fmt"
	"sync"

	"github.com/c360/clpr/errors"
)

// OverflowPolicy defines what a full Ring does with a new item.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// Ring is a fixed-capacity FIFO.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	policy  OverflowPolicy
	dropped int64
	closed  bool
	ready   chan struct{}
}

// NewRing returns an empty ring holding at most capacity items.
func NewRing[T any](capacity int, policy OverflowPolicy) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: ring capacity must be positive, got %d", errors.ErrInvalidConfig, capacity),
			"Ring", "NewRing", "check capacity")
	}
	if policy != DropOldest && policy != DropNewest {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: overflow policy %d", errors.ErrInvalidConfig, policy),
			"Ring", "NewRing", "check policy")
	}
	return &Ring[T]{
		items:  make([]T, capacity),
		policy: policy,
		ready:  make(chan struct{}, 1),
	}, nil
}

// Push appends item. It reports whether an item was dropped to respect the
// capacity.
func (r *Ring[T]) Push(item T) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, errors.WrapInvalid(errors.ErrShuttingDown, "Ring", "Push", "check state")
	}

	dropped := false
	if r.size == len(r.items) {
		r.dropped++
		dropped = true
		if r.policy == DropNewest {
			return true, nil
		}
		var zero T
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
	}

	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++

	select {
	case r.ready <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

// Drain removes and returns every item, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	var zero T
	for r.size > 0 {
		out = append(out, r.items[r.head])
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
	}
	return out
}

// Ready receives a value after a Push. One signal may cover several items;
// consumers should Drain.
func (r *Ring[T]) Ready() <-chan struct{} { return r.ready }

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Ring[T]) Cap() int { return len(r.items) }

// Dropped counts items lost to overflow.
func (r *Ring[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close rejects further pushes. Items already held can still be read.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}
