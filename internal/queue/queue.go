// Package queue provides the bounded hand-off queue between producers and
// single-consumer stages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Overflow selects what happens when a queue is full.
type Overflow int

const (
	// OverflowBlock makes producers wait for space.
	OverflowBlock Overflow = iota
	// OverflowDropOldest evicts the oldest queued element.
	OverflowDropOldest
)

func (o Overflow) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParseOverflow parses "block" or "drop_oldest".
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return OverflowBlock, nil
	case "drop_oldest", "drop-oldest":
		return OverflowDropOldest, nil
	default:
		return OverflowBlock, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue is a bounded multi-producer queue drained by one consumer.
type Queue[T any] struct {
	ch     chan T
	policy Overflow
	onDrop func(T)

	// dropMu serializes evicting producers.
	dropMu sync.Mutex

	// mu guards isClosed and registration of in-flight pushes.
	mu       sync.Mutex
	isClosed bool
	closed   chan struct{}
	inflight sync.WaitGroup
}

// New creates a queue. onDrop, if set, is called for each evicted element.
func New[T any](capacity int, policy Overflow, onDrop func(T)) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:     make(chan T, capacity),
		policy: policy,
		onDrop: onDrop,
		closed: make(chan struct{}),
	}
}

// Push adds v according to the overflow policy.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	if q.policy == OverflowDropOldest {
		return q.pushDropOldest(v)
	}
	return q.PushWait(ctx, v)
}

// PushWait adds v, waiting for space regardless of policy.
func (q *Queue[T]) PushWait(ctx context.Context, v T) error {
	if !q.enter() {
		return ErrClosed
	}
	defer q.inflight.Done()

	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

func (q *Queue[T]) pushDropOldest(v T) error {
	if !q.enter() {
		return ErrClosed
	}
	defer q.inflight.Done()

	q.dropMu.Lock()
	defer q.dropMu.Unlock()

	for {
		select {
		case <-q.closed:
			return ErrClosed
		default:
		}

		select {
		case q.ch <- v:
			return nil
		default:
		}

		select {
		case old := <-q.ch:
			if q.onDrop != nil {
				q.onDrop(old)
			}
		default:
		}
	}
}

// C returns the consumer channel.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// TryPop returns the next element without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// enter registers a push. It reports false once the queue is closed.
func (q *Queue[T]) enter() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return false
	}
	q.inflight.Add(1)
	return true
}

// Close rejects further pushes and waits for pushes already in flight to
// land or give up. Elements queued before Close returns stay available to
// TryPop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.isClosed {
		q.isClosed = true
		close(q.closed)
	}
	q.mu.Unlock()

	q.inflight.Wait()
}
