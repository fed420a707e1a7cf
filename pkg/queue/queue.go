// Package queue provides a FIFO of asynchronously resolved results that
// releases values strictly in insertion order, no matter in which order the
// underlying work completes.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEmpty is returned when there is nothing to shift
	ErrEmpty = errors.New("queue is empty")

	// ErrCleared is returned to waiters whose slot was dropped by Clear
	ErrCleared = errors.New("queue was cleared")
)

// Queue is an ordered queue of pending results.
// Slots are addressed by head/tail indices; head == tail means empty.
type Queue[T any] struct {
	mu    sync.Mutex
	items map[uint64]*Result[T]
	head  uint64
	tail  uint64

	// cleared is closed and replaced on every Clear
	cleared chan struct{}
}

// New creates an empty queue
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items:   make(map[uint64]*Result[T]),
		cleared: make(chan struct{}),
	}
}

// Enqueue appends a pending result at the tail
func (q *Queue[T]) Enqueue(r *Result[T]) {
	q.mu.Lock()
	q.items[q.tail] = r
	q.tail++
	q.mu.Unlock()
}

// EnqueueValue appends an already resolved value
func (q *Queue[T]) EnqueueValue(v T) {
	q.Enqueue(Resolved(v))
}

// Len returns the number of slots between head and tail
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// IsEmpty reports whether head == tail
func (q *Queue[T]) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == q.tail
}

// Shift waits for the head slot to resolve, removes it and returns its outcome.
// The returned error is either ErrEmpty, ErrCleared, a context error, or the
// error the slot was resolved with.
func (q *Queue[T]) Shift(ctx context.Context) (T, error) {
	return q.ShiftByN(ctx, 1)
}

// ShiftByN discards the first n-1 slots without waiting on them, then waits
// for the n-th slot and removes it. n == 0 is a no-op; n > Len() returns
// ErrEmpty and leaves the queue untouched.
func (q *Queue[T]) ShiftByN(ctx context.Context, n int) (T, error) {
	var zero T
	if n <= 0 {
		return zero, nil
	}

	q.mu.Lock()
	if uint64(n) > q.tail-q.head {
		q.mu.Unlock()
		return zero, ErrEmpty
	}
	for i := 1; i < n; i++ {
		delete(q.items, q.head)
		q.head++
	}
	q.mu.Unlock()

	for {
		slot, idx, cleared, err := q.peek()
		if err != nil {
			return zero, err
		}

		select {
		case <-slot.Done():
		case <-cleared:
			return zero, ErrCleared
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		q.mu.Lock()
		if q.head == idx && q.items[idx] == slot {
			delete(q.items, idx)
			q.head++
			q.mu.Unlock()
			return slot.value, slot.err
		}
		q.mu.Unlock()

		// Another caller consumed the slot first; wait on the new head.
		select {
		case <-cleared:
			return zero, ErrCleared
		default:
		}
	}
}

// Front waits for the head slot to resolve and returns its outcome without removing it
func (q *Queue[T]) Front(ctx context.Context) (T, error) {
	var zero T

	slot, _, cleared, err := q.peek()
	if err != nil {
		return zero, err
	}

	select {
	case <-slot.Done():
		return slot.value, slot.err
	case <-cleared:
		return zero, ErrCleared
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Clear drops every slot. Callers blocked on a dropped slot get ErrCleared.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[uint64]*Result[T])
	q.head = q.tail
	close(q.cleared)
	q.cleared = make(chan struct{})
}

func (q *Queue[T]) peek() (*Result[T], uint64, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == q.tail {
		return nil, 0, nil, ErrEmpty
	}
	return q.items[q.head], q.head, q.cleared, nil
}
