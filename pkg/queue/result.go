package queue

import (
	"context"
	"sync"
)

// Result is a value that becomes available at some later point.
// It is resolved exactly once; later calls to Resolve are ignored.
type Result[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewResult creates an unresolved result
func NewResult[T any]() *Result[T] {
	return &Result[T]{done: make(chan struct{})}
}

// Resolved creates a result that already holds v
func Resolved[T any](v T) *Result[T] {
	r := NewResult[T]()
	r.Resolve(v, nil)
	return r
}

// Failed creates a result that already holds err
func Failed[T any](err error) *Result[T] {
	var zero T
	r := NewResult[T]()
	r.Resolve(zero, err)
	return r
}

// Resolve stores the outcome and wakes every waiter.
// Returns false if the result was already resolved.
func (r *Result[T]) Resolve(v T, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.value = v
		r.err = err
		close(r.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the result is resolved
func (r *Result[T]) Done() <-chan struct{} {
	return r.done
}

// IsResolved reports whether the result has been resolved
func (r *Result[T]) IsResolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the result is resolved or ctx is done
func (r *Result[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
