// Package queue provides the hand-off queue between a probe job and its sampler.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send after Close, and by Recv once a closed queue
// has been drained and no close cause was recorded.
var ErrClosed = errors.New("queue: closed")

// Unbounded is a FIFO queue with a non-blocking Send and a Recv that waits
// for an item. It is intended for one producer and one consumer, but all
// methods are safe for concurrent use.
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	cause  error
	ready  chan struct{}
}

// NewUnbounded creates an empty queue.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{ready: make(chan struct{}, 1)}
}

// Send appends v without blocking. It fails only once the queue is closed.
func (q *Unbounded[T]) Send(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Recv removes and returns the oldest item, waiting until one is available,
// the queue is closed and drained, or ctx is done. Items sent before Close
// are still delivered.
func (q *Unbounded[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.head < len(q.items) {
			v := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.cause
			q.mu.Unlock()
			// Wake any other waiter so it also observes the close.
			q.signal()
			if err == nil {
				err = ErrClosed
			}
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close marks the queue closed. Equivalent to CloseWithError(nil).
func (q *Unbounded[T]) Close() {
	q.CloseWithError(nil)
}

// CloseWithError closes the queue and records cause, which Recv returns
// after the remaining items have been drained. Only the first call has any
// effect.
func (q *Unbounded[T]) CloseWithError(cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cause = cause
	q.mu.Unlock()
	q.signal()
}

// Err returns the close cause, or nil if the queue is open or was closed
// cleanly.
func (q *Unbounded[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cause
}

func (q *Unbounded[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
