// Package queue provides an unbounded, concurrency-safe FIFO used to pass
// framed messages between a transport adapter and the rest of the process.
//
// A Queue is meant to have one producer role and one consumer role. Get blocks
// until an item is available, the context is cancelled or the queue is closed.
// Every item returned by Get must be acknowledged with Done so that Wait can
// report when the queue has been fully drained.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Put after Close has been called, and by Get once the
// queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded first-in, first-out queue of T.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	unfinished int
	closed     bool

	// notEmpty is closed and replaced whenever an item is added or the queue
	// is closed, waking every goroutine blocked in Get.
	notEmpty chan struct{}

	// idle is closed and replaced whenever unfinished drops to zero.
	idle chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		notEmpty: make(chan struct{}),
		idle:     make(chan struct{}),
	}
}

// Put appends item to the tail of the queue. It never blocks.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.items = append(q.items, item)
	q.unfinished++
	q.broadcast()

	return nil
}

// Get removes and returns the item at the head of the queue, waiting until
// one is available.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Done marks one previously retrieved item as processed.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished == 0 {
		return
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
		q.idle = make(chan struct{})
	}
}

// Wait blocks until every item put on the queue has been retrieved and
// marked done, or ctx is done.
func (q *Queue[T]) Wait(ctx context.Context) error {
	q.mu.Lock()
	if q.unfinished == 0 {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-idle:
		return nil
	}
}

// Len returns the number of items waiting in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Close stops the queue from accepting new items. Items already queued can
// still be retrieved. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func (q *Queue[T]) broadcast() {
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}
