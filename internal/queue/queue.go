// Package queue provides an unbounded FIFO work queue with completion
// bookkeeping, so a producer can wait until every item it put has been
// acknowledged by a consumer.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrTooManyDone is returned by Done when it is called more times than
// items were put.
var ErrTooManyDone = errors.New("queue: Done called more times than items were put")

// Queue is safe for concurrent use. The zero value is not usable; call New.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	unfinished int
	// ready is closed and replaced whenever an item is put, waking every
	// blocked Get.
	ready chan struct{}
	// drained is closed when unfinished drops to zero and replaced when it
	// leaves zero.
	drained chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	drained := make(chan struct{})
	close(drained)
	return &Queue[T]{
		ready:   make(chan struct{}),
		drained: drained,
	}
}

// Put appends item to the tail. It never blocks.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	if q.unfinished == 0 {
		q.drained = make(chan struct{})
	}
	q.unfinished++

	close(q.ready)
	q.ready = make(chan struct{})
}

// Get removes and returns the head of the queue, waiting until an item is
// available or ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Done acknowledges one item previously returned by Get, whatever the
// outcome of processing it was.
func (q *Queue[T]) Done() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		return ErrTooManyDone
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
	return nil
}

// Join blocks until every item put so far, and every item put before the
// outstanding count reaches zero, has been acknowledged.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of items waiting to be dequeued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished is the number of items put but not yet acknowledged.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
