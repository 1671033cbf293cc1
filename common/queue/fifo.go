package queue

import (
	"context"
	"sync"
)

// FIFO is an unbounded in-process queue of typed items. Push never blocks,
// which keeps scheduler submission calls non-blocking.
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewFIFO creates an empty FIFO
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{notify: make(chan struct{}, 1)}
}

// Push appends an item
func (q *FIFO[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until an item arrives, stop is closed or ctx is done.
// ok is false when no item was taken.
func (q *FIFO[T]) Pop(ctx context.Context, stop <-chan struct{}) (item T, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			// pass the wakeup on to the next waiter
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return item, false
		case <-stop:
			return item, false
		case <-q.notify:
		}
	}
}

// Len returns the number of queued items
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
