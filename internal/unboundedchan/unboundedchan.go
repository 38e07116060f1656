// Package unboundedchan provides a FIFO queue whose producer side never
// blocks and whose consumer side is an ordinary channel.
package unboundedchan

import "sync"

// Queue is an unbounded FIFO. Push never blocks; values come out of Out()
// in the order pushed. Use pointers for large T.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
	out    chan T
}

// New creates a Queue and starts its delivery goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			q.out <- v
			continue
		}
		if q.closed {
			q.mu.Unlock()
			close(q.out)
			return
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push appends v to the queue. It returns false, dropping v, if the queue
// is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return true
}

// Len returns the number of values waiting for delivery.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting values. Values already pushed are still delivered,
// then Out() is closed.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Out returns the channel that delivers queued values.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}
