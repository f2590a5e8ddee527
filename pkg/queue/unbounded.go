// Package queue provides an unbounded FIFO that feeds a channel.
//
// Producers never block, so events can be pushed while holding a lock and
// still be delivered in push order to a consumer that may take that lock.
package queue

import "sync"

type Unbounded[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan T
}

func NewUnbounded[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.run()
	return q
}

// Push appends v. It returns false once the queue is closed.
func (q *Unbounded[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out is closed after Close. Items still pending at Close are dropped.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

func (q *Unbounded[T]) run() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
			case <-q.done:
			}
			continue
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.done:
			return
		}
	}
}
