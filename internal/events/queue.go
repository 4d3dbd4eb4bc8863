// Package events provides the unbounded notification queue drained by the
// embedding application.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/nhle/mailcore/internal/model"
)

// ErrClosed is returned by Pop once the queue has been closed. It is the
// "no more events" sentinel observed by consumers during teardown.
var ErrClosed = errors.New("event queue closed")

// Queue is an unbounded, thread-safe FIFO of events. Producers never block
// and events are never dropped; a consumer that does not drain the queue
// makes it grow without bound.
type Queue struct {
	mu     sync.Mutex
	items  []model.Event
	head   int
	closed bool

	// ready holds at most one pending wakeup for a waiting consumer.
	ready chan struct{}
	done  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends ev to the tail. Pushing to a closed queue is a no-op and
// reports false.
func (q *Queue) Push(ev model.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	q.signal()
	return true
}

// Emitter returns a model.Emitter that pushes onto q.
func (q *Queue) Emitter() model.Emitter {
	return func(ev model.Event) { q.Push(ev) }
}

// Pop blocks until an event is available, ctx is done, or the queue is
// closed, and returns the head event.
func (q *Queue) Pop(ctx context.Context) (model.Event, error) {
	for {
		ev, ok, err := q.tryPop()
		if err != nil {
			return model.Event{}, err
		}
		if ok {
			return ev, nil
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		}
	}
}

// TryPop returns the head event without blocking.
func (q *Queue) TryPop() (model.Event, bool) {
	ev, ok, _ := q.tryPop()
	return ev, ok
}

func (q *Queue) tryPop() (model.Event, bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return model.Event{}, false, ErrClosed
	}
	if q.head == len(q.items) {
		q.mu.Unlock()
		return model.Event{}, false, nil
	}

	ev := q.items[q.head]
	q.items[q.head] = model.Event{}
	q.head++
	remaining := len(q.items) - q.head
	q.compact()
	q.mu.Unlock()

	// Another consumer may be parked behind the wakeup we just used.
	if remaining > 0 {
		q.signal()
	}
	return ev, true, nil
}

// compact reclaims the consumed prefix once it dominates the backing array.
// Callers hold q.mu.
func (q *Queue) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of undelivered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close wakes every waiting consumer; all subsequent Pops return ErrClosed.
// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.head = 0
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
