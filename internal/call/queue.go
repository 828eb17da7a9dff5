package call

import "sync"

// eventQueue is an unbounded FIFO. Pushing never blocks so negotiator and
// transport callbacks can enqueue from any goroutine, including from inside
// a handler running on the loop.
type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	ready  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// push appends ev. It reports false once the queue is closed; the caller
// then owns whatever ev carries.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *eventQueue) drain() []event {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// close rejects further pushes and returns the events nobody will handle.
func (q *eventQueue) close() []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}
