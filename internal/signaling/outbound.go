package signaling

import (
	"errors"
	"sync"
)

var (
	errQueueClosed = errors.New("send queue closed")
	errQueueFull   = errors.New("send queue full")
)

// sendQueue is a FIFO of encoded frames bounded by total payload bytes.
type sendQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   [][]byte
	bytes    int
	maxBytes int
	closed   bool
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends frame without blocking.
func (q *sendQueue) push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.maxBytes > 0 && q.bytes+len(frame) > q.maxBytes {
		return errQueueFull
	}
	q.frames = append(q.frames, frame)
	q.bytes += len(frame)
	q.cond.Signal()
	return nil
}

// pop blocks until a frame is available. After close it keeps returning the
// remaining frames, then reports false.
func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.bytes -= len(frame)
	return frame, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
