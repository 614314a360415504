package events

import (
	"sync"
	"sync/atomic"
)

// Queue buffers events between the engine and the host. Drain swaps the
// buffer out under the lock, so every pushed event is returned by exactly
// one Drain.
type Queue struct {
	mu      sync.Mutex
	buf     []Event
	cap     int
	dropped atomic.Uint64
}

// NewQueue returns a queue holding at most capacity events; capacity <= 0
// means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{cap: capacity}
}

// Push appends e. At capacity the new event is dropped and counted.
func (q *Queue) Push(e Event) bool {
	q.mu.Lock()
	if q.cap > 0 && len(q.buf) >= q.cap {
		q.mu.Unlock()
		q.dropped.Add(1)
		return false
	}
	q.buf = append(q.buf, e)
	q.mu.Unlock()
	return true
}

func (q *Queue) Drain() []Event {
	q.mu.Lock()
	out := q.buf
	q.buf = nil
	q.mu.Unlock()
	if out == nil {
		return []Event{}
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.buf)
	q.mu.Unlock()
	return n
}

func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}
