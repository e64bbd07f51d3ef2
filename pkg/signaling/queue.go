package signaling

import (
	"errors"
	"sync"

	"github.com/confmesh/confmesh/pkg/metrics"
	"github.com/confmesh/confmesh/pkg/protocol"
)

// outboundQueueLimit is the high-water mark of one connection's outbound
// queue. Past it, the oldest non-critical envelope gives way.
const outboundQueueLimit = 128

var (
	// ErrQueueFull indicates a critical envelope could not be enqueued;
	// the connection is beyond saving.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrQueueClosed indicates the connection's writer is gone.
	ErrQueueClosed = errors.New("outbound queue closed")
)

// Queue is one connection's bounded outbound envelope queue: many
// producers, one consumer (the writer pump). Enqueue never blocks.
// Ordering is FIFO except that non-critical envelopes may be evicted when
// the queue is past its limit.
type Queue struct {
	mu     sync.Mutex
	items  []*protocol.Envelope
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue adds an envelope. When the queue is at its limit, the oldest
// non-critical envelope is evicted first; if nothing is evictable a
// non-critical envelope is dropped silently while a critical one fails,
// which the caller must treat as a dead connection.
func (q *Queue) Enqueue(env *protocol.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if len(q.items) >= outboundQueueLimit {
		if !q.evictLocked() {
			if env.Critical() {
				return ErrQueueFull
			}
			metrics.SignalingDroppedTotal.Inc()
			return nil
		}
	}

	q.items = append(q.items, env)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictLocked removes the oldest non-critical envelope, reporting whether
// one was found.
func (q *Queue) evictLocked() bool {
	for i, env := range q.items {
		if !env.Critical() {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.SignalingDroppedTotal.Inc()
			return true
		}
	}
	return false
}

// Drain removes and returns everything queued, in order.
func (q *Queue) Drain() []*protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Wait returns the channel signaled on enqueue.
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

// Len returns the queued envelope count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects all further enqueues.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
