package client

import (
	"sync"
	"time"

	"github.com/socratic-shell/symposium-sub000/internal/envelope"
)

// queuedFrame pairs an outbound envelope with the time it was enqueued,
// so discardStale can drop frames that have waited through a
// reconnect (spec §4.3 "grace window").
type queuedFrame struct {
	envelope *envelope.Envelope
	queuedAt time.Time
}

// outboundQueue buffers frames while the client is disconnected or the
// daemon is slow to drain. It is not a plain channel: overflow drops
// the oldest *non-critical* frame (log/marco/polo) first, which a
// channel's FIFO-only semantics can't express (spec §4.3). A response
// or goodbye is dropped only when the queue holds nothing but
// responses and goodbyes (see push).
type outboundQueue struct {
	mu       sync.Mutex
	items    []queuedFrame
	capacity int
	notify   chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &outboundQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

func isCritical(e *envelope.Envelope) bool {
	return e.Type == envelope.TypeResponse || e.Type == envelope.TypeGoodbye
}

// push enqueues e, dropping the oldest non-critical frame if the queue
// is at capacity. If every queued frame is critical and e itself is
// not, e is dropped instead of displacing a response; if e is critical
// too, the oldest queued frame is dropped to make room, so the queue
// never grows past its capacity.
func (q *outboundQueue) push(e *envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		evicted := false
		for i, it := range q.items {
			if !isCritical(it.envelope) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !isCritical(e) {
				return // queue is saturated with responses/goodbyes; drop the newcomer
			}
			q.items = q.items[1:]
		}
	}

	q.items = append(q.items, queuedFrame{envelope: e, queuedAt: now()})
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is available or stop is closed.
func (q *outboundQueue) pop(stop <-chan struct{}) (queuedFrame, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			return queuedFrame{}, false
		}
	}
}

// discardStale drops queued frames older than maxAge, applied once a
// new connection is established (spec §4.3: frames buffered across a
// reconnect older than the grace window are discarded, not replayed
// indefinitely).
func (q *outboundQueue) discardStale(maxAge time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now().Add(-maxAge)
	kept := q.items[:0]
	for _, it := range q.items {
		if it.queuedAt.After(cutoff) {
			kept = append(kept, it)
		}
	}
	q.items = kept
}

// now is a seam so tests can avoid real sleep-based timing if needed;
// production always uses wall time.
var now = time.Now
