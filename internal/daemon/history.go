package daemon

import "sync"

// recordedFrame is one frame annotated for `debug dump-messages` (spec
// §6.6, supplemented per SPEC_FULL.md §12: the wire format for this
// ring buffer is unspecified in the distilled spec, so this mirrors the
// Rust ancestor's debug-dump tooling).
type recordedFrame struct {
	ReceivedAtMillis int64  `json:"receivedAtMillis"`
	PeerID           uint64 `json:"peerId"`
	Line             string `json:"line"`
}

// history is a fixed-capacity, in-memory-only ring buffer. It is never
// disk-backed (see DESIGN.md's dropped-badger justification): the bus is
// explicitly non-durable (spec §1 Non-goals).
type history struct {
	mu       sync.Mutex
	capacity int
	frames   []recordedFrame
	next     int
	filled   bool
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 50
	}
	return &history{
		capacity: capacity,
		frames:   make([]recordedFrame, capacity),
	}
}

func (h *history) record(f recordedFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[h.next] = f
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.filled = true
	}
}

// recent returns up to n most-recently-recorded frames, oldest first.
func (h *history) recent(n int) []recordedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []recordedFrame
	if h.filled {
		ordered = append(ordered, h.frames[h.next:]...)
		ordered = append(ordered, h.frames[:h.next]...)
	} else {
		ordered = append(ordered, h.frames[:h.next]...)
	}

	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
