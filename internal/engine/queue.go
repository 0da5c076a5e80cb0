package engine

import (
	"sync"

	"github.com/roach88/tickflow/internal/ir"
)

// Stimulus is one external event: a payload delivered to the node at Target.
// Target is normally a Producer or a Bus source.
type Stimulus struct {
	Target  ir.NodeAddress
	Payload ir.Payload
	Marker  ir.RecencyMarker
}

// stimulusQueue is a thread-safe FIFO queue of stimuli waiting for the
// next tick.
//
// Thread-safety is provided for external enqueuing (e.g., input adapters)
// while the Engine's Run loop drains. The queue rejects a stimulus whose
// marker is older than the previously accepted one, so delivery order and
// marker order never disagree.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop (prevents goroutine hangs on context cancellation).
type stimulusQueue struct {
	mu     sync.Mutex
	items  []Stimulus
	last   ir.RecencyMarker
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

// newStimulusQueue creates an empty queue.
func newStimulusQueue() *stimulusQueue {
	return &stimulusQueue{
		items:  make([]Stimulus, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a stimulus to the back of the queue.
// Thread-safe: may be called from any goroutine.
//
// Returns (false, nil) if the queue is closed and a MARKER_REGRESSION
// RuntimeError if s.Marker is older than the last accepted marker.
func (q *stimulusQueue) Enqueue(s Stimulus) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, nil
	}
	if s.Marker.Less(q.last) {
		return false, NewMarkerRegressionError(s.Target, s.Marker, q.last)
	}

	q.last = s.Marker
	q.items = append(q.items, s)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true, nil
}

// Drain removes and returns every queued stimulus in FIFO order.
func (q *stimulusQueue) Drain() []Stimulus {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	// Fresh backing array: the drained slice is owned by the caller.
	q.items = make([]Stimulus, 0, cap(out))
	return out
}

// Wait returns a channel that signals when stimuli may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // Drain
//	}
func (q *stimulusQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *stimulusQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *stimulusQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close signals that no more stimuli will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *stimulusQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
