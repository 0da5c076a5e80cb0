package engine

import (
	"sync/atomic"

	"github.com/roach88/tickflow/internal/ir"
)

// Clock is the monotonic logical clock behind every RecencyMarker.
//
// Every stimulus and every timer firing is stamped with a strictly
// increasing sequence number from this clock. This ensures:
// - Deterministic ordering (no wall-clock race conditions)
// - Replay produces identical markers
// - Recency is explicit in the message, not inferred from arrival
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Enqueue may stamp markers from any goroutine while the tick loop runs.
type Clock struct {
	seq  atomic.Uint64
	tick atomic.Uint64
}

// NewClock creates a new clock at tick 0, sequence 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming at a specific position.
// Used when restoring a snapshot so markers keep increasing.
func NewClockAt(tick, seq uint64) *Clock {
	c := &Clock{}
	c.tick.Store(tick)
	c.seq.Store(seq)
	return c
}

// Stamp returns a fresh marker for an occurrence delivered in the next tick.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Stamp() ir.RecencyMarker {
	seq := c.seq.Add(1)
	return ir.RecencyMarker{Tick: c.tick.Load() + 1, Seq: seq}
}

// StampCurrent returns a fresh marker inside the tick being run.
// Used by the tick loop for timer firings.
func (c *Clock) StampCurrent() ir.RecencyMarker {
	seq := c.seq.Add(1)
	return ir.RecencyMarker{Tick: c.tick.Load(), Seq: seq}
}

// Advance moves the clock to the next tick and returns it.
// Called only from the tick loop.
func (c *Clock) Advance() uint64 {
	return c.tick.Add(1)
}

// Tick returns the most recently started tick.
func (c *Clock) Tick() uint64 {
	return c.tick.Load()
}

// Seq returns the current sequence number without incrementing.
// Useful for checkpointing.
func (c *Clock) Seq() uint64 {
	return c.seq.Load()
}
