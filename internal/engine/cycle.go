package engine

import (
	"cmp"
	"slices"

	"github.com/roach88/tickflow/internal/ir"
)

// HotspotTracker counts node evaluations within one tick so a tick that
// fails to settle can name the nodes that keep re-dirtying each other.
//
// Example feedback loop:
//
//	pad -> transform(+1) -> wire -> pad (bound to the wire)
//	round 1: transform, round 2: wire, round 3: pad, round 4: transform ...
//
// After MaxRounds the three addresses dominate the counts and are reported
// in the NO_QUIESCENCE error details.
//
// Not safe for concurrent use; owned by the tick loop.
type HotspotTracker struct {
	counts map[ir.NodeAddress]int
}

// NewHotspotTracker creates an empty tracker.
func NewHotspotTracker() *HotspotTracker {
	return &HotspotTracker{counts: make(map[ir.NodeAddress]int)}
}

// Record counts one evaluation of addr.
func (h *HotspotTracker) Record(addr ir.NodeAddress) {
	h.counts[addr]++
}

// Clear forgets all counts. Called at the start of every tick.
func (h *HotspotTracker) Clear() {
	clear(h.counts)
}

// Count returns how often addr was evaluated this tick.
func (h *HotspotTracker) Count(addr ir.NodeAddress) int {
	return h.counts[addr]
}

// Hottest returns up to n addresses ordered by evaluation count (highest
// first), ties broken by address order.
func (h *HotspotTracker) Hottest(n int) []string {
	type entry struct {
		addr  ir.NodeAddress
		count int
	}
	entries := make([]entry, 0, len(h.counts))
	for a, c := range h.counts {
		entries = append(entries, entry{a, c})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return ir.CompareAddress(a.addr, b.addr)
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.addr.String()
	}
	return out
}
