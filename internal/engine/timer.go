package engine

import (
	"container/heap"
	"slices"
	"time"

	"github.com/roach88/tickflow/internal/ir"
)

// TimerID identifies one armed timer. IDs are never reused within an engine.
type TimerID uint64

type timerEntry struct {
	id      TimerID
	slot    ir.SlotID
	wall    bool
	dueTick uint64
	dueWall time.Time
	spec    TimerSpec
}

// tickHeap orders tick-count timers by due tick, then ID.
type tickHeap []*timerEntry

func (h tickHeap) Len() int { return len(h) }
func (h tickHeap) Less(i, j int) bool {
	if h[i].dueTick != h[j].dueTick {
		return h[i].dueTick < h[j].dueTick
	}
	return h[i].id < h[j].id
}
func (h tickHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// wallHeap orders wall-time timers by deadline, then ID.
type wallHeap []*timerEntry

func (h wallHeap) Len() int { return len(h) }
func (h wallHeap) Less(i, j int) bool {
	if !h[i].dueWall.Equal(h[j].dueWall) {
		return h[i].dueWall.Before(h[j].dueWall)
	}
	return h[i].id < h[j].id
}
func (h wallHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *wallHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *wallHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// timerQueue holds armed timers. Cancellation removes the live entry;
// heap entries whose ID is no longer live (or was re-armed) are skipped
// when they surface.
type timerQueue struct {
	next  TimerID
	live  map[TimerID]*timerEntry
	ticks tickHeap
	walls wallHeap
}

func newTimerQueue() *timerQueue {
	return &timerQueue{live: make(map[TimerID]*timerEntry)}
}

// arm schedules a new timer for slot and returns its ID.
func (q *timerQueue) arm(slot ir.SlotID, spec TimerSpec, tick uint64, now time.Time) TimerID {
	q.next++
	t := &timerEntry{id: q.next, slot: slot, spec: spec}
	q.schedule(t, tick, now)
	return t.id
}

// schedule pushes t with a deadline relative to (tick, now).
func (q *timerQueue) schedule(t *timerEntry, tick uint64, now time.Time) {
	if t.spec.After > 0 {
		t.wall = true
		t.dueWall = now.Add(t.spec.After)
		heap.Push(&q.walls, t)
	} else {
		t.dueTick = tick + max(t.spec.AfterTicks, 1)
		heap.Push(&q.ticks, t)
	}
	q.live[t.id] = t
}

// restore re-arms a timer at an exact due tick (tick timers) or after a
// remaining duration (wall timers).
func (q *timerQueue) restore(slot ir.SlotID, spec TimerSpec, dueTick uint64, remaining time.Duration, now time.Time) TimerID {
	q.next++
	t := &timerEntry{id: q.next, slot: slot, spec: spec}
	if spec.After > 0 {
		t.wall = true
		t.dueWall = now.Add(remaining)
		heap.Push(&q.walls, t)
	} else {
		t.dueTick = dueTick
		heap.Push(&q.ticks, t)
	}
	q.live[t.id] = t
	return t.id
}

// cancel removes the timer. Returns false if it already fired or was
// cancelled.
func (q *timerQueue) cancel(id TimerID) bool {
	if _, ok := q.live[id]; !ok {
		return false
	}
	delete(q.live, id)
	return true
}

func (q *timerQueue) entry(id TimerID) (*timerEntry, bool) {
	t, ok := q.live[id]
	return t, ok
}

// popDue removes every timer due at tick or by now, in ID order.
func (q *timerQueue) popDue(tick uint64, now time.Time) []*timerEntry {
	var due []*timerEntry
	for q.ticks.Len() > 0 && q.ticks[0].dueTick <= tick {
		t := heap.Pop(&q.ticks).(*timerEntry)
		if q.live[t.id] == t {
			due = append(due, t)
		}
	}
	for q.walls.Len() > 0 && !q.walls[0].dueWall.After(now) {
		t := heap.Pop(&q.walls).(*timerEntry)
		if q.live[t.id] == t {
			due = append(due, t)
		}
	}
	slices.SortFunc(due, func(a, b *timerEntry) int {
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	for _, t := range due {
		delete(q.live, t.id)
	}
	return due
}

// wallDue reports whether a live wall timer is due by now.
func (q *timerQueue) wallDue(now time.Time) bool {
	q.pruneWalls()
	return q.walls.Len() > 0 && !q.walls[0].dueWall.After(now)
}

// nextWall returns the time until the earliest live wall deadline.
func (q *timerQueue) nextWall(now time.Time) (time.Duration, bool) {
	q.pruneWalls()
	if q.walls.Len() == 0 {
		return 0, false
	}
	return max(q.walls[0].dueWall.Sub(now), 0), true
}

func (q *timerQueue) pruneWalls() {
	for q.walls.Len() > 0 && q.live[q.walls[0].id] != q.walls[0] {
		heap.Pop(&q.walls)
	}
}

// Len returns the number of armed timers.
func (q *timerQueue) Len() int {
	return len(q.live)
}

// fireTimers delivers every due timer to its node, in timer ID order.
// Repeating timers are re-armed relative to this tick.
func (e *Engine) fireTimers(tick uint64) int {
	now := e.now()
	due := e.timers.popDue(tick, now)
	for _, t := range due {
		n, ok := e.nodes.Get(t.slot)
		if !ok {
			continue
		}
		if t.spec.Repeat {
			e.timers.schedule(t, tick, now)
		}
		e.logger.Debug("timer fired",
			"tick", tick,
			"timer", uint64(t.id),
			"address", n.Address.String(),
		)
		e.deliver(t.slot, Message{
			From:    n.Address,
			Port:    ir.InputPort(0),
			Payload: timerPayload(t.spec),
			Marker:  e.clock.StampCurrent(),
		})
	}
	return len(due)
}

func timerPayload(spec TimerSpec) ir.Payload {
	if ir.IsNone(spec.Payload) {
		return ir.Tag("Tick")
	}
	return spec.Payload
}

// CancelTimer disarms the timer node at slot before it fires.
// Returns false if slot is not a timer or the timer is no longer armed.
func (e *Engine) CancelTimer(slot ir.SlotID) bool {
	n, ok := e.nodes.Get(slot)
	if !ok {
		return false
	}
	t, ok := n.Kind.(*Timer)
	if !ok {
		return false
	}
	return e.timers.cancel(t.id)
}

// ArmedTimers returns the number of armed timers.
func (e *Engine) ArmedTimers() int {
	return e.timers.Len()
}
