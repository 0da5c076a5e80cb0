package engine

import (
	"slices"

	"github.com/roach88/tickflow/internal/ir"
)

// Route is one subscription edge: messages emitted by the source are
// delivered to Target on Port.
type Route struct {
	Target ir.SlotID
	Port   ir.Port
}

// RoutingTable maps source slots to their ordered subscribers, with a
// reverse index from target to sources so freeing a slot can remove every
// edge that mentions it.
//
// Route order is subscription order and never changes, so delivery order
// is deterministic.
type RoutingTable struct {
	forward map[ir.SlotID][]Route
	reverse map[ir.SlotID][]ir.SlotID
}

// NewRoutingTable creates an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		forward: make(map[ir.SlotID][]Route),
		reverse: make(map[ir.SlotID][]ir.SlotID),
	}
}

// Add subscribes target to src on port. Duplicate edges are ignored.
func (t *RoutingTable) Add(src, target ir.SlotID, port ir.Port) bool {
	r := Route{Target: target, Port: port}
	if slices.Contains(t.forward[src], r) {
		return false
	}
	t.forward[src] = append(t.forward[src], r)
	if !slices.Contains(t.reverse[target], src) {
		t.reverse[target] = append(t.reverse[target], src)
	}
	return true
}

// Remove deletes the edge src -> target on port.
func (t *RoutingTable) Remove(src, target ir.SlotID, port ir.Port) {
	t.forward[src] = slices.DeleteFunc(t.forward[src], func(r Route) bool {
		return r.Target == target && r.Port == port
	})
	if len(t.forward[src]) == 0 {
		delete(t.forward, src)
	}
	if !slices.ContainsFunc(t.forward[src], func(r Route) bool { return r.Target == target }) {
		t.reverse[target] = slices.DeleteFunc(t.reverse[target], func(s ir.SlotID) bool { return s == src })
		if len(t.reverse[target]) == 0 {
			delete(t.reverse, target)
		}
	}
}

// Routes returns the subscribers of src in subscription order. The slice
// must not be modified.
func (t *RoutingTable) Routes(src ir.SlotID) []Route {
	return t.forward[src]
}

// Sources returns the slots that slot subscribes to.
func (t *RoutingTable) Sources(slot ir.SlotID) []ir.SlotID {
	return t.reverse[slot]
}

// Drop removes every edge into or out of slot. Called when slot is freed.
func (t *RoutingTable) Drop(slot ir.SlotID) {
	for _, src := range t.reverse[slot] {
		t.forward[src] = slices.DeleteFunc(t.forward[src], func(r Route) bool { return r.Target == slot })
		if len(t.forward[src]) == 0 {
			delete(t.forward, src)
		}
	}
	delete(t.reverse, slot)

	for _, r := range t.forward[slot] {
		t.reverse[r.Target] = slices.DeleteFunc(t.reverse[r.Target], func(s ir.SlotID) bool { return s == slot })
		if len(t.reverse[r.Target]) == 0 {
			delete(t.reverse, r.Target)
		}
	}
	delete(t.forward, slot)
}

// Len returns the number of edges.
func (t *RoutingTable) Len() int {
	n := 0
	for _, rs := range t.forward {
		n += len(rs)
	}
	return n
}
