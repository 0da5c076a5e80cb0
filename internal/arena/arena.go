// Package arena provides a generational slot allocator.
//
// Slots are addressed by ir.SlotID. A SlotID is valid only while the stored
// generation at its index equals the SlotID's generation. Live slots carry
// odd generations; freeing bumps the generation to even so every outstanding
// handle goes stale at once; reuse bumps it to the next odd value before the
// slot is handed out again. There is no separate liveness table.
//
// Stale handles report absence. They never panic and never alias a newer
// occupant of the same index.
package arena

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/tickflow/internal/ir"
)

// ErrDuplicateAddress is returned when a live slot already owns an address.
var ErrDuplicateAddress = errors.New("arena: address already allocated")

type entry[T any] struct {
	gen     uint32
	addr    ir.NodeAddress
	hasAddr bool
	value   T
}

func (e *entry[T]) live() bool {
	return e.gen%2 == 1
}

// Arena is a generational slot allocator for values of type T.
//
// Arena is NOT safe for concurrent use. The engine's single-writer tick loop
// owns it.
type Arena[T any] struct {
	// entries[0] is reserved so the zero SlotID is never valid.
	entries []entry[T]
	free    []uint32
	byAddr  map[ir.NodeAddress]ir.SlotID
	live    int

	// freeStale is set by Place and Reserve; the free list is rebuilt on
	// next Alloc.
	freeStale bool
	reserved  map[uint32]struct{}
}

// New creates an empty arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{
		entries: make([]entry[T], 1),
		byAddr:  make(map[ir.NodeAddress]ir.SlotID),
	}
}

// Alloc stores v in a fresh slot with no recorded address.
func (a *Arena[T]) Alloc(v T) ir.SlotID {
	idx := a.take()
	e := &a.entries[idx]
	e.value = v
	a.live++
	return ir.SlotID{Index: idx, Generation: e.gen}
}

// AllocWithAddress stores v in a fresh slot and records addr for Lookup.
// A live slot already owning addr yields ErrDuplicateAddress.
func (a *Arena[T]) AllocWithAddress(addr ir.NodeAddress, v T) (ir.SlotID, error) {
	if existing, ok := a.byAddr[addr]; ok {
		return existing, fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}
	slot := a.Alloc(v)
	e := &a.entries[slot.Index]
	e.addr = addr
	e.hasAddr = true
	a.byAddr[addr] = slot
	return slot, nil
}

// take pops a free index (lowest first after a rebuild, LIFO otherwise) and
// bumps its generation to odd, or grows the arena.
func (a *Arena[T]) take() uint32 {
	if a.freeStale {
		a.rebuildFree()
	}
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.entries[idx].gen++
		return idx
	}
	a.entries = append(a.entries, entry[T]{gen: 1})
	return uint32(len(a.entries) - 1)
}

// Free releases slot. Every handle to it becomes stale immediately.
// Freeing a stale or zero slot is a no-op that returns false.
func (a *Arena[T]) Free(slot ir.SlotID) bool {
	e, ok := a.entry(slot)
	if !ok {
		return false
	}
	if e.hasAddr {
		delete(a.byAddr, e.addr)
	}
	var zero T
	e.value = zero
	e.addr = ir.NodeAddress{}
	e.hasAddr = false
	e.gen++
	a.live--
	// An index whose generation is about to wrap is retired so a stale
	// handle can never match again.
	if e.gen < math.MaxUint32-1 {
		a.free = append(a.free, slot.Index)
	}
	return true
}

func (a *Arena[T]) entry(slot ir.SlotID) (*entry[T], bool) {
	if slot.Index == 0 || int(slot.Index) >= len(a.entries) {
		return nil, false
	}
	e := &a.entries[slot.Index]
	if !e.live() || e.gen != slot.Generation {
		return nil, false
	}
	return e, true
}

// Valid reports whether slot refers to a live value.
func (a *Arena[T]) Valid(slot ir.SlotID) bool {
	_, ok := a.entry(slot)
	return ok
}

// Get returns a copy of the value at slot.
func (a *Arena[T]) Get(slot ir.SlotID) (T, bool) {
	e, ok := a.entry(slot)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// GetMut returns a pointer to the value at slot. The pointer is invalidated
// by the next Alloc or Place.
func (a *Arena[T]) GetMut(slot ir.SlotID) (*T, bool) {
	e, ok := a.entry(slot)
	if !ok {
		return nil, false
	}
	return &e.value, true
}

// Address returns the address recorded for slot, if any.
func (a *Arena[T]) Address(slot ir.SlotID) (ir.NodeAddress, bool) {
	e, ok := a.entry(slot)
	if !ok || !e.hasAddr {
		return ir.NodeAddress{}, false
	}
	return e.addr, true
}

// Lookup returns the live slot owning addr.
func (a *Arena[T]) Lookup(addr ir.NodeAddress) (ir.SlotID, bool) {
	slot, ok := a.byAddr[addr]
	return slot, ok
}

// Len returns the number of live slots.
func (a *Arena[T]) Len() int {
	return a.live
}

// Slots returns every live slot in index order.
func (a *Arena[T]) Slots() []ir.SlotID {
	out := make([]ir.SlotID, 0, a.live)
	for i := 1; i < len(a.entries); i++ {
		if e := &a.entries[i]; e.live() {
			out = append(out, ir.SlotID{Index: uint32(i), Generation: e.gen})
		}
	}
	return out
}

// Place stores v at exactly slot, as recorded in a snapshot. The index must
// not be live and the generation must be odd. Gaps below the index are
// filled with free entries.
func (a *Arena[T]) Place(slot ir.SlotID, addr ir.NodeAddress, v T) error {
	if slot.Index == 0 {
		return fmt.Errorf("arena: place at reserved index 0")
	}
	if slot.Generation%2 != 1 {
		return fmt.Errorf("arena: place %s: generation must be odd", slot)
	}
	for int(slot.Index) >= len(a.entries) {
		a.entries = append(a.entries, entry[T]{})
	}
	e := &a.entries[slot.Index]
	if e.live() {
		return fmt.Errorf("arena: place %s: index %d is live", slot, slot.Index)
	}
	if existing, ok := a.byAddr[addr]; ok {
		return fmt.Errorf("%w: %s (slot %s)", ErrDuplicateAddress, addr, existing)
	}
	delete(a.reserved, slot.Index)
	e.gen = slot.Generation
	e.value = v
	e.addr = addr
	e.hasAddr = true
	a.byAddr[addr] = slot
	a.live++
	a.freeStale = true
	return nil
}

// rebuildFree recomputes the free list from entry liveness so the lowest
// free index is handed out first.
func (a *Arena[T]) rebuildFree() {
	a.free = a.free[:0]
	for i := len(a.entries) - 1; i >= 1; i-- {
		e := &a.entries[i]
		if _, held := a.reserved[uint32(i)]; held {
			continue
		}
		if !e.live() && e.gen < math.MaxUint32-1 {
			a.free = append(a.free, uint32(i))
		}
	}
	a.freeStale = false
}

// Reserve keeps the given indices out of the free pool until they are
// placed or Release is called, so fresh allocations made while a snapshot
// is being restored cannot take an index the snapshot still needs.
func (a *Arena[T]) Reserve(slots []ir.SlotID) {
	if a.reserved == nil {
		a.reserved = make(map[uint32]struct{}, len(slots))
	}
	for _, s := range slots {
		if s.Index == 0 {
			continue
		}
		for int(s.Index) >= len(a.entries) {
			a.entries = append(a.entries, entry[T]{})
		}
		a.reserved[s.Index] = struct{}{}
	}
	a.freeStale = true
}

// Release returns every still-reserved index to the free pool.
func (a *Arena[T]) Release() {
	if len(a.reserved) == 0 {
		return
	}
	clear(a.reserved)
	a.freeStale = true
}
