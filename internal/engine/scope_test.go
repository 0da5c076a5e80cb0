package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/tickflow/internal/ir"
)

func TestScopeIndex_WithinDeepestFirst(t *testing.T) {
	s := newScopeIndex()
	root := ir.RootScope()
	child := root.Child(ir.CallSite(ir.NamedSource("f")))
	grandchild := child.Child(ir.Item(ir.NamedSource("list"), 1))
	other := root.Child(ir.CallSite(ir.NamedSource("g")))

	s.add(root, ir.SlotID{Index: 1, Generation: 1})
	s.add(child, ir.SlotID{Index: 2, Generation: 1})
	s.add(grandchild, ir.SlotID{Index: 3, Generation: 1})
	s.add(other, ir.SlotID{Index: 4, Generation: 1})

	assert.Equal(t, []ir.ScopeID{grandchild, child}, s.within(child))
	assert.Equal(t, 2, s.count(child))
	assert.Equal(t, 4, s.count(root))
}

func TestScopeIndex_SlotsInIndexOrder(t *testing.T) {
	s := newScopeIndex()
	root := ir.RootScope()
	for _, i := range []uint32{5, 2, 9} {
		s.add(root, ir.SlotID{Index: i, Generation: 1})
	}

	got := s.slots(root)
	assert.Equal(t, []ir.SlotID{{Index: 2, Generation: 1}, {Index: 5, Generation: 1}, {Index: 9, Generation: 1}}, got)

	for _, slot := range got {
		s.remove(root, slot)
	}
	assert.Empty(t, s.within(root), "empty scopes are forgotten")
}

func TestRoutingTable_AddRemoveDrop(t *testing.T) {
	rt := NewRoutingTable()
	a := ir.SlotID{Index: 1, Generation: 1}
	b := ir.SlotID{Index: 2, Generation: 1}
	c := ir.SlotID{Index: 3, Generation: 1}

	assert.True(t, rt.Add(a, b, ir.InputPort(0)))
	assert.False(t, rt.Add(a, b, ir.InputPort(0)), "duplicate edge")
	assert.True(t, rt.Add(a, c, ir.InputPort(1)))
	assert.True(t, rt.Add(b, c, ir.InputPort(0)))
	assert.Equal(t, 3, rt.Len())

	assert.Equal(t, []Route{{Target: b, Port: ir.InputPort(0)}, {Target: c, Port: ir.InputPort(1)}}, rt.Routes(a))
	assert.Equal(t, []ir.SlotID{a, b}, rt.Sources(c))

	rt.Remove(a, c, ir.InputPort(1))
	assert.Equal(t, []ir.SlotID{b}, rt.Sources(c))

	rt.Drop(b)
	assert.Empty(t, rt.Routes(a), "edges into a dropped slot are removed")
	assert.Empty(t, rt.Sources(c), "edges out of a dropped slot are removed")
	assert.Equal(t, 0, rt.Len())
}
