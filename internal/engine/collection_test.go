package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/ir"
)

func itemValues(e *Engine, bus ir.SlotID) []ir.Payload {
	var out []ir.Payload
	for _, it := range e.Items(bus) {
		out = append(out, it.Value)
	}
	return out
}

func itemKeys(e *Engine, bus ir.SlotID) []ir.ItemKey {
	var out []ir.ItemKey
	for _, it := range e.Items(bus) {
		out = append(out, it.Key)
	}
	return out
}

func listDelta(ops ...ir.ListOp) ir.ListDelta {
	return ir.ListDelta{Ops: ops}
}

func TestBus_AppendsBarePayloads(t *testing.T) {
	e := newTestEngine()
	bus := e.Root().Bus(named("todos"), ir.SlotID{}, nil)
	settle(t, e)
	assert.Equal(t, ir.ListHandle{Slot: bus}, value(t, e, bus))

	send(t, e, bus, ir.Text("milk"))
	send(t, e, bus, ir.Text("eggs"))
	tick(t, e)

	assert.Equal(t, []ir.Payload{ir.Text("milk"), ir.Text("eggs")}, itemValues(e, bus))
	assert.Equal(t, []ir.ItemKey{1, 2}, itemKeys(e, bus))
	assert.Equal(t, ir.ListHandle{Slot: bus}, value(t, e, bus), "deltas do not replace the handle")
}

func TestBus_ListCommands(t *testing.T) {
	e := newTestEngine()
	bus := e.Root().Bus(named("todos"), ir.SlotID{}, nil)
	settle(t, e)
	send(t, e, bus, ir.Text("milk"))
	send(t, e, bus, ir.Text("eggs"))
	tick(t, e)

	send(t, e, bus, listDelta(
		ir.ListOp{Kind: ir.ListRemove, Key: 1},
		ir.ListOp{Kind: ir.ListInsert, Index: 0, Value: ir.Text("bread")},
	))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("bread"), ir.Text("eggs")}, itemValues(e, bus))
	assert.Equal(t, []ir.ItemKey{3, 2}, itemKeys(e, bus))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListUpdate, Key: 2, Value: ir.Text("EGGS")}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("bread"), ir.Text("EGGS")}, itemValues(e, bus))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListMove, Key: 2, Index: 0}))
	tick(t, e)
	assert.Equal(t, []ir.ItemKey{2, 3}, itemKeys(e, bus))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListReplace, Items: []ir.ListEntry{
		{Value: ir.Text("a")},
		{Value: ir.Text("b")},
	}}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("a"), ir.Text("b")}, itemValues(e, bus))
	assert.Equal(t, []ir.ItemKey{4, 5}, itemKeys(e, bus), "keys are never reused")
}

func TestBus_UnknownKeysAreIgnored(t *testing.T) {
	e := newTestEngine()
	bus := e.Root().Bus(named("todos"), ir.SlotID{}, nil)
	settle(t, e)
	send(t, e, bus, ir.Text("milk"))
	tick(t, e)

	send(t, e, bus, listDelta(
		ir.ListOp{Kind: ir.ListRemove, Key: 42},
		ir.ListOp{Kind: ir.ListUpdate, Key: 42, Value: ir.Text("x")},
		ir.ListOp{Kind: ir.ListMove, Key: 42, Index: 0},
	))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk")}, itemValues(e, bus))
}

func TestBus_CommandsFromSlot(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	cmds := b.Producer(named("cmds"), nil)
	bus := b.Bus(named("todos"), cmds, nil)
	settle(t, e)

	send(t, e, cmds, ir.Text("milk"))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk")}, itemValues(e, bus))
}

// titledItem turns each item into an object with a title field.
func titledItem(b *Builder, in ir.SlotID) ir.SlotID {
	rec := b.Transform(named("rec"), func(v []ir.Payload) ir.Payload {
		return ir.Record{"title": v[0]}
	}, in)
	return b.Router(named("item"), rec, "title")
}

func TestBus_ItemBodiesLiveInItemScopes(t *testing.T) {
	e := newTestEngine()
	bus := e.Root().Bus(named("todos"), ir.SlotID{}, titledItem)
	settle(t, e)
	send(t, e, bus, ir.Text("milk"))
	send(t, e, bus, ir.Text("eggs"))
	tick(t, e)

	items := e.Items(bus)
	require.Len(t, items, 2)
	for _, it := range items {
		h, ok := it.Value.(ir.ObjectHandle)
		require.True(t, ok, "item value is the router handle, got %s", ir.Format(it.Value))
		assert.Equal(t, it.Slot, h.Slot)

		addr, _ := e.AddressOf(it.Slot)
		assert.Equal(t, 1, addr.Scope.Depth())
	}

	title := e.Field(items[1].Slot, "title")
	assert.Equal(t, ir.Text("eggs"), value(t, e, title))
}

func TestBus_RemoveTearsDownItemScope(t *testing.T) {
	e := newTestEngine()
	bus := e.Root().Bus(named("todos"), ir.SlotID{}, titledItem)
	settle(t, e)
	send(t, e, bus, ir.Text("milk"))
	tick(t, e)

	items := e.Items(bus)
	require.Len(t, items, 1)
	addr, _ := e.AddressOf(items[0].Slot)
	require.Positive(t, e.ScopeSize(addr.Scope))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListRemove, Key: items[0].Key}))
	tick(t, e)

	assert.Empty(t, e.Items(bus))
	assert.False(t, e.Valid(items[0].Slot))
	assert.Equal(t, 0, e.ScopeSize(addr.Scope))
}

func exclaim(b *Builder, in ir.SlotID) ir.SlotID {
	return b.Transform(named("exclaim"), func(v []ir.Payload) ir.Payload {
		return ir.Text(string(v[0].(ir.Text)) + "!")
	}, in)
}

func TestMap_FollowsUpstream(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	bus := b.Bus(named("todos"), ir.SlotID{}, nil)
	loud := b.Map(named("loud"), bus, exclaim)
	settle(t, e)

	send(t, e, bus, ir.Text("milk"))
	send(t, e, bus, ir.Text("eggs"))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk!"), ir.Text("eggs!")}, itemValues(e, loud))
	assert.Equal(t, itemKeys(e, bus), itemKeys(e, loud), "derived items keep upstream keys")

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListUpdate, Key: 1, Value: ir.Text("oat milk")}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("oat milk!"), ir.Text("eggs!")}, itemValues(e, loud))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListMove, Key: 2, Index: 0}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("eggs!"), ir.Text("oat milk!")}, itemValues(e, loud))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListRemove, Key: 2}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("oat milk!")}, itemValues(e, loud))
}

func TestMap_CreatedAfterUpstreamHasItems(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	bus := b.Bus(named("todos"), ir.SlotID{}, nil)
	settle(t, e)
	send(t, e, bus, ir.Text("milk"))
	tick(t, e)

	loud := b.Map(named("loud"), bus, exclaim)
	settle(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk!")}, itemValues(e, loud))
}

func TestMapPure_RecomputesOnExternalChange(t *testing.T) {
	e := newTestEngine(WithWorkers(4))
	b := e.Root()
	bus := b.Bus(named("nums"), ir.SlotID{}, nil)
	factor := b.Producer(named("factor"), ir.Number(2))
	scaled := b.MapPure(named("scaled"), bus, func(item ir.Payload, ext []ir.Payload) ir.Payload {
		return item.(ir.Number) * ext[0].(ir.Number)
	}, factor)
	settle(t, e)

	for i := 1; i <= 5; i++ {
		send(t, e, bus, ir.Number(i))
	}
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Number(2), ir.Number(4), ir.Number(6), ir.Number(8), ir.Number(10)}, itemValues(e, scaled))
	assert.Equal(t, []ir.SlotID{factor}, e.Externals(scaled))

	send(t, e, factor, ir.Number(10))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Number(10), ir.Number(20), ir.Number(30), ir.Number(40), ir.Number(50)}, itemValues(e, scaled))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListUpdate, Key: 3, Value: ir.Number(0)}))
	tick(t, e)
	assert.Equal(t, ir.Number(0), itemValues(e, scaled)[2])
}

func TestMapPure_FlushedItemFlushesCollection(t *testing.T) {
	e := newTestEngine(WithWorkers(4))
	b := e.Root()
	bus := b.Bus(named("words"), ir.SlotID{}, nil)
	upper := b.MapPure(named("upper"), bus, func(item ir.Payload, _ []ir.Payload) ir.Payload {
		s := string(item.(ir.Text))
		if s == "" {
			return ir.Flushed{Value: ir.Tag("Empty")}
		}
		return ir.Text(strings.ToUpper(s))
	})
	settle(t, e)

	send(t, e, bus, ir.Text("a"))
	send(t, e, bus, ir.Text(""))
	send(t, e, bus, ir.Text("c"))
	tick(t, e)

	assert.Equal(t, ir.Flushed{Value: ir.Tag("Empty")}, value(t, e, upper))
}

func isLong(b *Builder, in ir.SlotID) ir.SlotID {
	return b.Transform(named("long"), func(v []ir.Payload) ir.Payload {
		return ir.Bool(len(v[0].(ir.Text)) > 3)
	}, in)
}

func TestRetain_FiltersByPredicate(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	bus := b.Bus(named("words"), ir.SlotID{}, nil)
	long := b.Retain(named("long"), bus, isLong)
	settle(t, e)

	for _, w := range []string{"milk", "egg", "bread"} {
		send(t, e, bus, ir.Text(w))
	}
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk"), ir.Text("bread")}, itemValues(e, long))
	assert.Equal(t, []ir.ItemKey{1, 3}, itemKeys(e, long))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListUpdate, Key: 2, Value: ir.Text("eggs")}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk"), ir.Text("eggs"), ir.Text("bread")}, itemValues(e, long))

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListUpdate, Key: 1, Value: ir.Text("ox")}))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("eggs"), ir.Text("bread")}, itemValues(e, long))
}

func TestExternal_RecordedOnEnclosingCollection(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	suffix := b.Producer(named("suffix"), ir.Text("?"))
	bus := b.Bus(named("words"), ir.SlotID{}, nil)
	tagged := b.Map(named("tagged"), bus, func(ib *Builder, in ir.SlotID) ir.SlotID {
		s := ib.External(named("suffix-read"), suffix)
		return ib.Transform(named("join"), func(v []ir.Payload) ir.Payload {
			return ir.Text(string(v[0].(ir.Text)) + string(v[1].(ir.Text)))
		}, in, s)
	})
	settle(t, e)

	send(t, e, bus, ir.Text("milk"))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk?")}, itemValues(e, tagged))
	assert.Equal(t, []ir.SlotID{suffix}, e.Externals(tagged))

	send(t, e, suffix, ir.Text("!"))
	tick(t, e)
	assert.Equal(t, []ir.Payload{ir.Text("milk!")}, itemValues(e, tagged))
}

func TestBus_HandleSurvivesItemFlush(t *testing.T) {
	e := newTestEngine()
	bus := e.Root().Bus(named("nums"), ir.SlotID{}, negativeFlushes)
	settle(t, e)

	send(t, e, bus, ir.Number(1))
	tick(t, e)
	assert.Equal(t, ir.ListHandle{Slot: bus}, value(t, e, bus))

	send(t, e, bus, ir.Number(-1))
	tick(t, e)
	assert.Equal(t, ir.Flushed{Value: ir.Tagged("Negative", ir.F("n", ir.Number(-1)))}, value(t, e, bus))

	send(t, e, bus, ir.Number(2))
	tick(t, e)
	assert.Equal(t, ir.ListHandle{Slot: bus}, value(t, e, bus), "the next change restores the handle")
	values := itemValues(e, bus)
	require.Len(t, values, 3)
	assert.Equal(t, ir.Number(1), values[0])
	assert.Equal(t, ir.Number(2), values[2])
}

func TestRetain_FlushedItemBypassesPredicate(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	bus := b.Bus(named("nums"), ir.SlotID{}, negativeFlushes)
	var seen []ir.Payload
	positive := b.Retain(named("positive"), bus, func(pb *Builder, in ir.SlotID) ir.SlotID {
		return pb.Transform(named("pred"), func(v []ir.Payload) ir.Payload {
			seen = append(seen, v[0])
			return ir.Bool(v[0].(ir.Number) > 0)
		}, in)
	})
	settle(t, e)

	send(t, e, bus, ir.Number(1))
	send(t, e, bus, ir.Number(-5))
	report := tick(t, e)

	assert.Equal(t, ir.Flushed{Value: ir.Tagged("Negative", ir.F("n", ir.Number(-5)))}, value(t, e, positive))
	assert.Equal(t, []ir.Payload{ir.Number(1)}, itemValues(e, positive))
	assert.Empty(t, report.Errors)
	for _, p := range seen {
		assert.IsType(t, ir.Number(0), p, "the predicate never sees a flush")
	}
}

func TestMapPure_FlushedUpstreamItemNeverReachesFn(t *testing.T) {
	e := newTestEngine(WithWorkers(4))
	b := e.Root()
	bus := b.Bus(named("nums"), ir.SlotID{}, negativeFlushes)
	doubled := b.MapPure(named("doubled"), bus, func(item ir.Payload, _ []ir.Payload) ir.Payload {
		return item.(ir.Number) * 2
	})
	settle(t, e)

	send(t, e, bus, ir.Number(1))
	send(t, e, bus, ir.Number(-5))
	tick(t, e)
	assert.Equal(t, ir.Flushed{Value: ir.Tagged("Negative", ir.F("n", ir.Number(-5)))}, value(t, e, doubled))

	send(t, e, bus, ir.Number(3))
	tick(t, e)
	assert.Equal(t, ir.ListHandle{Slot: doubled}, value(t, e, doubled))
	values := itemValues(e, doubled)
	require.Len(t, values, 3)
	assert.Equal(t, ir.Number(2), values[0])
	assert.Equal(t, ir.Number(6), values[2])
}

func TestExternal_ForwardedOnlyToLiveItems(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	suffix := b.Producer(named("suffix"), ir.Text("?"))
	bus := b.Bus(named("words"), ir.SlotID{}, nil)
	tagged := b.Map(named("tagged"), bus, func(ib *Builder, in ir.SlotID) ir.SlotID {
		s := ib.External(named("suffix-read"), suffix)
		return ib.Transform(named("join"), func(v []ir.Payload) ir.Payload {
			return ir.Text(string(v[0].(ir.Text)) + string(v[1].(ir.Text)))
		}, in, s)
	})
	settle(t, e)
	send(t, e, bus, ir.Text("milk"))
	send(t, e, bus, ir.Text("eggs"))
	tick(t, e)

	send(t, e, bus, listDelta(ir.ListOp{Kind: ir.ListRemove, Key: 1}))
	tick(t, e)
	send(t, e, suffix, ir.Text("!"))
	tick(t, e)

	assert.Equal(t, []ir.Payload{ir.Text("eggs!")}, itemValues(e, tagged))
	assert.Equal(t, []ir.SlotID{suffix}, e.Externals(tagged), "one subscription however many items read it")
}
