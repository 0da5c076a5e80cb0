package engine

import (
	"context"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/tickflow/internal/ir"
)

func (b *Builder) newBus(src ir.SourceID, k *Bus) ir.SlotID {
	k.byKey = make(map[ir.ItemKey]*busItem)
	k.external = mapset.NewThreadUnsafeSet[ir.SlotID]()
	k.readers = make(map[ir.SlotID][]ir.SlotID)
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	if b.e.restore != nil {
		b.e.rebuildItems(slot)
	}
	return slot
}

// Items returns the visible items of the collection at slot in list order.
func (e *Engine) Items(slot ir.SlotID) []ir.ListEntry {
	n, ok := e.nodes.Get(slot)
	if !ok {
		return nil
	}
	k, ok := n.Kind.(*Bus)
	if !ok {
		return nil
	}
	return e.visibleEntries(k)
}

// Externals returns the slots read from outside the collection's item
// bodies.
func (e *Engine) Externals(slot ir.SlotID) []ir.SlotID {
	n, ok := e.nodes.Get(slot)
	if !ok {
		return nil
	}
	k, ok := n.Kind.(*Bus)
	if !ok {
		return nil
	}
	out := k.external.ToSlice()
	slices.SortFunc(out, func(a, b ir.SlotID) int {
		if a.Index != b.Index {
			return int(a.Index) - int(b.Index)
		}
		return int(a.Generation) - int(b.Generation)
	})
	return out
}

func (e *Engine) visibleEntries(k *Bus) []ir.ListEntry {
	out := make([]ir.ListEntry, 0, len(k.items))
	for _, it := range k.items {
		if k.Mode == BusRetain && !it.Visible {
			continue
		}
		out = append(out, ir.ListEntry{Key: it.Key, Slot: it.Out, Value: e.valueOf(it.Out)})
	}
	return out
}

func (e *Engine) valueOf(slot ir.SlotID) ir.Payload {
	v, _ := e.Value(slot)
	return v
}

// externalPort carries a value read from outside the item bodies into the
// collection, which forwards it to every item reading it.
var externalPort = ir.FieldPort("external")

// busFlush is the Flushed a collection evaluation re-emits: the one from
// the lowest list index, with the collection's own input ranked first.
type busFlush struct {
	index  int
	value  ir.Flushed
	marker ir.RecencyMarker
	ok     bool
}

func (f *busFlush) offer(index int, v ir.Flushed, marker ir.RecencyMarker) {
	if f.ok && f.index <= index {
		return
	}
	*f = busFlush{index: index, value: v, marker: marker, ok: true}
}

func (e *Engine) evalBus(ctx context.Context, slot ir.SlotID, n *ReactiveNode, k *Bus, init bool, msgs []Message) {
	if init {
		e.emit(slot, n, ir.ListHandle{Slot: slot}, n.Marker)
	}

	var ops []ir.ListOp
	var flush busFlush
	recomputeAll := false
	for _, m := range msgs {
		switch {
		case m.Port.Kind == ir.PortItem:
			ops = e.itemMessage(k, m, ops, &flush)
		case m.Port == externalPort:
			e.forwardExternal(k, m)
		case m.Port.Kind == ir.PortInput && m.Port.Index > 0:
			if f, ok := m.Payload.(ir.Flushed); ok {
				flush.offer(-1, f, m.Marker)
				continue
			}
			i := m.Port.Index - 1
			if i < len(k.extValues) && !ir.Equal(k.extValues[i], m.Payload) {
				k.extValues[i] = m.Payload
				recomputeAll = true
			}
		default:
			if f, ok := m.Payload.(ir.Flushed); ok {
				flush.offer(-1, f, m.Marker)
				continue
			}
			if k.Mode == BusSource {
				ops = e.sourceCommand(slot, n, k, m.Payload, ops)
			} else {
				ops = e.upstreamChange(slot, n, k, m.Payload, ops)
			}
		}
	}

	if k.Mode == BusMapPure {
		ops = e.recomputePure(ctx, slot, n, k, recomputeAll, ops, &flush)
	}
	if len(ops) > 0 {
		// A flush replaced the handle; restore it before the next delta.
		if k.flushed {
			k.flushed = false
			e.emit(slot, n, ir.ListHandle{Slot: slot}, e.cause)
		}
		e.emit(slot, n, ir.ListDelta{Ops: ops}, e.cause)
	}
	if flush.ok {
		k.flushed = true
		e.emit(slot, n, flush.value, flush.marker)
	}
}

// forwardExternal delivers an external value to the item bodies reading it.
func (e *Engine) forwardExternal(k *Bus, m Message) {
	if !k.external.Contains(m.FromSlot) {
		return
	}
	readers := slices.DeleteFunc(k.readers[m.FromSlot], func(r ir.SlotID) bool {
		return !e.nodes.Valid(r)
	})
	k.readers[m.FromSlot] = readers
	for _, r := range readers {
		e.deliver(r, Message{From: m.From, FromSlot: m.FromSlot, Port: ir.InputPort(0), Payload: m.Payload, Version: m.Version, Marker: m.Marker})
	}
}

// itemMessage handles an emission from one item's watched slot. A Flushed
// item never reaches the item state; it is offered to flush instead.
func (e *Engine) itemMessage(k *Bus, m Message, ops []ir.ListOp, flush *busFlush) []ir.ListOp {
	it, ok := k.byKey[m.Port.Key]
	if !ok || m.FromSlot != it.Watch {
		return ops // item removed earlier this tick
	}
	p := m.Payload
	if f, ok := p.(ir.Flushed); ok {
		flush.offer(slices.Index(k.items, it), f, m.Marker)
		return ops
	}

	switch k.Mode {
	case BusMapPure:
		if !ir.Equal(it.In, p) {
			it.In = p
			it.stale = true
		}
	case BusRetain:
		b, isBool := p.(ir.Bool)
		vis := isBool && bool(b)
		if vis == it.Visible {
			return ops
		}
		it.Visible = vis
		if vis {
			it.Value = e.valueOf(it.Out)
			return append(ops, ir.ListOp{Kind: ir.ListInsert, Key: it.Key, Index: e.visibleIndex(k, it), Slot: it.Out, Value: it.Value})
		}
		return append(ops, ir.ListOp{Kind: ir.ListRemove, Key: it.Key})
	default:
		if ir.Equal(it.Value, p) {
			return ops
		}
		it.Value = p
		return append(ops, ir.ListOp{Kind: ir.ListUpdate, Key: it.Key, Slot: it.Out, Value: p})
	}
	return ops
}

// sourceCommand applies one list command to a source collection.
func (e *Engine) sourceCommand(slot ir.SlotID, n *ReactiveNode, k *Bus, p ir.Payload, ops []ir.ListOp) []ir.ListOp {
	if ir.IsNone(p) {
		return ops
	}
	delta, ok := p.(ir.ListDelta)
	if !ok {
		it := e.newSourceItem(slot, n, k, p, -1)
		return append(ops, e.insertOp(k, it))
	}

	for _, op := range delta.Ops {
		switch op.Kind {
		case ir.ListInsert:
			it := e.newSourceItem(slot, n, k, op.Value, op.Index)
			ops = append(ops, e.insertOp(k, it))
		case ir.ListUpdate:
			it, ok := k.byKey[op.Key]
			if !ok {
				continue
			}
			e.deliver(it.Input, Message{From: n.Address, FromSlot: slot, Port: ir.InputPort(0), Payload: op.Value, Marker: e.cause})
		case ir.ListRemove:
			if e.removeItem(slot, k, op.Key) {
				ops = append(ops, ir.ListOp{Kind: ir.ListRemove, Key: op.Key})
			}
		case ir.ListMove:
			if idx, ok := moveItem(k, op.Key, op.Index); ok {
				ops = append(ops, ir.ListOp{Kind: ir.ListMove, Key: op.Key, Index: idx})
			}
		case ir.ListReplace:
			e.clearItems(slot, k)
			for _, entry := range op.Items {
				e.newSourceItem(slot, n, k, entry.Value, -1)
			}
			ops = append(ops, ir.ListOp{Kind: ir.ListReplace, Items: e.visibleEntries(k)})
		}
	}
	return ops
}

// upstreamChange follows the upstream collection of a derived collection.
func (e *Engine) upstreamChange(slot ir.SlotID, n *ReactiveNode, k *Bus, p ir.Payload, ops []ir.ListOp) []ir.ListOp {
	switch v := p.(type) {
	case ir.ListHandle:
		if v.Slot == k.upstream {
			return ops
		}
		up, ok := e.busAt(v.Slot)
		if !ok {
			e.logger.Warn("list handle does not name a collection",
				"address", n.Address.String(),
				"slot", v.Slot.String(),
			)
			return ops
		}
		e.clearItems(slot, k)
		k.upstream = v.Slot
		for _, entry := range e.visibleEntries(up) {
			e.newDerivedItem(slot, n, k, entry.Key, entry.Slot, -1)
		}
		return append(ops, ir.ListOp{Kind: ir.ListReplace, Items: e.visibleEntries(k)})

	case ir.ListDelta:
		for _, op := range v.Ops {
			ops = e.upstreamOp(slot, n, k, op, ops)
		}
	}
	return ops
}

func (e *Engine) upstreamOp(slot ir.SlotID, n *ReactiveNode, k *Bus, op ir.ListOp, ops []ir.ListOp) []ir.ListOp {
	switch op.Kind {
	case ir.ListInsert:
		if !e.nodes.Valid(op.Slot) {
			return ops // removed again before this delta arrived
		}
		it := e.newDerivedItem(slot, n, k, op.Key, op.Slot, op.Index)
		if k.Mode != BusRetain {
			ops = append(ops, e.insertOp(k, it))
		}
	case ir.ListRemove:
		it, ok := k.byKey[op.Key]
		if !ok {
			return ops
		}
		visible := k.Mode != BusRetain || it.Visible
		e.removeItem(slot, k, op.Key)
		if visible {
			ops = append(ops, ir.ListOp{Kind: ir.ListRemove, Key: op.Key})
		}
	case ir.ListUpdate:
		it, ok := k.byKey[op.Key]
		if ok && k.Mode == BusRetain && it.Visible && !ir.Equal(it.Value, op.Value) {
			it.Value = op.Value
			ops = append(ops, ir.ListOp{Kind: ir.ListUpdate, Key: op.Key, Slot: it.Out, Value: op.Value})
		}
	case ir.ListMove:
		if _, ok := moveItem(k, op.Key, op.Index); !ok {
			return ops
		}
		it := k.byKey[op.Key]
		if k.Mode != BusRetain {
			ops = append(ops, ir.ListOp{Kind: ir.ListMove, Key: op.Key, Index: op.Index})
		} else if it.Visible {
			ops = append(ops, ir.ListOp{Kind: ir.ListMove, Key: op.Key, Index: e.visibleIndex(k, it)})
		}
	case ir.ListReplace:
		e.clearItems(slot, k)
		for _, entry := range op.Items {
			if e.nodes.Valid(entry.Slot) {
				e.newDerivedItem(slot, n, k, entry.Key, entry.Slot, -1)
			}
		}
		ops = append(ops, ir.ListOp{Kind: ir.ListReplace, Items: e.visibleEntries(k)})
	}
	return ops
}

func (e *Engine) busAt(slot ir.SlotID) (*Bus, bool) {
	n, ok := e.nodes.Get(slot)
	if !ok {
		return nil, false
	}
	k, ok := n.Kind.(*Bus)
	return k, ok
}

func (e *Engine) insertOp(k *Bus, it *busItem) ir.ListOp {
	return ir.ListOp{Kind: ir.ListInsert, Key: it.Key, Index: slices.Index(k.items, it), Slot: it.Out, Value: it.Value}
}

// newSourceItem mints a key and instantiates one source item.
func (e *Engine) newSourceItem(slot ir.SlotID, n *ReactiveNode, k *Bus, v ir.Payload, index int) *busItem {
	if v == nil {
		v = ir.NoValue{}
	}
	key := e.site(n.Owner, n.Address.Source).Mint()
	it := &busItem{
		Key:   key,
		Scope: n.Owner.Child(ir.Item(n.Address.Source, key)),
		Value: v,
		In:    v,
	}
	insertItem(k, it, index)
	e.instantiateItem(slot, n, k, it)
	return it
}

// newDerivedItem instantiates the item following upstream item key, whose
// value lives at out. Derived items keep the upstream key.
func (e *Engine) newDerivedItem(slot ir.SlotID, n *ReactiveNode, k *Bus, key ir.ItemKey, out ir.SlotID, index int) *busItem {
	if old, ok := k.byKey[key]; ok {
		e.removeItem(slot, k, old.Key)
	}
	it := &busItem{
		Key:      key,
		Scope:    n.Owner.Child(ir.Item(n.Address.Source, key)),
		Upstream: out,
		Value:    ir.NoValue{},
		In:       ir.NoValue{},
	}
	insertItem(k, it, index)
	e.instantiateItem(slot, n, k, it)
	return it
}

// instantiateItem builds the item's sub-graph in its own scope and wires its
// watched slot back into the collection.
func (e *Engine) instantiateItem(slot ir.SlotID, n *ReactiveNode, k *Bus, it *busItem) {
	b := &Builder{e: e, scope: it.Scope, bus: slot}
	src := n.Address.Source
	in := ir.NodeAddress{Domain: e.domain, Source: src, Scope: it.Scope, Port: ir.InputPort(0)}

	switch k.Mode {
	case BusSource:
		it.Input = e.create(in, &Producer{Value: it.In})
		it.Out = it.Input
		if k.Body != nil {
			it.Out = k.Body(b, it.Input)
			if e.restore == nil {
				it.Value = ir.NoValue{}
			}
		}
		it.Watch = it.Out
	case BusMapGraph:
		it.Input = e.create(in, &Wire{})
		e.subscribe(it.Upstream, it.Input, ir.InputPort(0), true)
		it.Out = k.Body(b, it.Input)
		it.Watch = it.Out
	case BusMapPure:
		it.Out = e.create(ir.NodeAddress{Domain: e.domain, Source: src, Scope: it.Scope, Port: ir.OutputPort()}, &Producer{Value: ir.NoValue{}})
		it.Watch = it.Upstream
		it.stale = e.restore == nil
	case BusRetain:
		it.Input = e.create(in, &Wire{})
		e.subscribe(it.Upstream, it.Input, ir.InputPort(0), true)
		it.Watch = k.Body(b, it.Input)
		it.Out = it.Upstream
	}
	e.subscribe(it.Watch, slot, ir.ItemPort(it.Key), true)
}

// recomputePure evaluates the stale items of a pure map as one batch.
func (e *Engine) recomputePure(ctx context.Context, slot ir.SlotID, n *ReactiveNode, k *Bus, all bool, ops []ir.ListOp, flush *busFlush) []ir.ListOp {
	var work []*busItem
	for _, it := range k.items {
		if (all || it.stale) && !ir.IsNone(it.In) {
			work = append(work, it)
		}
		it.stale = false
	}
	if len(work) == 0 {
		return ops
	}

	ext := slices.Clone(k.extValues)
	res, err := RunBatch(ctx, e.workers, len(work), func(_ context.Context, i int) (ir.Payload, error) {
		return k.Fn(work[i].In, ext), nil
	})
	if err != nil {
		e.logger.Warn("item batch interrupted",
			"address", n.Address.String(),
			"error", err,
		)
		return ops
	}
	if res.FlushIndex >= 0 {
		flush.offer(slices.Index(k.items, work[res.FlushIndex]), res.Flushed, e.cause)
		return ops
	}

	for i, it := range work {
		v := res.Values[i]
		if ir.Equal(v, it.Value) {
			continue
		}
		it.Value = v
		e.deliver(it.Out, Message{From: n.Address, FromSlot: slot, Port: ir.InputPort(0), Payload: v, Marker: e.cause})
		if j := slices.IndexFunc(ops, func(op ir.ListOp) bool {
			return op.Kind == ir.ListInsert && op.Key == it.Key
		}); j >= 0 {
			ops[j].Value = v
			continue
		}
		ops = append(ops, ir.ListOp{Kind: ir.ListUpdate, Key: it.Key, Slot: it.Out, Value: v})
	}
	return ops
}

// removeItem tears down one item. Returns false if key is unknown.
func (e *Engine) removeItem(slot ir.SlotID, k *Bus, key ir.ItemKey) bool {
	it, ok := k.byKey[key]
	if !ok {
		return false
	}
	if e.nodes.Valid(it.Watch) {
		e.unsubscribe(it.Watch, slot, ir.ItemPort(key))
	}
	e.Teardown(it.Scope)
	delete(k.byKey, key)
	k.items = slices.DeleteFunc(k.items, func(x *busItem) bool { return x == it })
	return true
}

func (e *Engine) clearItems(slot ir.SlotID, k *Bus) {
	for _, it := range slices.Clone(k.items) {
		e.removeItem(slot, k, it.Key)
	}
}

func insertItem(k *Bus, it *busItem, index int) {
	if index < 0 || index > len(k.items) {
		index = len(k.items)
	}
	k.items = slices.Insert(k.items, index, it)
	k.byKey[it.Key] = it
}

// moveItem moves key to index (clamped) and returns the final index.
func moveItem(k *Bus, key ir.ItemKey, index int) (int, bool) {
	it, ok := k.byKey[key]
	if !ok {
		return 0, false
	}
	k.items = slices.DeleteFunc(k.items, func(x *busItem) bool { return x == it })
	if index < 0 || index > len(k.items) {
		index = len(k.items)
	}
	k.items = slices.Insert(k.items, index, it)
	return index, true
}

// visibleIndex is the position of it among visible items.
func (e *Engine) visibleIndex(k *Bus, it *busItem) int {
	i := 0
	for _, x := range k.items {
		if x == it {
			return i
		}
		if k.Mode != BusRetain || x.Visible {
			i++
		}
	}
	return i
}

// rebuildItems re-instantiates the item sub-graphs of a restored collection.
func (e *Engine) rebuildItems(slot ir.SlotID) {
	n := e.node(slot)
	k := n.Kind.(*Bus)
	for _, it := range k.items {
		it.Scope = n.Owner.Child(ir.Item(n.Address.Source, it.Key))
		e.instantiateItem(slot, n, k, it)
	}
}
