package engine

import (
	"fmt"

	"github.com/roach88/tickflow/internal/ir"
)

// Builder creates nodes in one scope. Every node is addressed by the
// SourceID its caller passes plus the builder's scope, so rebuilding the
// same definition in the same scope yields the same addresses.
//
// Builders are used at construction time, inside Blueprints and inside the
// tick loop when a Bus or SwitchedWire instantiates a body. They are not
// safe for concurrent use.
type Builder struct {
	e     *Engine
	scope ir.ScopeID
	// bus is the collection whose item body is being built, if any.
	bus ir.SlotID
}

// Root returns a builder for the root scope.
func (e *Engine) Root() *Builder {
	return e.builderAt(ir.RootScope())
}

func (e *Engine) builderAt(scope ir.ScopeID) *Builder {
	return &Builder{e: e, scope: scope}
}

// Engine returns the engine the builder writes to.
func (b *Builder) Engine() *Engine {
	return b.e
}

// Scope returns the scope new nodes are owned by.
func (b *Builder) Scope() ir.ScopeID {
	return b.scope
}

func (b *Builder) addr(src ir.SourceID, port ir.Port) ir.NodeAddress {
	return ir.NodeAddress{Domain: b.e.domain, Source: src, Scope: b.scope, Port: port}
}

// create places a new node at addr. In restore mode a node recorded in the
// snapshot is placed at its recorded slot with its recorded state and no
// creation-time emission.
func (e *Engine) create(addr ir.NodeAddress, kind NodeKind) ir.SlotID {
	if e.restore != nil {
		if ss, ok := e.restore.slots[addr]; ok {
			return e.place(addr, kind, ss)
		}
	}

	n := &ReactiveNode{
		Kind:        kind,
		Address:     addr,
		Owner:       addr.Scope,
		Value:       ir.NoValue{},
		Marker:      e.cause,
		initPending: true,
	}
	slot, err := e.nodes.AllocWithAddress(addr, n)
	if err != nil {
		raise(FaultDuplicateAddress, slot, addr, "%s already has a live node", addr)
	}
	e.scopes.add(addr.Scope, slot)
	e.markDirty(slot, n)

	if t, ok := kind.(*Timer); ok {
		t.id = e.timers.arm(slot, t.Spec, e.clock.Tick(), e.now())
	}
	return slot
}

// Producer creates a node that emits value at creation and re-emits every
// stimulus delivered to it.
func (b *Builder) Producer(src ir.SourceID, value ir.Payload) ir.SlotID {
	if value == nil {
		value = ir.NoValue{}
	}
	return b.e.create(b.addr(src, ir.OutputPort()), &Producer{Value: value})
}

// Wire forwards from.
func (b *Builder) Wire(src ir.SourceID, from ir.SlotID) ir.SlotID {
	slot := b.e.create(b.addr(src, ir.OutputPort()), &Wire{})
	b.e.subscribe(from, slot, ir.InputPort(0), true)
	return slot
}

// Unwrap forwards from, unwrapping Flushed(v) to v.
func (b *Builder) Unwrap(src ir.SourceID, from ir.SlotID) ir.SlotID {
	slot := b.e.create(b.addr(src, ir.OutputPort()), &Wire{Unwrap: true})
	b.e.subscribe(from, slot, ir.InputPort(0), true)
	return slot
}

// Return is the binding boundary at the end of a function body.
func (b *Builder) Return(src ir.SourceID, from ir.SlotID) ir.SlotID {
	return b.Unwrap(src, from)
}

// Router creates a router fed by from with stable children for fields.
// More children are created on demand by Field.
func (b *Builder) Router(src ir.SourceID, from ir.SlotID, fields ...string) ir.SlotID {
	k := &Router{
		Fields:   fields,
		children: make(map[string]ir.SlotID),
		last:     ir.Record{},
	}
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	n := b.e.node(slot)
	for _, f := range fields {
		b.e.routerChild(slot, n, k, f)
	}
	if !from.IsZero() {
		b.e.subscribe(from, slot, ir.InputPort(0), true)
	}
	return slot
}

// Field returns the stable child slot of router for name.
func (e *Engine) Field(router ir.SlotID, name string) ir.SlotID {
	n := e.node(router)
	k, ok := n.Kind.(*Router)
	if !ok {
		raise(FaultStaleSlot, router, n.Address, "field %q of non-router %s", name, n.Kind.Name())
	}
	return e.routerChild(router, n, k, name)
}

// Field returns the stable child slot of router for name.
func (b *Builder) Field(router ir.SlotID, name string) ir.SlotID {
	return b.e.Field(router, name)
}

// Combiner merges inputs, emitting the most recent.
func (b *Builder) Combiner(src ir.SourceID, inputs ...ir.SlotID) ir.SlotID {
	k := &Combiner{
		Inputs:  len(inputs),
		last:    make([]ir.Payload, len(inputs)),
		markers: make([]ir.RecencyMarker, len(inputs)),
	}
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	for i, in := range inputs {
		b.e.subscribe(in, slot, ir.InputPort(i), true)
	}
	return slot
}

// RegisterSpec configures a Register.
type RegisterSpec struct {
	// Initial seeds the stored payload.
	Initial ir.Payload
	// Step folds one body event into the state. Nil stores the event.
	Step StepFunc
	// Triggers are the body event sources, delivered to Step by index.
	Triggers []ir.SlotID
	// Reset is the optional driving input. Each emission replaces the
	// stored payload.
	Reset ir.SlotID
}

// Register creates a stateful cell.
func (b *Builder) Register(src ir.SourceID, spec RegisterSpec) ir.SlotID {
	initial := spec.Initial
	if initial == nil {
		initial = ir.NoValue{}
	}
	k := &Register{
		Initial:  initial,
		Step:     spec.Step,
		Triggers: len(spec.Triggers),
		Driven:   !spec.Reset.IsZero(),
	}
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	if k.Driven {
		b.e.subscribe(spec.Reset, slot, resetPort, false)
	}
	for i, t := range spec.Triggers {
		b.e.subscribe(t, slot, ir.InputPort(i), false)
	}
	return slot
}

// Transform applies fn to the latest value of every input.
func (b *Builder) Transform(src ir.SourceID, fn TransformFunc, inputs ...ir.SlotID) ir.SlotID {
	k := &Transformer{
		Fn:     fn,
		Inputs: len(inputs),
		latest: make([]ir.Payload, len(inputs)),
		seen:   make([]bool, len(inputs)),
	}
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	for i, in := range inputs {
		b.e.subscribe(in, slot, ir.InputPort(i), true)
	}
	return slot
}

// Mux creates a pattern mux fed by from and returns it with one output
// slot per arm.
func (b *Builder) Mux(src ir.SourceID, from ir.SlotID, partial bool, arms ...Pattern) (ir.SlotID, []ir.SlotID) {
	k := &PatternMux{Arms: arms, Partial: partial, matched: -1}
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	k.armSlots = make([]ir.SlotID, len(arms))
	for i := range arms {
		k.armSlots[i] = b.e.create(b.addr(src, ir.ArmPort(i)), &Wire{})
	}
	b.e.subscribe(from, slot, ir.InputPort(0), true)
	return slot, k.armSlots
}

// Switch creates a switched wire fed by from.
func (b *Builder) Switch(src ir.SourceID, from ir.SlotID, arms ...SwitchArm) ir.SlotID {
	k := &SwitchedWire{Arms: arms, active: -1}
	slot := b.e.create(b.addr(src, ir.OutputPort()), k)
	if b.e.restore != nil {
		b.e.restoreSwitchArm(slot)
	}
	b.e.subscribe(from, slot, ir.InputPort(0), true)
	return slot
}

// Bus creates a source collection. commands, if non-zero, feeds list
// commands; stimuli may also target the bus address directly. body, if
// non-nil, is instantiated per item.
func (b *Builder) Bus(src ir.SourceID, commands ir.SlotID, body Blueprint) ir.SlotID {
	slot := b.newBus(src, &Bus{Mode: BusSource, Body: body})
	if !commands.IsZero() {
		b.e.subscribe(commands, slot, ir.InputPort(0), true)
	}
	return slot
}

// Map creates a collection with one body instance per upstream item.
func (b *Builder) Map(src ir.SourceID, upstream ir.SlotID, body Blueprint) ir.SlotID {
	slot := b.newBus(src, &Bus{Mode: BusMapGraph, Body: body})
	b.e.subscribe(upstream, slot, ir.InputPort(0), true)
	return slot
}

// MapPure creates a collection computing fn per upstream item as one batch.
// Each externals slot is an extra input every item reads; a change to one
// recomputes every item.
func (b *Builder) MapPure(src ir.SourceID, upstream ir.SlotID, fn ItemFunc, externals ...ir.SlotID) ir.SlotID {
	slot := b.newBus(src, &Bus{
		Mode:      BusMapPure,
		Fn:        fn,
		Externals: len(externals),
		extValues: make([]ir.Payload, len(externals)),
	})
	b.e.subscribe(upstream, slot, ir.InputPort(0), true)
	for i, x := range externals {
		b.e.node(slot).Kind.(*Bus).external.Add(x)
		b.e.subscribe(x, slot, ir.InputPort(i+1), true)
	}
	return slot
}

// Retain creates the sub-list of upstream items whose predicate body
// emits Bool(true).
func (b *Builder) Retain(src ir.SourceID, upstream ir.SlotID, pred Blueprint) ir.SlotID {
	slot := b.newBus(src, &Bus{Mode: BusRetain, Body: pred})
	b.e.subscribe(upstream, slot, ir.InputPort(0), true)
	return slot
}

// External reads slot from inside an item body. The read is recorded on the
// enclosing collection, which subscribes to slot once and forwards each
// change to every item reading it, so all items re-evaluate together.
func (b *Builder) External(src ir.SourceID, slot ir.SlotID) ir.SlotID {
	k, ok := b.e.busAt(b.bus)
	if b.bus.IsZero() || !ok {
		return b.Wire(src, slot)
	}
	reader := b.e.create(b.addr(src, ir.OutputPort()), &Wire{})
	if !k.external.Contains(slot) {
		k.external.Add(slot)
		b.e.subscribe(slot, b.bus, externalPort, false)
	}
	k.readers[slot] = append(k.readers[slot], reader)

	// The reader starts from the current value, as a direct subscription would.
	if sn, ok := b.e.nodes.Get(slot); ok && sn.Emitted && b.e.restore == nil {
		b.e.deliver(reader, Message{
			From:     sn.Address,
			FromSlot: slot,
			Port:     ir.InputPort(0),
			Payload:  sn.Value,
			Version:  sn.Version,
			Marker:   sn.Marker,
		})
	}
	return reader
}

// Call instantiates bp in a child scope discriminated by the call site src,
// feeding it arg. Returns the body's output slot.
func (b *Builder) Call(src ir.SourceID, bp Blueprint, arg ir.SlotID) ir.SlotID {
	child := &Builder{e: b.e, scope: b.scope.Child(ir.CallSite(src)), bus: b.bus}
	in := b.e.create(child.addr(src, ir.InputPort(0)), &Wire{})
	if !arg.IsZero() {
		b.e.subscribe(arg, in, ir.InputPort(0), true)
	}
	return bp(child, in)
}

// Pad creates an unbound IO pad.
func (b *Builder) Pad(src ir.SourceID) ir.SlotID {
	return b.e.create(b.addr(src, ir.OutputPort()), &IOPad{})
}

// Effect creates a node running action after quiescence whenever from
// settles on a new payload.
func (b *Builder) Effect(src ir.SourceID, from ir.SlotID, action EffectFunc) ir.SlotID {
	slot := b.e.create(b.addr(src, ir.OutputPort()), &EffectNode{Action: action})
	b.e.subscribe(from, slot, ir.InputPort(0), true)
	return slot
}

// Timer creates an armed timer node. The node emits TimerSpec.Payload
// each time the timer fires.
func (b *Builder) Timer(src ir.SourceID, spec TimerSpec) ir.SlotID {
	return b.e.create(b.addr(src, ir.OutputPort()), &Timer{Spec: spec})
}

// unbindPort tells a pad its target was freed.
var unbindPort = ir.FieldPort("unbind")

// Bind binds pad to target for the rest of the pad's scope. The pad
// immediately reflects target's current value.
func (e *Engine) Bind(pad, target ir.SlotID) error {
	n, ok := e.nodes.Get(pad)
	if !ok {
		return fmt.Errorf("bind pad %s: stale slot", pad)
	}
	k, ok := n.Kind.(*IOPad)
	if !ok {
		return fmt.Errorf("bind %s: %s is not a pad", pad, n.Kind.Name())
	}
	if !e.nodes.Valid(target) {
		return fmt.Errorf("bind pad %s: stale target %s", pad, target)
	}
	if !k.target.IsZero() {
		e.unsubscribe(k.target, pad, ir.InputPort(0))
	}
	k.target = target
	e.pads.Add(pad)
	e.subscribe(target, pad, ir.InputPort(0), true)
	return nil
}

// Write queues p for the pad's bound target. Like any stimulus it is
// consumed at the start of the next tick.
func (e *Engine) Write(pad ir.SlotID, p ir.Payload) error {
	n, ok := e.nodes.Get(pad)
	if !ok {
		return fmt.Errorf("write pad %s: stale slot", pad)
	}
	k, ok := n.Kind.(*IOPad)
	if !ok {
		return fmt.Errorf("write %s: %s is not a pad", pad, n.Kind.Name())
	}
	if k.target.IsZero() {
		return fmt.Errorf("write pad %s: not bound", n.Address)
	}
	addr, ok := e.nodes.Address(k.target)
	if !ok {
		return fmt.Errorf("write pad %s: target freed", n.Address)
	}
	return e.Send(addr, p)
}

// unbindPads resets every pad whose target was just freed.
func (e *Engine) unbindPads(freed []ir.SlotID) {
	if e.pads.Cardinality() == 0 {
		return
	}
	gone := make(map[ir.SlotID]struct{}, len(freed))
	for _, s := range freed {
		gone[s] = struct{}{}
	}
	for _, pad := range e.pads.ToSlice() {
		n, ok := e.nodes.Get(pad)
		if !ok {
			e.pads.Remove(pad)
			continue
		}
		k := n.Kind.(*IOPad)
		if _, ok := gone[k.target]; !ok {
			continue
		}
		k.target = ir.SlotID{}
		e.pads.Remove(pad)
		e.deliver(pad, Message{From: n.Address, Port: unbindPort, Payload: ir.NoValue{}, Marker: e.cause})
	}
}
