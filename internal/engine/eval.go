package engine

import (
	"cmp"
	"context"
	"slices"

	"github.com/roach88/tickflow/internal/ir"
)

// evaluate runs one node with the messages delivered since its last
// evaluation.
func (e *Engine) evaluate(ctx context.Context, slot ir.SlotID, n *ReactiveNode, msgs []Message) {
	init := n.initPending
	n.initPending = false
	e.cause = batchMarker(msgs, n.Marker)

	switch k := n.Kind.(type) {
	case *Producer:
		e.evalProducer(slot, n, k, init, msgs)
	case *Wire:
		e.evalWire(slot, n, k, msgs)
	case *Router:
		e.evalRouter(slot, n, k, init, msgs)
	case *Combiner:
		e.evalCombiner(slot, n, k, msgs)
	case *Register:
		e.evalRegister(slot, n, k, init, msgs)
	case *Transformer:
		e.evalTransformer(slot, n, k, init, msgs)
	case *PatternMux:
		e.evalMux(slot, n, k, msgs)
	case *SwitchedWire:
		e.evalSwitch(slot, n, k, msgs)
	case *Bus:
		e.evalBus(ctx, slot, n, k, init, msgs)
	case *IOPad:
		e.evalPad(slot, n, k, msgs)
	case *EffectNode:
		e.evalEffect(slot, n, msgs)
	case *Timer:
		for _, m := range msgs {
			e.emit(slot, n, m.Payload, m.Marker)
		}
	default:
		raise(FaultStaleSlot, slot, n.Address, "unknown node kind %T", n.Kind)
	}
}

func (e *Engine) evalProducer(slot ir.SlotID, n *ReactiveNode, k *Producer, init bool, msgs []Message) {
	if init && !ir.IsNone(k.Value) {
		e.emit(slot, n, k.Value, n.Marker)
	}
	for _, m := range msgs {
		if ir.IsNone(m.Payload) {
			continue
		}
		k.Value = m.Payload
		e.emit(slot, n, m.Payload, m.Marker)
	}
}

func (e *Engine) evalWire(slot ir.SlotID, n *ReactiveNode, k *Wire, msgs []Message) {
	for _, m := range msgs {
		p := m.Payload
		if k.Unwrap {
			p = ir.Unwrap(p)
		}
		e.emit(slot, n, p, m.Marker)
	}
}

func (e *Engine) evalTransformer(slot ir.SlotID, n *ReactiveNode, k *Transformer, init bool, msgs []Message) {
	if init && k.Inputs == 0 {
		if out := k.Fn(nil); !ir.IsNone(out) {
			e.emit(slot, n, out, n.Marker)
		}
		return
	}
	for _, m := range msgs {
		i := m.Port.Index
		if m.Port.Kind != ir.PortInput || i < 0 || i >= k.Inputs {
			continue
		}
		if ir.IsNone(m.Payload) {
			continue
		}
		k.latest[i] = m.Payload
		k.seen[i] = true

		if f, ok := firstFlushed(k.latest, k.seen); ok {
			e.emit(slot, n, f, m.Marker)
			continue
		}
		if slices.Contains(k.seen, false) {
			continue
		}
		if out := k.Fn(slices.Clone(k.latest)); !ir.IsNone(out) {
			e.emit(slot, n, out, m.Marker)
		}
	}
}

// firstFlushed returns the lowest-index Flushed input.
func firstFlushed(values []ir.Payload, seen []bool) (ir.Flushed, bool) {
	for i, v := range values {
		if !seen[i] {
			continue
		}
		if f, ok := v.(ir.Flushed); ok {
			return f, true
		}
	}
	return ir.Flushed{}, false
}

func (e *Engine) evalCombiner(slot ir.SlotID, n *ReactiveNode, k *Combiner, msgs []Message) {
	updated := false
	flush := -1
	var flushed ir.Flushed
	var flushMarker ir.RecencyMarker
	for _, m := range msgs {
		i := m.Port.Index
		if m.Port.Kind != ir.PortInput || i < 0 || i >= k.Inputs {
			continue
		}
		if f, ok := m.Payload.(ir.Flushed); ok {
			if flush < 0 || i < flush {
				flush, flushed, flushMarker = i, f, m.Marker
			}
			continue
		}
		k.last[i] = m.Payload
		k.markers[i] = m.Marker
		updated = true
	}
	if flush >= 0 {
		e.emit(slot, n, flushed, flushMarker)
		return
	}
	if !updated {
		return
	}
	win := -1
	for i := range k.last {
		if ir.IsNone(k.last[i]) {
			continue
		}
		// Strictly greater: at equal markers the lower index keeps the win.
		if win < 0 || k.markers[win].Less(k.markers[i]) {
			win = i
		}
	}
	if win < 0 {
		return
	}
	e.emit(slot, n, k.last[win], k.markers[win])
}

// resetPort carries a register's driving input.
var resetPort = ir.FieldPort("reset")

func (e *Engine) evalRegister(slot ir.SlotID, n *ReactiveNode, k *Register, init bool, msgs []Message) {
	if init {
		state := k.Initial
		if k.Triggers == 0 && k.Step != nil {
			if next := k.Step(state, ir.NoValue{}, -1); !ir.IsNone(next) {
				state = next
			}
		}
		k.committed = state
		k.working = state
		if !ir.IsNone(state) {
			e.emit(slot, n, state, n.Marker)
		}
	}

	logged := false
	for _, m := range msgs {
		if f, ok := m.Payload.(ir.Flushed); ok {
			e.emit(slot, n, f, m.Marker)
			continue
		}
		if ir.IsNone(m.Payload) {
			continue
		}
		k.log = append(k.log, m)
		logged = true
	}
	if !logged {
		return
	}
	e.registers.Add(slot)

	slices.SortStableFunc(k.log, compareUpdates)
	for i := 1; i < len(k.log); i++ {
		if compareUpdates(k.log[i-1], k.log[i]) == 0 {
			raise(FaultAmbiguousOrder, slot, n.Address,
				"two updates from %s share marker %s", k.log[i].From, k.log[i].Marker)
		}
	}

	state := k.committed
	lastReset := k.committedReset
	for _, m := range k.log {
		if m.Port == resetPort {
			state = m.Payload
			lastReset = ir.MaxMarker(lastReset, m.Marker)
			continue
		}
		if m.Marker.Less(lastReset) {
			continue // superseded by a later reset
		}
		if k.Step == nil {
			state = m.Payload
			continue
		}
		if next := k.Step(state, m.Payload, m.Port.Index); !ir.IsNone(next) {
			state = next
		}
	}
	k.working = state
	k.lastReset = lastReset

	if !ir.Equal(state, n.Value) {
		e.emit(slot, n, state, batchMarker(msgs, n.Marker))
	}
}

// compareUpdates orders same-tick register updates by marker, driving input
// first, then the owning scope and address of the sender.
func compareUpdates(a, b Message) int {
	if c := a.Marker.Compare(b.Marker); c != 0 {
		return c
	}
	ar, br := a.Port == resetPort, b.Port == resetPort
	if ar != br {
		if ar {
			return -1
		}
		return 1
	}
	if c := ir.CompareScope(a.From.Scope, b.From.Scope); c != 0 {
		return c
	}
	if c := ir.CompareAddress(a.From, b.From); c != 0 {
		return c
	}
	if c := ir.ComparePort(a.Port, b.Port); c != 0 {
		return c
	}
	return cmp.Compare(a.Version, b.Version)
}

func (r *Register) commit() {
	r.committed = r.working
	r.committedReset = r.lastReset
	r.log = nil
}

func (r *Register) rollback() {
	r.working = r.committed
	r.lastReset = r.committedReset
	r.log = nil
}

// State returns the register's committed state.
func (r *Register) State() ir.Payload {
	return r.committed
}

func (e *Engine) evalRouter(slot ir.SlotID, n *ReactiveNode, k *Router, init bool, msgs []Message) {
	if init {
		e.emit(slot, n, ir.ObjectHandle{Slot: slot}, n.Marker)
	}
	for _, m := range msgs {
		switch p := m.Payload.(type) {
		case ir.Flushed:
			k.flushed = true
			e.emit(slot, n, p, m.Marker)
			for _, name := range k.order {
				e.deliverField(slot, n, k, name, p, m.Marker)
			}
			continue
		case ir.Record:
			e.replaceFields(slot, n, k, p, m.Marker)
		case ir.TaggedObject:
			e.replaceFields(slot, n, k, p.Fields, m.Marker)
		case ir.ObjectDelta:
			for _, op := range p.Ops {
				switch op.Kind {
				case ir.FieldUpdate:
					e.setField(slot, n, k, op.Field, op.Value, m.Marker)
				case ir.FieldRemove:
					e.setField(slot, n, k, op.Field, ir.NoValue{}, m.Marker)
				}
			}
		default:
			continue
		}
		if k.flushed {
			k.flushed = false
			e.emit(slot, n, ir.ObjectHandle{Slot: slot}, m.Marker)
		}
	}
}

func (e *Engine) replaceFields(slot ir.SlotID, n *ReactiveNode, k *Router, fields ir.Record, marker ir.RecencyMarker) {
	for _, name := range fields.SortedKeys() {
		e.setField(slot, n, k, name, fields[name], marker)
	}
	for _, name := range k.last.SortedKeys() {
		if _, ok := fields[name]; !ok {
			e.setField(slot, n, k, name, ir.NoValue{}, marker)
		}
	}
}

func (e *Engine) setField(slot ir.SlotID, n *ReactiveNode, k *Router, name string, v ir.Payload, marker ir.RecencyMarker) {
	old, had := k.last[name]
	if ir.IsNone(v) {
		if !had {
			return
		}
		delete(k.last, name)
	} else {
		if had && ir.Equal(old, v) && !k.flushed {
			return
		}
		k.last[name] = v
	}
	e.deliverField(slot, n, k, name, v, marker)
}

func (e *Engine) deliverField(slot ir.SlotID, n *ReactiveNode, k *Router, name string, v ir.Payload, marker ir.RecencyMarker) {
	child := e.routerChild(slot, n, k, name)
	e.deliver(child, Message{
		From:     n.Address,
		FromSlot: slot,
		Port:     ir.InputPort(0),
		Payload:  v,
		Marker:   marker,
	})
}

// routerChild returns the stable child slot for field name, creating it on
// first use.
func (e *Engine) routerChild(slot ir.SlotID, n *ReactiveNode, k *Router, name string) ir.SlotID {
	if child, ok := k.children[name]; ok {
		return child
	}
	addr := n.Address
	addr.Port = ir.FieldPort(name)
	child := e.create(addr, &Wire{})
	k.children[name] = child
	k.order = append(k.order, name)

	// A late child starts from the router's current view of the field.
	if v, ok := k.last[name]; ok && e.restore == nil {
		e.deliver(child, Message{From: n.Address, FromSlot: slot, Port: ir.InputPort(0), Payload: v, Marker: n.Marker})
	}
	return child
}

func hasFlushedArm(arms []Pattern) bool {
	return slices.ContainsFunc(arms, func(p Pattern) bool {
		_, ok := p.(FlushedPattern)
		return ok
	})
}

func (e *Engine) evalMux(slot ir.SlotID, n *ReactiveNode, k *PatternMux, msgs []Message) {
	for _, m := range msgs {
		p := m.Payload
		if ir.IsNone(p) {
			continue
		}
		if k.hasLast && ir.Equal(k.last, p) {
			continue
		}
		k.last = p
		k.hasLast = true

		if _, ok := p.(ir.Flushed); ok && !hasFlushedArm(k.Arms) {
			k.matched = -1
			e.emit(slot, n, p, m.Marker)
			continue
		}

		idx, v := Match(k.Arms, p)
		if idx < 0 {
			k.matched = -1
			if k.Partial {
				continue
			}
			e.unmatched(slot, n, p, m.Marker)
			continue
		}
		k.matched = idx
		e.deliver(k.armSlots[idx], Message{
			From:     n.Address,
			FromSlot: slot,
			Port:     ir.InputPort(0),
			Payload:  v,
			Marker:   m.Marker,
		})
		e.emit(slot, n, v, m.Marker)
	}
}

// unmatched reports a value no arm accepts and emits the MatchError flush.
func (e *Engine) unmatched(slot ir.SlotID, n *ReactiveNode, p ir.Payload, marker ir.RecencyMarker) {
	err := NewUnmatchedError(e.report.Tick, n.Address, p)
	e.logger.Warn("unmatched value",
		"tick", e.report.Tick,
		"address", n.Address.String(),
		"value", ir.Format(p),
	)
	e.report.Errors = append(e.report.Errors, err)
	e.emit(slot, n, matchError(p), marker)
}

// armPort carries the live arm's output back into its SwitchedWire.
var armPort = ir.FieldPort("arm")

func (e *Engine) evalSwitch(slot ir.SlotID, n *ReactiveNode, k *SwitchedWire, msgs []Message) {
	patterns := make([]Pattern, len(k.Arms))
	for i, a := range k.Arms {
		patterns[i] = a.Pattern
	}

	for _, m := range msgs {
		if m.Port == armPort {
			if m.FromSlot != k.armOutput {
				continue // output of an arm torn down earlier
			}
			e.emit(slot, n, m.Payload, m.Marker)
			continue
		}

		p := m.Payload
		if ir.IsNone(p) {
			continue
		}
		if _, ok := p.(ir.Flushed); ok && !hasFlushedArm(patterns) {
			e.emit(slot, n, p, m.Marker)
			continue
		}

		idx, v := Match(patterns, p)
		if idx < 0 {
			e.teardownArm(k)
			e.unmatched(slot, n, p, m.Marker)
			continue
		}
		if idx == k.active {
			e.deliver(k.armInput, Message{
				From:     n.Address,
				FromSlot: slot,
				Port:     ir.InputPort(0),
				Payload:  v,
				Marker:   m.Marker,
			})
			continue
		}
		e.teardownArm(k)
		e.buildArm(slot, n, k, idx, v)
	}
}

func (e *Engine) teardownArm(k *SwitchedWire) {
	if k.active < 0 {
		return
	}
	e.Teardown(k.armScope)
	k.active = -1
	k.armInput = ir.SlotID{}
	k.armOutput = ir.SlotID{}
}

// buildArm instantiates arm idx in its own scope with v as its input.
func (e *Engine) buildArm(slot ir.SlotID, n *ReactiveNode, k *SwitchedWire, idx int, v ir.Payload) {
	src := n.Address.Source
	scope := n.Owner.Child(ir.Arm(src, idx))
	b := e.builderAt(scope)

	input := e.create(ir.NodeAddress{Domain: e.domain, Source: src, Scope: scope, Port: ir.InputPort(0)}, &Producer{Value: v})
	out := k.Arms[idx].Body(b, input)

	k.active = idx
	k.armScope = scope
	k.armInput = input
	k.armOutput = out
	e.subscribe(out, slot, armPort, true)

	e.logger.Debug("switch arm built",
		"address", n.Address.String(),
		"arm", idx,
		"scope", scope.String(),
	)
}

func (e *Engine) evalPad(slot ir.SlotID, n *ReactiveNode, k *IOPad, msgs []Message) {
	for _, m := range msgs {
		if m.Port == unbindPort {
			e.emit(slot, n, ir.NoValue{}, m.Marker)
			continue
		}
		if k.target.IsZero() || m.FromSlot != k.target {
			continue
		}
		e.emit(slot, n, m.Payload, m.Marker)
	}
}

func (e *Engine) evalEffect(slot ir.SlotID, n *ReactiveNode, msgs []Message) {
	for _, m := range msgs {
		if ir.IsNone(m.Payload) {
			continue
		}
		if _, ok := m.Payload.(ir.Flushed); ok {
			continue
		}
		n.Value = m.Payload
		n.Marker = m.Marker
		e.effects[slot] = pendingEffect{address: n.Address, slot: slot, payload: m.Payload}
	}
}
