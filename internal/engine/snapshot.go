package engine

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/roach88/tickflow/internal/ir"
)

// Snapshot is the persistent state of an engine between ticks: every live
// node and every AllocSite counter.
type Snapshot struct {
	Version string
	Domain  ir.Domain
	Tick    uint64
	Seq     uint64
	Slots   []SlotSnapshot
	Sites   []SiteSnapshot
}

// SlotSnapshot is one live node.
type SlotSnapshot struct {
	Slot    ir.SlotID
	Address ir.NodeAddress
	Kind    string
	Version uint64
	Value   ir.Payload
	Marker  ir.RecencyMarker
	// State holds kind-specific fields (register state, collection items,
	// router fields, ...).
	State map[string]ir.Payload
}

// SiteSnapshot is one AllocSite counter.
type SiteSnapshot struct {
	Scope  ir.ScopeID
	Source ir.SourceID
	Next   uint64
}

type restoreState struct {
	slots map[ir.NodeAddress]SlotSnapshot
	binds map[ir.SlotID]ir.SlotID
}

// ErrNotQuiescent is returned by Snapshot while propagation is pending.
var ErrNotQuiescent = errors.New("engine has pending propagation")

// Snapshot captures the engine state. Call it between ticks.
func (e *Engine) Snapshot() (*Snapshot, error) {
	if len(e.dirty) > 0 {
		return nil, ErrNotQuiescent
	}
	snap := &Snapshot{
		Version: ir.SnapshotVersion,
		Domain:  e.domain,
		Tick:    e.clock.Tick(),
		Seq:     e.clock.Seq(),
	}
	for _, slot := range e.nodes.Slots() {
		n, _ := e.nodes.Get(slot)
		value := n.Value
		if value == nil {
			value = ir.NoValue{}
		}
		snap.Slots = append(snap.Slots, SlotSnapshot{
			Slot:    slot,
			Address: n.Address,
			Kind:    n.Kind.Name(),
			Version: n.Version,
			Value:   value,
			Marker:  n.Marker,
			State:   e.kindState(n),
		})
	}
	for k, s := range e.sites {
		snap.Sites = append(snap.Sites, SiteSnapshot{Scope: k.scope, Source: k.source, Next: s.Next()})
	}
	slices.SortFunc(snap.Sites, func(a, b SiteSnapshot) int {
		if c := ir.CompareScope(a.Scope, b.Scope); c != 0 {
			return c
		}
		if a.Source != b.Source {
			if a.Source < b.Source {
				return -1
			}
			return 1
		}
		return 0
	})
	return snap, nil
}

// Restore prepares an empty engine to rebuild the graph of snap. Build the
// graph with the same definitions afterwards, then call EndRestore; nodes
// found in the snapshot are placed at their recorded slots with their
// recorded state, and creation-time emissions are skipped.
func (e *Engine) Restore(snap *Snapshot) error {
	if e.nodes.Len() > 0 {
		return fmt.Errorf("restore: engine already has %d nodes", e.nodes.Len())
	}
	if snap.Version != ir.SnapshotVersion {
		return fmt.Errorf("restore: snapshot version %q, want %q", snap.Version, ir.SnapshotVersion)
	}
	if snap.Domain != e.domain {
		return fmt.Errorf("restore: snapshot domain %q, engine domain %q", snap.Domain, e.domain)
	}

	rs := &restoreState{
		slots: make(map[ir.NodeAddress]SlotSnapshot, len(snap.Slots)),
		binds: make(map[ir.SlotID]ir.SlotID),
	}
	slots := make([]ir.SlotID, 0, len(snap.Slots))
	for _, s := range snap.Slots {
		if _, dup := rs.slots[s.Address]; dup {
			return fmt.Errorf("restore: address %s recorded twice", s.Address)
		}
		rs.slots[s.Address] = s
		slots = append(slots, s.Slot)
	}
	for _, s := range snap.Sites {
		e.sites[siteKey{scope: s.Scope, source: s.Source}] = ir.RestoreAllocSite(s.Source, s.Next)
	}

	e.clock = NewClockAt(snap.Tick, snap.Seq)
	e.nodes.Reserve(slots)
	e.restore = rs

	e.logger.Info("restoring snapshot",
		"tick", snap.Tick,
		"slots", len(snap.Slots),
		"sites", len(snap.Sites),
	)
	return nil
}

// EndRestore leaves restore mode. Every snapshot slot must have been
// rebuilt; leftovers mean the graph definition changed.
func (e *Engine) EndRestore() error {
	rs := e.restore
	if rs == nil {
		return errors.New("end restore: not restoring")
	}
	e.restore = nil
	e.nodes.Release()

	for pad, target := range rs.binds {
		if !e.nodes.Valid(pad) || !e.nodes.Valid(target) {
			continue
		}
		n, _ := e.nodes.Get(pad)
		if k, ok := n.Kind.(*IOPad); ok && k.target.IsZero() {
			k.target = target
			e.pads.Add(pad)
			e.routes.Add(target, pad, ir.InputPort(0))
		}
	}

	if len(rs.slots) > 0 {
		missing := make([]string, 0, len(rs.slots))
		for addr := range rs.slots {
			missing = append(missing, addr.String())
		}
		slices.Sort(missing)
		return &Fault{
			Code:    FaultRestoreMismatch,
			Message: fmt.Sprintf("%d snapshot nodes were not rebuilt", len(missing)),
			Details: map[string]string{"first": missing[0]},
		}
	}
	return nil
}

// Restoring reports whether the engine is in restore mode.
func (e *Engine) Restoring() bool {
	return e.restore != nil
}

// place re-creates a snapshot node at its recorded slot.
func (e *Engine) place(addr ir.NodeAddress, kind NodeKind, ss SlotSnapshot) ir.SlotID {
	if kind.Name() != ss.Kind {
		raise(FaultRestoreMismatch, ss.Slot, addr, "snapshot has a %s, graph builds a %s", ss.Kind, kind.Name())
	}
	value := ss.Value
	if value == nil {
		value = ir.NoValue{}
	}
	n := &ReactiveNode{
		Kind:    kind,
		Address: addr,
		Owner:   addr.Scope,
		Version: ss.Version,
		Value:   value,
		Marker:  ss.Marker,
		Emitted: ss.Version > 0,
	}
	if err := e.nodes.Place(ss.Slot, addr, n); err != nil {
		raise(FaultRestoreMismatch, ss.Slot, addr, "place: %v", err)
	}
	delete(e.restore.slots, addr)
	e.scopes.add(addr.Scope, ss.Slot)
	if err := e.loadKindState(ss.Slot, n, ss.State); err != nil {
		raise(FaultRestoreMismatch, ss.Slot, addr, "load %s state: %v", kind.Name(), err)
	}
	return ss.Slot
}

// restoreSwitchArm rebuilds the live arm of a restored SwitchedWire.
func (e *Engine) restoreSwitchArm(slot ir.SlotID) {
	n := e.node(slot)
	k := n.Kind.(*SwitchedWire)
	if k.active < 0 {
		return
	}
	idx := k.active
	k.active = -1
	e.buildArm(slot, n, k, idx, ir.NoValue{})
}

func slotText(s ir.SlotID) ir.Payload { return ir.Text(s.String()) }

func markerRecord(m ir.RecencyMarker) ir.Payload {
	return ir.Record{"tick": ir.Number(m.Tick), "seq": ir.Number(m.Seq)}
}

func indexKey(i int) string { return fmt.Sprintf("%06d", i) }

// kindState encodes the runtime fields of n's kind.
func (e *Engine) kindState(n *ReactiveNode) map[string]ir.Payload {
	switch k := n.Kind.(type) {
	case *Producer:
		return map[string]ir.Payload{"value": k.Value}
	case *Router:
		order := ir.Record{}
		for i, name := range k.order {
			order[indexKey(i)] = ir.Text(name)
		}
		last := ir.Record{}
		for name, v := range k.last {
			last[name] = v
		}
		return map[string]ir.Payload{"fields": last, "order": order, "flushed": ir.Bool(k.flushed)}
	case *Combiner:
		in := ir.Record{}
		for i := range k.last {
			if k.last[i] == nil {
				continue
			}
			in[indexKey(i)] = ir.Tagged("Input", ir.F("value", k.last[i]), ir.F("marker", markerRecord(k.markers[i])))
		}
		return map[string]ir.Payload{"inputs": in}
	case *Register:
		return map[string]ir.Payload{"state": k.committed, "reset": markerRecord(k.committedReset)}
	case *Transformer:
		latest := ir.Record{}
		for i, v := range k.latest {
			if k.seen[i] {
				latest[indexKey(i)] = v
			}
		}
		return map[string]ir.Payload{"latest": latest}
	case *PatternMux:
		st := map[string]ir.Payload{"matched": ir.Number(k.matched)}
		if k.hasLast {
			st["last"] = k.last
		}
		return st
	case *SwitchedWire:
		return map[string]ir.Payload{"active": ir.Number(k.active)}
	case *Bus:
		items := ir.Record{}
		for i, it := range k.items {
			items[indexKey(i)] = ir.Tagged("Item",
				ir.F("key", ir.Number(it.Key)),
				ir.F("upstream", slotText(it.Upstream)),
				ir.F("value", it.Value),
				ir.F("in", it.In),
				ir.F("visible", ir.Bool(it.Visible)),
			)
		}
		ext := ir.Record{}
		for i, v := range k.extValues {
			if v != nil {
				ext[indexKey(i)] = v
			}
		}
		return map[string]ir.Payload{"upstream": slotText(k.upstream), "items": items, "externals": ext, "flushed": ir.Bool(k.flushed)}
	case *IOPad:
		return map[string]ir.Payload{"target": slotText(k.target)}
	case *EffectNode:
		if !k.hasLast {
			return nil
		}
		return map[string]ir.Payload{"last": k.last}
	case *Timer:
		t, ok := e.timers.entry(k.id)
		if !ok {
			return map[string]ir.Payload{"armed": ir.Bool(false)}
		}
		if t.wall {
			return map[string]ir.Payload{"armed": ir.Bool(true), "remaining_ns": ir.Number(max(t.dueWall.Sub(e.now()), 0))}
		}
		return map[string]ir.Payload{"armed": ir.Bool(true), "due_tick": ir.Number(t.dueTick)}
	default:
		return nil
	}
}

// loadKindState is the inverse of kindState.
func (e *Engine) loadKindState(slot ir.SlotID, n *ReactiveNode, st map[string]ir.Payload) error {
	switch k := n.Kind.(type) {
	case *Producer:
		if v, ok := st["value"]; ok {
			k.Value = v
		}
	case *Router:
		if fields, ok := st["fields"].(ir.Record); ok {
			last := ir.Record{}
			for name, v := range fields {
				last[name] = v
			}
			k.last = last
		}
		k.flushed = st["flushed"] == ir.Payload(ir.Bool(true))
		if order, ok := st["order"].(ir.Record); ok {
			for _, i := range order.SortedKeys() {
				name, ok := order[i].(ir.Text)
				if !ok {
					return fmt.Errorf("router field %s is %s", i, ir.KindName(order[i]))
				}
				e.routerChild(slot, n, k, string(name))
			}
		}
	case *Combiner:
		in, _ := st["inputs"].(ir.Record)
		for key, v := range in {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= k.Inputs {
				return fmt.Errorf("combiner input %q out of range", key)
			}
			obj, ok := v.(ir.TaggedObject)
			if !ok {
				return fmt.Errorf("combiner input %q is %s", key, ir.KindName(v))
			}
			k.last[i] = obj.Fields["value"]
			m, err := recordMarker(obj.Fields["marker"])
			if err != nil {
				return err
			}
			k.markers[i] = m
		}
	case *Register:
		if v, ok := st["state"]; ok {
			k.committed = v
			k.working = v
		}
		m, err := recordMarker(st["reset"])
		if err != nil {
			return err
		}
		k.committedReset = m
		k.lastReset = m
	case *Transformer:
		latest, _ := st["latest"].(ir.Record)
		for key, v := range latest {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= k.Inputs {
				return fmt.Errorf("transform input %q out of range", key)
			}
			k.latest[i] = v
			k.seen[i] = true
		}
	case *PatternMux:
		if v, ok := st["last"]; ok {
			k.last = v
			k.hasLast = true
		}
		if m, ok := st["matched"].(ir.Number); ok {
			k.matched = int(m)
		}
	case *SwitchedWire:
		if a, ok := st["active"].(ir.Number); ok {
			k.active = int(a)
		}
	case *Bus:
		return e.loadBusState(k, st)
	case *IOPad:
		if t, ok := st["target"].(ir.Text); ok {
			target, err := ir.ParseSlotID(string(t))
			if err != nil {
				return err
			}
			if !target.IsZero() {
				e.restore.binds[slot] = target
			}
		}
	case *EffectNode:
		if v, ok := st["last"]; ok {
			k.last = v
			k.hasLast = true
		}
	case *Timer:
		if st["armed"] != ir.Payload(ir.Bool(true)) {
			return nil
		}
		due, _ := st["due_tick"].(ir.Number)
		remaining, _ := st["remaining_ns"].(ir.Number)
		k.id = e.timers.restore(slot, k.Spec, uint64(due), time.Duration(remaining), e.now())
	}
	return nil
}

func (e *Engine) loadBusState(k *Bus, st map[string]ir.Payload) error {
	if t, ok := st["upstream"].(ir.Text); ok {
		up, err := ir.ParseSlotID(string(t))
		if err != nil {
			return err
		}
		k.upstream = up
	}
	k.flushed = st["flushed"] == ir.Payload(ir.Bool(true))
	if ext, ok := st["externals"].(ir.Record); ok {
		for key, v := range ext {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(k.extValues) {
				return fmt.Errorf("external %q out of range", key)
			}
			k.extValues[i] = v
		}
	}
	items, _ := st["items"].(ir.Record)
	for _, idx := range items.SortedKeys() {
		obj, ok := items[idx].(ir.TaggedObject)
		if !ok || obj.Tag != "Item" {
			return fmt.Errorf("collection item %s is %s", idx, ir.KindName(items[idx]))
		}
		key, _ := obj.Fields["key"].(ir.Number)
		var upstream ir.SlotID
		if t, ok := obj.Fields["upstream"].(ir.Text); ok {
			s, err := ir.ParseSlotID(string(t))
			if err != nil {
				return err
			}
			upstream = s
		}
		visible, _ := obj.Fields["visible"].(ir.Bool)
		it := &busItem{
			Key:      ir.ItemKey(key),
			Upstream: upstream,
			Value:    obj.Fields["value"],
			In:       obj.Fields["in"],
			Visible:  bool(visible),
		}
		if it.Value == nil {
			it.Value = ir.NoValue{}
		}
		if it.In == nil {
			it.In = ir.NoValue{}
		}
		k.items = append(k.items, it)
		k.byKey[it.Key] = it
	}
	return nil
}

func recordMarker(p ir.Payload) (ir.RecencyMarker, error) {
	if p == nil {
		return ir.RecencyMarker{}, nil
	}
	r, ok := p.(ir.Record)
	if !ok {
		return ir.RecencyMarker{}, fmt.Errorf("marker is %s", ir.KindName(p))
	}
	tick, _ := r["tick"].(ir.Number)
	seq, _ := r["seq"].(ir.Number)
	return ir.RecencyMarker{Tick: uint64(tick), Seq: uint64(seq)}, nil
}
