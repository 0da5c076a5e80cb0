package engine

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/tickflow/internal/ir"
)

// ReactiveNode is the arena record for one logical node.
type ReactiveNode struct {
	// Kind holds the node's behavior and kind-specific state.
	Kind NodeKind

	// Address is the node's stable identity.
	Address ir.NodeAddress

	// Owner is the scope whose teardown frees this node.
	Owner ir.ScopeID

	// Version increases on every emission.
	Version uint64

	// Dirty is set while the node waits for evaluation.
	Dirty bool

	// Value and Marker are the most recent emission.
	Value  ir.Payload
	Marker ir.RecencyMarker

	// Emitted reports whether the node has emitted at least once.
	Emitted bool

	inbox       []Message
	initPending bool
}

// Message is one delivery along a route.
type Message struct {
	From     ir.NodeAddress
	FromSlot ir.SlotID
	Port     ir.Port
	Payload  ir.Payload
	Version  uint64
	Marker   ir.RecencyMarker
}

// NodeKind is the sealed set of node behaviors. Kinds are pointers; their
// unexported fields hold per-node runtime state.
type NodeKind interface {
	// Name returns the kind name used in snapshots and inspection.
	Name() string
	nodeKind() // Sealed - only this package implements it
}

// StepFunc computes a register's next state from its current state and one
// body event. input is the index of the trigger that fired, or -1 for the
// single run of a register with no triggers. Returning NoValue leaves the
// state unchanged. Step must be pure: the engine may replay a tick's
// events from the committed state to keep their order deterministic.
type StepFunc func(state, event ir.Payload, input int) ir.Payload

// TransformFunc maps the latest value of every input to an output.
// Returning NoValue emits nothing.
type TransformFunc func(inputs []ir.Payload) ir.Payload

// EffectFunc performs one side effect with a settled payload.
type EffectFunc func(ctx context.Context, p ir.Payload) error

// ItemFunc is a pure per-item map over an item value and the latest values
// of the collection's external inputs.
type ItemFunc func(item ir.Payload, externals []ir.Payload) ir.Payload

// Blueprint is the static shape of a sub-graph: given a builder bound to a
// fresh scope and the slot carrying its input, it builds nodes and returns
// the slot carrying its output.
type Blueprint func(b *Builder, input ir.SlotID) ir.SlotID

// Producer emits a constant payload. A stimulus delivered to a producer
// replaces its payload.
type Producer struct {
	Value ir.Payload
}

// Name implements NodeKind.
func (*Producer) Name() string { return "producer" }
func (*Producer) nodeKind()    {}

// Wire forwards its single input. With Unwrap set it is a binding boundary
// and unwraps Flushed(v) to v.
type Wire struct {
	Unwrap bool
}

// Name implements NodeKind.
func (*Wire) Name() string { return "wire" }
func (*Wire) nodeKind()    {}

// Router demultiplexes a structured input into one stable child slot per
// field and emits an ObjectHandle referring to itself.
type Router struct {
	Fields []string

	children map[string]ir.SlotID
	order    []string
	last     ir.Record
	flushed  bool
}

// Name implements NodeKind.
func (*Router) Name() string { return "router" }
func (*Router) nodeKind()    {}

// Combiner merges N inputs, emitting the most recent one.
type Combiner struct {
	Inputs int

	last    []ir.Payload
	markers []ir.RecencyMarker
}

// Name implements NodeKind.
func (*Combiner) Name() string { return "combiner" }
func (*Combiner) nodeKind()    {}

// Register holds state across ticks.
type Register struct {
	Initial  ir.Payload
	Step     StepFunc
	Triggers int
	Driven   bool

	committed      ir.Payload
	committedReset ir.RecencyMarker
	working        ir.Payload
	lastReset      ir.RecencyMarker
	log            []Message
}

// Name implements NodeKind.
func (*Register) Name() string { return "register" }
func (*Register) nodeKind()    {}

// Transformer applies a pure function whenever any input arrives.
type Transformer struct {
	Fn     TransformFunc
	Inputs int

	latest []ir.Payload
	seen   []bool
}

// Name implements NodeKind.
func (*Transformer) Name() string { return "transform" }
func (*Transformer) nodeKind()    {}

// PatternMux routes its input to the first arm whose pattern matches.
// Each arm slot carries only its own matches. The mux's own output is the
// selected-value port: it carries whatever the matched arm received, and
// the MatchError flush when no arm matches.
type PatternMux struct {
	Arms    []Pattern
	Partial bool

	armSlots []ir.SlotID
	last     ir.Payload
	hasLast  bool
	matched  int
}

// Name implements NodeKind.
func (*PatternMux) Name() string { return "mux" }
func (*PatternMux) nodeKind()    {}

// SwitchArm is one arm of a SwitchedWire.
type SwitchArm struct {
	Pattern Pattern
	Body    Blueprint
}

// SwitchedWire keeps exactly one arm sub-graph live, chosen by the first
// arm whose pattern matches the input.
type SwitchedWire struct {
	Arms []SwitchArm

	active    int
	armScope  ir.ScopeID
	armInput  ir.SlotID
	armOutput ir.SlotID
}

// Name implements NodeKind.
func (*SwitchedWire) Name() string { return "switch" }
func (*SwitchedWire) nodeKind()    {}

// BusMode selects how a Bus obtains its items.
type BusMode uint8

const (
	// BusSource mints its own keys from list commands.
	BusSource BusMode = iota + 1
	// BusMapGraph instantiates a body per upstream item.
	BusMapGraph
	// BusMapPure applies an ItemFunc per upstream item as a batch.
	BusMapPure
	// BusRetain filters upstream items by a per-item predicate body.
	BusRetain
)

// String returns the mode name.
func (m BusMode) String() string {
	switch m {
	case BusSource:
		return "source"
	case BusMapGraph:
		return "map"
	case BusMapPure:
		return "map_pure"
	case BusRetain:
		return "retain"
	default:
		return "unknown"
	}
}

// Bus is a dynamic keyed collection.
type Bus struct {
	Mode BusMode
	// Body is the per-item blueprint: item body for sources (optional),
	// map body for BusMapGraph, predicate for BusRetain.
	Body Blueprint
	// Fn is the per-item function for BusMapPure.
	Fn ItemFunc
	// Externals is the number of external inputs of a BusMapPure.
	Externals int

	upstream  ir.SlotID
	items     []*busItem
	byKey     map[ir.ItemKey]*busItem
	external  mapset.Set[ir.SlotID]
	extValues []ir.Payload
	// readers maps each external slot read by item bodies to the item
	// slots the collection forwards it to.
	readers map[ir.SlotID][]ir.SlotID
	flushed bool
}

// busItem is one live item. Out is the slot whose value the item renders
// as; Watch is the slot whose ItemPort messages the bus accepts for it.
type busItem struct {
	Key      ir.ItemKey
	Scope    ir.ScopeID
	Input    ir.SlotID
	Out      ir.SlotID
	Watch    ir.SlotID
	Upstream ir.SlotID
	Value    ir.Payload
	In       ir.Payload
	Visible  bool
	stale    bool
}

// Name implements NodeKind.
func (*Bus) Name() string { return "bus" }
func (*Bus) nodeKind()    {}

// IOPad is a late-bound port: it reads NoValue until bound to a target,
// then forwards the target's emissions. Writes go to the target.
type IOPad struct {
	target ir.SlotID
}

// Name implements NodeKind.
func (*IOPad) Name() string { return "pad" }
func (*IOPad) nodeKind()    {}

// EffectNode runs an action after quiescence when its input changes.
type EffectNode struct {
	Action EffectFunc

	last    ir.Payload
	hasLast bool
}

// Name implements NodeKind.
func (*EffectNode) Name() string { return "effect" }
func (*EffectNode) nodeKind()    {}

// TimerSpec describes a timer. Exactly one of AfterTicks and After is set.
type TimerSpec struct {
	// AfterTicks fires the timer this many ticks after it is armed.
	AfterTicks uint64
	// After fires the timer once this much wall time has passed.
	After time.Duration
	// Repeat re-arms the timer with the same interval after each firing.
	Repeat bool
	// Payload is delivered on each firing. NoValue delivers Tag("Tick").
	Payload ir.Payload
}

// Timer is a node that emits its payload each time its timer fires.
type Timer struct {
	Spec TimerSpec

	id TimerID
}

// Name implements NodeKind.
func (*Timer) Name() string { return "timer" }
func (*Timer) nodeKind()    {}
