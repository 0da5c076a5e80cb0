package ir

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Payload is a sealed interface representing the values and deltas that flow
// along edges. Only the types in this file implement it.
// NO float payload - Number is int64 (breaks determinism otherwise).
type Payload interface {
	payload() // Sealed - only these types implement it
}

// NoValue is the "nothing happened" sentinel. Downstream nodes treat it as
// absence of an event, never as a value.
type NoValue struct{}

func (NoValue) payload() {}

// Number is an integer payload. Always int64, never float64.
type Number int64

func (Number) payload() {}

// Text is a string payload.
type Text string

func (Text) payload() {}

// Bool is a boolean payload.
type Bool bool

func (Bool) payload() {}

// Tag is a bare tag payload, e.g. Increment or None.
type Tag string

func (Tag) payload() {}

// ListHandle refers to a collection node by slot.
type ListHandle struct {
	Slot SlotID
}

func (ListHandle) payload() {}

// ObjectHandle refers to a router node by slot. Field reads resolve to the
// router's stable child slots.
type ObjectHandle struct {
	Slot SlotID
}

func (ObjectHandle) payload() {}

// Record is a settled inline object. Use SortedKeys for deterministic
// iteration.
type Record map[string]Payload

func (Record) payload() {}

// TaggedObject is a tag carrying settled fields, e.g. Ok{value: 1}.
type TaggedObject struct {
	Tag    string
	Fields Record
}

func (TaggedObject) payload() {}

// Flushed is the propagate-and-exit wrapper: ordinary nodes re-emit it
// verbatim without running their own logic.
type Flushed struct {
	Value Payload
}

func (Flushed) payload() {}

// ListOpKind is the kind of one incremental list operation.
type ListOpKind uint8

const (
	// ListInsert adds an item at Index (or appends when Index < 0).
	ListInsert ListOpKind = iota + 1
	// ListUpdate replaces the value of item Key.
	ListUpdate
	// ListRemove drops item Key.
	ListRemove
	// ListMove moves item Key to Index.
	ListMove
	// ListReplace replaces the whole list with Items.
	ListReplace
)

// String returns the operation name.
func (k ListOpKind) String() string {
	switch k {
	case ListInsert:
		return "insert"
	case ListUpdate:
		return "update"
	case ListRemove:
		return "remove"
	case ListMove:
		return "move"
	case ListReplace:
		return "replace"
	default:
		return fmt.Sprintf("ListOpKind(%d)", uint8(k))
	}
}

// ListEntry is one item of a list: its key, its item slot and, when known,
// its value.
type ListEntry struct {
	Key   ItemKey
	Slot  SlotID
	Value Payload
}

// ListOp is one keyed list operation.
type ListOp struct {
	Kind  ListOpKind
	Key   ItemKey
	Index int
	Slot  SlotID
	Value Payload
	Items []ListEntry
}

// ListDelta is an incremental list change, applied in order.
type ListDelta struct {
	Ops []ListOp
}

func (ListDelta) payload() {}

// FieldOpKind is the kind of one incremental object operation.
type FieldOpKind uint8

const (
	// FieldUpdate sets Field to Value.
	FieldUpdate FieldOpKind = iota + 1
	// FieldRemove drops Field.
	FieldRemove
)

// FieldOp is one field operation.
type FieldOp struct {
	Kind  FieldOpKind
	Field string
	Value Payload
}

// ObjectDelta is an incremental object change, applied in order.
type ObjectDelta struct {
	Ops []FieldOp
}

func (ObjectDelta) payload() {}

// None returns the NoValue sentinel.
func None() Payload {
	return NoValue{}
}

// IsNone reports whether p is absent (nil or NoValue).
func IsNone(p Payload) bool {
	if p == nil {
		return true
	}
	_, ok := p.(NoValue)
	return ok
}

// AsFlushed reports whether p is a Flushed wrapper.
func AsFlushed(p Payload) (Flushed, bool) {
	f, ok := p.(Flushed)
	return f, ok
}

// Unwrap strips one Flushed wrapper, as a binding boundary does.
// Non-flushed payloads are returned unchanged.
func Unwrap(p Payload) Payload {
	if f, ok := p.(Flushed); ok {
		return f.Value
	}
	return p
}

// NewRecordFromPairs creates a Record from typed key-value pairs.
// Example: NewRecordFromPairs(F("title", Text("milk")), F("done", Bool(false)))
func NewRecordFromPairs(pairs ...FieldPair) Record {
	r := make(Record, len(pairs))
	for _, p := range pairs {
		r[p.Key] = p.Value
	}
	return r
}

// FieldPair is a key-value pair for typed Record construction.
type FieldPair struct {
	Key   string
	Value Payload
}

// F is a shorthand for FieldPair.
func F(key string, value Payload) FieldPair {
	return FieldPair{Key: key, Value: value}
}

// Tagged is a shorthand for a TaggedObject.
func Tagged(tag string, pairs ...FieldPair) TaggedObject {
	return TaggedObject{Tag: tag, Fields: NewRecordFromPairs(pairs...)}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 which produces DIFFERENT order.
func (r Record) SortedKeys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// KindName names the payload's variant for diagnostics and wire encoding.
func KindName(p Payload) string {
	switch p.(type) {
	case nil, NoValue:
		return "none"
	case Number:
		return "number"
	case Text:
		return "text"
	case Bool:
		return "bool"
	case Tag:
		return "tag"
	case ListHandle:
		return "list"
	case ObjectHandle:
		return "object"
	case Record:
		return "record"
	case TaggedObject:
		return "tagged"
	case ListDelta:
		return "list_delta"
	case ObjectDelta:
		return "object_delta"
	case Flushed:
		return "flushed"
	default:
		return fmt.Sprintf("unknown(%T)", p)
	}
}

// Equal reports structural equality. nil and NoValue are equal.
func Equal(a, b Payload) bool {
	if IsNone(a) || IsNone(b) {
		return IsNone(a) && IsNone(b)
	}
	switch av := a.(type) {
	case Number, Text, Bool, Tag, ListHandle, ObjectHandle:
		return a == b
	case Record:
		bv, ok := b.(Record)
		return ok && equalRecord(av, bv)
	case TaggedObject:
		bv, ok := b.(TaggedObject)
		return ok && av.Tag == bv.Tag && equalRecord(av.Fields, bv.Fields)
	case Flushed:
		bv, ok := b.(Flushed)
		return ok && Equal(av.Value, bv.Value)
	case ListDelta:
		bv, ok := b.(ListDelta)
		return ok && slices.EqualFunc(av.Ops, bv.Ops, equalListOp)
	case ObjectDelta:
		bv, ok := b.(ObjectDelta)
		return ok && slices.EqualFunc(av.Ops, bv.Ops, func(x, y FieldOp) bool {
			return x.Kind == y.Kind && x.Field == y.Field && Equal(x.Value, y.Value)
		})
	default:
		return false
	}
}

func equalRecord(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !Equal(av, bv) {
			return false
		}
	}
	return true
}

func equalListOp(a, b ListOp) bool {
	return a.Kind == b.Kind && a.Key == b.Key && a.Index == b.Index && a.Slot == b.Slot &&
		Equal(a.Value, b.Value) &&
		slices.EqualFunc(a.Items, b.Items, func(x, y ListEntry) bool {
			return x.Key == y.Key && x.Slot == y.Slot && Equal(x.Value, y.Value)
		})
}

// Format renders a payload for logs and text output. The rendering is
// deterministic but is not the canonical form; use MarshalCanonical for
// hashing.
func Format(p Payload) string {
	var b strings.Builder
	formatTo(&b, p)
	return b.String()
}

func formatTo(b *strings.Builder, p Payload) {
	switch v := p.(type) {
	case nil, NoValue:
		b.WriteString("none")
	case Number:
		fmt.Fprintf(b, "%d", int64(v))
	case Text:
		fmt.Fprintf(b, "%q", string(v))
	case Bool:
		fmt.Fprintf(b, "%t", bool(v))
	case Tag:
		b.WriteString(string(v))
	case ListHandle:
		fmt.Fprintf(b, "list(%s)", v.Slot)
	case ObjectHandle:
		fmt.Fprintf(b, "object(%s)", v.Slot)
	case Record:
		formatRecord(b, v)
	case TaggedObject:
		b.WriteString(v.Tag)
		if len(v.Fields) > 0 {
			formatRecord(b, v.Fields)
		}
	case Flushed:
		b.WriteString("flushed(")
		formatTo(b, v.Value)
		b.WriteByte(')')
	case ListDelta:
		b.WriteString("list_delta[")
		for i, op := range v.Ops {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(b, "%s#%d", op.Kind, uint64(op.Key))
		}
		b.WriteByte(']')
	case ObjectDelta:
		b.WriteString("object_delta[")
		for i, op := range v.Ops {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(op.Field)
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%T", p)
	}
}

func formatRecord(b *strings.Builder, r Record) {
	b.WriteByte('{')
	for i, k := range r.SortedKeys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteString(": ")
		formatTo(b, r[k])
	}
	b.WriteByte('}')
}
