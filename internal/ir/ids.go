package ir

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// SourceID identifies a graph-defining expression by its structural shape.
//
// Computed once at definition time by StructuralID. Whitespace, comments and
// textual position never contribute, so irrelevant edits keep the ID stable.
type SourceID uint64

// String renders the ID as 16 lowercase hex digits.
func (s SourceID) String() string {
	return fmt.Sprintf("%016x", uint64(s))
}

// ParseSourceID parses the String form of a SourceID.
func ParseSourceID(s string) (SourceID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse source id %q: %w", s, err)
	}
	return SourceID(v), nil
}

// Domain names an execution domain. Nodes in different domains never share
// an address even when source and scope coincide.
type Domain string

// DefaultDomain is the domain used when none is configured.
const DefaultDomain Domain = "main"

// segmentWidth is the width of one encoded scope path segment ("/" + 16 hex).
const segmentWidth = 17

// ScopeID identifies one runtime instantiation of a definition.
//
// A ScopeID is its own ancestry: the path of fixed-width hashed
// discriminators from the root. Parent, Depth and IsAncestorOf are computed
// from the value. The zero value is the root scope.
type ScopeID struct {
	path string
}

// RootScope returns the fixed root scope.
func RootScope() ScopeID {
	return ScopeID{}
}

// Discriminator distinguishes sibling instantiations under one parent scope.
type Discriminator struct {
	kind  string
	parts []uint64
}

// CallSite discriminates one call of a definition at source position src.
func CallSite(src SourceID) Discriminator {
	return Discriminator{kind: "call", parts: []uint64{uint64(src)}}
}

// Item discriminates one item of a dynamic collection minted by site.
func Item(site SourceID, key ItemKey) Discriminator {
	return Discriminator{kind: "item", parts: []uint64{uint64(site), uint64(key)}}
}

// Arm discriminates one arm of a switched dispatch.
func Arm(src SourceID, arm int) Discriminator {
	return Discriminator{kind: "arm", parts: []uint64{uint64(src), uint64(arm)}}
}

// hash folds the discriminator into one 64-bit segment value.
func (d Discriminator) hash() uint64 {
	buf := make([]byte, 0, len(d.kind)+1+8*len(d.parts))
	buf = append(buf, d.kind...)
	buf = append(buf, 0x00)
	for _, p := range d.parts {
		buf = binary.BigEndian.AppendUint64(buf, p)
	}
	return hash64WithDomain(DomainScope, buf)
}

// Child derives the scope of one instantiation below s.
func (s ScopeID) Child(d Discriminator) ScopeID {
	return ScopeID{path: s.path + fmt.Sprintf("/%016x", d.hash())}
}

// IsRoot reports whether s is the root scope.
func (s ScopeID) IsRoot() bool {
	return s.path == ""
}

// Depth returns the number of instantiations between s and the root.
func (s ScopeID) Depth() int {
	return len(s.path) / segmentWidth
}

// Parent returns the enclosing scope. The root has no parent.
func (s ScopeID) Parent() (ScopeID, bool) {
	if s.IsRoot() {
		return ScopeID{}, false
	}
	return ScopeID{path: s.path[:len(s.path)-segmentWidth]}, true
}

// IsAncestorOf reports whether s strictly encloses o.
func (s ScopeID) IsAncestorOf(o ScopeID) bool {
	return len(o.path) > len(s.path) && strings.HasPrefix(o.path, s.path)
}

// Within reports whether o is s or a descendant of s.
func (s ScopeID) Within(o ScopeID) bool {
	return s == o || o.IsAncestorOf(s)
}

// String renders the scope path; the root renders as "/".
func (s ScopeID) String() string {
	if s.IsRoot() {
		return "/"
	}
	return s.path
}

// ParseScopeID parses the String form of a ScopeID.
func ParseScopeID(s string) (ScopeID, error) {
	if s == "/" || s == "" {
		return RootScope(), nil
	}
	if len(s)%segmentWidth != 0 {
		return ScopeID{}, fmt.Errorf("parse scope id %q: bad length", s)
	}
	for i := 0; i < len(s); i += segmentWidth {
		if s[i] != '/' {
			return ScopeID{}, fmt.Errorf("parse scope id %q: missing separator at %d", s, i)
		}
		if _, err := strconv.ParseUint(s[i+1:i+segmentWidth], 16, 64); err != nil {
			return ScopeID{}, fmt.Errorf("parse scope id %q: %w", s, err)
		}
	}
	return ScopeID{path: s}, nil
}

// CompareScope orders scopes by path. Ancestors sort before descendants.
func CompareScope(a, b ScopeID) int {
	return strings.Compare(a.path, b.path)
}

// PortKind distinguishes the roles a port can play on one address.
type PortKind uint8

const (
	// PortOutput is the default output of a node.
	PortOutput PortKind = iota
	// PortInput is a numbered input.
	PortInput
	// PortField is a named field (router children, record fields).
	PortField
	// PortItem is an item-keyed port of a collection.
	PortItem
)

// Port distinguishes multiple inputs, outputs or fields of one address.
type Port struct {
	Kind  PortKind
	Index int
	Name  string
	Key   ItemKey
}

// OutputPort returns the default output port.
func OutputPort() Port {
	return Port{Kind: PortOutput}
}

// InputPort returns the i-th numbered input port.
func InputPort(i int) Port {
	return Port{Kind: PortInput, Index: i}
}

// FieldPort returns the port for a named field.
func FieldPort(name string) Port {
	return Port{Kind: PortField, Name: name}
}

// ArmPort returns the output port of the i-th arm of a dispatch node.
// Arm ports are numbered outputs; OutputPort is output 0.
func ArmPort(i int) Port {
	return Port{Kind: PortOutput, Index: i + 1}
}

// ItemPort returns the port for one collection item.
func ItemPort(key ItemKey) Port {
	return Port{Kind: PortItem, Key: key}
}

// String renders the port compactly: "out", "out[1]", "in[2]", "field:name",
// "item#7".
func (p Port) String() string {
	switch p.Kind {
	case PortOutput:
		if p.Index > 0 {
			return fmt.Sprintf("out[%d]", p.Index)
		}
		return "out"
	case PortInput:
		return fmt.Sprintf("in[%d]", p.Index)
	case PortField:
		return "field:" + p.Name
	case PortItem:
		return fmt.Sprintf("item#%d", uint64(p.Key))
	default:
		return fmt.Sprintf("port(%d)", p.Kind)
	}
}

// ComparePort orders ports by kind, then index, name and key.
func ComparePort(a, b Port) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// NodeAddress is the stable identity of one logical node. Two nodes are the
// same logical node iff their addresses are equal, even across runs.
type NodeAddress struct {
	Domain Domain
	Source SourceID
	Scope  ScopeID
	Port   Port
}

// String renders the address as domain:source@scope#port.
func (a NodeAddress) String() string {
	return fmt.Sprintf("%s:%s@%s#%s", a.Domain, a.Source, a.Scope, a.Port)
}

// CompareAddress is the engine's deterministic total order over addresses:
// domain, then source, then scope, then port.
func CompareAddress(a, b NodeAddress) int {
	if c := strings.Compare(string(a.Domain), string(b.Domain)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Source, b.Source); c != 0 {
		return c
	}
	if c := CompareScope(a.Scope, b.Scope); c != 0 {
		return c
	}
	return ComparePort(a.Port, b.Port)
}

// SlotID is a generational index into the arena. It owns no semantics; it
// is valid only while the arena's generation at Index equals Generation.
// The zero SlotID is never valid.
type SlotID struct {
	Index      uint32 `json:"index" cbor:"1,keyasint"`
	Generation uint32 `json:"generation" cbor:"2,keyasint"`
}

// IsZero reports whether s is the zero (never valid) SlotID.
func (s SlotID) IsZero() bool {
	return s == SlotID{}
}

// String renders the slot as index@generation.
func (s SlotID) String() string {
	return fmt.Sprintf("%d@%d", s.Index, s.Generation)
}

// ItemKey identifies one item of a dynamic collection. Keys minted by one
// AllocSite are strictly increasing and never reused.
type ItemKey uint64

// AllocSite mints item keys for one collection-producing expression within
// one enclosing scope.
type AllocSite struct {
	Source SourceID
	next   uint64
}

// NewAllocSite returns a site that has minted nothing yet.
func NewAllocSite(src SourceID) *AllocSite {
	return &AllocSite{Source: src}
}

// RestoreAllocSite returns a site whose counter resumes at next.
func RestoreAllocSite(src SourceID, next uint64) *AllocSite {
	return &AllocSite{Source: src, next: next}
}

// Mint issues the next key. The first key is 1.
func (a *AllocSite) Mint() ItemKey {
	a.next++
	return ItemKey(a.next)
}

// Next returns the next-instance counter (the number of keys minted).
func (a *AllocSite) Next() uint64 {
	return a.next
}

// RecencyMarker orders occurrences logically, independent of wall-clock
// arrival.
type RecencyMarker struct {
	Tick uint64 `json:"tick" yaml:"tick" cbor:"1,keyasint"`
	Seq  uint64 `json:"seq" yaml:"seq" cbor:"2,keyasint"`
}

// Compare orders markers by tick, then sequence.
func (m RecencyMarker) Compare(o RecencyMarker) int {
	if c := cmp.Compare(m.Tick, o.Tick); c != 0 {
		return c
	}
	return cmp.Compare(m.Seq, o.Seq)
}

// Less reports whether m is strictly older than o.
func (m RecencyMarker) Less(o RecencyMarker) bool {
	return m.Compare(o) < 0
}

// MaxMarker returns the more recent of a and b.
func MaxMarker(a, b RecencyMarker) RecencyMarker {
	if a.Less(b) {
		return b
	}
	return a
}

// String renders the marker as tick.seq.
func (m RecencyMarker) String() string {
	return fmt.Sprintf("%d.%d", m.Tick, m.Seq)
}
