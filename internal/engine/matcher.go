package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/tickflow/internal/ir"
)

// Pattern is a sealed structural pattern over payloads, used by PatternMux
// and SwitchedWire arms.
type Pattern interface {
	// match reports whether p matches, adding captures to binds.
	match(p ir.Payload, binds ir.Record) bool
	String() string
}

// Wildcard matches anything without binding.
type Wildcard struct{}

// Bind matches anything and captures it under Name.
type Bind struct {
	Name string
}

// Literal matches payloads structurally equal to Value.
type Literal struct {
	Value ir.Payload
}

// TagPattern matches a bare Tag or a TaggedObject with the given tag.
// Field sub-patterns must all match; fields not named are ignored.
type TagPattern struct {
	Tag    string
	Fields map[string]Pattern
}

// RecordPattern matches a Record whose named fields match their
// sub-patterns. Fields not named are ignored.
type RecordPattern struct {
	Fields map[string]Pattern
}

// FlushedPattern matches Flushed(v) where v matches Inner. It is a binding
// boundary: the arm receives the unwrapped value.
type FlushedPattern struct {
	Inner Pattern
}

func (Wildcard) match(ir.Payload, ir.Record) bool { return true }

// String renders the pattern.
func (Wildcard) String() string { return "_" }

func (b Bind) match(p ir.Payload, binds ir.Record) bool {
	binds[b.Name] = p
	return true
}

// String renders the pattern.
func (b Bind) String() string { return b.Name }

func (l Literal) match(p ir.Payload, _ ir.Record) bool {
	return ir.Equal(l.Value, p)
}

// String renders the pattern.
func (l Literal) String() string { return ir.Format(l.Value) }

func (t TagPattern) match(p ir.Payload, binds ir.Record) bool {
	switch v := p.(type) {
	case ir.Tag:
		return string(v) == t.Tag && len(t.Fields) == 0
	case ir.TaggedObject:
		if v.Tag != t.Tag {
			return false
		}
		return matchFields(t.Fields, v.Fields, binds)
	default:
		return false
	}
}

// String renders the pattern.
func (t TagPattern) String() string {
	if len(t.Fields) == 0 {
		return t.Tag
	}
	return t.Tag + formatFieldPatterns(t.Fields)
}

func (r RecordPattern) match(p ir.Payload, binds ir.Record) bool {
	rec, ok := p.(ir.Record)
	if !ok {
		return false
	}
	return matchFields(r.Fields, rec, binds)
}

// String renders the pattern.
func (r RecordPattern) String() string { return formatFieldPatterns(r.Fields) }

func (f FlushedPattern) match(p ir.Payload, binds ir.Record) bool {
	fl, ok := p.(ir.Flushed)
	if !ok {
		return false
	}
	inner := f.Inner
	if inner == nil {
		inner = Wildcard{}
	}
	return inner.match(fl.Value, binds)
}

// String renders the pattern.
func (f FlushedPattern) String() string {
	if f.Inner == nil {
		return "flushed(_)"
	}
	return fmt.Sprintf("flushed(%s)", f.Inner)
}

// matchFields checks every named field. All-or-nothing: a missing field
// fails the match.
func matchFields(pats map[string]Pattern, fields ir.Record, binds ir.Record) bool {
	for _, name := range sortedPatternKeys(pats) {
		v, ok := fields[name]
		if !ok {
			return false
		}
		if !pats[name].match(v, binds) {
			return false
		}
	}
	return true
}

func sortedPatternKeys(pats map[string]Pattern) []string {
	keys := make(ir.Record, len(pats))
	for k := range pats {
		keys[k] = ir.NoValue{}
	}
	return keys.SortedKeys()
}

func formatFieldPatterns(pats map[string]Pattern) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range sortedPatternKeys(pats) {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", k, pats[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Match tries arms in declared order and returns the index of the first
// matching arm and the value that arm receives: the record of captures when
// the pattern binds anything, otherwise the matched value (unwrapped for a
// FlushedPattern). Returns -1 when no arm matches.
func Match(arms []Pattern, p ir.Payload) (int, ir.Payload) {
	for i, pat := range arms {
		binds := ir.Record{}
		if !pat.match(p, binds) {
			continue
		}
		if len(binds) > 0 {
			return i, binds
		}
		if _, ok := pat.(FlushedPattern); ok {
			return i, ir.Unwrap(p)
		}
		return i, p
	}
	return -1, nil
}

// matchError is the value-level failure of an unmatched non-partial mux.
func matchError(p ir.Payload) ir.Payload {
	return ir.Flushed{Value: ir.Tagged("MatchError", ir.F("value", p))}
}
