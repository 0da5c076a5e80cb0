package compiler

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// InputName is the reserved name of a blueprint's input slot.
const InputName = "input"

// NodeDef is one parsed node definition.
type NodeDef struct {
	Name string
	Kind string
	Pos  token.Pos

	From      string
	Inputs    []string
	Fields    []string
	Value     ir.Payload
	Op        string
	Arg       ir.Payload
	Initial   ir.Payload
	Step      string
	Triggers  []string
	Reset     string
	Arms      []ArmDef
	Partial   bool
	Body      string
	Commands  string
	Externals []string
	Bind      string
	Action    string
	Timer     engine.TimerSpec
}

// ArmDef is one arm of a mux or switch.
type ArmDef struct {
	Pattern engine.Pattern
	Body    string
	Pos     token.Pos
}

// BlueprintDef is a reusable sub-graph instantiated by switch arms,
// collection bodies and calls.
type BlueprintDef struct {
	Name   string
	Nodes  []NodeDef
	Output string
	Pos    token.Pos
}

// GraphDef is the root graph of a program.
type GraphDef struct {
	Nodes   []NodeDef
	Outputs []string
	Pos     token.Pos
}

// Ref is a parsed node reference: a node name optionally followed by a
// router field (".name") or a mux arm ("[i]").
type Ref struct {
	Node  string
	Field string
	Arm   int
}

// ParseRef parses the reference forms "node", "node.field" and "node[i]".
func ParseRef(s string) (Ref, error) {
	r := Ref{Arm: -1}
	if open := strings.IndexByte(s, '['); open >= 0 {
		if !strings.HasSuffix(s, "]") {
			return r, fmt.Errorf("reference %q: unterminated arm index", s)
		}
		var arm int
		if _, err := fmt.Sscanf(s[open+1:len(s)-1], "%d", &arm); err != nil || arm < 0 {
			return r, fmt.Errorf("reference %q: bad arm index", s)
		}
		r.Node, r.Arm = s[:open], arm
	} else if node, field, ok := strings.Cut(s, "."); ok {
		if field == "" {
			return r, fmt.Errorf("reference %q: empty field", s)
		}
		r.Node, r.Field = node, field
	} else {
		r.Node = s
	}
	if r.Node == "" {
		return r, fmt.Errorf("reference %q: empty node name", s)
	}
	return r, nil
}

// refs returns every reference the node needs before it can be built.
// A pad's bind target is excluded: pads are bound after the graph exists.
func (d *NodeDef) refs() []string {
	var out []string
	add := func(s string) {
		if s != "" {
			out = append(out, s)
		}
	}
	add(d.From)
	out = append(out, d.Inputs...)
	out = append(out, d.Triggers...)
	add(d.Reset)
	add(d.Commands)
	out = append(out, d.Externals...)
	return out
}

// blueprints returns the blueprint names the node instantiates.
func (d *NodeDef) blueprints() []string {
	var out []string
	if d.Body != "" {
		out = append(out, d.Body)
	}
	for _, a := range d.Arms {
		if a.Body != "" {
			out = append(out, a.Body)
		}
	}
	return out
}

// shape is the structural form hashed into the node's SourceID. It names
// every semantic attribute and nothing positional.
func (d *NodeDef) shape(container string) map[string]any {
	m := map[string]any{
		"in":   container,
		"name": d.Name,
		"kind": d.Kind,
	}
	str := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	list := func(k string, vs []string) {
		if len(vs) > 0 {
			l := make([]any, len(vs))
			for i, v := range vs {
				l[i] = v
			}
			m[k] = l
		}
	}
	payload := func(k string, p ir.Payload) {
		if p != nil {
			m[k] = ir.CanonicalForm(p)
		}
	}
	str("from", d.From)
	list("inputs", d.Inputs)
	list("fields", d.Fields)
	payload("value", d.Value)
	str("op", d.Op)
	payload("arg", d.Arg)
	payload("initial", d.Initial)
	str("step", d.Step)
	list("triggers", d.Triggers)
	str("reset", d.Reset)
	str("body", d.Body)
	str("commands", d.Commands)
	list("externals", d.Externals)
	str("bind", d.Bind)
	str("action", d.Action)
	if d.Partial {
		m["partial"] = true
	}
	if len(d.Arms) > 0 {
		arms := make([]any, len(d.Arms))
		for i, a := range d.Arms {
			arms[i] = map[string]any{"pattern": a.Pattern.String(), "body": a.Body}
		}
		m["arms"] = arms
	}
	if d.Kind == "timer" {
		m["timer"] = map[string]any{
			"after_ticks": int64(d.Timer.AfterTicks),
			"after_ms":    d.Timer.After.Milliseconds(),
			"repeat":      d.Timer.Repeat,
		}
		payload("payload", d.Timer.Payload)
	}
	return m
}

// parseGraph reads the root graph from v (the "graph" field).
func parseGraph(v cue.Value) (*GraphDef, error) {
	g := &GraphDef{Pos: v.Pos()}
	nodes, err := parseNodes(v.LookupPath(cue.ParsePath("nodes")))
	if err != nil {
		return nil, err
	}
	g.Nodes = nodes

	outs := v.LookupPath(cue.ParsePath("outputs"))
	if outs.Exists() {
		g.Outputs, err = stringList(outs)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// parseBlueprints reads every blueprint under v (the "blueprints" field).
func parseBlueprints(v cue.Value) (map[string]*BlueprintDef, error) {
	out := make(map[string]*BlueprintDef)
	if !v.Exists() {
		return out, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		bv := iter.Value()
		bp := &BlueprintDef{Name: iter.Selector().Unquoted(), Pos: bv.Pos()}
		bp.Nodes, err = parseNodes(bv.LookupPath(cue.ParsePath("nodes")))
		if err != nil {
			return nil, err
		}
		bp.Output, err = bv.LookupPath(cue.ParsePath("output")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out[bp.Name] = bp
	}
	return out, nil
}

// parseNodes reads a nodes struct, sorted by name.
func parseNodes(v cue.Value) ([]NodeDef, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var nodes []NodeDef
	for iter.Next() {
		d, err := parseNode(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, d)
	}
	slices.SortFunc(nodes, func(a, b NodeDef) int { return strings.Compare(a.Name, b.Name) })
	return nodes, nil
}

func parseNode(name string, v cue.Value) (NodeDef, error) {
	d := NodeDef{Name: name, Pos: v.Pos()}
	if name == InputName {
		return d, errorAt(v, "nodes."+name, "%q is reserved for blueprint inputs", InputName)
	}
	if strings.ContainsAny(name, ".[]") {
		return d, errorAt(v, "nodes."+name, "node names may not contain '.', '[' or ']'")
	}

	var err error
	field := func(path string) cue.Value {
		return v.LookupPath(cue.ParsePath(path))
	}
	str := func(path string, dst *string) {
		if err != nil {
			return
		}
		if f := field(path); f.Exists() {
			*dst, err = f.String()
			err = formatCUEError(err)
		}
	}
	list := func(path string, dst *[]string) {
		if err != nil {
			return
		}
		if f := field(path); f.Exists() {
			*dst, err = stringList(f)
		}
	}
	payload := func(path string, dst *ir.Payload) {
		if err != nil {
			return
		}
		if f := field(path); f.Exists() {
			*dst, err = payloadOf(f)
		}
	}
	boolean := func(path string, dst *bool) {
		if err != nil {
			return
		}
		if f := field(path); f.Exists() {
			*dst, err = f.Bool()
			err = formatCUEError(err)
		}
	}

	str("kind", &d.Kind)
	str("from", &d.From)
	list("inputs", &d.Inputs)
	list("fields", &d.Fields)
	payload("value", &d.Value)
	str("op", &d.Op)
	payload("arg", &d.Arg)
	payload("initial", &d.Initial)
	str("step", &d.Step)
	list("triggers", &d.Triggers)
	str("reset", &d.Reset)
	boolean("partial", &d.Partial)
	str("body", &d.Body)
	str("commands", &d.Commands)
	list("externals", &d.Externals)
	str("bind", &d.Bind)
	str("action", &d.Action)
	boolean("repeat", &d.Timer.Repeat)
	payload("payload", &d.Timer.Payload)
	if err != nil {
		return d, err
	}

	if f := field("after_ticks"); f.Exists() {
		n, err := f.Uint64()
		if err != nil {
			return d, formatCUEError(err)
		}
		d.Timer.AfterTicks = n
	}
	if f := field("after"); f.Exists() {
		s, err := f.String()
		if err != nil {
			return d, formatCUEError(err)
		}
		dur, err := time.ParseDuration(s)
		if err != nil || dur <= 0 {
			return d, errorAt(f, "after", "invalid duration %q", s)
		}
		d.Timer.After = dur
	}

	if arms := field("arms"); arms.Exists() {
		d.Arms, err = parseArms(arms)
		if err != nil {
			return d, err
		}
	}
	return d, nil
}

func parseArms(v cue.Value) ([]ArmDef, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var arms []ArmDef
	for iter.Next() {
		av := iter.Value()
		pat, err := parsePattern(av.LookupPath(cue.ParsePath("pattern")))
		if err != nil {
			return nil, err
		}
		arm := ArmDef{Pattern: pat, Pos: av.Pos()}
		if b := av.LookupPath(cue.ParsePath("body")); b.Exists() {
			if arm.Body, err = b.String(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		arms = append(arms, arm)
	}
	return arms, nil
}

// parsePattern reads a pattern:
//
//	"_"                          wildcard
//	"n"                          bind n
//	3, true                      literal
//	{literal: v}                 literal of any payload
//	{tag: "Ok", fields: {...}}   tag pattern
//	{fields: {...}}              record pattern
//	{flushed: p}                 flushed pattern
func parsePattern(v cue.Value) (engine.Pattern, error) {
	if !v.Exists() {
		return nil, errorAt(v, "pattern", "pattern is required")
	}
	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if s == "_" {
			return engine.Wildcard{}, nil
		}
		return engine.Bind{Name: s}, nil
	case cue.IntKind, cue.BoolKind, cue.NullKind:
		p, err := payloadOf(v)
		if err != nil {
			return nil, err
		}
		return engine.Literal{Value: p}, nil
	case cue.StructKind:
	default:
		return nil, errorAt(v, "pattern", "unsupported pattern kind %v", v.IncompleteKind())
	}

	if lit := v.LookupPath(cue.ParsePath("literal")); lit.Exists() {
		p, err := payloadOf(lit)
		if err != nil {
			return nil, err
		}
		return engine.Literal{Value: p}, nil
	}
	if inner := v.LookupPath(cue.ParsePath("flushed")); inner.Exists() {
		p, err := parsePattern(inner)
		if err != nil {
			return nil, err
		}
		return engine.FlushedPattern{Inner: p}, nil
	}

	var fields map[string]engine.Pattern
	if fv := v.LookupPath(cue.ParsePath("fields")); fv.Exists() {
		iter, err := fv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		fields = make(map[string]engine.Pattern)
		for iter.Next() {
			p, err := parsePattern(iter.Value())
			if err != nil {
				return nil, err
			}
			fields[iter.Selector().Unquoted()] = p
		}
	}
	if tv := v.LookupPath(cue.ParsePath("tag")); tv.Exists() {
		tag, err := tv.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return engine.TagPattern{Tag: tag, Fields: fields}, nil
	}
	if fields != nil {
		return engine.RecordPattern{Fields: fields}, nil
	}
	return nil, errorAt(v, "pattern", "struct pattern needs literal, flushed, tag or fields")
}

// payloadOf converts a concrete CUE value to a payload. Structs use the
// canonical payload form, so {"$tag": "Inc"} is the tag Inc.
func payloadOf(v cue.Value) (ir.Payload, error) {
	form, err := formOf(v)
	if err != nil {
		return nil, err
	}
	p, err := ir.FromCanonicalForm(form)
	if err != nil {
		return nil, errorAt(v, "payload", "%v", err)
	}
	return p, nil
}

func formOf(v cue.Value) (any, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		b, err := v.Bool()
		return b, formatCUEError(err)
	case cue.IntKind:
		n, err := v.Int64()
		return n, formatCUEError(err)
	case cue.StringKind:
		s, err := v.String()
		return s, formatCUEError(err)
	case cue.FloatKind, cue.NumberKind:
		return nil, errorAt(v, "payload", "floats are forbidden in payloads")
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		m := make(map[string]any)
		for iter.Next() {
			f, err := formOf(iter.Value())
			if err != nil {
				return nil, err
			}
			m[iter.Selector().Unquoted()] = f
		}
		return m, nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var l []any
		for iter.Next() {
			f, err := formOf(iter.Value())
			if err != nil {
				return nil, err
			}
			l = append(l, f)
		}
		return l, nil
	default:
		return nil, errorAt(v, "payload", "value must be concrete, got %v", v.IncompleteKind())
	}
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}
