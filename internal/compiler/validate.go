package compiler

import (
	"fmt"
	"slices"

	"cuelang.org/go/cue/token"
)

// Validation error codes (E100-E199)
const (
	ErrUnknownKind      = "E100" // node kind not recognized
	ErrMissingAttribute = "E101" // a kind's required attribute is absent
	ErrUnknownReference = "E102" // reference to a node that does not exist
	ErrUnknownOperator  = "E103" // op, step or action not in the library
	ErrArity            = "E104" // wrong number of inputs for an op
	ErrDuplicateName    = "E105" // duplicate output or node name
	ErrBadReference     = "E106" // field or arm reference on the wrong kind
	ErrUnknownBlueprint = "E107" // body names no blueprint
	ErrReferenceCycle   = "E108" // definitions depend on each other without a pad
	ErrInvalidBind      = "E109" // pad bound to an unusable target
	ErrConflicting      = "E110" // attributes that cannot be combined
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a parsed graph and its blueprints.
// Returns all errors found (does not fail-fast).
func Validate(g *GraphDef, blueprints map[string]*BlueprintDef) []ValidationError {
	v := &validator{blueprints: blueprints}

	root := v.scopeOf("graph", g.Nodes, nil)
	v.nodes(root, g.Nodes)
	seen := make(map[string]bool)
	for i, out := range g.Outputs {
		field := fmt.Sprintf("graph.outputs[%d]", i)
		if seen[out] {
			v.add(field, g.Pos, ErrDuplicateName, "duplicate output %q", out)
		}
		seen[out] = true
		v.ref(root, field, g.Pos, out)
	}

	names := make([]string, 0, len(blueprints))
	for name := range blueprints {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		bp := blueprints[name]
		sc := v.scopeOf("blueprints."+name, bp.Nodes, root)
		v.nodes(sc, bp.Nodes)
		v.ref(sc, "blueprints."+name+".output", bp.Pos, bp.Output)
	}

	v.errs = append(v.errs, cycleErrors(g, blueprints)...)
	return v.errs
}

type validator struct {
	blueprints map[string]*BlueprintDef
	errs       []ValidationError
}

// defScope is one naming scope: a graph or a blueprint body. Blueprint
// bodies see their own nodes, their input and the root graph.
type defScope struct {
	path   string
	defs   map[string]*NodeDef
	input  bool
	parent *defScope
}

func (v *validator) scopeOf(path string, nodes []NodeDef, parent *defScope) *defScope {
	sc := &defScope{path: path, defs: make(map[string]*NodeDef, len(nodes)), input: parent != nil, parent: parent}
	for i := range nodes {
		sc.defs[nodes[i].Name] = &nodes[i]
	}
	return sc
}

func (sc *defScope) lookup(name string) (*NodeDef, bool, bool) {
	for s := sc; s != nil; s = s.parent {
		if s.input && name == InputName {
			return nil, true, true
		}
		if d, ok := s.defs[name]; ok {
			return d, false, true
		}
	}
	return nil, false, false
}

func (v *validator) add(field string, pos token.Pos, code, format string, args ...any) {
	e := ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
	if pos.IsValid() {
		e.Line = pos.Line()
	}
	v.errs = append(v.errs, e)
}

func (v *validator) ref(sc *defScope, field string, pos token.Pos, s string) *NodeDef {
	r, err := ParseRef(s)
	if err != nil {
		v.add(field, pos, ErrBadReference, "%v", err)
		return nil
	}
	d, isInput, ok := sc.lookup(r.Node)
	if !ok {
		v.add(field, pos, ErrUnknownReference, "unknown node %q", r.Node)
		return nil
	}
	if isInput {
		if r.Field != "" || r.Arm >= 0 {
			v.add(field, pos, ErrBadReference, "%q: the blueprint input has no fields or arms", s)
		}
		return nil
	}
	if r.Field != "" && d.Kind != "router" {
		v.add(field, pos, ErrBadReference, "%q: field reference on a %s", s, d.Kind)
	}
	if r.Arm >= 0 {
		if d.Kind != "mux" {
			v.add(field, pos, ErrBadReference, "%q: arm reference on a %s", s, d.Kind)
		} else if r.Arm >= len(d.Arms) {
			v.add(field, pos, ErrBadReference, "%q: mux has %d arms", s, len(d.Arms))
		}
	}
	return d
}

func (v *validator) nodes(sc *defScope, nodes []NodeDef) {
	for i := range nodes {
		v.node(sc, &nodes[i])
	}
}

func (v *validator) node(sc *defScope, d *NodeDef) {
	field := sc.path + ".nodes." + d.Name
	require := func(attr, val string) {
		if val == "" {
			v.add(field+"."+attr, d.Pos, ErrMissingAttribute, "%s requires %s", d.Kind, attr)
		}
	}
	body := func(required bool) {
		if d.Body == "" {
			if required {
				v.add(field+".body", d.Pos, ErrMissingAttribute, "%s requires body", d.Kind)
			}
			return
		}
		if _, ok := v.blueprints[d.Body]; !ok {
			v.add(field+".body", d.Pos, ErrUnknownBlueprint, "unknown blueprint %q", d.Body)
		}
	}

	for _, r := range d.refs() {
		v.ref(sc, field, d.Pos, r)
	}

	switch d.Kind {
	case "producer":
	case "wire", "unwrap", "router":
		require("from", d.From)
	case "combiner":
		if len(d.Inputs) == 0 {
			v.add(field+".inputs", d.Pos, ErrMissingAttribute, "combiner requires inputs")
		}
	case "register":
		if d.Step != "" {
			if _, ok := stepOps[d.Step]; !ok {
				v.add(field+".step", d.Pos, ErrUnknownOperator, "unknown step %q", d.Step)
			}
		}
	case "transform":
		v.transform(field, d, len(d.Inputs))
	case "mux", "switch":
		require("from", d.From)
		if len(d.Arms) == 0 {
			v.add(field+".arms", d.Pos, ErrMissingAttribute, "%s requires arms", d.Kind)
		}
		for i, a := range d.Arms {
			af := fmt.Sprintf("%s.arms[%d].body", field, i)
			switch {
			case d.Kind == "mux" && a.Body != "":
				v.add(af, a.Pos, ErrConflicting, "mux arms have no body")
			case d.Kind == "switch" && a.Body == "":
				v.add(af, a.Pos, ErrMissingAttribute, "switch arms require body")
			case a.Body != "":
				if _, ok := v.blueprints[a.Body]; !ok {
					v.add(af, a.Pos, ErrUnknownBlueprint, "unknown blueprint %q", a.Body)
				}
			}
		}
	case "bus":
		body(false)
	case "map":
		require("from", d.From)
		switch {
		case d.Body != "" && d.Op != "":
			v.add(field, d.Pos, ErrConflicting, "map takes body or op, not both")
		case d.Op != "":
			v.transform(field, d, 1+len(d.Externals))
		default:
			body(true)
			if len(d.Externals) > 0 {
				v.add(field+".externals", d.Pos, ErrConflicting, "externals apply to op maps only")
			}
		}
	case "retain":
		require("from", d.From)
		body(true)
	case "pad":
		if d.Bind != "" {
			if t := v.ref(sc, field+".bind", d.Pos, d.Bind); t != nil && t.Name == d.Name {
				v.add(field+".bind", d.Pos, ErrInvalidBind, "pad bound to itself")
			}
		}
	case "effect":
		require("from", d.From)
		if _, ok := effectOps[d.Action]; !ok {
			v.add(field+".action", d.Pos, ErrUnknownOperator, "unknown effect action %q", d.Action)
		}
	case "timer":
		if (d.Timer.AfterTicks == 0) == (d.Timer.After == 0) {
			v.add(field, d.Pos, ErrConflicting, "timer requires exactly one of after_ticks and after")
		}
	case "call":
		body(true)
	default:
		v.add(field+".kind", d.Pos, ErrUnknownKind, "unknown kind %q", d.Kind)
	}

	if d.Bind != "" && d.Kind != "pad" {
		v.add(field+".bind", d.Pos, ErrInvalidBind, "only pads can be bound")
	}
}

func (v *validator) transform(field string, d *NodeDef, inputs int) {
	op, ok := transformOps[d.Op]
	if !ok {
		v.add(field+".op", d.Pos, ErrUnknownOperator, "unknown op %q", d.Op)
		return
	}
	if op.arity >= 0 && inputs != op.arity {
		v.add(field+".inputs", d.Pos, ErrArity, "op %q takes %d inputs, got %d", d.Op, op.arity, inputs)
	}
	if op.needsArg && d.Arg == nil {
		v.add(field+".arg", d.Pos, ErrMissingAttribute, "op %q requires arg", d.Op)
	}
}
