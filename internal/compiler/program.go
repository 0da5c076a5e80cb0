package compiler

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Program is a compiled graph definition. Build instantiates it on an
// engine; the same Program can be built any number of times, on fresh
// engines or in restore mode.
type Program struct {
	Graph      *GraphDef
	Blueprints map[string]*BlueprintDef
	// Hash identifies the definition: the structural hash of every node
	// shape, so formatting edits keep it stable.
	Hash string

	sources map[string]ir.SourceID
}

// Instance is one built Program.
type Instance struct {
	// Outputs maps output names to their slots, in declaration order.
	Outputs     map[string]ir.SlotID
	OutputNames []string
	// Inputs are the root producers and buses, the nodes stimuli target.
	Inputs     map[string]ir.SlotID
	InputNames []string
	// Effects lists the root effect nodes by name.
	Effects map[string]ir.SlotID
}

// ErrInvalidProgram wraps validation failures returned by Compile.
var ErrInvalidProgram = errors.New("invalid program")

// ValidationErrors is the error Compile returns when Validate finds
// problems.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", v[0].Error(), len(v)-1)
}

// Unwrap lets errors.Is match ErrInvalidProgram.
func (v ValidationErrors) Unwrap() error { return ErrInvalidProgram }

// CompileString compiles CUE source text.
func CompileString(filename, src string) (*Program, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Compile unifies v with the graph schema, parses and validates it.
func Compile(v cue.Value) (*Program, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	schema := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	gv := v.LookupPath(cue.ParsePath("graph"))
	if !gv.Exists() {
		return nil, &CompileError{Field: "graph", Message: "graph is required", Pos: v.Pos()}
	}
	g, err := parseGraph(gv)
	if err != nil {
		return nil, err
	}
	bps, err := parseBlueprints(v.LookupPath(cue.ParsePath("blueprints")))
	if err != nil {
		return nil, err
	}
	if errs := Validate(g, bps); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return newProgram(g, bps)
}

func newProgram(g *GraphDef, bps map[string]*BlueprintDef) (*Program, error) {
	p := &Program{Graph: g, Blueprints: bps, sources: make(map[string]ir.SourceID)}
	var shapes []any
	add := func(container string, d *NodeDef) error {
		shape := d.shape(container)
		id, err := ir.StructuralID(shape)
		if err != nil {
			return &CompileError{Field: container + ".nodes." + d.Name, Message: err.Error(), Pos: d.Pos}
		}
		p.sources[sourceKey(container, d.Name)] = id
		shapes = append(shapes, shape)
		return nil
	}
	for i := range g.Nodes {
		if err := add("graph", &g.Nodes[i]); err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(bps) {
		for i := range bps[name].Nodes {
			if err := add("blueprints."+name, &bps[name].Nodes[i]); err != nil {
				return nil, err
			}
		}
	}

	outputs := make([]any, len(g.Outputs))
	for i, o := range g.Outputs {
		outputs[i] = o
	}
	canonical, err := ir.MarshalCanonical(map[string]any{"nodes": shapes, "outputs": outputs})
	if err != nil {
		return nil, fmt.Errorf("hash program: %w", err)
	}
	p.Hash = ir.TreeHash(canonical)
	return p, nil
}

func sourceKey(container, name string) string {
	return container + "/" + name
}

// SourceOf returns the SourceID of a root graph node.
func (p *Program) SourceOf(name string) (ir.SourceID, bool) {
	id, ok := p.sources[sourceKey("graph", name)]
	return id, ok
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	sink EffectSink
}

// WithSink routes "record" effects to sink.
func WithSink(sink EffectSink) BuildOption {
	return func(c *buildConfig) {
		c.sink = sink
	}
}

// Build instantiates the root graph with b. Engine faults raised while
// building are returned as errors.
func (p *Program) Build(b *engine.Builder, opts ...BuildOption) (*Instance, error) {
	cfg := &buildConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	inst := &Instance{
		Outputs: make(map[string]ir.SlotID),
		Inputs:  make(map[string]ir.SlotID),
		Effects: make(map[string]ir.SlotID),
	}
	err := engine.CatchFault(func() error {
		env := newEnv(nil, ir.SlotID{})
		bld := &builder{p: p, cfg: cfg, root: env}
		if err := bld.scope(b, "graph", p.Graph.Nodes, env); err != nil {
			return err
		}
		for _, d := range p.Graph.Nodes {
			switch d.Kind {
			case "producer", "bus":
				inst.Inputs[d.Name] = env.names[d.Name]
				inst.InputNames = append(inst.InputNames, d.Name)
			case "effect":
				inst.Effects[d.Name] = env.names[d.Name]
			}
		}
		slices.Sort(inst.InputNames)
		for _, out := range p.Graph.Outputs {
			slot, err := bld.resolve(b, env, out)
			if err != nil {
				return err
			}
			inst.Outputs[out] = slot
			inst.OutputNames = append(inst.OutputNames, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// env maps names to built slots. A blueprint body's env chains to the
// root env, matching the lexical scoping Validate checks.
type env struct {
	names map[string]ir.SlotID
	arms  map[string][]ir.SlotID
	input ir.SlotID
	// parent is set on blueprint envs. Names found there are read through
	// External so collections track them.
	parent    *env
	externals map[string]ir.SlotID
}

func newEnv(parent *env, input ir.SlotID) *env {
	return &env{
		names:     make(map[string]ir.SlotID),
		arms:      make(map[string][]ir.SlotID),
		input:     input,
		parent:    parent,
		externals: make(map[string]ir.SlotID),
	}
}

// lookup finds name, reporting whether it came from the parent env.
func (e *env) lookup(name string) (ir.SlotID, *env, bool) {
	if e.parent != nil && name == InputName {
		return e.input, e, true
	}
	if s, ok := e.names[name]; ok {
		return s, e, true
	}
	if e.parent != nil {
		return e.parent.lookup(name)
	}
	return ir.SlotID{}, nil, false
}

type builder struct {
	p    *Program
	cfg  *buildConfig
	root *env
}

// scope builds nodes in dependency order, then binds pads.
func (bld *builder) scope(b *engine.Builder, container string, nodes []NodeDef, en *env) error {
	var bodies map[string]*BlueprintDef
	if en.parent == nil {
		bodies = bld.p.Blueprints
	}
	for _, i := range buildOrder(nodes, bodies) {
		d := &nodes[i]
		slot, err := bld.node(b, container, d, en)
		if err != nil {
			return fmt.Errorf("%s.nodes.%s: %w", container, d.Name, err)
		}
		en.names[d.Name] = slot
	}
	for i := range nodes {
		d := &nodes[i]
		if d.Kind != "pad" || d.Bind == "" {
			continue
		}
		target, err := bld.resolve(b, en, d.Bind)
		if err != nil {
			return err
		}
		if err := b.Engine().Bind(en.names[d.Name], target); err != nil {
			return fmt.Errorf("%s.nodes.%s: %w", container, d.Name, err)
		}
	}
	return nil
}

// resolve turns a reference into a slot. Router fields and mux arms
// resolve to their child slots; names from the root env are read from a
// blueprint body through External, once per reference.
func (bld *builder) resolve(b *engine.Builder, en *env, s string) (ir.SlotID, error) {
	r, err := ParseRef(s)
	if err != nil {
		return ir.SlotID{}, err
	}
	slot, owner, ok := en.lookup(r.Node)
	if !ok {
		return ir.SlotID{}, fmt.Errorf("unknown node %q", r.Node)
	}
	switch {
	case r.Field != "":
		slot = b.Engine().Field(slot, r.Field)
	case r.Arm >= 0:
		arms := owner.arms[r.Node]
		if r.Arm >= len(arms) {
			return ir.SlotID{}, fmt.Errorf("reference %q: no such arm", s)
		}
		slot = arms[r.Arm]
	}
	if owner != en {
		if x, ok := en.externals[s]; ok {
			return x, nil
		}
		x := b.External(ir.NamedSource("external:"+s), slot)
		en.externals[s] = x
		return x, nil
	}
	return slot, nil
}

func (bld *builder) resolveAll(b *engine.Builder, en *env, refs []string) ([]ir.SlotID, error) {
	out := make([]ir.SlotID, len(refs))
	for i, r := range refs {
		s, err := bld.resolve(b, en, r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
