package compiler

import (
	"fmt"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// node builds one definition in en and returns its slot.
func (bld *builder) node(b *engine.Builder, container string, d *NodeDef, en *env) (ir.SlotID, error) {
	src := bld.p.sources[sourceKey(container, d.Name)]
	from := func() (ir.SlotID, error) {
		if d.From == "" {
			return ir.SlotID{}, nil
		}
		return bld.resolve(b, en, d.From)
	}

	switch d.Kind {
	case "producer":
		value := d.Value
		if value == nil {
			value = ir.NoValue{}
		}
		return b.Producer(src, value), nil

	case "wire", "unwrap", "router", "effect", "mux", "switch", "map", "retain":
		in, err := from()
		if err != nil {
			return ir.SlotID{}, err
		}
		return bld.fed(b, src, d, en, in)

	case "combiner":
		inputs, err := bld.resolveAll(b, en, d.Inputs)
		if err != nil {
			return ir.SlotID{}, err
		}
		return b.Combiner(src, inputs...), nil

	case "register":
		spec := engine.RegisterSpec{Initial: d.Initial}
		if d.Step != "" {
			spec.Step = stepOps[d.Step](d.Arg)
		}
		triggers, err := bld.resolveAll(b, en, d.Triggers)
		if err != nil {
			return ir.SlotID{}, err
		}
		spec.Triggers = triggers
		if d.Reset != "" {
			if spec.Reset, err = bld.resolve(b, en, d.Reset); err != nil {
				return ir.SlotID{}, err
			}
		}
		return b.Register(src, spec), nil

	case "transform":
		inputs, err := bld.resolveAll(b, en, d.Inputs)
		if err != nil {
			return ir.SlotID{}, err
		}
		op, arg := transformOps[d.Op], d.Arg
		return b.Transform(src, func(in []ir.Payload) ir.Payload {
			return op.fn(arg, in)
		}, inputs...), nil

	case "bus":
		var commands ir.SlotID
		if d.Commands != "" {
			var err error
			if commands, err = bld.resolve(b, en, d.Commands); err != nil {
				return ir.SlotID{}, err
			}
		}
		var body engine.Blueprint
		if d.Body != "" {
			body = bld.blueprint(d.Body)
		}
		return b.Bus(src, commands, body), nil

	case "pad":
		return b.Pad(src), nil

	case "timer":
		return b.Timer(src, d.Timer), nil

	case "call":
		arg, err := from()
		if err != nil {
			return ir.SlotID{}, err
		}
		return b.Call(src, bld.blueprint(d.Body), arg), nil
	}
	return ir.SlotID{}, fmt.Errorf("unknown kind %q", d.Kind)
}

// fed builds the kinds driven by a single from input.
func (bld *builder) fed(b *engine.Builder, src ir.SourceID, d *NodeDef, en *env, in ir.SlotID) (ir.SlotID, error) {
	switch d.Kind {
	case "wire":
		return b.Wire(src, in), nil
	case "unwrap":
		return b.Unwrap(src, in), nil
	case "router":
		return b.Router(src, in, d.Fields...), nil
	case "effect":
		return b.Effect(src, in, effectOps[d.Action](d.Name, b.Engine(), bld.cfg.sink)), nil

	case "mux":
		patterns := make([]engine.Pattern, len(d.Arms))
		for i, a := range d.Arms {
			patterns[i] = a.Pattern
		}
		slot, arms := b.Mux(src, in, d.Partial, patterns...)
		en.arms[d.Name] = arms
		return slot, nil

	case "switch":
		arms := make([]engine.SwitchArm, len(d.Arms))
		for i, a := range d.Arms {
			arms[i] = engine.SwitchArm{Pattern: a.Pattern, Body: bld.blueprint(a.Body)}
		}
		return b.Switch(src, in, arms...), nil

	case "map":
		if d.Op == "" {
			return b.Map(src, in, bld.blueprint(d.Body)), nil
		}
		externals, err := bld.resolveAll(b, en, d.Externals)
		if err != nil {
			return ir.SlotID{}, err
		}
		op, arg := transformOps[d.Op], d.Arg
		return b.MapPure(src, in, func(item ir.Payload, ext []ir.Payload) ir.Payload {
			args := make([]ir.Payload, 0, 1+len(ext))
			return op.fn(arg, append(append(args, item), ext...))
		}, externals...), nil

	case "retain":
		return b.Retain(src, in, bld.blueprint(d.Body)), nil
	}
	return ir.SlotID{}, fmt.Errorf("unknown kind %q", d.Kind)
}

// blueprint returns the engine blueprint instantiating the named body. The
// body runs in its own env whose parent is the root env, so it is only
// instantiated once the root graph exists.
func (bld *builder) blueprint(name string) engine.Blueprint {
	bp := bld.p.Blueprints[name]
	container := "blueprints." + name
	return func(b *engine.Builder, input ir.SlotID) ir.SlotID {
		en := newEnv(bld.root, input)
		if err := bld.scope(b, container, bp.Nodes, en); err != nil {
			panic(fmt.Sprintf("compiler: instantiate %s: %v", container, err))
		}
		out, err := bld.resolve(b, en, bp.Output)
		if err != nil {
			panic(fmt.Sprintf("compiler: instantiate %s: %v", container, err))
		}
		return out
	}
}
