package compiler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// transformOp is one entry of the operator library. Ops are total: a
// payload of the wrong kind yields a TypeError tagged value, never a panic.
type transformOp struct {
	// arity is the exact number of inputs, or -1 for any number.
	arity int
	// needsArg requires the node's arg attribute.
	needsArg bool
	fn       func(arg ir.Payload, in []ir.Payload) ir.Payload
}

var transformOps = map[string]transformOp{
	"identity": {arity: 1, fn: func(_ ir.Payload, in []ir.Payload) ir.Payload { return in[0] }},
	"const":    {arity: -1, needsArg: true, fn: func(arg ir.Payload, _ []ir.Payload) ir.Payload { return arg }},
	"add":      {arity: -1, fn: numericFold("add", 0, func(a, b int64) int64 { return a + b })},
	"mul":      {arity: -1, fn: numericFold("mul", 1, func(a, b int64) int64 { return a * b })},
	"neg": {arity: 1, fn: func(_ ir.Payload, in []ir.Payload) ir.Payload {
		n, ok := in[0].(ir.Number)
		if !ok {
			return typeError("neg", in[0])
		}
		return -n
	}},
	"not": {arity: 1, fn: func(_ ir.Payload, in []ir.Payload) ir.Payload {
		b, ok := in[0].(ir.Bool)
		if !ok {
			return typeError("not", in[0])
		}
		return !b
	}},
	"eq": {arity: -1, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		a, b, ok := pairOf(arg, in)
		if !ok {
			return typeError("eq", ir.NoValue{})
		}
		return ir.Bool(ir.Equal(a, b))
	}},
	"lt": {arity: -1, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		a, b, ok := pairOf(arg, in)
		if !ok {
			return typeError("lt", ir.NoValue{})
		}
		x, okx := a.(ir.Number)
		y, oky := b.(ir.Number)
		if !okx {
			return typeError("lt", a)
		}
		if !oky {
			return typeError("lt", b)
		}
		return ir.Bool(x < y)
	}},
	"format": {arity: -1, needsArg: true, fn: formatOp},
	"concat": {arity: -1, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		var sb strings.Builder
		for _, p := range in {
			sb.WriteString(textOf(p))
		}
		if !ir.IsNone(arg) {
			sb.WriteString(textOf(arg))
		}
		return ir.Text(sb.String())
	}},
	"tag": {arity: -1, needsArg: true, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		name, ok := arg.(ir.Text)
		if !ok {
			return typeError("tag", arg)
		}
		switch len(in) {
		case 0:
			return ir.Tag(name)
		case 1:
			if r, ok := in[0].(ir.Record); ok {
				return ir.TaggedObject{Tag: string(name), Fields: r}
			}
			return ir.Tagged(string(name), ir.F("value", in[0]))
		default:
			fields := make(ir.Record, len(in))
			for i, p := range in {
				fields["_"+strconv.Itoa(i)] = p
			}
			return ir.TaggedObject{Tag: string(name), Fields: fields}
		}
	}},
	"field": {arity: 1, needsArg: true, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		name, ok := arg.(ir.Text)
		if !ok {
			return typeError("field", arg)
		}
		switch v := in[0].(type) {
		case ir.Record:
			if f, ok := v[string(name)]; ok {
				return f
			}
		case ir.TaggedObject:
			if f, ok := v.Fields[string(name)]; ok {
				return f
			}
		default:
			return typeError("field", in[0])
		}
		return ir.NoValue{}
	}},
	"len": {arity: 1, fn: func(_ ir.Payload, in []ir.Payload) ir.Payload {
		switch v := in[0].(type) {
		case ir.Text:
			return ir.Number(utf8.RuneCountInString(string(v)))
		case ir.Record:
			return ir.Number(len(v))
		case ir.TaggedObject:
			return ir.Number(len(v.Fields))
		default:
			return typeError("len", in[0])
		}
	}},
	"wrap": {arity: 1, needsArg: true, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		name, ok := arg.(ir.Text)
		if !ok {
			return typeError("wrap", arg)
		}
		return ir.Record{string(name): in[0]}
	}},
	"flush_if": {arity: 1, needsArg: true, fn: func(arg ir.Payload, in []ir.Payload) ir.Payload {
		if ir.Equal(in[0], arg) {
			return ir.Flushed{Value: ir.Tagged("Flush", ir.F("value", in[0]))}
		}
		return in[0]
	}},
}

// stepOps are register step functions, parameterized by the node's arg.
var stepOps = map[string]func(arg ir.Payload) engine.StepFunc{
	// add adds arg to the state, or the event when arg is absent.
	"add": func(arg ir.Payload) engine.StepFunc {
		return func(state, event ir.Payload, _ int) ir.Payload {
			delta := arg
			if ir.IsNone(delta) {
				delta = event
			}
			s, ok1 := state.(ir.Number)
			d, ok2 := delta.(ir.Number)
			if !ok1 || !ok2 {
				return ir.NoValue{}
			}
			return s + d
		}
	},
	// set stores arg, or the event when arg is absent.
	"set": func(arg ir.Payload) engine.StepFunc {
		return func(_, event ir.Payload, _ int) ir.Payload {
			if ir.IsNone(arg) {
				return event
			}
			return arg
		}
	},
	"toggle": func(ir.Payload) engine.StepFunc {
		return func(state, _ ir.Payload, _ int) ir.Payload {
			b, ok := state.(ir.Bool)
			if !ok {
				return ir.Bool(true)
			}
			return !b
		}
	},
	// append joins the event text onto the state, separated by arg.
	"append": func(arg ir.Payload) engine.StepFunc {
		sep := textOf(arg)
		return func(state, event ir.Payload, _ int) ir.Payload {
			s := textOf(state)
			if s == "" {
				return ir.Text(textOf(event))
			}
			return ir.Text(s + sep + textOf(event))
		}
	},
}

// EffectSink receives the payloads of "record" effects.
type EffectSink interface {
	Record(ctx context.Context, node string, p ir.Payload) error
}

// effectOps build effect actions. name is the effect node's name.
var effectOps = map[string]func(name string, e *engine.Engine, sink EffectSink) engine.EffectFunc{
	"log": func(name string, e *engine.Engine, _ EffectSink) engine.EffectFunc {
		return func(_ context.Context, p ir.Payload) error {
			e.Logger().Info("effect",
				"node", name,
				"payload", ir.Format(p),
			)
			return nil
		}
	},
	"record": func(name string, _ *engine.Engine, sink EffectSink) engine.EffectFunc {
		return func(ctx context.Context, p ir.Payload) error {
			if sink == nil {
				return fmt.Errorf("effect %s: no sink configured", name)
			}
			return sink.Record(ctx, name, p)
		}
	},
}

// typeError is the value-level failure every op returns on a payload of
// the wrong kind.
func typeError(op string, p ir.Payload) ir.Payload {
	return ir.Tagged("TypeError",
		ir.F("op", ir.Text(op)),
		ir.F("kind", ir.Text(ir.KindName(p))),
	)
}

func numericFold(op string, unit int64, f func(a, b int64) int64) func(ir.Payload, []ir.Payload) ir.Payload {
	return func(arg ir.Payload, in []ir.Payload) ir.Payload {
		acc := unit
		for _, p := range in {
			n, ok := p.(ir.Number)
			if !ok {
				return typeError(op, p)
			}
			acc = f(acc, int64(n))
		}
		if !ir.IsNone(arg) {
			n, ok := arg.(ir.Number)
			if !ok {
				return typeError(op, arg)
			}
			acc = f(acc, int64(n))
		}
		return ir.Number(acc)
	}
}

// pairOf returns the two operands of a comparison: two inputs, or one input
// and arg.
func pairOf(arg ir.Payload, in []ir.Payload) (ir.Payload, ir.Payload, bool) {
	switch {
	case len(in) == 2:
		return in[0], in[1], true
	case len(in) == 1 && !ir.IsNone(arg):
		return in[0], arg, true
	default:
		return nil, nil, false
	}
}

// formatOp fills {0}, {1}, ... in the arg template with the inputs.
func formatOp(arg ir.Payload, in []ir.Payload) ir.Payload {
	tmpl, ok := arg.(ir.Text)
	if !ok {
		return typeError("format", arg)
	}
	pairs := make([]string, 0, 2*len(in))
	for i, p := range in {
		pairs = append(pairs, "{"+strconv.Itoa(i)+"}", textOf(p))
	}
	return ir.Text(strings.NewReplacer(pairs...).Replace(string(tmpl)))
}

// textOf renders text payloads bare and everything else with ir.Format.
func textOf(p ir.Payload) string {
	switch v := p.(type) {
	case nil, ir.NoValue:
		return ""
	case ir.Text:
		return string(v)
	default:
		return ir.Format(p)
	}
}
