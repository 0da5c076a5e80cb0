package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/ir"
)

func TestUnwrap_BindingBoundary(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	p := b.Producer(named("p"), ir.Flushed{Value: ir.Tag("Err")})
	plain := b.Wire(named("plain"), p)
	unwrapped := b.Unwrap(named("unwrapped"), p)
	settle(t, e)

	assert.Equal(t, ir.Flushed{Value: ir.Tag("Err")}, value(t, e, plain))
	assert.Equal(t, ir.Tag("Err"), value(t, e, unwrapped))
}

func TestRouter_Fields(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	rec := b.Producer(named("rec"), ir.Record{"title": ir.Text("milk"), "done": ir.Bool(false)})
	r := b.Router(named("r"), rec, "title")
	title := b.Field(r, "title")
	settle(t, e)

	assert.Equal(t, ir.ObjectHandle{Slot: r}, value(t, e, r))
	assert.Equal(t, ir.Text("milk"), value(t, e, title))
	assert.Equal(t, title, e.Field(r, "title"), "children are stable")

	// A late child starts from the current field value.
	done := e.Field(r, "done")
	settle(t, e)
	assert.Equal(t, ir.Bool(false), value(t, e, done))

	send(t, e, rec, ir.Record{"title": ir.Text("eggs")})
	tick(t, e)
	assert.Equal(t, ir.Text("eggs"), value(t, e, title))
	assert.Equal(t, ir.NoValue{}, value(t, e, done), "missing field reads NoValue")

	addr, _ := e.AddressOf(title)
	assert.Equal(t, ir.FieldPort("title"), addr.Port)
}

func TestRouter_ObjectDelta(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), ir.Record{"a": ir.Number(1), "b": ir.Number(2)})
	r := b.Router(named("r"), in, "a", "b")
	a, bb := e.Field(r, "a"), e.Field(r, "b")
	settle(t, e)

	send(t, e, in, ir.ObjectDelta{Ops: []ir.FieldOp{
		{Kind: ir.FieldUpdate, Field: "a", Value: ir.Number(10)},
		{Kind: ir.FieldRemove, Field: "b"},
	}})
	tick(t, e)

	assert.Equal(t, ir.Number(10), value(t, e, a))
	assert.Equal(t, ir.NoValue{}, value(t, e, bb))
}

func TestRouter_UnchangedFieldIsNotRedelivered(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), ir.Record{"a": ir.Number(1), "b": ir.Number(2)})
	r := b.Router(named("r"), in, "a", "b")
	a := e.Field(r, "a")
	settle(t, e)
	before, _ := e.Node(a)

	send(t, e, in, ir.Record{"a": ir.Number(1), "b": ir.Number(3)})
	tick(t, e)

	after, _ := e.Node(a)
	assert.Equal(t, before.Version, after.Version)
}

func TestRouter_FlushReachesEveryChild(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), ir.Record{"a": ir.Number(1)})
	r := b.Router(named("r"), in, "a")
	a := e.Field(r, "a")
	settle(t, e)

	flush := ir.Flushed{Value: ir.Tag("Err")}
	send(t, e, in, flush)
	tick(t, e)
	assert.Equal(t, flush, value(t, e, r))
	assert.Equal(t, flush, value(t, e, a))

	// The same record after a flush is delivered again.
	send(t, e, in, ir.Record{"a": ir.Number(1)})
	tick(t, e)
	assert.Equal(t, ir.ObjectHandle{Slot: r}, value(t, e, r))
	assert.Equal(t, ir.Number(1), value(t, e, a))
}

func TestTransform_WaitsForEveryInput(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	x := b.Producer(named("x"), ir.Number(2))
	y := b.Producer(named("y"), nil)
	sum := b.Transform(named("sum"), func(in []ir.Payload) ir.Payload {
		return in[0].(ir.Number) + in[1].(ir.Number)
	}, x, y)
	settle(t, e)
	assert.Equal(t, ir.NoValue{}, value(t, e, sum))

	send(t, e, y, ir.Number(3))
	tick(t, e)
	assert.Equal(t, ir.Number(5), value(t, e, sum))

	send(t, e, x, ir.Number(10))
	tick(t, e)
	assert.Equal(t, ir.Number(13), value(t, e, sum))
}

func TestTransform_NoInputsComputesOnce(t *testing.T) {
	e := newTestEngine()
	calls := 0
	c := e.Root().Transform(named("const"), func([]ir.Payload) ir.Payload {
		calls++
		return ir.Text("k")
	})
	settle(t, e)
	tick(t, e)

	assert.Equal(t, ir.Text("k"), value(t, e, c))
	assert.Equal(t, 1, calls)
}

func TestTransform_FlushBypassesFunction(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	x := b.Producer(named("x"), ir.Number(1))
	y := b.Producer(named("y"), ir.Number(1))
	calls := 0
	sum := b.Transform(named("sum"), func(in []ir.Payload) ir.Payload {
		calls++
		return in[0].(ir.Number) + in[1].(ir.Number)
	}, x, y)
	settle(t, e)
	require.Equal(t, 1, calls)

	flush := ir.Flushed{Value: ir.Tag("Boom")}
	send(t, e, y, flush)
	tick(t, e)
	assert.Equal(t, flush, value(t, e, sum))
	assert.Equal(t, 1, calls)

	send(t, e, y, ir.Number(4))
	tick(t, e)
	assert.Equal(t, ir.Number(5), value(t, e, sum))
}

func TestRegister_StoresPayloadWithoutStep(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	set := b.Producer(named("set"), nil)
	reg := b.Register(named("reg"), RegisterSpec{Initial: ir.Text("a"), Triggers: []ir.SlotID{set}})
	settle(t, e)
	assert.Equal(t, ir.Text("a"), value(t, e, reg))

	send(t, e, set, ir.Text("b"))
	tick(t, e)
	assert.Equal(t, ir.Text("b"), value(t, e, reg))
}

func TestRegister_StepSeesTriggerIndex(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	inc := b.Producer(named("inc"), nil)
	dec := b.Producer(named("dec"), nil)
	reg := b.Register(named("reg"), RegisterSpec{
		Initial: ir.Number(0),
		Step: func(s, _ ir.Payload, input int) ir.Payload {
			if input == 0 {
				return s.(ir.Number) + 1
			}
			return s.(ir.Number) - 1
		},
		Triggers: []ir.SlotID{inc, dec},
	})
	settle(t, e)

	send(t, e, inc, ir.Tag("Inc"))
	send(t, e, inc, ir.Tag("Inc"))
	send(t, e, dec, ir.Tag("Dec"))
	tick(t, e)
	assert.Equal(t, ir.Number(1), value(t, e, reg))
}

// counterGraph is a register counting inc events, reset by reset.
func counterGraph(b *Builder) (inc, reset, count ir.SlotID) {
	inc = b.Producer(named("inc"), nil)
	reset = b.Producer(named("reset"), nil)
	count = b.Register(named("count"), RegisterSpec{
		Initial:  ir.Number(0),
		Step:     func(s, _ ir.Payload, _ int) ir.Payload { return s.(ir.Number) + 1 },
		Triggers: []ir.SlotID{inc},
		Reset:    reset,
	})
	return inc, reset, count
}

func TestRegister_ResetBeforeLaterEventsInTick(t *testing.T) {
	e := newTestEngine()
	inc, reset, count := counterGraph(e.Root())
	settle(t, e)

	incAddr, _ := e.AddressOf(inc)
	resetAddr, _ := e.AddressOf(reset)

	// reset then inc: the inc applies on top of the reset.
	require.NoError(t, e.Enqueue(Stimulus{Target: resetAddr, Payload: ir.Number(10), Marker: e.NextMarker()}))
	require.NoError(t, e.Enqueue(Stimulus{Target: incAddr, Payload: ir.Tag("Inc"), Marker: e.NextMarker()}))
	tick(t, e)
	assert.Equal(t, ir.Number(11), value(t, e, count))

	// inc then reset: the reset supersedes the older inc.
	require.NoError(t, e.Enqueue(Stimulus{Target: incAddr, Payload: ir.Tag("Inc"), Marker: e.NextMarker()}))
	require.NoError(t, e.Enqueue(Stimulus{Target: resetAddr, Payload: ir.Number(20), Marker: e.NextMarker()}))
	tick(t, e)
	assert.Equal(t, ir.Number(20), value(t, e, count))
}

func TestRegister_ResetWinsAtEqualMarker(t *testing.T) {
	e := newTestEngine()
	inc, reset, count := counterGraph(e.Root())
	settle(t, e)

	incAddr, _ := e.AddressOf(inc)
	resetAddr, _ := e.AddressOf(reset)
	m := e.NextMarker()
	require.NoError(t, e.Enqueue(Stimulus{Target: incAddr, Payload: ir.Tag("Inc"), Marker: m}))
	require.NoError(t, e.Enqueue(Stimulus{Target: resetAddr, Payload: ir.Number(5), Marker: m}))
	tick(t, e)

	assert.Equal(t, ir.Number(6), value(t, e, count))
}

func TestRegister_CommitsAtTickEnd(t *testing.T) {
	e := newTestEngine()
	inc, _, count := counterGraph(e.Root())
	settle(t, e)

	send(t, e, inc, ir.Tag("Inc"))
	tick(t, e)

	n, _ := e.Node(count)
	assert.Equal(t, ir.Number(1), n.Kind.(*Register).State())
}

func TestRegister_FlushPassesThroughWithoutChangingState(t *testing.T) {
	e := newTestEngine()
	inc, _, count := counterGraph(e.Root())
	settle(t, e)

	flush := ir.Flushed{Value: ir.Tag("Err")}
	send(t, e, inc, flush)
	tick(t, e)
	assert.Equal(t, flush, value(t, e, count))

	send(t, e, inc, ir.Tag("Inc"))
	tick(t, e)
	assert.Equal(t, ir.Number(1), value(t, e, count))
}

func TestMux_RoutesToFirstMatchingArm(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	mux, arms := b.Mux(named("m"), in, false,
		TagPattern{Tag: "Ok", Fields: map[string]Pattern{"value": Bind{Name: "v"}}},
		TagPattern{Tag: "Err"},
	)
	require.Len(t, arms, 2)
	settle(t, e)

	send(t, e, in, ir.Tagged("Ok", ir.F("value", ir.Number(1))))
	tick(t, e)
	assert.True(t, ir.Equal(ir.Record{"v": ir.Number(1)}, value(t, e, arms[0])))
	assert.True(t, ir.Equal(ir.Record{"v": ir.Number(1)}, value(t, e, mux)))

	send(t, e, in, ir.Tag("Err"))
	tick(t, e)
	assert.Equal(t, ir.Tag("Err"), value(t, e, arms[1]))
	assert.Equal(t, ir.Tag("Err"), value(t, e, mux), "the mux output carries the selected value")
	assert.True(t, ir.Equal(ir.Record{"v": ir.Number(1)}, value(t, e, arms[0])), "an arm only carries its own matches")

	addr, _ := e.AddressOf(arms[1])
	assert.Equal(t, ir.ArmPort(1), addr.Port)
}

func TestMux_UnmatchedFlushesMatchError(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	mux, _ := b.Mux(named("m"), in, false, Literal{Value: ir.Number(1)})
	settle(t, e)

	send(t, e, in, ir.Number(7))
	report := tick(t, e)

	require.Len(t, report.Errors, 1)
	assert.True(t, IsUnmatched(report.Errors[0]))
	assert.True(t, ir.Equal(matchError(ir.Number(7)), value(t, e, mux)))
}

func TestMux_PartialIgnoresUnmatched(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	mux, _ := b.Mux(named("m"), in, true, Literal{Value: ir.Number(1)})
	settle(t, e)

	send(t, e, in, ir.Number(7))
	report := tick(t, e)

	assert.Empty(t, report.Errors)
	assert.Equal(t, ir.NoValue{}, value(t, e, mux))
}

func TestMux_FlushBypassesArms(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	mux, arms := b.Mux(named("m"), in, false, Wildcard{})
	settle(t, e)

	flush := ir.Flushed{Value: ir.Tag("Err")}
	send(t, e, in, flush)
	tick(t, e)

	assert.Equal(t, flush, value(t, e, mux))
	assert.Equal(t, ir.NoValue{}, value(t, e, arms[0]))
}

func TestMux_FlushedArmUnwraps(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	_, arms := b.Mux(named("m"), in, false, FlushedPattern{}, Wildcard{})
	settle(t, e)

	send(t, e, in, ir.Flushed{Value: ir.Tag("Err")})
	tick(t, e)
	assert.Equal(t, ir.Tag("Err"), value(t, e, arms[0]))
}

func switchArms() []SwitchArm {
	return []SwitchArm{
		{
			Pattern: TagPattern{Tag: "Num", Fields: map[string]Pattern{"n": Bind{Name: "n"}}},
			Body: func(ab *Builder, in ir.SlotID) ir.SlotID {
				return ab.Transform(named("double"), func(v []ir.Payload) ir.Payload {
					return v[0].(ir.Record)["n"].(ir.Number) * 2
				}, in)
			},
		},
		{
			Pattern: Wildcard{},
			Body: func(ab *Builder, in ir.SlotID) ir.SlotID {
				return ab.Wire(named("echo"), in)
			},
		},
	}
}

func TestSwitch_KeepsArmWhileMatching(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	sw := b.Switch(named("sw"), in, switchArms()...)
	settle(t, e)

	send(t, e, in, ir.Tagged("Num", ir.F("n", ir.Number(2))))
	tick(t, e)
	assert.Equal(t, ir.Number(4), value(t, e, sw))

	n, _ := e.Node(sw)
	k := n.Kind.(*SwitchedWire)
	out := k.armOutput
	scope := k.armScope
	require.Equal(t, 0, k.active)

	send(t, e, in, ir.Tagged("Num", ir.F("n", ir.Number(5))))
	tick(t, e)
	assert.Equal(t, ir.Number(10), value(t, e, sw))
	assert.Equal(t, out, k.armOutput, "same arm is not rebuilt")
	assert.True(t, e.Valid(out))

	send(t, e, in, ir.Text("x"))
	tick(t, e)
	assert.Equal(t, ir.Text("x"), value(t, e, sw))
	assert.Equal(t, 1, k.active)
	assert.False(t, e.Valid(out), "old arm is torn down")
	assert.Equal(t, 0, e.ScopeSize(scope))
}

func TestSwitch_RebuiltArmReusesAddresses(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	sw := b.Switch(named("sw"), in, switchArms()...)
	settle(t, e)

	send(t, e, in, ir.Tagged("Num", ir.F("n", ir.Number(1))))
	tick(t, e)
	n, _ := e.Node(sw)
	k := n.Kind.(*SwitchedWire)
	first, _ := e.AddressOf(k.armOutput)

	send(t, e, in, ir.Text("x"))
	tick(t, e)
	send(t, e, in, ir.Tagged("Num", ir.F("n", ir.Number(3))))
	tick(t, e)

	second, _ := e.AddressOf(k.armOutput)
	assert.Equal(t, first, second)
	assert.Equal(t, ir.Number(6), value(t, e, sw))
}

func TestSwitch_UnmatchedTearsDownArm(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	in := b.Producer(named("in"), nil)
	sw := b.Switch(named("sw"), in, switchArms()[0])
	settle(t, e)

	send(t, e, in, ir.Tagged("Num", ir.F("n", ir.Number(2))))
	tick(t, e)
	n, _ := e.Node(sw)
	k := n.Kind.(*SwitchedWire)
	out := k.armOutput

	send(t, e, in, ir.Text("nope"))
	report := tick(t, e)

	require.Len(t, report.Errors, 1)
	assert.True(t, IsUnmatched(report.Errors[0]))
	assert.False(t, e.Valid(out))
	assert.Equal(t, -1, k.active)
}

func TestCombiner_FlushedInputBypassesSelection(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	src := b.Producer(named("src"), ir.NoValue{})
	ok := b.Transform(named("ok"), func(v []ir.Payload) ir.Payload { return v[0] }, src)
	bad := b.Transform(named("bad"), func(v []ir.Payload) ir.Payload {
		if n := v[0].(ir.Number); n < 0 {
			return ir.Flushed{Value: ir.Tagged("Err", ir.F("n", n))}
		}
		return v[0]
	}, src)
	c := b.Combiner(named("either"), ok, bad)
	settle(t, e)

	send(t, e, src, ir.Number(1))
	tick(t, e)
	assert.Equal(t, ir.Number(1), value(t, e, c))

	send(t, e, src, ir.Number(-1))
	tick(t, e)
	assert.Equal(t, ir.Flushed{Value: ir.Tagged("Err", ir.F("n", ir.Number(-1)))}, value(t, e, c),
		"a flush is re-emitted even when another input is as recent")

	send(t, e, src, ir.Number(2))
	tick(t, e)
	assert.Equal(t, ir.Number(2), value(t, e, c))
}

func TestCombiner_LowestFlushedInputWins(t *testing.T) {
	e := newTestEngine()
	b := e.Root()
	src := b.Producer(named("src"), ir.NoValue{})
	flagged := func(name string) ir.SlotID {
		return b.Transform(named(name), func([]ir.Payload) ir.Payload {
			return ir.Flushed{Value: ir.Tag(name)}
		}, src)
	}
	second := flagged("second")
	first := flagged("first")
	c := b.Combiner(named("either"), first, second)
	settle(t, e)

	send(t, e, src, ir.Number(1))
	tick(t, e)
	assert.Equal(t, ir.Flushed{Value: ir.Tag("first")}, value(t, e, c))
}
