package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/tickflow/internal/compiler"
	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
	"github.com/roach88/tickflow/internal/session"
	"github.com/roach88/tickflow/internal/store"
	"github.com/roach88/tickflow/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	// Ticks is the run so far, for context.
	Ticks []TickRecord
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Ticks) > 0 {
		fmt.Fprintf(&buf, "\nTicks:\n")
		for _, t := range e.Ticks {
			fmt.Fprintf(&buf, "  [%d] %s", t.Tick, render(t.Outputs))
			if len(t.Errors) > 0 {
				fmt.Fprintf(&buf, " errors=%v", t.Errors)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Program *compiler.Program
	Store   *store.Store
	Session *session.Session
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalOutput:
			err = assertFinalOutput(result, a)
		case AssertItemCount:
			err = assertItemCount(result, a)
		case AssertEffectCount:
			err = assertEffectCount(result, actx.Session.Effects(), a)
		case AssertEffects:
			err = assertEffects(result, actx.Session.Effects(), a)
		case AssertNoErrors:
			err = assertNoErrors(result)
		case AssertDeterministic:
			err = assertDeterministic(result, actx)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func finalOutput(result *Result, name string) (any, bool) {
	final := result.Final()
	if final == nil {
		return nil, false
	}
	v, ok := final.Outputs[name]
	return v, ok
}

// assertFinalOutput checks an output's value after the last tick.
func assertFinalOutput(result *Result, a Assertion) error {
	got, ok := finalOutput(result, a.Output)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalOutput,
			Expected: fmt.Sprintf("output %s = %s", a.Output, render(a.Value)),
			Actual:   "no such output",
		}
	}
	if !valuesEqual(got, a.Value) {
		return &AssertionError{
			Type:     AssertFinalOutput,
			Expected: fmt.Sprintf("output %s = %s", a.Output, render(a.Value)),
			Actual:   render(got),
			Ticks:    result.Ticks,
		}
	}
	return nil
}

// assertItemCount checks the length of a list output after the last tick.
func assertItemCount(result *Result, a Assertion) error {
	got, _ := finalOutput(result, a.Output)
	items, ok := got.([]any)
	if !ok {
		return &AssertionError{
			Type:     AssertItemCount,
			Expected: fmt.Sprintf("list output %s", a.Output),
			Actual:   render(got),
		}
	}
	if len(items) != a.Count {
		return &AssertionError{
			Type:     AssertItemCount,
			Expected: fmt.Sprintf("%d items in %s", a.Count, a.Output),
			Actual:   fmt.Sprintf("%d items", len(items)),
			Ticks:    result.Ticks,
		}
	}
	return nil
}

func effectsOf(effects []session.Effect, node string) []any {
	var out []any
	for _, e := range effects {
		if e.Node == node {
			out = append(out, ir.CanonicalForm(e.Payload))
		}
	}
	return out
}

// assertEffectCount checks how many payloads an effect node received.
func assertEffectCount(result *Result, effects []session.Effect, a Assertion) error {
	got := effectsOf(effects, a.Node)
	if len(got) != a.Count {
		return &AssertionError{
			Type:     AssertEffectCount,
			Expected: fmt.Sprintf("%d effects from %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d effects: %s", len(got), render(got)),
			Ticks:    result.Ticks,
		}
	}
	return nil
}

// assertEffects checks the payloads an effect node received, in order.
func assertEffects(result *Result, effects []session.Effect, a Assertion) error {
	got := effectsOf(effects, a.Node)
	if !valuesEqual(nonNilAny(got), nonNilAny(a.Values)) {
		return &AssertionError{
			Type:     AssertEffects,
			Expected: fmt.Sprintf("effects from %s = %s", a.Node, render(nonNilAny(a.Values))),
			Actual:   render(nonNilAny(got)),
			Ticks:    result.Ticks,
		}
	}
	return nil
}

// assertNoErrors checks that no tick reported a runtime error.
func assertNoErrors(result *Result) error {
	for _, t := range result.Ticks {
		if len(t.Errors) > 0 {
			return &AssertionError{
				Type:     AssertNoErrors,
				Expected: "no runtime errors",
				Actual:   fmt.Sprintf("tick %d reported %v", t.Tick, t.Errors),
				Ticks:    result.Ticks,
			}
		}
	}
	return nil
}

// assertDeterministic replays the recorded run on a fresh engine and
// checks every tick hash and the effect count. The replay runs under a
// clock that never advances, so wall-time timers do not fire in it.
func assertDeterministic(result *Result, actx *AssertionContext) error {
	res, err := session.Replay(actx.Ctx, actx.Program, actx.Store, result.RunID,
		session.WithEngineOptions(engine.WithWallClock(testutil.NewManualClock().Now)),
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if res.Diverged {
		return &AssertionError{
			Type:     AssertDeterministic,
			Expected: fmt.Sprintf("tick %d hash %s", res.Divergence.Tick, res.Divergence.Want),
			Actual:   fmt.Sprintf("hash %q", res.Divergence.Got),
		}
	}
	if res.Effects != res.RecordedEffects {
		return &AssertionError{
			Type:     AssertDeterministic,
			Expected: fmt.Sprintf("%d effects", res.RecordedEffects),
			Actual:   fmt.Sprintf("%d effects", res.Effects),
		}
	}
	return nil
}

// valuesEqual compares two plain values by their canonical JSON. This
// treats the int kinds YAML decodes to as equal to int64 outputs.
func valuesEqual(actual, expected any) bool {
	a, err := ir.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	b, err := ir.MarshalCanonical(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// render formats a plain value as canonical JSON for messages.
func render(v any) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func nonNilAny(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
