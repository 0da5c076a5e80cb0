package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/roach88/tickflow/internal/compiler"
	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
	"github.com/roach88/tickflow/internal/session"
	"github.com/roach88/tickflow/internal/store"
	"github.com/roach88/tickflow/internal/testutil"
)

// Harness is the test execution engine for one scenario.
type Harness struct {
	program *compiler.Program
	store   *store.Store
	session *session.Session
	clock   *testutil.ManualClock
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Compile the graph file
// 2. Start a recorded session on a fresh engine
// 3. Run every tick, checking its expectations
// 4. Evaluate assertions on the finished run
//
// Errors in the scenario itself (unknown inputs, payloads that are not
// canonical values) abort the run; failed expectations only fail the
// result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	program, err := compileGraph(scenario.Graph)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewManualClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	engineOpts := []engine.EngineOption{engine.WithWallClock(clock.Now)}
	if scenario.MaxRounds > 0 {
		engineOpts = append(engineOpts, engine.WithMaxRounds(scenario.MaxRounds))
	}
	if scenario.Workers > 0 {
		engineOpts = append(engineOpts, engine.WithWorkers(scenario.Workers))
	}

	s, err := session.Start(ctx, program,
		session.WithStore(st, scenario.Graph),
		session.WithRunIDs(testutil.NewFixedRunIDGenerator(scenario.RunID)),
		session.WithEngineOptions(engineOpts...),
		session.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	h := &Harness{
		program: program,
		store:   st,
		session: s,
		clock:   clock,
		logger:  logger,
	}

	result := NewResult()
	result.RunID = s.RunID()
	for i, step := range scenario.Ticks {
		if err := h.executeTick(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("ticks[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Program: program,
		Store:   st,
		Session: s,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func compileGraph(path string) (*compiler.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	p, err := compiler.CompileString(path, string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to compile graph: %w", err)
	}
	return p, nil
}

// executeTick delivers one step's stimuli, runs the tick and checks the
// step's expectations.
func (h *Harness) executeTick(ctx context.Context, index int, step TickStep, result *Result) error {
	if step.Advance != "" {
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		h.clock.Advance(d)
	}

	for j, stim := range step.Send {
		p, err := ir.FromCanonicalForm(stim.Value)
		if err != nil {
			return fmt.Errorf("send[%d]: value: %w", j, err)
		}
		if _, err := h.session.Send(ctx, stim.Input, p); err != nil {
			return fmt.Errorf("send[%d]: %w", j, err)
		}
	}

	res, err := h.session.Tick(ctx)
	if err != nil && !engine.IsNoQuiescence(err) {
		return err
	}

	rec := TickRecord{Tick: res.Report.Tick, Hash: res.Hash}
	if err != nil {
		rec.Errors = append(rec.Errors, string(engine.ErrCodeNoQuiescence))
	}
	for _, rerr := range res.Report.Errors {
		rec.Errors = append(rec.Errors, errorCode(rerr))
	}
	if rec.Outputs, err = h.session.Values(); err != nil {
		return err
	}
	result.Ticks = append(result.Ticks, rec)

	h.logger.Debug("scenario tick",
		"step", index,
		"tick", rec.Tick,
		"errors", len(rec.Errors),
	)

	for _, name := range sortedKeys(step.Expect) {
		want := step.Expect[name]
		got, ok := rec.Outputs[name]
		if !ok {
			result.AddError(fmt.Sprintf("ticks[%d]: unknown output %q", index, name))
			continue
		}
		if !valuesEqual(got, want) {
			result.AddError(fmt.Sprintf("ticks[%d]: output %s = %s, want %s",
				index, name, render(got), render(want)))
		}
	}

	if step.Errors != nil && !slices.Equal(nonNil(rec.Errors), step.Errors) {
		result.AddError(fmt.Sprintf("ticks[%d]: errors = %v, want %v", index, rec.Errors, step.Errors))
	}
	return nil
}

// errorCode returns the RuntimeError code of err, or "ERROR".
func errorCode(err error) string {
	var rerr *engine.RuntimeError
	if errors.As(err, &rerr) {
		return string(rerr.Code)
	}
	return "ERROR"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
