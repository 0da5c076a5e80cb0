package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
	"github.com/roach88/tickflow/internal/session"
	"github.com/roach88/tickflow/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database      string
	Events        string
	Resume        string
	SnapshotEvery uint64

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs store.RunIDGenerator
}

// RunTick is one tick of a run as reported by run and replay.
type RunTick struct {
	Tick    uint64         `json:"tick"`
	Hash    string         `json:"hash"`
	Outputs map[string]any `json:"outputs"`
	Errors  []string       `json:"errors,omitempty"`
}

// RunResult is the output of the run command.
type RunResult struct {
	RunID   string    `json:"run_id"`
	Resumed bool      `json:"resumed,omitempty"`
	Ticks   []RunTick `json:"ticks"`
	Effects int       `json:"effects"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <graph>",
		Short: "Run a graph and record it",
		Long: `Run a graph, feeding it the stimuli of an events file one tick at a
time, and record the run in a SQLite database.

The graph is a .cue file or a directory of them. Every stimulus, tick hash
and recorded effect is stored so the run can later be replayed or resumed.
Outputs are printed after every tick.

Example:
  tickflow run --db ./runs.db --events ./events.yaml ./counter.cue
  tickflow run --db ./runs.db --resume 0190c2d6-... --events more.yaml ./counter.cue
  tickflow run --db :memory: ./counter.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Events, "events", "", "YAML file of stimuli, one entry per tick")
	cmd.Flags().StringVar(&opts.Resume, "resume", "", "continue a stored run from its latest snapshot")
	cmd.Flags().Uint64Var(&opts.SnapshotEvery, "snapshot-every", 0, "snapshot after every n ticks (default from config)")

	return cmd
}

func runGraph(opts *RunOptions, graphPath string, cmd *cobra.Command) error {
	cfg := opts.config()
	logger := opts.Logger(cmd.ErrOrStderr())

	loaded, err := LoadProgram(graphPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load graph", err)
	}
	logger.Debug("graph compiled", "files", len(loaded.Files), "hash", loaded.Program.Hash)

	var events EventFile
	if opts.Events != "" {
		f, err := LoadEvents(opts.Events)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load events", err)
		}
		events = *f
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	snapshotEvery := cfg.Store.SnapshotEvery
	if cmd.Flags().Changed("snapshot-every") {
		snapshotEvery = opts.SnapshotEvery
	}
	sessOpts := []session.Option{
		session.WithStore(st, graphPath),
		session.WithEngineOptions(cfg.EngineOptions()...),
		session.WithSnapshotEvery(snapshotEvery),
		session.WithLogger(logger),
	}
	if opts.RunIDs != nil {
		sessOpts = append(sessOpts, session.WithRunIDs(opts.RunIDs))
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var s *session.Session
	if opts.Resume != "" {
		s, err = session.Resume(ctx, loaded.Program, st, opts.Resume, sessOpts...)
	} else {
		s, err = session.Start(ctx, loaded.Program, sessOpts...)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, session.ErrProgramChanged) {
			return WrapExitError(ExitCommandError, "cannot resume run", err)
		}
		return WrapExitError(ExitFailure, "failed to start run", err)
	}
	logger.Info("run started", "run_id", s.RunID(), "db", dbPath, "resumed", opts.Resume != "")

	result := RunResult{RunID: s.RunID(), Resumed: opts.Resume != "", Ticks: []RunTick{}}
	if len(events.Ticks) == 0 {
		// Nothing to feed: report the settled outputs.
		rec, err := currentTick(s, nil)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read outputs", err)
		}
		result.Ticks = append(result.Ticks, rec)
	}

	for i, et := range events.Ticks {
		if err := ctx.Err(); err != nil {
			logger.Info("run interrupted", "tick", s.Engine.Clock().Tick())
			break
		}
		for j, stim := range et.Send {
			p, err := ir.FromCanonicalForm(stim.Value)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("ticks[%d].send[%d]", i, j), err)
			}
			if _, err := s.Send(ctx, stim.Input, p); err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("ticks[%d].send[%d]", i, j), err)
			}
		}
		res, err := s.Tick(ctx)
		if err != nil && !engine.IsNoQuiescence(err) {
			return WrapExitError(ExitFailure, fmt.Sprintf("tick %d failed", i+1), err)
		}
		rec, verr := currentTick(s, res)
		if verr != nil {
			return WrapExitError(ExitFailure, "failed to read outputs", verr)
		}
		if err != nil {
			rec.Errors = append([]string{string(engine.ErrCodeNoQuiescence)}, rec.Errors...)
		}
		result.Ticks = append(result.Ticks, rec)
	}
	result.Effects = len(s.Effects())

	if opts.Format == "json" {
		return opts.formatter(cmd).JSON(CLIResponse{Status: "ok", Data: result, RunID: result.RunID})
	}
	return outputRunText(cmd, result)
}

// currentTick reads the outputs after res, or the current outputs when
// res is nil.
func currentTick(s *session.Session, res *session.TickResult) (RunTick, error) {
	rec := RunTick{Tick: s.Engine.Clock().Tick()}
	if res != nil {
		rec.Tick, rec.Hash = res.Report.Tick, res.Hash
		for _, err := range res.Report.Errors {
			rec.Errors = append(rec.Errors, errorCode(err))
		}
	}
	if rec.Hash == "" {
		hash, err := s.Hash()
		if err != nil {
			return rec, err
		}
		rec.Hash = hash
	}
	values, err := s.Values()
	if err != nil {
		return rec, err
	}
	rec.Outputs = values
	return rec, nil
}

// errorCode returns the RuntimeError code of err, or "ERROR".
func errorCode(err error) string {
	var rerr *engine.RuntimeError
	if errors.As(err, &rerr) {
		return string(rerr.Code)
	}
	return "ERROR"
}

func outputRunText(cmd *cobra.Command, result RunResult) error {
	w := cmd.OutOrStdout()
	verb := "Run"
	if result.Resumed {
		verb = "Resumed run"
	}
	fmt.Fprintf(w, "%s %s\n", verb, result.RunID)
	for _, t := range result.Ticks {
		fmt.Fprintf(w, "tick %d: %s\n", t.Tick, renderValue(t.Outputs))
		for _, code := range t.Errors {
			fmt.Fprintf(w, "  error: %s\n", code)
		}
	}
	fmt.Fprintf(w, "%d tick(s), %d effect(s) recorded\n", len(result.Ticks), result.Effects)
	return nil
}

// renderValue formats a plain value as canonical JSON.
func renderValue(v any) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
