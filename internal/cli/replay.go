package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tickflow/internal/session"
	"github.com/roach88/tickflow/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - specific run only
}

// ReplayRunResult holds the replay result for a single run.
type ReplayRunResult struct {
	RunID           string `json:"run_id"`
	Ticks           uint64 `json:"ticks"`
	Stimuli         int    `json:"stimuli"`
	Effects         int    `json:"effects"`
	RecordedEffects int    `json:"recorded_effects"`
	Deterministic   bool   `json:"deterministic"`
	// DivergedAt is the first tick whose output hash differs.
	DivergedAt uint64 `json:"diverged_at,omitempty"`
	// Skipped explains why a run was not replayed.
	Skipped string `json:"skipped,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs             []ReplayRunResult `json:"runs"`
	TotalRuns        int               `json:"total_runs"`
	AllDeterministic bool              `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <graph>",
		Short: "Replay recorded runs and verify determinism",
		Long: `Replay recorded runs against a fresh build of the graph.

Every stored stimulus is delivered again, tick by tick, and each tick's
output hash is compared with the recorded one. Runs recorded with a
different graph definition are skipped.

Exit codes:
  0 - All runs are deterministic
  1 - Determinism verification failed (differences detected)
  2 - Command error (database not found, etc.)

Examples:
  tickflow replay --db ./runs.db ./counter.cue
  tickflow replay --db ./runs.db --run 0190c2d6-... ./counter.cue
  tickflow replay --db ./runs.db ./counter.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "replay specific run only")

	return cmd
}

func runReplay(opts *ReplayOptions, graphPath string, cmd *cobra.Command) error {
	ctx := context.Background()
	cfg := opts.config()
	logger := opts.Logger(cmd.ErrOrStderr())

	loaded, err := LoadProgram(graphPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load graph", err)
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	// Get runs to process
	var runIDs []string
	if opts.RunID != "" {
		runIDs = []string{opts.RunID}
	} else {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
		for _, r := range runs {
			runIDs = append(runIDs, r.ID)
		}
	}

	result := ReplayResult{
		Runs:             make([]ReplayRunResult, 0, len(runIDs)),
		TotalRuns:        len(runIDs),
		AllDeterministic: true,
	}

	for _, id := range runIDs {
		res, err := session.Replay(ctx, loaded.Program, st, id,
			session.WithEngineOptions(cfg.EngineOptions()...),
			session.WithLogger(logger),
		)
		switch {
		case errors.Is(err, session.ErrProgramChanged) && opts.RunID == "":
			result.Runs = append(result.Runs, ReplayRunResult{RunID: id, Deterministic: true, Skipped: "recorded with a different graph"})
			continue
		case err != nil:
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay run %s", id), err)
		}

		rr := ReplayRunResult{
			RunID:           id,
			Ticks:           res.Ticks,
			Stimuli:         res.Stimuli,
			Effects:         res.Effects,
			RecordedEffects: res.RecordedEffects,
			Deterministic:   res.Deterministic(),
		}
		if res.Diverged {
			rr.DivergedAt = res.Divergence.Tick
		}
		if !rr.Deterministic {
			result.AllDeterministic = false
		}
		result.Runs = append(result.Runs, rr)
	}

	if opts.Format == "json" {
		return outputReplayJSON(opts.formatter(cmd), result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(f *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.AllDeterministic {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeDeterminism,
			Message: "determinism verification failed",
		}
	}
	if err := f.JSON(response); err != nil {
		return err
	}

	if !result.AllDeterministic {
		// Determinism failure = exit code 1
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.TotalRuns == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", result.TotalRuns)
	fmt.Fprintln(w)

	for _, run := range result.Runs {
		if run.Skipped != "" {
			fmt.Fprintf(w, "- Run: %s (skipped: %s)\n\n", run.RunID, run.Skipped)
			continue
		}
		status := "✓"
		if !run.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s Run: %s\n", status, run.RunID)

		if verbose {
			fmt.Fprintf(w, "  Ticks: %d\n", run.Ticks)
			fmt.Fprintf(w, "  Stimuli: %d\n", run.Stimuli)
			fmt.Fprintf(w, "  Effects: %d (recorded %d)\n", run.Effects, run.RecordedEffects)
		} else {
			fmt.Fprintf(w, "  %d ticks, %d stimuli\n", run.Ticks, run.Stimuli)
		}

		if run.DivergedAt > 0 {
			fmt.Fprintf(w, "  Warning: outputs diverge at tick %d\n", run.DivergedAt)
		} else if run.Effects != run.RecordedEffects {
			fmt.Fprintf(w, "  Warning: %d effects replayed, %d recorded\n", run.Effects, run.RecordedEffects)
		}
		fmt.Fprintln(w)
	}

	if result.AllDeterministic {
		fmt.Fprintln(w, "✓ All runs verified deterministic")
		return nil
	}

	fmt.Fprintln(w, "✗ Determinism verification failed")
	// Determinism failure = exit code 1
	return NewExitError(ExitFailure, "determinism verification failed")
}
