package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/tickflow/internal/ir"
	"github.com/roach88/tickflow/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Effects  bool // list recorded effects
	Hashes   bool // list tick hashes

	// Effect filters.
	Node     string
	FromTick uint64
	ToTick   uint64
}

// RunSummary describes one stored run.
type RunSummary struct {
	RunID         string   `json:"run_id"`
	Source        string   `json:"source"`
	Domain        string   `json:"domain"`
	ProgramHash   string   `json:"program_hash"`
	EngineVersion string   `json:"engine_version"`
	CreatedAt     string   `json:"created_at"`
	Ticks         uint64   `json:"ticks"`
	Stimuli       int      `json:"stimuli"`
	Effects       int      `json:"effects"`
	SnapshotTicks []uint64 `json:"snapshot_ticks"`
}

// EffectRecord is one recorded effect payload.
type EffectRecord struct {
	Seq     int64  `json:"seq"`
	Tick    uint64 `json:"tick"`
	Node    string `json:"node"`
	Payload any    `json:"payload"`
}

// HashRecord is one tick's output hash.
type HashRecord struct {
	Tick uint64 `json:"tick"`
	Hash string `json:"hash"`
}

// InspectResult is the output of inspecting one run.
type InspectResult struct {
	Run     RunSummary     `json:"run"`
	Hashes  []HashRecord   `json:"hashes,omitempty"`
	Effects []EffectRecord `json:"effects,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [run-id]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded in a database.

Without a run ID, lists every run. With one, shows the run's summary and,
on request, its tick hashes and recorded effects.

Examples:
  tickflow inspect --db ./runs.db
  tickflow inspect --db ./runs.db 0190c2d6-... --effects --hashes
  tickflow inspect --db ./runs.db 0190c2d6-... --effects --node audit --from-tick 10
  tickflow inspect --db ./runs.db 0190c2d6-... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runListRuns(opts, cmd)
			}
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.Effects, "effects", false, "list recorded effects")
	cmd.Flags().BoolVar(&opts.Hashes, "hashes", false, "list tick hashes")
	cmd.Flags().StringVar(&opts.Node, "node", "", "only list effects of this node")
	cmd.Flags().Uint64Var(&opts.FromTick, "from-tick", 0, "only list effects at or after this tick")
	cmd.Flags().Uint64Var(&opts.ToTick, "to-tick", 0, "only list effects at or before this tick")

	return cmd
}

func (o *InspectOptions) open() (*store.Store, error) {
	path := o.Database
	if path == "" {
		path = o.config().Store.Path
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// effectFilter builds the store predicate for the effect filter flags.
func (o *InspectOptions) effectFilter(cmd *cobra.Command) store.Predicate {
	var where store.And
	if o.Node != "" {
		where = append(where, store.Equals{Column: "node", Value: o.Node})
	}
	if cmd.Flags().Changed("from-tick") {
		where = append(where, store.AtLeast{Column: "tick", Value: o.FromTick})
	}
	if cmd.Flags().Changed("to-tick") {
		where = append(where, store.AtMost{Column: "tick", Value: o.ToTick})
	}
	return where
}

func summarize(state store.RunState) RunSummary {
	snaps := state.SnapshotTicks
	if snaps == nil {
		snaps = []uint64{}
	}
	return RunSummary{
		RunID:         state.Run.ID,
		Source:        state.Run.Source,
		Domain:        string(state.Run.Domain),
		ProgramHash:   state.Run.ProgramHash,
		EngineVersion: state.Run.EngineVersion,
		CreatedAt:     state.Run.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Ticks:         state.LastTick,
		Stimuli:       state.Stimuli,
		Effects:       state.Effects,
		SnapshotTicks: snaps,
	}
}

func runListRuns(opts *InspectOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := opts.open()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		state, err := st.GetRunState(ctx, r.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read run", err)
		}
		summaries = append(summaries, summarize(state))
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(summaries)
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return nil
	}
	tbl := newTable(w, "Runs")
	tbl.AppendHeader(table.Row{"run", "source", "domain", "ticks", "stimuli", "effects", "snapshots", "created"})
	for i, s := range summaries {
		tbl.AppendRow(table.Row{
			s.RunID,
			s.Source,
			s.Domain,
			humanize.Comma(int64(s.Ticks)),
			humanize.Comma(int64(s.Stimuli)),
			humanize.Comma(int64(s.Effects)),
			len(s.SnapshotTicks),
			humanize.Time(runs[i].CreatedAt),
		})
	}
	tbl.Render()
	return nil
}

func runInspect(opts *InspectOptions, runID string, cmd *cobra.Command) error {
	ctx := context.Background()
	st, err := opts.open()
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.GetRunState(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		_ = opts.formatter(cmd).Error(ErrCodeNotFound, fmt.Sprintf("run %s not found", runID), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}
	result := InspectResult{Run: summarize(state)}

	if opts.Hashes {
		hashes, err := st.ReadTickHashes(ctx, runID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read tick hashes", err)
		}
		result.Hashes = make([]HashRecord, len(hashes))
		for i, h := range hashes {
			result.Hashes[i] = HashRecord{Tick: h.Tick, Hash: h.Hash}
		}
	}
	if opts.Effects {
		effects, err := st.QueryEffects(ctx, runID, opts.effectFilter(cmd))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read effects", err)
		}
		result.Effects = make([]EffectRecord, len(effects))
		for i, e := range effects {
			result.Effects[i] = EffectRecord{Seq: e.Seq, Tick: e.Tick, Node: e.Node, Payload: ir.CanonicalForm(e.Payload)}
		}
	}

	if opts.Format == "json" {
		f := opts.formatter(cmd)
		return f.JSON(CLIResponse{Status: "ok", Data: result, RunID: runID})
	}
	return outputInspectText(cmd.OutOrStdout(), result, state)
}

func outputInspectText(w io.Writer, result InspectResult, state store.RunState) error {
	s := result.Run
	tbl := newTable(w, "Run "+s.RunID)
	tbl.AppendRows([]table.Row{
		{"source", s.Source},
		{"domain", s.Domain},
		{"program", s.ProgramHash},
		{"engine", s.EngineVersion},
		{"created", fmt.Sprintf("%s (%s)", s.CreatedAt, humanize.Time(state.Run.CreatedAt))},
		{"ticks", humanize.Comma(int64(s.Ticks))},
		{"stimuli", humanize.Comma(int64(s.Stimuli))},
		{"effects", humanize.Comma(int64(s.Effects))},
		{"snapshots", fmt.Sprint(s.SnapshotTicks)},
	})
	tbl.Render()

	if len(result.Hashes) > 0 {
		tbl := newTable(w, "Tick hashes")
		tbl.AppendHeader(table.Row{"tick", "hash"})
		for _, h := range result.Hashes {
			tbl.AppendRow(table.Row{h.Tick, h.Hash})
		}
		tbl.Render()
	}
	if len(result.Effects) > 0 {
		tbl := newTable(w, "Effects")
		tbl.AppendHeader(table.Row{"seq", "tick", "node", "payload"})
		for _, e := range result.Effects {
			tbl.AppendRow(table.Row{e.Seq, e.Tick, e.Node, renderValue(e.Payload)})
		}
		tbl.Render()
	}
	return nil
}

func newTable(w io.Writer, title string) table.Writer {
	tbl := table.NewWriter()
	tbl.SetTitle(title)
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	return tbl
}
