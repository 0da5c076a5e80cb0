package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
	"github.com/roach88/tickflow/internal/session"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Ticks   int
	Input   string
	Value   string
	Workers int
}

// BenchResult summarizes tick latencies.
type BenchResult struct {
	Ticks       int     `json:"ticks"`
	Evaluations int     `json:"evaluations"`
	Avg         string  `json:"avg"`
	Min         string  `json:"min"`
	P50         string  `json:"p50"`
	P95         string  `json:"p95"`
	P99         string  `json:"p99"`
	Max         string  `json:"max"`
	TicksPerSec float64 `json:"ticks_per_sec"`
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench <graph>",
		Short: "Measure tick latency",
		Long: `Run a graph for a number of ticks and report tick latency.

Before every tick the value is sent to the input, when one is named. The
run is not recorded.

Examples:
  tickflow bench --ticks 10000 --input inc --value 1 ./counter.cue
  tickflow bench --ticks 1000 --input todos --value milk --workers 4 ./todos.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Ticks, "ticks", 1000, "number of ticks to run")
	cmd.Flags().StringVar(&opts.Input, "input", "", "input to send the value to before each tick")
	cmd.Flags().StringVar(&opts.Value, "value", "1", "value sent each tick (YAML scalar)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "batch workers (default from config)")

	return cmd
}

func runBench(opts *BenchOptions, graphPath string, cmd *cobra.Command) error {
	ctx := context.Background()
	if opts.Ticks <= 0 {
		return NewExitError(ExitCommandError, "--ticks must be positive")
	}

	loaded, err := LoadProgram(graphPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load graph", err)
	}
	var value ir.Payload
	if opts.Input != "" {
		if value, err = parseValue(opts.Value); err != nil {
			return WrapExitError(ExitCommandError, "invalid --value", err)
		}
	}

	engineOpts := opts.config().EngineOptions()
	if opts.Workers > 0 {
		engineOpts = append(engineOpts, engine.WithWorkers(opts.Workers))
	}
	s, err := session.Start(ctx, loaded.Program,
		session.WithEngineOptions(engineOpts...),
		session.WithLogger(opts.Logger(cmd.ErrOrStderr())),
	)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start graph", err)
	}

	tach := tachymeter.New(&tachymeter.Config{Size: opts.Ticks})
	evaluations := 0
	wall := time.Now()
	for i := 0; i < opts.Ticks; i++ {
		start := time.Now()
		if opts.Input != "" {
			if _, err := s.Send(ctx, opts.Input, value); err != nil {
				return WrapExitError(ExitCommandError, "send failed", err)
			}
		}
		// Ticks are timed without hashing the outputs.
		report, err := s.Engine.Tick(ctx)
		tach.AddTime(time.Since(start))
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("tick %d failed", i+1), err)
		}
		evaluations += report.Evaluations
	}
	tach.SetWallTime(time.Since(wall))

	calc := tach.Calc()
	result := BenchResult{
		Ticks:       opts.Ticks,
		Evaluations: evaluations,
		Avg:         calc.Time.Avg.String(),
		Min:         calc.Time.Min.String(),
		P50:         calc.Time.P50.String(),
		P95:         calc.Time.P95.String(),
		P99:         calc.Time.P99.String(),
		Max:         calc.Time.Max.String(),
		TicksPerSec: calc.Rate.Second,
	}

	if opts.Format == "json" {
		return opts.formatter(cmd).Success(result)
	}

	tbl := newTable(cmd.OutOrStdout(), "Tick latency: "+loaded.Source)
	tbl.AppendHeader(table.Row{"ticks", "evaluations", "avg", "min", "p50", "p95", "p99", "max", "ticks/s"})
	tbl.AppendRow(table.Row{
		humanize.Comma(int64(result.Ticks)),
		humanize.Comma(int64(result.Evaluations)),
		result.Avg, result.Min, result.P50, result.P95, result.P99, result.Max,
		humanize.Comma(int64(result.TicksPerSec)),
	})
	tbl.Render()
	return nil
}
