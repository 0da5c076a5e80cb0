package cli

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/store"
)

func replay(args ...string) (string, error) {
	return execute(NewReplayCommand(&RootOptions{Format: "text"}), args...)
}

func TestReplay_Deterministic(t *testing.T) {
	graph, db := recordCounter(t)

	out, err := replay("--db", db, graph)
	require.NoError(t, err)
	assert.Contains(t, out, "Replay Summary: 1 run(s)")
	assert.Contains(t, out, "✓ Run: run-1")
	assert.Contains(t, out, "4 ticks, 4 stimuli")
	assert.Contains(t, out, "✓ All runs verified deterministic")
}

func TestReplay_Verbose(t *testing.T) {
	graph, db := recordCounter(t)

	out, err := execute(NewReplayCommand(&RootOptions{Format: "text", Verbose: true}), "--db", db, graph)
	require.NoError(t, err)
	assert.Contains(t, out, "Ticks: 4")
	assert.Contains(t, out, "Stimuli: 4")
	assert.Contains(t, out, "Effects: 5 (recorded 5)")
}

func TestReplay_JSON(t *testing.T) {
	graph, db := recordCounter(t)

	out, err := execute(NewReplayCommand(&RootOptions{Format: "json"}), "--db", db, graph)
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.AllDeterministic)
	require.Len(t, resp.Data.Runs, 1)
	run := resp.Data.Runs[0]
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, uint64(4), run.Ticks)
	assert.Equal(t, 4, run.Stimuli)
	assert.Equal(t, 5, run.Effects)
	assert.Equal(t, 5, run.RecordedEffects)
	assert.Zero(t, run.DivergedAt)
}

func TestReplay_SpecificRun(t *testing.T) {
	graph, db := recordCounter(t)

	out, err := replay("--db", db, "--run", "run-1", graph)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Run: run-1")

	_, err = replay("--db", db, "--run", "missing", graph)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplay_DetectsDivergence(t *testing.T) {
	graph, db := recordCounter(t)

	st, err := store.Open(db)
	require.NoError(t, err)
	require.NoError(t, st.WriteTickHash(t.Context(), "run-1", store.TickHash{Tick: 2, Hash: strings.Repeat("0", 64)}))
	require.NoError(t, st.Close())

	out, err := replay("--db", db, graph)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Run: run-1")
	assert.Contains(t, out, "Warning: outputs diverge at tick 2")
	assert.Contains(t, out, "✗ Determinism verification failed")
}

func TestReplay_DivergenceJSON(t *testing.T) {
	graph, db := recordCounter(t)

	st, err := store.Open(db)
	require.NoError(t, err)
	require.NoError(t, st.WriteTickHash(t.Context(), "run-1", store.TickHash{Tick: 3, Hash: strings.Repeat("f", 64)}))
	require.NoError(t, st.Close())

	out, diag, err := executeStreams(NewReplayCommand(&RootOptions{Format: "json"}), "--db", db, graph)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, diag, "replay diverged", "logs stay off stdout")

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
		Error  *CLIError    `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDeterminism, resp.Error.Code)
	assert.Equal(t, uint64(3), resp.Data.Runs[0].DivergedAt)
}

func TestReplay_ChangedGraph(t *testing.T) {
	_, db := recordCounter(t)
	changed := writeFile(t, t.TempDir(), "counter.cue", `
graph: {
	nodes: inc: {kind: "producer"}
	outputs: ["inc"]
}
`)

	out, err := replay("--db", db, changed)
	require.NoError(t, err)
	assert.Contains(t, out, "- Run: run-1 (skipped: recorded with a different graph)")

	_, err = replay("--db", db, "--run", "run-1", changed)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplay_EmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	graph := writeFile(t, dir, "counter.cue", counterCUE)

	out, err := replay("--db", filepath.Join(dir, "empty.db"), graph)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found in database.")
}

func TestReplay_MissingGraph(t *testing.T) {
	_, db := recordCounter(t)

	_, err := replay("--db", db, filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplayHelpText(t *testing.T) {
	cmd := NewReplayCommand(&RootOptions{})
	assert.Equal(t, "replay <graph>", cmd.Use)
	assert.Contains(t, cmd.Long, "Exit codes")
	assert.NotNil(t, cmd.Flags().Lookup("run"))
}
