package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBench_JSON(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "counter.cue", counterCUE)

	out, err := execute(NewBenchCommand(&RootOptions{Format: "json"}),
		"--ticks", "5", "--input", "inc", "--value", "1", graph)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   BenchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 5, resp.Data.Ticks)
	assert.Positive(t, resp.Data.Evaluations)
	assert.NotEmpty(t, resp.Data.P99)
}

func TestBench_Text(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "counter.cue", counterCUE)

	out, err := execute(NewBenchCommand(&RootOptions{Format: "text"}), "--ticks", "3", "--workers", "2", graph)
	require.NoError(t, err)
	assert.Contains(t, out, "Tick latency")
	assert.Contains(t, out, "P99")
}

func TestBench_Errors(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "counter.cue", counterCUE)

	tests := []struct {
		name string
		args []string
	}{
		{name: "zero ticks", args: []string{"--ticks", "0", graph}},
		{name: "unknown input", args: []string{"--ticks", "1", "--input", "dec", graph}},
		{name: "float value", args: []string{"--ticks", "1", "--input", "inc", "--value", "1.5", graph}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(NewBenchCommand(&RootOptions{Format: "text"}), tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}
