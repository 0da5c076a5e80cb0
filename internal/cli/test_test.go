package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

// scenarioDir writes the counter graph and one scenario driving it.
func scenarioDir(t *testing.T, secondCount int) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "counter.cue", counterCUE)
	writeFile(t, dir, "twice.yaml", `
name: twice
description: Two increments of the counter
graph: counter.cue
ticks:
  - send:
      - {input: inc, value: 1}
    expect: {count: 1}
  - send:
      - {input: inc, value: 1}
    expect: {count: `+strconv.Itoa(secondCount)+`}
assertions:
  - type: no_errors
`)
	return dir
}

func runTestCmd(format string, args ...string) (string, error) {
	return execute(NewTestCommand(&RootOptions{Format: format}), args...)
}

func TestTestCommand_HarnessScenarios(t *testing.T) {
	out, err := runTestCmd("text", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ counter")
	assert.Contains(t, out, "✓ todos")
	assert.Contains(t, out, "✓ alarm")
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := runTestCmd("json", harnessScenarios, "--golden", harnessGolden, "--filter", "count*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "counter", resp.Data.Scenarios[0].Name)
	assert.True(t, resp.Data.Scenarios[0].Pass)
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := scenarioDir(t, 2)
	golden := filepath.Join(dir, "golden", "twice.golden")

	out, err := runTestCmd("text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ twice (golden updated)")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_id":"test-run-default","scenario_name":"twice","ticks":[
		{"outputs":{"count":1},"tick":1},
		{"outputs":{"count":2},"tick":2}]}`, string(data))

	out, err = runTestCmd("text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ twice\n")

	require.NoError(t, os.WriteFile(golden, []byte(`{"ticks":[]}`), 0644))
	out, err = runTestCmd("text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ twice")
	assert.Contains(t, out, "Golden file mismatch (run with --update to regenerate)")
}

func TestTestCommand_ExpectationFailure(t *testing.T) {
	dir := scenarioDir(t, 7)

	out, err := runTestCmd("text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ twice")
	assert.Contains(t, out, "ticks[1]: output count = 2, want 7")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommand_FailureJSON(t *testing.T) {
	dir := scenarioDir(t, 7)

	out, err := runTestCmd("json", dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
}

func TestTestCommand_BrokenScenario(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\ntick: []\n")

	out, err := runTestCmd("text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_NoScenarios(t *testing.T) {
	out, err := runTestCmd("text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")

	out, err = runTestCmd("json", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 0`)
}

func TestTestCommand_MissingPath(t *testing.T) {
	_, err := runTestCmd("text", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFilterScenarios(t *testing.T) {
	files := []string{"a/counter.yaml", "a/todos.yml", "b/count_down.yaml"}

	got, err := filterScenarios(files, "count*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/counter.yaml", "b/count_down.yaml"}, got)

	got, err = filterScenarios(files, "")
	require.NoError(t, err)
	assert.Equal(t, files, got)

	_, err = filterScenarios(files, "[")
	require.Error(t, err)
}

func TestGoldenPath(t *testing.T) {
	opts := &TestOptions{}
	assert.Equal(t, filepath.Join("s", "golden", "x.golden"), opts.goldenPath(filepath.Join("s", "x.yaml"), "x"))

	opts.Golden = "g"
	assert.Equal(t, filepath.Join("g", "x.golden"), opts.goldenPath(filepath.Join("s", "x.yaml"), "x"))
}
