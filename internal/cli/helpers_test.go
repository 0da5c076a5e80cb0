package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/testutil"
)

const counterCUE = `
graph: {
	nodes: {
		inc:   {kind: "producer"}
		reset: {kind: "producer"}
		count: {kind: "register", initial: 0, step: "add", arg: 1, triggers: ["inc"], reset: "reset"}
		audit: {kind: "effect", from: "count", action: "record"}
	}
	outputs: ["count"]
}
`

const counterEvents = `
ticks:
  - send:
      - {input: inc, value: 1}
  - send:
      - {input: inc, value: 1}
  - send:
      - {input: reset, value: 0}
  - send:
      - {input: inc, value: 1}
`

// writeFile writes content to name inside dir and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs cmd with args, returning what it wrote to stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	out, _, err := executeStreams(cmd, args...)
	return out, err
}

// executeStreams runs cmd with args, returning stdout and stderr apart.
func executeStreams(cmd *cobra.Command, args ...string) (stdout, stderr string, err error) {
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

// recordCounter records one counter run in a fresh database and returns
// the graph and database paths.
func recordCounter(t *testing.T) (graph, db string) {
	t.Helper()
	dir := t.TempDir()
	graph = writeFile(t, dir, "counter.cue", counterCUE)
	events := writeFile(t, dir, "events.yaml", counterEvents)
	db = filepath.Join(dir, "runs.db")

	opts := &RunOptions{RootOptions: &RootOptions{Format: "text"}}
	opts.RunIDs = testutil.NewFixedRunIDGenerator("run-1")
	_, err := execute(newRunCommand(opts), "--db", db, "--events", events, graph)
	require.NoError(t, err)
	return graph, db
}
