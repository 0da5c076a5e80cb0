package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/compiler"
)

const unknownRefCUE = `
graph: {
	nodes: {
		inc:   {kind: "producer"}
		twice: {kind: "transform", op: "add", inputs: ["inc", "incc"]}
	}
	outputs: ["twice", "missing"]
}
`

func validate(format string, args ...string) (string, error) {
	return execute(NewValidateCommand(&RootOptions{Format: format}), args...)
}

func TestValidate_Valid(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "counter.cue", counterCUE)

	out, err := validate("text", graph)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+graph+" is valid: 4 node(s), 0 blueprint(s), outputs [count]")
}

func TestValidate_ValidJSON(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "counter.cue", counterCUE)

	out, err := validate("json", graph)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.Equal(t, 4, resp.Data.Nodes)
	assert.Equal(t, []string{"count"}, resp.Data.Outputs)
	assert.Len(t, resp.Data.Hash, 64)
}

func TestValidate_ReportsEveryError(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "bad.cue", unknownRefCUE)

	out, err := validate("text", graph)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "validation failed with 2 error(s)")
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, `E102: graph.nodes.twice: unknown node "incc"`)
	assert.Contains(t, out, `E102: graph.outputs[1]: unknown node "missing"`)
}

func TestValidate_ErrorsJSON(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "bad.cue", unknownRefCUE)

	out, err := validate("json", graph)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.Len(t, resp.Data.Errors, 2)
	assert.Equal(t, compiler.ErrUnknownReference, resp.Error.Code)
}

func TestValidate_SchemaViolation(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "bad.cue", `
graph: {
	nodes: x: {kind: "producer", colour: "red"}
	outputs: ["x"]
}
`)

	out, err := validate("text", graph)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E006: cue:")
}

func TestValidate_Cycle(t *testing.T) {
	graph := writeFile(t, t.TempDir(), "loop.cue", `
graph: {
	nodes: {
		a: {kind: "wire", from: "b"}
		b: {kind: "wire", from: "a"}
	}
	outputs: ["a"]
}
`)

	out, err := validate("text", graph)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "E108: graph: cycle without a pad: a -> b -> a")
}

func TestValidate_MissingPath(t *testing.T) {
	out, err := validate("text", filepath.Join(t.TempDir(), "missing.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeNotFound)
}

func TestValidate_EmptyDirectory(t *testing.T) {
	_, err := validate("text", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no CUE files found")
}

func TestValidateHelpText(t *testing.T) {
	cmd := NewValidateCommand(&RootOptions{})
	assert.Equal(t, "validate <graph>", cmd.Use)
	assert.Contains(t, cmd.Long, "pad")
}
