package cli

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/compiler"
)

func loadErr(t *testing.T, err error) *LoadError {
	t.Helper()
	var le *LoadError
	require.True(t, errors.As(err, &le), "want *LoadError, got %v", err)
	return le
}

func TestLoadProgram_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), "counter.cue", counterCUE)

	res, err := LoadProgram(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, res.Files)
	assert.Equal(t, path, res.Source)
	assert.Len(t, res.Program.Graph.Nodes, 4)
	assert.Equal(t, []string{"count"}, res.Program.Graph.Outputs)
	assert.NotEmpty(t, res.Program.Hash)
}

func TestLoadProgram_DirectoryUnifiesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nodes.cue", `
graph: nodes: {
	inc:   {kind: "producer"}
	count: {kind: "register", initial: 0, step: "add", arg: 1, triggers: ["inc"]}
}
`)
	writeFile(t, dir, "outputs.cue", `graph: outputs: ["count"]`)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "sub/other.cue", "not: even: valid: cue: {")

	res, err := LoadProgram(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "nodes.cue"), filepath.Join(dir, "outputs.cue")}, res.Files)
	assert.Len(t, res.Program.Graph.Nodes, 2)
}

func TestLoadProgram_SameHashAsCompileString(t *testing.T) {
	path := writeFile(t, t.TempDir(), "counter.cue", counterCUE)
	res, err := LoadProgram(path)
	require.NoError(t, err)

	p, err := compiler.CompileString("counter.cue", counterCUE)
	require.NoError(t, err)
	assert.Equal(t, p.Hash, res.Program.Hash)
}

func TestLoadProgram_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string) string
		code  string
	}{
		{
			name:  "not found",
			setup: func(t *testing.T, dir string) string { return filepath.Join(dir, "missing.cue") },
			code:  ErrCodeNotFound,
		},
		{
			name:  "empty directory",
			setup: func(t *testing.T, dir string) string { return dir },
			code:  ErrCodeNoFiles,
		},
		{
			name: "not a cue file",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "graph.json", "{}")
			},
			code: ErrCodeGeneric,
		},
		{
			name: "syntax error",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "bad.cue", "graph: {")
			},
			code: ErrCodeLoadFailed,
		},
		{
			name: "schema violation",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "bad.cue", `
graph: {
	nodes: x: {kind: "sprocket"}
	outputs: ["x"]
}
`)
			},
			code: ErrCodeBuildFailed,
		},
		{
			name: "invalid graph",
			setup: func(t *testing.T, dir string) string {
				return writeFile(t, dir, "bad.cue", `
graph: {
	nodes: w: {kind: "wire", from: "nowhere"}
	outputs: ["w", "ghost"]
}
`)
			},
			code: ErrCodeInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadProgram(tt.setup(t, t.TempDir()))
			require.Error(t, err)
			assert.Equal(t, tt.code, loadErr(t, err).Code)
			assert.Equal(t, tt.code, loadErrorCode(err))
		})
	}
}

func TestLoadProgram_InvalidCollectsAllErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.cue", `
graph: {
	nodes: w: {kind: "wire", from: "nowhere"}
	outputs: ["w", "ghost"]
}
`)
	_, err := LoadProgram(path)
	le := loadErr(t, err)
	require.Len(t, le.Errors, 2)
	for _, verr := range le.Errors {
		assert.Equal(t, compiler.ErrUnknownReference, verr.Code)
	}
	assert.ErrorIs(t, compiler.ValidationErrors(le.Errors), compiler.ErrInvalidProgram)
}

func TestLoadError_Format(t *testing.T) {
	assert.Equal(t, "E005: graph not found: x", (&LoadError{Code: ErrCodeNotFound, Message: "graph not found: x"}).Error())
}

func TestFindCUEFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.cue", "")
	writeFile(t, dir, "a.cue", "")
	writeFile(t, dir, "c.yaml", "")

	files, err := FindCUEFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.cue"), filepath.Join(dir, "b.cue")}, files)
}
