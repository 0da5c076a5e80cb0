package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/engine"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[engine]
max_rounds = 50
workers = 4
domain = "shop"

[store]
path = "runs/shop.db"
snapshot_every = 10

[log]
level = "debug"
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, c.Engine.MaxRounds)
	assert.Equal(t, 4, c.Engine.Workers)
	assert.Equal(t, "shop", c.Engine.Domain)
	assert.Equal(t, filepath.Join(dir, "runs", "shop.db"), c.Store.Path)
	assert.Equal(t, uint64(10), c.Store.SnapshotEvery)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Len(t, c.EngineOptions(), 3)
}

func TestLoad_KeepsDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[log]
level = "info"
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultMaxRounds, c.Engine.MaxRounds)
	assert.Equal(t, "main", c.Engine.Domain)
	assert.Equal(t, 0, c.Engine.Workers)
	assert.Len(t, c.EngineOptions(), 2, "zero workers keeps the engine default")
}

func TestLoad_MemoryStoreNotResolved(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[store]
path = ":memory:"
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":memory:", c.Store.Path)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", "[engine\n", "parse error"},
		{"unknown key", "[engine]\nmax_round = 3\n", `unknown key "engine.max_round"`},
		{"zero rounds", "[engine]\nmax_rounds = 0\n", "max_rounds must be positive"},
		{"negative workers", "[engine]\nworkers = -1\n", "workers must not be negative"},
		{"empty domain", "[engine]\ndomain = \"\"\n", "domain must not be empty"},
		{"domain separator", "[engine]\ndomain = \"a:b\"\n", "must not contain"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFindAndLoad_WalksUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[engine]\nmax_rounds = 7\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Engine.MaxRounds)
	assert.Equal(t, filepath.Join(root, FileName), c.Path)
}

func TestFindAndLoad_DefaultsWhenAbsent(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
