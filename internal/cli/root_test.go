package cli

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tickflow", cmd.Use)
	assert.Contains(t, cmd.Long, "ticks")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"run", "replay", "validate", "inspect", "test", "bench"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		command string
		flags   []string
	}{
		{"run", []string{"db", "events", "resume", "snapshot-every"}},
		{"replay", []string{"db", "run"}},
		{"inspect", []string{"db", "effects", "hashes"}},
		{"test", []string{"update", "filter", "golden"}},
		{"bench", []string{"ticks", "input", "value", "workers"}},
	}

	root := NewRootCommand()
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			sub, _, err := root.Find([]string{tt.command})
			require.NoError(t, err)
			for _, f := range tt.flags {
				assert.NotNil(t, sub.Flags().Lookup(f), "flag --%s", f)
			}
		})
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(NewRootCommand(), "--format", "xml", "validate", "x.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestRootCommand_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	graph := writeFile(t, dir, "counter.cue", counterCUE)
	cfg := writeFile(t, dir, "tickflow.toml", `
[engine]
max_rounds = 50

[log]
level = "error"
`)

	out, err := execute(NewRootCommand(), "--config", cfg, "validate", graph)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestRootCommand_BadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "tickflow.toml", "[engine]\nmax_rounds = 0\n")

	_, err := execute(NewRootCommand(), "--config", cfg, "validate", filepath.Join(dir, "x.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRootOptions_Logger(t *testing.T) {
	opts := &RootOptions{}
	logger := opts.Logger(nil)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug), "debug is off at the default level")

	opts.Verbose = true
	assert.True(t, opts.Logger(nil).Enabled(t.Context(), slog.LevelDebug))
}
