// Package config handles tickflow.toml project configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "tickflow.toml"

// Config represents a tickflow.toml file.
type Config struct {
	Engine Engine `toml:"engine"`
	Store  Store  `toml:"store"`
	Log    Log    `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	// Empty for the defaults.
	Path string `toml:"-"`
}

// Engine configures the evaluator.
type Engine struct {
	MaxRounds int    `toml:"max_rounds"`
	Workers   int    `toml:"workers"`
	Domain    string `toml:"domain"`
}

// Store configures the run log.
type Store struct {
	Path string `toml:"path"`
	// SnapshotEvery takes an engine snapshot after every n ticks.
	// Zero disables periodic snapshots.
	SnapshotEvery uint64 `toml:"snapshot_every"`
}

// Log configures the structured logger.
type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Engine: Engine{
			MaxRounds: engine.DefaultMaxRounds,
			Domain:    string(ir.DefaultDomain),
		},
		Store: Store{Path: "tickflow.db"},
		Log:   Log{Level: "warn"},
	}
}

// Load parses the file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// A relative store path is relative to the file.
	if c.Store.Path != "" && c.Store.Path != ":memory:" && !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(filepath.Dir(c.Path), c.Store.Path)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a tickflow.toml file and
// loads it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return Default(), nil
		}
		dir = parent
	}
}

func (c *Config) validate() error {
	if c.Engine.MaxRounds < 1 {
		return fmt.Errorf("engine.max_rounds must be positive, got %d", c.Engine.MaxRounds)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative, got %d", c.Engine.Workers)
	}
	if c.Engine.Domain == "" {
		return fmt.Errorf("engine.domain must not be empty")
	}
	if strings.ContainsAny(c.Engine.Domain, ":@#") {
		return fmt.Errorf("engine.domain %q: must not contain ':', '@' or '#'", c.Engine.Domain)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// EngineOptions returns the engine options the configuration selects.
// Workers left at zero keep the engine default.
func (c *Config) EngineOptions() []engine.EngineOption {
	opts := []engine.EngineOption{
		engine.WithMaxRounds(c.Engine.MaxRounds),
		engine.WithDomain(ir.Domain(c.Engine.Domain)),
	}
	if c.Engine.Workers > 0 {
		opts = append(opts, engine.WithWorkers(c.Engine.Workers))
	}
	return opts
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
