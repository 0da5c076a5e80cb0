package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines one test run of a graph.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Graph is the path to the CUE graph definition.
	// Relative paths are resolved against the scenario file's directory.
	Graph string `yaml:"graph"`

	// RunID is an optional fixed run ID.
	// If empty, defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`

	// MaxRounds overrides the engine's drain bound when positive.
	MaxRounds int `yaml:"max_rounds,omitempty"`

	// Workers sets the batch parallelism when positive. Results must not
	// depend on it.
	Workers int `yaml:"workers,omitempty"`

	// Ticks are run in order, one engine tick each.
	Ticks []TickStep `yaml:"ticks"`

	// Assertions validate the finished run.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Stimulus is one value delivered to a named input.
type Stimulus struct {
	Input string `yaml:"input"`
	Value any    `yaml:"value"`
}

// TickStep is one engine tick.
type TickStep struct {
	// Advance moves the wall clock forward before the tick (e.g. "2s").
	Advance string `yaml:"advance,omitempty"`

	// Send lists the stimuli delivered before the tick, in order.
	Send []Stimulus `yaml:"send,omitempty"`

	// Expect maps output names to their values after the tick.
	// Outputs not named are not checked.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Errors lists the runtime error codes the tick must report, in order.
	// If nil, errors are not checked.
	Errors []string `yaml:"errors,omitempty"`
}

// Assertion validates the finished run.
type Assertion struct {
	// Type specifies the assertion type (see the Assert constants).
	Type string `yaml:"type"`

	// Output names the output (used by final_output and item_count).
	Output string `yaml:"output,omitempty"`

	// Value is the expected output value (used by final_output).
	Value any `yaml:"value,omitempty"`

	// Node names the effect node (used by effect_count and effects).
	Node string `yaml:"node,omitempty"`

	// Count is the expected number (used by effect_count and item_count).
	Count int `yaml:"count,omitempty"`

	// Values are the expected effect payloads (used by effects).
	Values []any `yaml:"values,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalOutput   = "final_output"
	AssertItemCount     = "item_count"
	AssertEffectCount   = "effect_count"
	AssertEffects       = "effects"
	AssertNoErrors      = "no_errors"
	AssertDeterministic = "deterministic"
)

// LoadScenario reads and parses a scenario YAML file, resolving the graph
// path against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the graph path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "tick:" vs "ticks:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Graph != "" && !filepath.IsAbs(scenario.Graph) && basePath != "" {
		scenario.Graph = filepath.Join(basePath, scenario.Graph)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Graph == "" {
		return fmt.Errorf("graph is required")
	}
	if _, err := os.Stat(s.Graph); os.IsNotExist(err) {
		return fmt.Errorf("graph file not found: %s", s.Graph)
	}

	if len(s.Ticks) == 0 {
		return fmt.Errorf("ticks list is required and must be non-empty")
	}

	if s.MaxRounds < 0 || s.Workers < 0 {
		return fmt.Errorf("max_rounds and workers must not be negative")
	}

	for i, step := range s.Ticks {
		if step.Advance != "" {
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("ticks[%d].advance: %w", i, err)
			}
			if d < 0 {
				return fmt.Errorf("ticks[%d].advance: must not be negative", i)
			}
		}
		for j, st := range step.Send {
			if st.Input == "" {
				return fmt.Errorf("ticks[%d].send[%d]: input is required", i, j)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalOutput:
		if a.Output == "" {
			return fmt.Errorf("assertions[%d]: output is required for final_output", index)
		}
	case AssertItemCount:
		if a.Output == "" {
			return fmt.Errorf("assertions[%d]: output is required for item_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for item_count", index)
		}
	case AssertEffectCount:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for effect_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for effect_count", index)
		}
	case AssertEffects:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for effects", index)
		}
	case AssertNoErrors, AssertDeterministic:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
