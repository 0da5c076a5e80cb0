package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tickflow/internal/ir"
)

// EventFile is a stimulus script for the run command:
//
//	ticks:
//	  - send:
//	      - {input: inc, value: 1}
//	      - {input: todos, value: milk}
//	  - {}
//
// Every entry is one tick; its stimuli are delivered in order first.
type EventFile struct {
	Ticks []EventTick `yaml:"ticks"`
}

// EventTick is one tick of an EventFile.
type EventTick struct {
	Send []EventStimulus `yaml:"send,omitempty"`
}

// EventStimulus is one value for a named input.
type EventStimulus struct {
	Input string `yaml:"input"`
	Value any    `yaml:"value"`
}

// LoadEvents reads an event file, rejecting unknown keys.
func LoadEvents(path string) (*EventFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	var f EventFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse events file: %w", err)
	}
	for i, t := range f.Ticks {
		for j, s := range t.Send {
			if s.Input == "" {
				return nil, fmt.Errorf("ticks[%d].send[%d]: input is required", i, j)
			}
		}
	}
	return &f, nil
}

// parseValue reads a command-line value as a YAML scalar or flow
// collection, so "3", "true" and "{a: 1}" are typed payloads and anything
// else is text.
func parseValue(s string) (ir.Payload, error) {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parse value %q: %w", s, err)
	}
	return ir.FromCanonicalForm(v)
}
