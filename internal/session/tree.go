package session

import (
	"fmt"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// Output is one named output of the program with its resolved tree.
type Output struct {
	Name string
	Tree *engine.TreeNode
}

// Outputs resolves every output in declaration order.
func (s *Session) Outputs() ([]Output, error) {
	out := make([]Output, 0, len(s.Instance.OutputNames))
	for _, name := range s.Instance.OutputNames {
		t, err := s.Engine.Tree(s.Instance.Outputs[name])
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		out = append(out, Output{Name: name, Tree: t})
	}
	return out, nil
}

// Canonical renders the keyed output trees as canonical JSON. Two runs
// produce the same bytes exactly when their outputs agree in both value
// and element identity.
func (s *Session) Canonical() ([]byte, error) {
	outs, err := s.Outputs()
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(outs))
	for _, o := range outs {
		m[o.Name] = o.Tree.Render()
	}
	return ir.MarshalCanonical(m)
}

// Hash returns the hash of Canonical.
func (s *Session) Hash() (string, error) {
	data, err := s.Canonical()
	if err != nil {
		return "", err
	}
	return ir.TreeHash(data), nil
}

// Values returns the plain value of every output, keyed by name.
func (s *Session) Values() (map[string]any, error) {
	outs, err := s.Outputs()
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(outs))
	for _, o := range outs {
		m[o.Name] = o.Tree.Plain()
	}
	return m, nil
}

// Value returns the plain value of one output.
func (s *Session) Value(name string) (any, error) {
	slot, ok := s.Instance.Outputs[name]
	if !ok {
		return nil, fmt.Errorf("unknown output %q", name)
	}
	t, err := s.Engine.Tree(slot)
	if err != nil {
		return nil, fmt.Errorf("output %s: %w", name, err)
	}
	return t.Plain(), nil
}
