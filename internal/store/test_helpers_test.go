package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/compiler"
	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun registers a run with minimal required fields.
func createTestRun(t *testing.T, s *Store, id string) Run {
	t.Helper()
	run := Run{
		ID:            id,
		ProgramHash:   "test-hash",
		Source:        "test.cue",
		Domain:        ir.DefaultDomain,
		EngineVersion: ir.EngineVersion,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

const shopSrc = `
graph: {
	nodes: {
		inc:   {kind: "producer"}
		count: {kind: "register", initial: 0, step: "add", arg: 1, triggers: ["inc"]}
		todos: {kind: "bus"}
		loud:  {kind: "map", from: "todos", op: "format", arg: "{0}!"}
		label: {kind: "transform", op: "format", arg: "n={0}", inputs: ["count"]}
	}
	outputs: ["count", "loud", "label"]
}
`

type shop struct {
	e    *engine.Engine
	inst *compiler.Instance
}

func newEngine() *engine.Engine {
	return engine.New(engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// buildShop compiles shopSrc on e. When snap is set the engine is restored
// from it first.
func buildShop(t *testing.T, e *engine.Engine, snap *engine.Snapshot) shop {
	t.Helper()
	p, err := compiler.CompileString("shop.cue", shopSrc)
	require.NoError(t, err)
	if snap != nil {
		require.NoError(t, e.Restore(snap))
	}
	inst, err := p.Build(e.Root())
	require.NoError(t, err)
	if snap != nil {
		require.NoError(t, e.EndRestore())
	}
	_, err = e.Settle(context.Background())
	require.NoError(t, err)
	return shop{e: e, inst: inst}
}

func (s shop) send(t *testing.T, input string, p ir.Payload) ir.NodeAddress {
	t.Helper()
	addr, ok := s.e.AddressOf(s.inst.Inputs[input])
	require.True(t, ok)
	require.NoError(t, s.e.Send(addr, p))
	return addr
}

func (s shop) tick(t *testing.T) {
	t.Helper()
	_, err := s.e.Tick(context.Background())
	require.NoError(t, err)
}

func (s shop) value(t *testing.T, output string) ir.Payload {
	t.Helper()
	v, ok := s.e.Value(s.inst.Outputs[output])
	require.True(t, ok)
	return v
}

func (s shop) items(output string) []ir.Payload {
	var out []ir.Payload
	for _, it := range s.e.Items(s.inst.Outputs[output]) {
		out = append(out, it.Value)
	}
	return out
}

func (s shop) snapshot(t *testing.T) *engine.Snapshot {
	t.Helper()
	snap, err := s.e.Snapshot()
	require.NoError(t, err)
	return snap
}
