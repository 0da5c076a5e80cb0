package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/ir"
)

func runShop(t *testing.T) shop {
	t.Helper()
	sh := buildShop(t, newEngine(), nil)
	sh.send(t, "inc", ir.Tag("Inc"))
	sh.send(t, "todos", ir.Text("milk"))
	sh.tick(t)
	sh.send(t, "inc", ir.Tag("Inc"))
	sh.send(t, "todos", ir.Text("eggs"))
	sh.tick(t)
	return sh
}

func TestSnapshot_WriteAndRestore(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	orig := runShop(t)
	require.Equal(t, ir.Number(2), orig.value(t, "count"))

	_, err := s.WriteSnapshot(ctx, "run-1", orig.snapshot(t))
	require.NoError(t, err)

	snap, err := s.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, orig.snapshot(t).Tick, snap.Tick)
	assert.Equal(t, orig.snapshot(t).Seq, snap.Seq)
	assert.Len(t, snap.Slots, len(orig.snapshot(t).Slots))

	restored := buildShop(t, newEngine(), snap)
	assert.Equal(t, ir.Number(2), restored.value(t, "count"))
	assert.Equal(t, ir.Text("n=2"), restored.value(t, "label"))
	assert.Equal(t, orig.items("loud"), restored.items("loud"))

	// Both engines keep ticking in lockstep.
	for _, sh := range []shop{orig, restored} {
		sh.send(t, "inc", ir.Tag("Inc"))
		sh.send(t, "todos", ir.Text("jam"))
		sh.tick(t)
	}
	assert.Equal(t, ir.Number(3), restored.value(t, "count"))
	assert.Equal(t, orig.value(t, "label"), restored.value(t, "label"))
	assert.Equal(t, []ir.Payload{ir.Text("milk!"), ir.Text("eggs!"), ir.Text("jam!")}, restored.items("loud"))
	assert.Equal(t, orig.items("loud"), restored.items("loud"))
}

func TestSnapshot_SameTickReplaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	sh := runShop(t)
	snap := sh.snapshot(t)
	first, err := s.WriteSnapshot(ctx, "run-1", snap)
	require.NoError(t, err)
	second, err := s.WriteSnapshot(ctx, "run-1", snap)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	var snapshots, slots int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&snapshots))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM snapshot_slots`).Scan(&slots))
	assert.Equal(t, 1, snapshots)
	assert.Equal(t, len(snap.Slots), slots, "slots of the replaced snapshot cascade away")
}

func TestReadSnapshot_ByTick(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	sh := buildShop(t, newEngine(), nil)
	sh.send(t, "inc", ir.Tag("Inc"))
	sh.tick(t)
	early := sh.snapshot(t)
	_, err := s.WriteSnapshot(ctx, "run-1", early)
	require.NoError(t, err)
	sh.send(t, "inc", ir.Tag("Inc"))
	sh.tick(t)
	_, err = s.WriteSnapshot(ctx, "run-1", sh.snapshot(t))
	require.NoError(t, err)

	got, err := s.ReadSnapshot(ctx, "run-1", early.Tick)
	require.NoError(t, err)
	assert.Equal(t, early.Tick, got.Tick)

	restored := buildShop(t, newEngine(), got)
	assert.Equal(t, ir.Number(1), restored.value(t, "count"))

	latest, err := s.LatestSnapshot(ctx, "run-1")
	require.NoError(t, err)
	assert.Greater(t, latest.Tick, early.Tick)
}

func TestSnapshot_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	_, err := s.LatestSnapshot(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadSnapshot(ctx, "run-1", 4)
	assert.ErrorIs(t, err, ErrNotFound)
}
