package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/ir"
)

func testAddress(source ir.SourceID) ir.NodeAddress {
	return ir.NodeAddress{Domain: ir.DefaultDomain, Source: source, Scope: ir.RootScope(), Port: ir.OutputPort()}
}

func TestCreateRun_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "run-1")
	again := run
	again.ProgramHash = "other"
	require.NoError(t, s.CreateRun(ctx, again))

	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "test-hash", got.ProgramHash, "first registration wins")
}

func TestCreateRun_DefaultsCreatedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, Run{ID: "run-1", ProgramHash: "h", Domain: ir.DefaultDomain}))
	got, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAppendStimulus_DuplicateIsNoop(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	st := StoredStimulus{Tick: 1, Seq: 1, Target: testAddress(7), Payload: ir.Number(1)}
	require.NoError(t, s.AppendStimulus(ctx, "run-1", st))
	st.Payload = ir.Number(2)
	require.NoError(t, s.AppendStimulus(ctx, "run-1", st))

	got, err := s.ReadStimuli(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ir.Number(1), got[0].Payload)
}

func TestAppendStimulus_RequiresRun(t *testing.T) {
	s := createTestStore(t)

	err := s.AppendStimulus(context.Background(), "missing",
		StoredStimulus{Tick: 1, Seq: 1, Target: testAddress(7), Payload: ir.Number(1)})
	assert.Error(t, err, "foreign key to runs")
}

func TestWriteTickHash_Upsert(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	require.NoError(t, s.WriteTickHash(ctx, "run-1", TickHash{Tick: 1, Hash: "aaa"}))
	require.NoError(t, s.WriteTickHash(ctx, "run-1", TickHash{Tick: 1, Hash: "bbb"}))
	require.NoError(t, s.WriteTickHash(ctx, "run-1", TickHash{Tick: 2, Hash: "ccc"}))

	got, err := s.ReadTickHashes(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []TickHash{{Tick: 1, Hash: "bbb"}, {Tick: 2, Hash: "ccc"}}, got)
}

func TestAppendEffect_SequencePerRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")
	createTestRun(t, s, "run-2")

	seq1, err := s.AppendEffect(ctx, "run-1", 1, "log", ir.Text("a"))
	require.NoError(t, err)
	seq2, err := s.AppendEffect(ctx, "run-1", 2, "log", ir.Text("b"))
	require.NoError(t, err)
	other, err := s.AppendEffect(ctx, "run-2", 1, "log", ir.Text("c"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
	assert.Equal(t, int64(1), other)
}

func TestEffectLog_Record(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestRun(t, s, "run-1")

	tick := uint64(3)
	log := NewEffectLog(s, "run-1", func() uint64 { return tick })
	require.NoError(t, log.Record(ctx, "audit", ir.Record{"n": ir.Number(1)}))
	tick = 4
	require.NoError(t, log.Record(ctx, "audit", ir.Tag("Done")))

	got, err := s.ReadEffects(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StoredEffect{Seq: 1, Tick: 3, Node: "audit", Payload: ir.Record{"n": ir.Number(1)}}, got[0])
	assert.Equal(t, StoredEffect{Seq: 2, Tick: 4, Node: "audit", Payload: ir.Tag("Done")}, got[1])
}
