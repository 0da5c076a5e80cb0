package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/ir"
)

func TestRunBatch_Empty(t *testing.T) {
	res, err := RunBatch(context.Background(), 4, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, res.FlushIndex)
	assert.Empty(t, res.Values)
}

func TestRunBatch_MatchesSequential(t *testing.T) {
	square := func(_ context.Context, i int) (ir.Payload, error) {
		return ir.Number(i * i), nil
	}
	seq, err := RunBatch(context.Background(), 1, 50, square)
	require.NoError(t, err)

	for _, workers := range []int{2, 4, 16} {
		par, err := RunBatch(context.Background(), workers, 50, square)
		require.NoError(t, err)
		assert.Equal(t, seq, par, "workers=%d", workers)
	}
}

func TestRunBatch_LowestFlushWins(t *testing.T) {
	// Item 2 finishes last; item 5 flushes first.
	fn := func(_ context.Context, i int) (ir.Payload, error) {
		switch i {
		case 2:
			time.Sleep(20 * time.Millisecond)
			return ir.Flushed{Value: ir.Tag("E2")}, nil
		case 5:
			return ir.Flushed{Value: ir.Tag("E5")}, nil
		default:
			return ir.Number(i), nil
		}
	}

	for _, workers := range []int{1, 3, 8} {
		res, err := RunBatch(context.Background(), workers, 8, fn)
		require.NoError(t, err)
		assert.Equal(t, 2, res.FlushIndex, "workers=%d", workers)
		assert.Equal(t, ir.Flushed{Value: ir.Tag("E2")}, res.Flushed)
		assert.Equal(t, ir.Number(0), res.Values[0])
		assert.Equal(t, ir.Number(1), res.Values[1])
		for i := 3; i < 8; i++ {
			assert.Nil(t, res.Values[i], "values after the flush are dropped")
		}
	}
}

func TestRunBatch_FlushDeterminism(t *testing.T) {
	outcomes := []ir.Payload{ir.Number(0), ir.Number(1), ir.Flushed{Value: ir.Tag("E")}, ir.Number(3)}
	fn := func(_ context.Context, i int) (ir.Payload, error) {
		return outcomes[i], nil
	}

	for range 20 {
		res, err := RunBatch(context.Background(), 4, len(outcomes), fn)
		require.NoError(t, err)
		assert.Equal(t, 2, res.FlushIndex)
		assert.Equal(t, ir.Flushed{Value: ir.Tag("E")}, res.Flushed)
	}
}

func TestRunBatch_ErrorStopsBatch(t *testing.T) {
	boom := errors.New("boom")
	fn := func(_ context.Context, i int) (ir.Payload, error) {
		if i == 3 {
			return nil, boom
		}
		return ir.Number(i), nil
	}

	for _, workers := range []int{1, 4} {
		_, err := RunBatch(context.Background(), workers, 10, fn)
		assert.ErrorIs(t, err, boom, "workers=%d", workers)
	}
}

func TestRunBatch_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fn := func(context.Context, int) (ir.Payload, error) {
		return ir.Number(1), nil
	}
	for _, workers := range []int{1, 4} {
		_, err := RunBatch(ctx, workers, 10, fn)
		assert.ErrorIs(t, err, context.Canceled, "workers=%d", workers)
	}
}
