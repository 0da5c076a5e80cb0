package testutil

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	clock := NewManualClock()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock()

	assert.Equal(t, Epoch.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, Epoch.Add(3*time.Second), clock.Advance(2*time.Second))

	// Never runs backwards
	assert.Equal(t, Epoch.Add(3*time.Second), clock.Advance(-time.Hour))
}

func TestManualClock_Reset(t *testing.T) {
	clock := NewManualClock()
	clock.Advance(time.Minute)

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestManualClock_ThreadSafe(t *testing.T) {
	clock := NewManualClock()
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				clock.Advance(time.Millisecond)
				clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(numGoroutines*callsPerGoroutine*time.Millisecond), clock.Now())
}

func TestManualClock_DrivesWallTimers(t *testing.T) {
	clock := NewManualClock()
	e := engine.New(
		engine.WithWallClock(clock.Now),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	timer := e.Root().Timer(ir.NamedSource("alarm"), engine.TimerSpec{After: time.Second, Payload: ir.Text("ding")})
	_, err := e.Settle(t.Context())
	require.NoError(t, err)

	report, err := e.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Timers)

	clock.Advance(2 * time.Second)
	report, err = e.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Timers)
	v, ok := e.Value(timer)
	require.True(t, ok)
	assert.Equal(t, ir.Text("ding"), v)
}
