package store

import (
	"context"
	"fmt"

	"github.com/roach88/tickflow/internal/ir"
)

// RunState summarizes a stored run for replay and inspection.
type RunState struct {
	Run      Run
	Stimuli  int
	LastTick uint64
	LastSeq  uint64
	Hashes   int
	Effects  int
	// SnapshotTicks lists the ticks snapshots were taken at, ascending.
	SnapshotTicks []uint64
}

// GetRunState reads the summary of one run.
func (s *Store) GetRunState(ctx context.Context, runID string) (RunState, error) {
	run, err := s.ReadRun(ctx, runID)
	if err != nil {
		return RunState{}, fmt.Errorf("get run state: %w", err)
	}
	state := RunState{Run: run}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(tick), 0), COALESCE(MAX(seq), 0)
		FROM stimuli WHERE run_id = ?
	`, runID).Scan(&state.Stimuli, &state.LastTick, &state.LastSeq); err != nil {
		return state, fmt.Errorf("get run state: stimuli: %w", err)
	}

	var lastHashed uint64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(tick), 0)
		FROM tick_hashes WHERE run_id = ?
	`, runID).Scan(&state.Hashes, &lastHashed); err != nil {
		return state, fmt.Errorf("get run state: tick hashes: %w", err)
	}
	state.LastTick = max(state.LastTick, lastHashed)

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM effects WHERE run_id = ?`, runID,
	).Scan(&state.Effects); err != nil {
		return state, fmt.Errorf("get run state: effects: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tick FROM snapshots WHERE run_id = ? ORDER BY tick ASC`, runID)
	if err != nil {
		return state, fmt.Errorf("get run state: snapshots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tick uint64
		if err := rows.Scan(&tick); err != nil {
			return state, fmt.Errorf("get run state: scan snapshot: %w", err)
		}
		state.SnapshotTicks = append(state.SnapshotTicks, tick)
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("get run state: iterate snapshots: %w", err)
	}
	return state, nil
}

// Divergence is the first tick at which a replay's output differs from the
// recording.
type Divergence struct {
	Tick uint64
	Want string
	Got  string
}

// FirstDivergence compares recorded and replayed tick hashes tick by tick.
// A tick present on one side only diverges with an empty hash on the other.
func FirstDivergence(want, got []TickHash) (Divergence, bool) {
	i, j := 0, 0
	for i < len(want) || j < len(got) {
		switch {
		case j >= len(got) || (i < len(want) && want[i].Tick < got[j].Tick):
			return Divergence{Tick: want[i].Tick, Want: want[i].Hash}, true
		case i >= len(want) || got[j].Tick < want[i].Tick:
			return Divergence{Tick: got[j].Tick, Got: got[j].Hash}, true
		case want[i].Hash != got[j].Hash:
			return Divergence{Tick: want[i].Tick, Want: want[i].Hash, Got: got[j].Hash}, true
		}
		i++
		j++
	}
	return Divergence{}, false
}

// EffectLog records "record" effect payloads of one run. It satisfies the
// compiler's effect sink.
type EffectLog struct {
	store *Store
	runID string
	tick  func() uint64
}

// NewEffectLog returns an EffectLog stamping each payload with tick().
func NewEffectLog(s *Store, runID string, tick func() uint64) *EffectLog {
	return &EffectLog{store: s, runID: runID, tick: tick}
}

// Record appends p as an effect of node.
func (l *EffectLog) Record(ctx context.Context, node string, p ir.Payload) error {
	_, err := l.store.AppendEffect(ctx, l.runID, l.tick(), node, p)
	return err
}
