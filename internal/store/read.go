package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// ErrNotFound is returned when a run or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// ReadRun retrieves a run by ID.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, program_hash, source, domain, engine_version, created_at
		FROM runs
		WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("read run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns every run, oldest first. UUIDv7 run IDs sort by
// creation time, so the ID breaks ties.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, program_hash, source, domain, engine_version, created_at
		FROM runs
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run     Run
		domain  string
		created string
	)
	if err := row.Scan(&run.ID, &run.ProgramHash, &run.Source, &domain, &run.EngineVersion, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Domain = ir.Domain(domain)
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return Run{}, fmt.Errorf("scan run %s: created_at: %w", run.ID, err)
	}
	run.CreatedAt = t
	return run, nil
}

// ReadStimuli returns the stimuli of a run in delivery order.
// Returns an empty slice (not nil) if the run has none.
func (s *Store) ReadStimuli(ctx context.Context, runID string) ([]StoredStimulus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, seq, target, payload
		FROM stimuli
		WHERE run_id = ?
		ORDER BY tick ASC, seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stimuli: %w", err)
	}
	defer rows.Close()

	out := []StoredStimulus{}
	for rows.Next() {
		var (
			st      StoredStimulus
			target  string
			payload string
		)
		if err := rows.Scan(&st.Tick, &st.Seq, &target, &payload); err != nil {
			return nil, fmt.Errorf("scan stimulus: %w", err)
		}
		if st.Target, err = ir.ParseNodeAddress(target); err != nil {
			return nil, fmt.Errorf("scan stimulus %d: %w", st.Seq, err)
		}
		if st.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("scan stimulus %d: %w", st.Seq, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stimuli: %w", err)
	}
	return out, nil
}

// ReadTickHashes returns the tick hashes of a run in tick order.
func (s *Store) ReadTickHashes(ctx context.Context, runID string) ([]TickHash, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, tree_hash
		FROM tick_hashes
		WHERE run_id = ?
		ORDER BY tick ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tick hashes: %w", err)
	}
	defer rows.Close()

	out := []TickHash{}
	for rows.Next() {
		var th TickHash
		if err := rows.Scan(&th.Tick, &th.Hash); err != nil {
			return nil, fmt.Errorf("scan tick hash: %w", err)
		}
		out = append(out, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tick hashes: %w", err)
	}
	return out, nil
}

// ReadEffects returns the recorded effects of a run in order.
func (s *Store) ReadEffects(ctx context.Context, runID string) ([]StoredEffect, error) {
	return s.QueryEffects(ctx, runID, nil)
}

// QueryEffects returns the recorded effects of a run that match where, in
// order. A nil where matches every effect.
func (s *Store) QueryEffects(ctx context.Context, runID string, where Predicate) ([]StoredEffect, error) {
	query, params, err := compileEffectQuery(runID, where)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query effects: %w", err)
	}
	defer rows.Close()

	out := []StoredEffect{}
	for rows.Next() {
		var (
			ef      StoredEffect
			payload string
		)
		if err := rows.Scan(&ef.Seq, &ef.Tick, &ef.Node, &payload); err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		if ef.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("scan effect %d: %w", ef.Seq, err)
		}
		out = append(out, ef)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate effects: %w", err)
	}
	return out, nil
}

// LatestSnapshot returns the snapshot of a run with the highest tick.
func (s *Store) LatestSnapshot(ctx context.Context, runID string) (*engine.Snapshot, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM snapshots
		WHERE run_id = ?
		ORDER BY tick DESC
		LIMIT 1
	`, runID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest snapshot of %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot of %s: %w", runID, err)
	}
	return s.readSnapshot(ctx, id)
}

// ReadSnapshot returns the snapshot of a run taken at tick.
func (s *Store) ReadSnapshot(ctx context.Context, runID string, tick uint64) (*engine.Snapshot, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM snapshots WHERE run_id = ? AND tick = ?`, runID, tick,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot of %s at tick %d: %w", runID, tick, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s at tick %d: %w", runID, tick, err)
	}
	return s.readSnapshot(ctx, id)
}

func (s *Store) readSnapshot(ctx context.Context, id int64) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{}
	var domain string
	if err := s.db.QueryRowContext(ctx,
		`SELECT tick, seq, version, domain FROM snapshots WHERE id = ?`, id,
	).Scan(&snap.Tick, &snap.Seq, &snap.Version, &domain); err != nil {
		return nil, fmt.Errorf("read snapshot %d: %w", id, err)
	}
	snap.Domain = ir.Domain(domain)

	rows, err := s.db.QueryContext(ctx, `
		SELECT slot, address, kind, version, state
		FROM snapshot_slots
		WHERE snapshot_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d slots: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sl      engine.SlotSnapshot
			slot    string
			address string
			state   []byte
		)
		if err := rows.Scan(&slot, &address, &sl.Kind, &sl.Version, &state); err != nil {
			return nil, fmt.Errorf("scan snapshot slot: %w", err)
		}
		if sl.Slot, err = ir.ParseSlotID(slot); err != nil {
			return nil, err
		}
		if sl.Address, err = ir.ParseNodeAddress(address); err != nil {
			return nil, err
		}
		if err := unmarshalSlotState(state, &sl); err != nil {
			return nil, err
		}
		snap.Slots = append(snap.Slots, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot slots: %w", err)
	}
	slices.SortFunc(snap.Slots, func(a, b engine.SlotSnapshot) int {
		return cmp.Compare(a.Slot.Index, b.Slot.Index)
	})

	sites, err := s.db.QueryContext(ctx, `
		SELECT scope, source, next
		FROM snapshot_sites
		WHERE snapshot_id = ?
		ORDER BY scope COLLATE BINARY ASC, source COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d sites: %w", id, err)
	}
	defer sites.Close()
	for sites.Next() {
		var (
			site          engine.SiteSnapshot
			scope, source string
		)
		if err := sites.Scan(&scope, &source, &site.Next); err != nil {
			return nil, fmt.Errorf("scan snapshot site: %w", err)
		}
		if site.Scope, err = ir.ParseScopeID(scope); err != nil {
			return nil, err
		}
		if site.Source, err = ir.ParseSourceID(source); err != nil {
			return nil, err
		}
		snap.Sites = append(snap.Sites, site)
	}
	if err := sites.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot sites: %w", err)
	}
	return snap, nil
}
