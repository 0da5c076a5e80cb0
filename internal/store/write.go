package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
)

// Run is one stored execution of a program.
type Run struct {
	ID            string
	ProgramHash   string
	Source        string
	Domain        ir.Domain
	EngineVersion string
	CreatedAt     time.Time
}

// StoredStimulus is one stimulus as delivered to the engine.
type StoredStimulus struct {
	Tick    uint64
	Seq     uint64
	Target  ir.NodeAddress
	Payload ir.Payload
}

// TickHash is the hash of the output trees after one tick.
type TickHash struct {
	Tick uint64
	Hash string
}

// StoredEffect is one payload recorded by a "record" effect node.
type StoredEffect struct {
	Seq     int64
	Tick    uint64
	Node    string
	Payload ir.Payload
}

// CreateRun inserts a run record. Uses ON CONFLICT(id) DO NOTHING so a run
// can be re-registered after a restart.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, program_hash, source, domain, engine_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.ProgramHash,
		run.Source,
		string(run.Domain),
		run.EngineVersion,
		run.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// AppendStimulus records one stimulus. The (run, seq) pair is unique;
// writing the same stimulus twice is a no-op.
func (s *Store) AppendStimulus(ctx context.Context, runID string, st StoredStimulus) error {
	payload, err := marshalPayload(st.Payload)
	if err != nil {
		return fmt.Errorf("append stimulus: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stimuli (run_id, tick, seq, target, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, runID, st.Tick, st.Seq, st.Target.String(), payload)
	if err != nil {
		return fmt.Errorf("append stimulus: %w", err)
	}
	return nil
}

// WriteTickHash records the output hash of a tick, replacing any earlier
// value for the same tick.
func (s *Store) WriteTickHash(ctx context.Context, runID string, th TickHash) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tick_hashes (run_id, tick, tree_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id, tick) DO UPDATE SET tree_hash = excluded.tree_hash
	`, runID, th.Tick, th.Hash)
	if err != nil {
		return fmt.Errorf("write tick hash: %w", err)
	}
	return nil
}

// AppendEffect records one effect payload and returns its sequence number
// within the run.
func (s *Store) AppendEffect(ctx context.Context, runID string, tick uint64, node string, p ir.Payload) (int64, error) {
	payload, err := marshalPayload(p)
	if err != nil {
		return 0, fmt.Errorf("append effect: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append effect: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM effects WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("append effect: next seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO effects (run_id, seq, tick, node, payload)
		VALUES (?, ?, ?, ?, ?)
	`, runID, seq, tick, node, payload); err != nil {
		return 0, fmt.Errorf("append effect: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append effect: commit: %w", err)
	}
	return seq, nil
}

// WriteSnapshot stores snap atomically and returns its row ID. A second
// snapshot of the same run and tick replaces the first.
func (s *Store) WriteSnapshot(ctx context.Context, runID string, snap *engine.Snapshot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE run_id = ? AND tick = ?`, runID, snap.Tick,
	); err != nil {
		return 0, fmt.Errorf("write snapshot: replace: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, tick, seq, version, domain)
		VALUES (?, ?, ?, ?, ?)
	`, runID, snap.Tick, snap.Seq, snap.Version, string(snap.Domain))
	if err != nil {
		return 0, fmt.Errorf("write snapshot: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write snapshot: last insert id: %w", err)
	}

	slotStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_slots (snapshot_id, slot, address, kind, version, state)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: prepare slots: %w", err)
	}
	defer slotStmt.Close()
	for _, sl := range snap.Slots {
		state, err := marshalSlotState(sl)
		if err != nil {
			return 0, fmt.Errorf("write snapshot: %w", err)
		}
		if _, err := slotStmt.ExecContext(ctx,
			id, sl.Slot.String(), sl.Address.String(), sl.Kind, sl.Version, state,
		); err != nil {
			return 0, fmt.Errorf("write snapshot: slot %s: %w", sl.Slot, err)
		}
	}

	siteStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_sites (snapshot_id, scope, source, next)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: prepare sites: %w", err)
	}
	defer siteStmt.Close()
	for _, site := range snap.Sites {
		if _, err := siteStmt.ExecContext(ctx,
			id, site.Scope.String(), site.Source.String(), site.Next,
		); err != nil {
			return 0, fmt.Errorf("write snapshot: site: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("write snapshot: commit: %w", err)
	}
	return id, nil
}
