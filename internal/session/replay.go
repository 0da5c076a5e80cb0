package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tickflow/internal/compiler"
	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/store"
)

// ErrProgramChanged is returned when a stored run was made with a program
// whose hash differs from the one given.
var ErrProgramChanged = errors.New("program changed since the run was recorded")

// ReplayResult is the outcome of replaying a stored run.
type ReplayResult struct {
	RunID   string
	Ticks   uint64
	Stimuli int
	// Effects counts the "record" effects the replay produced and the
	// recording holds.
	Effects         int
	RecordedEffects int
	Diverged        bool
	Divergence      store.Divergence
	// Session is the replayed session, positioned after the last tick.
	Session *Session
}

// Deterministic reports whether the replay matched the recording.
func (r *ReplayResult) Deterministic() bool {
	return !r.Diverged && r.Effects == r.RecordedEffects
}

// Replay rebuilds p on a fresh engine, re-delivers the stimuli of runID
// tick by tick and compares every tick's output hash with the recording.
// Nothing is written to st.
func Replay(ctx context.Context, p *compiler.Program, st *store.Store, runID string, opts ...Option) (*ReplayResult, error) {
	run, err := checkRun(ctx, p, st, runID)
	if err != nil {
		return nil, err
	}
	stimuli, err := st.ReadStimuli(ctx, runID)
	if err != nil {
		return nil, err
	}
	want, err := st.ReadTickHashes(ctx, runID)
	if err != nil {
		return nil, err
	}
	recorded, err := st.ReadEffects(ctx, runID)
	if err != nil {
		return nil, err
	}

	o := collect(opts)
	o.store = nil
	s := newSession(p, o.newEngine(engine.WithDomain(run.Domain)), o)
	if s.Instance, err = p.Build(s.Engine.Root(), compiler.WithSink(s)); err != nil {
		return nil, fmt.Errorf("replay %s: build: %w", runID, err)
	}
	if _, err := s.Engine.Settle(ctx); err != nil {
		return nil, fmt.Errorf("replay %s: settle: %w", runID, err)
	}

	last := lastTick(stimuli, want)
	got := make([]store.TickHash, 0, last)
	if err := s.redeliver(ctx, stimuli, last, func(r *TickResult) {
		got = append(got, store.TickHash{Tick: r.Report.Tick, Hash: r.Hash})
	}); err != nil {
		return nil, fmt.Errorf("replay %s: %w", runID, err)
	}

	res := &ReplayResult{
		RunID:           runID,
		Ticks:           last,
		Stimuli:         len(stimuli),
		Effects:         len(s.effects),
		RecordedEffects: len(recorded),
		Session:         s,
	}
	res.Divergence, res.Diverged = store.FirstDivergence(want, got)
	if res.Diverged {
		s.logger.Warn("replay diverged",
			"run_id", runID,
			"tick", res.Divergence.Tick,
			"want", res.Divergence.Want,
			"got", res.Divergence.Got,
		)
	}
	return res, nil
}

// Resume reopens a stored run for further recording. The latest snapshot
// is restored and the stimuli recorded after it are re-delivered; without
// a snapshot the whole run is re-delivered.
func Resume(ctx context.Context, p *compiler.Program, st *store.Store, runID string, opts ...Option) (*Session, error) {
	run, err := checkRun(ctx, p, st, runID)
	if err != nil {
		return nil, err
	}
	snap, err := st.LatestSnapshot(ctx, runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	o := collect(opts)
	o.store = st
	s := newSession(p, o.newEngine(engine.WithDomain(run.Domain)), o)
	s.runID = runID
	// Nothing below is new to the run log: the settle of a fresh build
	// re-runs effects the recording already holds.
	s.replaying = true

	err = engine.CatchFault(func() error {
		if snap != nil {
			if err := s.Engine.Restore(snap); err != nil {
				return err
			}
		}
		if s.Instance, err = p.Build(s.Engine.Root(), compiler.WithSink(s)); err != nil {
			return err
		}
		if snap != nil {
			return s.Engine.EndRestore()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if _, err := s.Engine.Settle(ctx); err != nil {
		return nil, fmt.Errorf("resume %s: settle: %w", runID, err)
	}

	stimuli, err := st.ReadStimuli(ctx, runID)
	if err != nil {
		return nil, err
	}
	hashes, err := st.ReadTickHashes(ctx, runID)
	if err != nil {
		return nil, err
	}
	from := s.Engine.Clock().Tick()
	rest := stimuli[:0:0]
	for _, stim := range stimuli {
		if stim.Tick > from {
			rest = append(rest, stim)
		}
	}
	last := lastTick(stimuli, hashes)

	err = s.redeliver(ctx, rest, last, nil)
	s.replaying = false
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}

	s.logger.Info("session resumed",
		"run_id", runID,
		"snapshot_tick", from,
		"tick", s.Engine.Clock().Tick(),
		"redelivered", len(rest),
	)
	return s, nil
}

func checkRun(ctx context.Context, p *compiler.Program, st *store.Store, runID string) (store.Run, error) {
	run, err := st.ReadRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.ProgramHash != p.Hash {
		return run, fmt.Errorf("run %s: %w (recorded %s, have %s)", runID, ErrProgramChanged, run.ProgramHash, p.Hash)
	}
	return run, nil
}

func lastTick(stimuli []store.StoredStimulus, hashes []store.TickHash) uint64 {
	var last uint64
	if n := len(stimuli); n > 0 {
		last = stimuli[n-1].Tick
	}
	if n := len(hashes); n > 0 {
		last = max(last, hashes[n-1].Tick)
	}
	return last
}

// redeliver runs ticks until the engine reaches tick last, enqueueing each
// stored stimulus before the tick it was delivered in.
func (s *Session) redeliver(ctx context.Context, stimuli []store.StoredStimulus, last uint64, each func(*TickResult)) error {
	i := 0
	for tick := s.Engine.Clock().Tick() + 1; tick <= last; tick++ {
		for ; i < len(stimuli) && stimuli[i].Tick <= tick; i++ {
			stim := stimuli[i]
			marker, err := s.deliver(ctx, stim.Target, stim.Payload)
			if err != nil {
				return err
			}
			if marker.Seq != stim.Seq {
				s.logger.Warn("stimulus marker differs from recording",
					"tick", tick,
					"recorded_seq", stim.Seq,
					"seq", marker.Seq,
				)
			}
		}
		res, err := s.Tick(ctx)
		if engine.IsNoQuiescence(err) {
			// The recording aborted this tick too and holds no hash for it.
			continue
		}
		if err != nil {
			return fmt.Errorf("tick %d: %w", tick, err)
		}
		if each != nil {
			each(res)
		}
	}
	return nil
}
