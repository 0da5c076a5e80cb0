package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/tickflow/internal/compiler"
	"github.com/roach88/tickflow/internal/engine"
	"github.com/roach88/tickflow/internal/ir"
	"github.com/roach88/tickflow/internal/store"
)

// ErrUnknownInput is returned by Send for a name that is not a root
// producer or bus.
var ErrUnknownInput = errors.New("unknown input")

// Effect is one payload received by a "record" effect node.
type Effect struct {
	Tick    uint64
	Node    string
	Payload ir.Payload
}

// TickResult is the outcome of one tick.
type TickResult struct {
	Report *engine.TickReport
	// Hash is the hash of the canonical output trees after the tick.
	Hash string
	// Snapshot is set when the tick took a periodic snapshot.
	Snapshot bool
}

// Session is one compiled program running on one engine.
//
// Thread-safety: a Session is driven from a single goroutine, like the
// engine tick loop it wraps.
type Session struct {
	Program  *compiler.Program
	Engine   *engine.Engine
	Instance *compiler.Instance

	store         *store.Store
	runID         string
	snapshotEvery uint64
	sink          compiler.EffectSink
	effects       []Effect
	// replaying suppresses recording while stored stimuli are re-delivered.
	replaying bool
	logger    *slog.Logger
}

// Option configures a Session.
type Option func(*options)

type options struct {
	engine        []engine.EngineOption
	store         *store.Store
	source        string
	ids           store.RunIDGenerator
	snapshotEvery uint64
	sink          compiler.EffectSink
	logger        *slog.Logger
}

// WithEngineOptions passes options to engine.New.
func WithEngineOptions(opts ...engine.EngineOption) Option {
	return func(o *options) {
		o.engine = append(o.engine, opts...)
	}
}

// WithStore records the run in st. source names the program file in the
// run record.
func WithStore(st *store.Store, source string) Option {
	return func(o *options) {
		o.store = st
		o.source = source
	}
}

// WithRunIDs sets the generator for new run IDs. Default: UUIDv7.
func WithRunIDs(g store.RunIDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithSnapshotEvery stores a snapshot after every n ticks of a recorded run.
func WithSnapshotEvery(n uint64) Option {
	return func(o *options) {
		o.snapshotEvery = n
	}
}

// WithSink forwards "record" effects to sink as well.
func WithSink(sink compiler.EffectSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithLogger sets the session logger. It is also given to the engine
// unless the engine options set one. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func collect(opts []Option) *options {
	o := &options{ids: store.UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) newEngine(extra ...engine.EngineOption) *engine.Engine {
	opts := append([]engine.EngineOption{engine.WithLogger(o.logger)}, o.engine...)
	return engine.New(append(opts, extra...)...)
}

func newSession(p *compiler.Program, e *engine.Engine, o *options) *Session {
	return &Session{
		Program:       p,
		Engine:        e,
		store:         o.store,
		snapshotEvery: o.snapshotEvery,
		sink:          o.sink,
		logger:        o.logger,
	}
}

// Start builds p on a fresh engine and settles it. With a store, a new
// run is registered first.
func Start(ctx context.Context, p *compiler.Program, opts ...Option) (*Session, error) {
	o := collect(opts)
	s := newSession(p, o.newEngine(), o)

	if s.store != nil {
		s.runID = o.ids.Generate()
		if err := s.store.CreateRun(ctx, store.Run{
			ID:            s.runID,
			ProgramHash:   p.Hash,
			Source:        o.source,
			Domain:        s.Engine.Domain(),
			EngineVersion: ir.EngineVersion,
		}); err != nil {
			return nil, fmt.Errorf("start session: %w", err)
		}
	}

	inst, err := p.Build(s.Engine.Root(), compiler.WithSink(s))
	if err != nil {
		return nil, fmt.Errorf("start session: build: %w", err)
	}
	s.Instance = inst
	if _, err := s.Engine.Settle(ctx); err != nil {
		return nil, fmt.Errorf("start session: settle: %w", err)
	}

	s.logger.Debug("session started",
		"run_id", s.runID,
		"program", p.Hash,
		"nodes", s.Engine.Len(),
	)
	return s, nil
}

// RunID returns the ID of the recorded run, or "" when not recording.
func (s *Session) RunID() string {
	return s.runID
}

// Send queues p for the named input and records it.
func (s *Session) Send(ctx context.Context, input string, p ir.Payload) (ir.RecencyMarker, error) {
	slot, ok := s.Instance.Inputs[input]
	if !ok {
		return ir.RecencyMarker{}, fmt.Errorf("send %q: %w", input, ErrUnknownInput)
	}
	addr, ok := s.Engine.AddressOf(slot)
	if !ok {
		return ir.RecencyMarker{}, fmt.Errorf("send %q: input slot %s is stale", input, slot)
	}
	return s.deliver(ctx, addr, p)
}

// deliver stamps and enqueues one stimulus. Outside a replay it is
// appended to the run log.
func (s *Session) deliver(ctx context.Context, addr ir.NodeAddress, p ir.Payload) (ir.RecencyMarker, error) {
	if p == nil {
		p = ir.NoValue{}
	}
	marker := s.Engine.NextMarker()
	if err := s.Engine.Enqueue(engine.Stimulus{Target: addr, Payload: p, Marker: marker}); err != nil {
		return marker, err
	}
	if s.store != nil && !s.replaying {
		if err := s.store.AppendStimulus(ctx, s.runID, store.StoredStimulus{
			Tick:    marker.Tick,
			Seq:     marker.Seq,
			Target:  addr,
			Payload: p,
		}); err != nil {
			return marker, err
		}
	}
	return marker, nil
}

// Tick runs one engine tick, hashes the outputs and records the hash.
func (s *Session) Tick(ctx context.Context) (*TickResult, error) {
	report, err := s.Engine.Tick(ctx)
	if err != nil {
		return &TickResult{Report: report}, err
	}
	hash, err := s.Hash()
	if err != nil {
		return &TickResult{Report: report}, err
	}
	res := &TickResult{Report: report, Hash: hash}

	for _, rerr := range report.Errors {
		s.logger.Warn("tick error",
			"tick", report.Tick,
			"error", rerr,
		)
	}

	if s.store == nil || s.replaying {
		return res, nil
	}
	if err := s.store.WriteTickHash(ctx, s.runID, store.TickHash{Tick: report.Tick, Hash: hash}); err != nil {
		return res, err
	}
	if s.snapshotEvery > 0 && report.Tick%s.snapshotEvery == 0 {
		if _, err := s.Snapshot(ctx); err != nil {
			return res, err
		}
		res.Snapshot = true
	}
	return res, nil
}

// Snapshot captures the engine state and, when recording, stores it.
func (s *Session) Snapshot(ctx context.Context) (*engine.Snapshot, error) {
	snap, err := s.Engine.Snapshot()
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if _, err := s.store.WriteSnapshot(ctx, s.runID, snap); err != nil {
			return nil, err
		}
		s.logger.Debug("snapshot stored",
			"run_id", s.runID,
			"tick", snap.Tick,
			"slots", len(snap.Slots),
		)
	}
	return snap, nil
}

// Record implements compiler.EffectSink. Payloads are kept in memory,
// appended to the run log and forwarded to the configured sink. Effects
// re-run during a replay are kept in memory only.
func (s *Session) Record(ctx context.Context, node string, p ir.Payload) error {
	tick := s.Engine.Clock().Tick()
	s.effects = append(s.effects, Effect{Tick: tick, Node: node, Payload: p})
	if s.replaying {
		return nil
	}
	if s.store != nil {
		if _, err := s.store.AppendEffect(ctx, s.runID, tick, node, p); err != nil {
			return err
		}
	}
	if s.sink != nil {
		return s.sink.Record(ctx, node, p)
	}
	return nil
}

// Effects returns the "record" effect payloads seen so far.
func (s *Session) Effects() []Effect {
	return s.effects
}
