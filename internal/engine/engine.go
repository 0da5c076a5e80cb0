package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/tickflow/internal/arena"
	"github.com/roach88/tickflow/internal/ir"
)

// Engine is the single-writer tick engine.
//
// The engine owns the arena of reactive nodes and the routing table, and
// re-evaluates the graph to quiescence once per tick:
//
//  1. fire due timers
//  2. deliver stimuli queued before the tick
//  3. drain rounds: snapshot the dirty set, sort it by address, evaluate,
//     repeat until nothing is dirty (bounded by MaxRounds)
//  4. commit register state
//  5. run effects in address order
//
// CRITICAL: All graph mutations happen in the goroutine calling Tick,
// Settle or Run. External callers use Enqueue to submit stimuli.
//
// Thread-safety model:
//   - Enqueue(), NextMarker(), Stop(): safe from any goroutine
//   - everything else: the tick loop goroutine only
//
// INVARIANTS:
//   - evaluation order within a round is CompareAddress order
//   - a freed slot never receives a message (dangling routes are faults)
//   - register state is only committed at tick end
type Engine struct {
	nodes    *arena.Arena[*ReactiveNode]
	routes   *RoutingTable
	scopes   *scopeIndex
	sites    map[siteKey]*ir.AllocSite
	clock    *Clock
	queue    *stimulusQueue
	timers   *timerQueue
	quota    *RoundQuota
	hotspots *HotspotTracker

	dirty     []ir.SlotID
	effects   map[ir.SlotID]pendingEffect
	registers mapset.Set[ir.SlotID]
	pads      mapset.Set[ir.SlotID]
	cause     ir.RecencyMarker
	report    *TickReport
	restore   *restoreState

	logger    *slog.Logger
	domain    ir.Domain
	workers   int
	maxRounds int
	now       func() time.Time
}

type siteKey struct {
	scope  ir.ScopeID
	source ir.SourceID
}

type pendingEffect struct {
	address ir.NodeAddress
	slot    ir.SlotID
	payload ir.Payload
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick        uint64
	Rounds      int
	Evaluations int
	Stimuli     int
	Timers      int
	Effects     int
	// Errors holds the recoverable RuntimeErrors raised during the tick
	// (unmatched values, unknown addresses, failed effects).
	Errors []error
}

// DefaultMaxRounds is the default bound on drain rounds per tick.
// This prevents a feedback loop from hanging the engine.
const DefaultMaxRounds = 1000

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("engine stopped")

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithMaxRounds sets the maximum drain rounds per tick.
//
// Default: 1000 rounds (DefaultMaxRounds)
// Use WithMaxRounds(10) for testing non-quiescence.
func WithMaxRounds(n int) EngineOption {
	return func(e *Engine) {
		e.maxRounds = n
	}
}

// WithWorkers sets the parallelism of batch item evaluation.
// Output is identical for every worker count.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.workers = n
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithDomain sets the domain stamped into every node address.
func WithDomain(d ir.Domain) EngineOption {
	return func(e *Engine) {
		e.domain = d
	}
}

// WithWallClock sets the wall clock used by wall-time timers.
// Tests inject a deterministic clock.
func WithWallClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithClock resumes logical time from an existing clock (e.g. after
// restoring a snapshot).
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates an empty engine. Build a graph with Root().
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		nodes:     arena.New[*ReactiveNode](),
		routes:    NewRoutingTable(),
		scopes:    newScopeIndex(),
		sites:     make(map[siteKey]*ir.AllocSite),
		clock:     NewClock(),
		queue:     newStimulusQueue(),
		timers:    newTimerQueue(),
		hotspots:  NewHotspotTracker(),
		effects:   make(map[ir.SlotID]pendingEffect),
		registers: mapset.NewThreadUnsafeSet[ir.SlotID](),
		pads:      mapset.NewThreadUnsafeSet[ir.SlotID](),
		logger:    slog.Default(),
		domain:    ir.DefaultDomain,
		workers:   runtime.NumCPU(),
		maxRounds: DefaultMaxRounds,
		now:       time.Now,
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}
	e.quota = NewRoundQuota(e.maxRounds)

	return e
}

// Domain returns the engine's execution domain.
func (e *Engine) Domain() ir.Domain {
	return e.domain
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// NextMarker stamps a fresh recency marker.
// Thread-safe: may be called from any goroutine.
func (e *Engine) NextMarker() ir.RecencyMarker {
	return e.clock.Stamp()
}

// Enqueue submits a stimulus for the next tick.
// Thread-safe: may be called from any goroutine.
//
// A zero marker is stamped with NextMarker. A marker older than the
// previously enqueued one is rejected with a MARKER_REGRESSION error.
func (e *Engine) Enqueue(s Stimulus) error {
	if s.Marker == (ir.RecencyMarker{}) {
		s.Marker = e.clock.Stamp()
	}
	if s.Payload == nil {
		s.Payload = ir.NoValue{}
	}
	ok, err := e.queue.Enqueue(s)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStopped
	}
	return nil
}

// Send enqueues p for the node at target with a fresh marker.
func (e *Engine) Send(target ir.NodeAddress, p ir.Payload) error {
	return e.Enqueue(Stimulus{Target: target, Payload: p})
}

// Pending returns the number of queued stimuli.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Tick runs one tick: timers, queued stimuli, propagation to quiescence,
// register commit and effects.
//
// A NO_QUIESCENCE error aborts the tick: register state rolls back to the
// last commit and no effects run. Other runtime errors are collected in the
// report and the tick completes.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	return e.runTick(ctx, true)
}

// Settle propagates pending work without advancing the tick. Call it after
// building or restoring a graph so creation-time emissions settle before
// the first stimulus.
func (e *Engine) Settle(ctx context.Context) (*TickReport, error) {
	return e.runTick(ctx, false)
}

func (e *Engine) runTick(ctx context.Context, advance bool) (*TickReport, error) {
	tick := e.clock.Tick()
	if advance {
		tick = e.clock.Advance()
	}
	report := &TickReport{Tick: tick}
	e.report = report
	defer func() { e.report = nil }()

	e.quota.Reset()
	e.hotspots.Clear()

	if advance {
		report.Timers = e.fireTimers(tick)
		for _, s := range e.queue.Drain() {
			e.applyStimulus(s)
			report.Stimuli++
		}
	}

	if err := e.drain(ctx); err != nil {
		e.rollback()
		e.logger.Error("tick aborted",
			"tick", tick,
			"rounds", report.Rounds,
			"error", err,
		)
		return report, err
	}

	e.commit()
	e.runEffects(ctx)

	e.logger.Debug("tick settled",
		"tick", tick,
		"rounds", report.Rounds,
		"evaluations", report.Evaluations,
		"stimuli", report.Stimuli,
		"effects", report.Effects,
	)
	return report, nil
}

// applyStimulus delivers one stimulus to its target node.
func (e *Engine) applyStimulus(s Stimulus) {
	slot, ok := e.nodes.Lookup(s.Target)
	if !ok {
		err := NewUnknownAddressError(e.report.Tick, s.Target)
		e.logger.Warn("stimulus dropped",
			"tick", e.report.Tick,
			"address", s.Target.String(),
			"error", err,
		)
		e.report.Errors = append(e.report.Errors, err)
		return
	}
	e.deliver(slot, Message{
		From:    s.Target,
		Port:    ir.InputPort(0),
		Payload: s.Payload,
		Marker:  s.Marker,
	})
}

type job struct {
	slot ir.SlotID
	node *ReactiveNode
	msgs []Message
}

// drain evaluates rounds until the dirty set is empty.
func (e *Engine) drain(ctx context.Context) error {
	for len(e.dirty) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("tick %d cancelled: %w", e.report.Tick, err)
		}
		if !e.quota.Next() {
			return NewNoQuiescenceError(e.report.Tick, e.quota.Current(), e.quota.MaxRounds(), e.hotspots.Hottest(5))
		}

		batch := e.dirty
		e.dirty = nil

		jobs := make([]job, 0, len(batch))
		for _, slot := range batch {
			n, ok := e.nodes.Get(slot)
			if !ok {
				continue
			}
			jobs = append(jobs, job{slot: slot, node: n})
		}
		slices.SortFunc(jobs, func(a, b job) int {
			return ir.CompareAddress(a.node.Address, b.node.Address)
		})
		// Inboxes are taken before any evaluation so messages sent during
		// this round are seen next round.
		for i := range jobs {
			jobs[i].node.Dirty = false
			jobs[i].msgs = jobs[i].node.inbox
			jobs[i].node.inbox = nil
		}

		for _, j := range jobs {
			if !e.nodes.Valid(j.slot) {
				continue // torn down earlier this round
			}
			e.hotspots.Record(j.node.Address)
			e.evaluate(ctx, j.slot, j.node, j.msgs)
			e.report.Evaluations++
		}
		e.report.Rounds++
	}
	return nil
}

// commit makes this tick's register state durable.
func (e *Engine) commit() {
	e.registers.Each(func(slot ir.SlotID) bool {
		if n, ok := e.nodes.Get(slot); ok {
			if r, ok := n.Kind.(*Register); ok {
				r.commit()
			}
		}
		return false
	})
	e.registers.Clear()
}

// rollback discards this tick's register state and pending work.
func (e *Engine) rollback() {
	e.registers.Each(func(slot ir.SlotID) bool {
		if n, ok := e.nodes.Get(slot); ok {
			if r, ok := n.Kind.(*Register); ok {
				r.rollback()
				n.Value = r.working
			}
		}
		return false
	})
	e.registers.Clear()
	for _, slot := range e.dirty {
		if n, ok := e.nodes.Get(slot); ok {
			n.Dirty = false
			n.inbox = nil
		}
	}
	e.dirty = nil
	clear(e.effects)
}

// runEffects runs queued effects in address order.
func (e *Engine) runEffects(ctx context.Context) {
	if len(e.effects) == 0 {
		return
	}
	pending := make([]pendingEffect, 0, len(e.effects))
	for _, p := range e.effects {
		pending = append(pending, p)
	}
	clear(e.effects)
	slices.SortFunc(pending, func(a, b pendingEffect) int {
		return ir.CompareAddress(a.address, b.address)
	})

	for _, p := range pending {
		n, ok := e.nodes.Get(p.slot)
		if !ok {
			continue
		}
		eff, ok := n.Kind.(*EffectNode)
		if !ok {
			continue
		}
		if eff.hasLast && ir.Equal(eff.last, p.payload) {
			continue
		}
		eff.last = p.payload
		eff.hasLast = true
		e.report.Effects++
		if err := eff.Action(ctx, p.payload); err != nil {
			re := NewEffectError(e.report.Tick, p.address, err)
			e.logger.Error("effect failed",
				"tick", e.report.Tick,
				"address", p.address.String(),
				"error", err,
			)
			e.report.Errors = append(e.report.Errors, re)
		}
	}
}

// Run starts the single-writer tick loop.
// Blocks until context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine, and no other
// goroutine may call Tick or Settle while Run is active.
//
// A tick runs whenever stimuli are queued or a wall-time timer is due.
// Tick-count timers advance only with ticks.
//
// ERROR HANDLING: a failed tick is logged and the loop continues. Its
// register state has already been rolled back.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "domain", string(e.domain))

	if _, err := e.Settle(ctx); err != nil {
		e.logger.Error("initial settle failed", "error", err)
	}

	for {
		if e.queue.Len() > 0 || e.timers.wallDue(e.now()) {
			if _, err := e.Tick(ctx); err != nil {
				e.logger.Error("tick failed", "tick", e.clock.Tick(), "error", err)
			}
			continue
		}

		var wake <-chan time.Time
		var timer *time.Timer
		if d, ok := e.timers.nextWall(e.now()); ok {
			timer = time.NewTimer(d)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes when the queue is closed,
			// which causes this case to fire immediately
			if e.queue.Closed() && e.queue.Len() == 0 {
				if timer != nil {
					timer.Stop()
				}
				e.logger.Info("engine stopping: queue closed")
				return nil
			}

		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Stop gracefully shuts down the engine.
// Closes the stimulus queue, which will cause Run() to return.
func (e *Engine) Stop() {
	e.queue.Close()
}

// markDirty schedules slot for the next round.
func (e *Engine) markDirty(slot ir.SlotID, n *ReactiveNode) {
	if n.Dirty {
		return
	}
	n.Dirty = true
	e.dirty = append(e.dirty, slot)
}

// deliver appends msg to the target inbox. The target must be live.
func (e *Engine) deliver(target ir.SlotID, msg Message) {
	n, ok := e.nodes.Get(target)
	if !ok {
		raise(FaultDanglingRoute, target, msg.From, "delivery from %s to freed slot", msg.From)
	}
	n.inbox = append(n.inbox, msg)
	e.markDirty(target, n)
}

// emit records p as slot's current value and delivers it along every route.
// Emission has event semantics: subscribers see every emission, including
// one equal to the previous value. A list delta is an event against the
// handle the node already holds, so the node's value stays the handle.
func (e *Engine) emit(slot ir.SlotID, n *ReactiveNode, p ir.Payload, marker ir.RecencyMarker) {
	_, isDelta := p.(ir.ListDelta)
	if _, hasHandle := n.Value.(ir.ListHandle); !isDelta || !hasHandle {
		n.Value = p
	}
	n.Marker = marker
	n.Version++
	n.Emitted = true
	for _, r := range e.routes.Routes(slot) {
		e.deliver(r.Target, Message{
			From:     n.Address,
			FromSlot: slot,
			Port:     r.Port,
			Payload:  p,
			Version:  n.Version,
			Marker:   marker,
		})
	}
}

// subscribe adds the route src -> dst on port. With replay set and src
// already emitted, dst immediately receives src's current value, so a node
// created mid-run sees the state it subscribed to.
func (e *Engine) subscribe(src, dst ir.SlotID, port ir.Port, replay bool) {
	sn, ok := e.nodes.Get(src)
	if !ok {
		raise(FaultStaleSlot, src, ir.NodeAddress{}, "subscribe from freed slot")
	}
	if !e.nodes.Valid(dst) {
		raise(FaultStaleSlot, dst, ir.NodeAddress{}, "subscribe to freed slot")
	}
	if !e.routes.Add(src, dst, port) {
		return
	}
	if replay && sn.Emitted && e.restore == nil {
		e.deliver(dst, Message{
			From:     sn.Address,
			FromSlot: src,
			Port:     port,
			Payload:  sn.Value,
			Version:  sn.Version,
			Marker:   sn.Marker,
		})
	}
}

// unsubscribe removes the route src -> dst on port.
func (e *Engine) unsubscribe(src, dst ir.SlotID, port ir.Port) {
	e.routes.Remove(src, dst, port)
}

// node returns the live node at slot or raises a stale-slot fault.
func (e *Engine) node(slot ir.SlotID) *ReactiveNode {
	n, ok := e.nodes.Get(slot)
	if !ok {
		raise(FaultStaleSlot, slot, ir.NodeAddress{}, "dereference of freed slot")
	}
	return n
}

// Lookup returns the live slot at addr.
func (e *Engine) Lookup(addr ir.NodeAddress) (ir.SlotID, bool) {
	return e.nodes.Lookup(addr)
}

// AddressOf returns the address of the live node at slot.
func (e *Engine) AddressOf(slot ir.SlotID) (ir.NodeAddress, bool) {
	return e.nodes.Address(slot)
}

// Value returns the most recent emission of the node at slot.
// Stale slots report NoValue and false.
func (e *Engine) Value(slot ir.SlotID) (ir.Payload, bool) {
	n, ok := e.nodes.Get(slot)
	if !ok {
		return ir.NoValue{}, false
	}
	if n.Value == nil {
		return ir.NoValue{}, true
	}
	return n.Value, true
}

// Node returns a copy of the node record at slot, for inspection.
func (e *Engine) Node(slot ir.SlotID) (ReactiveNode, bool) {
	n, ok := e.nodes.Get(slot)
	if !ok {
		return ReactiveNode{}, false
	}
	cp := *n
	cp.inbox = nil
	return cp, true
}

// Valid reports whether slot refers to a live node.
func (e *Engine) Valid(slot ir.SlotID) bool {
	return e.nodes.Valid(slot)
}

// Len returns the number of live nodes.
func (e *Engine) Len() int {
	return e.nodes.Len()
}

// Slots returns every live slot in index order.
func (e *Engine) Slots() []ir.SlotID {
	return e.nodes.Slots()
}

// Routes returns the number of routing edges.
func (e *Engine) Routes() int {
	return e.routes.Len()
}

// ScopeSize returns the number of live nodes owned by scope and its
// descendants.
func (e *Engine) ScopeSize(scope ir.ScopeID) int {
	return e.scopes.count(scope)
}

// Teardown frees every node owned by scope or a descendant scope, drops
// their routes, cancels their timers and unbinds pads that pointed into
// them. AllocSites of the torn-down scopes are forgotten.
func (e *Engine) Teardown(scope ir.ScopeID) int {
	freed := 0
	var freedSlots []ir.SlotID
	for _, sc := range e.scopes.within(scope) {
		for _, slot := range e.scopes.slots(sc) {
			n, ok := e.nodes.Get(slot)
			if !ok {
				e.scopes.remove(sc, slot)
				continue
			}
			e.release(slot, n)
			e.routes.Drop(slot)
			e.scopes.remove(sc, slot)
			e.nodes.Free(slot)
			freedSlots = append(freedSlots, slot)
			freed++
		}
	}
	for k := range e.sites {
		if k.scope.Within(scope) {
			delete(e.sites, k)
		}
	}
	if freed > 0 {
		e.unbindPads(freedSlots)
		e.logger.Debug("scope torn down",
			"scope", scope.String(),
			"freed", freed,
		)
	}
	return freed
}

// release drops kind-specific engine bookkeeping for a node being freed.
func (e *Engine) release(slot ir.SlotID, n *ReactiveNode) {
	switch k := n.Kind.(type) {
	case *Timer:
		e.timers.cancel(k.id)
	case *IOPad:
		e.pads.Remove(slot)
	case *Register:
		e.registers.Remove(slot)
	case *EffectNode:
		delete(e.effects, slot)
	}
}

// site returns the AllocSite for src in scope, creating it on first use.
func (e *Engine) site(scope ir.ScopeID, src ir.SourceID) *ir.AllocSite {
	k := siteKey{scope: scope, source: src}
	s, ok := e.sites[k]
	if !ok {
		s = ir.NewAllocSite(src)
		e.sites[k] = s
	}
	return s
}

// batchMarker returns the most recent marker among msgs, or fallback.
func batchMarker(msgs []Message, fallback ir.RecencyMarker) ir.RecencyMarker {
	m := fallback
	for _, msg := range msgs {
		m = ir.MaxMarker(m, msg.Marker)
	}
	return m
}
