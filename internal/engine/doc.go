// Package engine implements the tickflow incremental dataflow evaluator.
//
// A graph of reactive nodes lives in a generational arena. Each node has a
// stable NodeAddress (domain, source, scope, port); slots are only handles
// and are never part of a node's identity.
//
// ARCHITECTURE:
//
// Single-Writer Tick Loop:
// All graph mutation happens in one goroutine. This ensures:
// - Deterministic evaluation order (address order within a round)
// - Reproducible output trees on replay
// - Simple reasoning about causality
//
// Tick Flow:
// 1. Due timers fire (timer ID order)
// 2. Stimuli queued before the tick are delivered (FIFO)
// 3. Rounds drain the dirty set until quiescence
// 4. Register state commits
// 5. Effects run in address order
//
// Dynamic structure (collection items, switch arms, function calls) is
// built into child scopes. Tearing down a scope frees every node it owns,
// and rebuilding it yields the same addresses, so identity survives
// re-instantiation.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Every stimulus and timer firing carries a RecencyMarker from Clock.
// NEVER use wall-clock time for ordering.
//
// Flush Propagation:
// Flushed(v) bypasses ordinary node logic until a binding boundary
// (Wire with Unwrap, Builder.Return, a FlushedPattern arm) unwraps it.
//
// Invariant Violations:
// Stale-slot dereferences, dangling routes, duplicate addresses and
// ambiguous update order panic with *Fault. Recover with CatchFault at a
// process boundary only.
package engine
