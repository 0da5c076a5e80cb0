// Package store provides SQLite-backed durable storage for tickflow runs.
//
// A run is one program executed on one engine. The store keeps:
//   - Runs: the program hash and source a run was started from
//   - Stimuli: every external stimulus, in delivery order
//   - Tick hashes: the hash of the output trees after every tick
//   - Effects: payloads recorded by "record" effect nodes
//   - Snapshots: engine state between ticks, one row per live slot
//
// # Ordering
//
// All ordering uses logical columns (tick, seq), never timestamps. Every
// query that returns more than one row orders by them so replays read
// identical results.
//
// # Encoding
//
// Stimulus and effect payloads are canonical JSON TEXT (ir.MarshalCanonical).
// Snapshot slot state is a canonical CBOR BLOB: it carries item lists and
// register state that are read back by the engine only.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
