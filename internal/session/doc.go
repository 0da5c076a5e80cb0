// Package session runs a compiled program on an engine and, when given a
// store, records the run.
//
// A recorded run holds every stimulus as delivered, the hash of the output
// trees after every tick, the payloads of "record" effects and periodic
// snapshots. Replay rebuilds the program on a fresh engine, re-delivers
// the stimuli tick by tick and reports the first tick whose output hash
// differs from the recording. Resume restores the latest snapshot and
// re-delivers only the stimuli recorded after it.
//
// Wall-time timers depend on the clock the run was made with; replaying a
// run that used them is only exact under the same clock.
package session
