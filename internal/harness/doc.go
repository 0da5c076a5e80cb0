// Package harness runs scenario tests against compiled tickflow programs.
//
// A scenario names a graph file, a sequence of ticks with the stimuli
// delivered before each, expected output values per tick and assertions
// on the finished run.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: counter
//	description: "Increments count and resets it"
//	graph: counter.cue
//	ticks:
//	  - send:
//	      - input: inc
//	        value: {$tag: Inc}
//	    expect:
//	      count: 1
//	  - advance: 2s
//	    send:
//	      - input: reset
//	        value: {$tag: Reset}
//	    expect:
//	      count: 0
//	assertions:
//	  - type: effect_count
//	    node: audit
//	    count: 3
//	  - type: deterministic
//
// Values use the canonical payload form: integers, strings, booleans,
// null, records as mappings and tags as {$tag: Name, fields: {...}}. List
// outputs compare as sequences of their item values.
//
// # Assertion Types
//
//   - final_output: an output's value after the last tick
//   - item_count: the number of items in a list output after the last tick
//   - effect_count: how many payloads a "record" effect node received
//   - effects: the payloads a "record" effect node received, in order
//   - no_errors: no tick reported a runtime error
//   - deterministic: replaying the recorded run reproduces every tick hash
//
// # Deterministic Testing
//
// Every scenario runs on a fresh engine recording into an isolated
// in-memory store, under a fixed run ID (scenario run_id, or
// "test-run-default") and a manual wall clock that only moves on a tick's
// advance. Identical scenarios therefore produce identical results, which
// RunWithGolden compares against testdata/golden.
package harness
