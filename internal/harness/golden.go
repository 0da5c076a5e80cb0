package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tickflow/internal/ir"
)

// CanonicalTree renders the per-tick outputs of a result as canonical
// JSON. Tick hashes are left out: they identify elements by structural
// source IDs, which change with any edit to the graph file, while the
// golden file should only change when values do.
func CanonicalTree(scenarioName string, result *Result) ([]byte, error) {
	ticks := make([]any, len(result.Ticks))
	for i, t := range result.Ticks {
		tick := map[string]any{
			"tick":    t.Tick,
			"outputs": t.Outputs,
		}
		if len(t.Errors) > 0 {
			tick["errors"] = t.Errors
		}
		ticks[i] = tick
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": scenarioName,
		"run_id":        result.RunID,
		"ticks":         ticks,
	})
}

// RunWithGolden executes a scenario and compares its outputs against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the outputs don't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := CanonicalTree(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
