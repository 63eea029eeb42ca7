package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/module"
)

// TraceSnapshot is the golden-file form of a scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// RunWithGolden runs scenario and compares its journal trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, registry *module.Registry, opts ...Option) (*Result, error) {
	t.Helper()
	result, err := Run(context.Background(), scenario, registry, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace with the golden file
// for name. The trace is written as canonical JSON.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	data, err := ir.CanonicalJSON(TraceSnapshot{ScenarioName: name, Trace: result.Trace})
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
