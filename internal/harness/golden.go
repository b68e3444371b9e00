package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/flux/internal/trace"
)

// RunWithGolden executes a scenario and compares its outcome against golden
// files: the rendered trace under testdata/golden/{name}.golden and the
// final state (canonical JSON) under testdata/golden/{name}_state.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Golden files serve as the source of truth for expected trace output -
// group nesting, diff rendering, sequence numbers, everything the trace
// logger emits for the scenario.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...RunOption) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}

	stateJSON, err := trace.MarshalCanonical(canonicalFinalState(result))
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, []byte(result.Trace))
	g.Assert(t, scenario.Name+"_state", stateJSON)

	return result, nil
}

// canonicalFinalState widens the result's state map so the canonical
// marshaler can walk it.
func canonicalFinalState(result *Result) map[string]any {
	out := make(map[string]any, len(result.FinalState))
	for ns, st := range result.FinalState {
		out[ns] = st
	}
	return out
}
