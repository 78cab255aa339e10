package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/statecore/internal/value"
)

// TraceSnapshot is the golden-file form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

func (s *TraceSnapshot) toValue() value.Value {
	events := make(value.Array, len(s.Trace))
	for i, ev := range s.Trace {
		obj := value.Object{
			"type": value.String(ev.Type),
			"seq":  value.Int(ev.Seq),
		}
		if ev.ActionID != "" {
			obj["action_id"] = value.String(ev.ActionID)
		}
		if ev.ActionType != "" {
			obj["action_type"] = value.String(ev.ActionType)
		}
		if len(ev.Paths) > 0 {
			paths := make(value.Array, len(ev.Paths))
			for j, p := range ev.Paths {
				paths[j] = value.String(p)
			}
			obj["paths"] = paths
		}
		if ev.Subscriber != "" {
			obj["subscriber"] = value.String(ev.Subscriber)
		}
		events[i] = obj
	}
	return value.Object{
		"scenario_name": value.String(s.ScenarioName),
		"trace":         events,
	}
}

// MarshalTrace renders a result's trace as canonical JSON.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snap := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	return value.MarshalCanonical(snap.toValue())
}

// RunWithGolden runs a scenario and compares its trace against
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()
	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()
	data, err := MarshalTrace(name, result)
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
