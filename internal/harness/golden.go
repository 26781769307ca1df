package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/outpost/internal/ir"
)

// TraceSnapshot captures the parts of a run that are stable across
// executions. Timestamps and hashed ids are left out.
type TraceSnapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts the snapshot into a plain JSON tree for
// ir.MarshalCanonical.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Result.Trace))
	for i, ev := range s.Result.Trace {
		m := map[string]any{
			"seq":    ev.Seq,
			"id":     ev.ID,
			"topic":  ev.Topic,
			"depth":  ev.Depth,
			"sealed": ev.Sealed,
			"state":  ev.State,
		}
		if ev.Action != "" {
			m["action"] = ev.Action
		}
		if ev.Cause != "" {
			m["cause"] = ev.Cause
		}
		if ev.Payload != nil {
			m["payload"] = ev.Payload
		}
		trace[i] = m
	}

	notes := make([]any, len(s.Result.Notifications))
	for i, n := range s.Result.Notifications {
		m := map[string]any{
			"event_id": n.EventID,
			"rule_id":  n.RuleID,
			"group":    n.Group,
		}
		if n.Subject != "" {
			m["subject"] = n.Subject
		}
		if n.Body != "" {
			m["body"] = n.Body
		}
		notes[i] = m
	}

	alerts := make([]any, len(s.Result.Alerts))
	for i, a := range s.Result.Alerts {
		m := map[string]any{"kind": string(a.Kind)}
		for k, v := range map[string]string{
			"event_id": a.EventID,
			"rule_id":  a.RuleID,
			"action":   a.Action,
			"consumer": a.Consumer,
		} {
			if v != "" {
				m[k] = v
			}
		}
		alerts[i] = m
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"notifications": notes,
		"alerts":        alerts,
	}
}

// Bytes renders the snapshot as canonical JSON, the golden file format.
func (s *TraceSnapshot) Bytes() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
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

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Result: result}
	data, err := snapshot.Bytes()
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
