package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/event"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.ID, ev.Topic)
			if ev.Cause != "" {
				fmt.Fprintf(&buf, " <- %s", ev.Cause)
			}
			fmt.Fprintf(&buf, " (%s)\n", ev.State)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertEmitted:
		return assertEmitted(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertCausedBy:
		return assertCausedBy(result.Trace, a)
	case AssertNotifications:
		return assertNotifications(result, a)
	case AssertAlerts:
		return assertAlerts(result, a)
	case AssertDeadLetters:
		return assertDeadLetters(result.Trace, a)
	case AssertState:
		return assertState(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// matching returns the trace events whose topic matches pattern.
func matching(trace []TraceEvent, pattern string) ([]TraceEvent, error) {
	p, err := event.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	var out []TraceEvent
	for _, ev := range trace {
		if p.Match(ev.Topic) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func count(a Assertion) int {
	if a.Count == nil {
		return 0
	}
	return *a.Count
}

// assertEmitted checks that exactly Count committed events match Topic.
func assertEmitted(trace []TraceEvent, a Assertion) error {
	evs, err := matching(trace, a.Topic)
	if err != nil {
		return err
	}
	if len(evs) != count(a) {
		return &AssertionError{
			Type:     AssertEmitted,
			Expected: fmt.Sprintf("%d events on %s", count(a), a.Topic),
			Actual:   fmt.Sprintf("%d events", len(evs)),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the first event on each topic appears in
// the listed order. Events in between are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make([]int, len(a.Topics))
	for i, pattern := range a.Topics {
		evs, err := matching(trace, pattern)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all topics present: %v", a.Topics),
				Actual:   fmt.Sprintf("missing topic: %s", pattern),
				Trace:    trace,
			}
		}
		positions[i] = int(evs[0].Seq)
	}
	for i := 1; i < len(positions); i++ {
		if positions[i-1] >= positions[i] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("topics in order: %v", a.Topics),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					a.Topics[i-1], positions[i-1], a.Topics[i], positions[i]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertCausedBy checks that every event on Topic was caused by an event
// on Cause. At least one event on Topic must exist.
func assertCausedBy(trace []TraceEvent, a Assertion) error {
	evs, err := matching(trace, a.Topic)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return &AssertionError{
			Type:     AssertCausedBy,
			Expected: fmt.Sprintf("events on %s", a.Topic),
			Actual:   "none emitted",
			Trace:    trace,
		}
	}
	causes, err := matching(trace, a.Cause)
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(causes))
	for _, c := range causes {
		ids[c.ID] = true
	}
	for _, ev := range evs {
		if !ids[ev.Cause] {
			actual := "no cause"
			if ev.Cause != "" {
				actual = "caused by " + ev.Cause
			}
			return &AssertionError{
				Type:     AssertCausedBy,
				Expected: fmt.Sprintf("%s caused by an event on %s", ev.ID, a.Cause),
				Actual:   actual,
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertNotifications counts notification requests, for Group if set.
func assertNotifications(result *Result, a Assertion) error {
	n := 0
	for _, note := range result.Notifications {
		if a.Group == "" || note.Group == a.Group {
			n++
		}
	}
	if n != count(a) {
		target := "all groups"
		if a.Group != "" {
			target = "group " + a.Group
		}
		return &AssertionError{
			Type:     AssertNotifications,
			Expected: fmt.Sprintf("%d notifications for %s", count(a), target),
			Actual:   fmt.Sprintf("%d notifications", n),
		}
	}
	return nil
}

// assertAlerts counts alerts of Kind.
func assertAlerts(result *Result, a Assertion) error {
	n := 0
	var seen []string
	for _, al := range result.Alerts {
		if al.Kind == alert.Kind(a.Kind) {
			n++
		}
		seen = append(seen, string(al.Kind))
	}
	if n != count(a) {
		return &AssertionError{
			Type:     AssertAlerts,
			Expected: fmt.Sprintf("%d %s alerts", count(a), a.Kind),
			Actual:   fmt.Sprintf("%d (all alerts: %v)", n, seen),
		}
	}
	return nil
}

// assertDeadLetters counts events that ended dead-lettered.
func assertDeadLetters(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.State == string(event.StateDeadLettered) {
			n++
		}
	}
	if n != count(a) {
		return &AssertionError{
			Type:     AssertDeadLetters,
			Expected: fmt.Sprintf("%d dead-lettered events", count(a)),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    trace,
		}
	}
	return nil
}

// assertState checks that every event on Topic ended in State.
func assertState(trace []TraceEvent, a Assertion) error {
	evs, err := matching(trace, a.Topic)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("events on %s", a.Topic),
			Actual:   "none emitted",
			Trace:    trace,
		}
	}
	for _, ev := range evs {
		if ev.State != a.State {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("%s in state %s", ev.ID, a.State),
				Actual:   ev.State,
				Trace:    trace,
			}
		}
	}
	return nil
}
