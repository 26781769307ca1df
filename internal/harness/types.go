package harness

import (
	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/store"
)

// TraceEvent is one committed event as seen after the scenario settled.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Action  string `json:"action,omitempty"`
	Cause   string `json:"cause,omitempty"`
	Depth   int    `json:"depth"`
	Sealed  bool   `json:"sealed"`
	State   string `json:"state"`
	Payload any    `json:"payload,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace lists every committed event in sequence order.
	Trace []TraceEvent `json:"trace"`

	// Notifications lists the recorded notification requests.
	Notifications []store.Notification `json:"notifications"`

	// Alerts lists every alert raised during the run.
	Alerts []alert.Alert `json:"alerts"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:          true,
		Trace:         []TraceEvent{},
		Notifications: []store.Notification{},
		Alerts:        []alert.Alert{},
		Errors:        []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
