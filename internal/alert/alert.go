// Package alert reports failures that are handled without failing the
// caller: consumer errors, action errors, dead letters, cascade cut-offs
// and lost leases.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind categorizes an alert.
type Kind string

const (
	KindConsumerFailed Kind = "consumer_failed"
	KindActionFailed   Kind = "action_failed"
	KindAppenderFailed Kind = "appender_failed"
	KindConditionError Kind = "condition_failed"
	KindDeadLettered   Kind = "dead_lettered"
	KindCascadeLimit   Kind = "cascade_limit"
	KindLeaseLost      Kind = "lease_lost"
)

// Alert describes one handled failure.
type Alert struct {
	Kind     Kind      `json:"kind"`
	EventID  string    `json:"event_id,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	RuleID   string    `json:"rule_id,omitempty"`
	Action   string    `json:"action,omitempty"`
	Consumer string    `json:"consumer,omitempty"`
	Shard    int       `json:"shard,omitempty"`
	Message  string    `json:"message"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

func (a Alert) String() string {
	msg := a.Message
	if msg == "" && a.Err != nil {
		msg = a.Err.Error()
	}
	return fmt.Sprintf("%s: %s (event=%s)", a.Kind, msg, a.EventID)
}

// Alerter receives alerts. Implementations must not block for long and
// must be safe for concurrent use.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// Func adapts a function to Alerter.
type Func func(ctx context.Context, a Alert)

// Alert calls f.
func (f Func) Alert(ctx context.Context, a Alert) { f(ctx, a) }

// LogAlerter writes alerts to a structured logger.
type LogAlerter struct {
	Logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter. A nil logger means slog.Default().
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{Logger: logger}
}

// Alert logs a at warn level (error level for dead letters).
func (l *LogAlerter) Alert(ctx context.Context, a Alert) {
	level := slog.LevelWarn
	if a.Kind == KindDeadLettered {
		level = slog.LevelError
	}
	attrs := []any{"kind", string(a.Kind)}
	if a.EventID != "" {
		attrs = append(attrs, "event_id", a.EventID)
	}
	if a.Topic != "" {
		attrs = append(attrs, "topic", a.Topic)
	}
	if a.RuleID != "" {
		attrs = append(attrs, "rule_id", a.RuleID)
	}
	if a.Action != "" {
		attrs = append(attrs, "action", a.Action)
	}
	if a.Consumer != "" {
		attrs = append(attrs, "consumer", a.Consumer)
	}
	if a.Err != nil {
		attrs = append(attrs, "error", a.Err)
	}
	msg := a.Message
	if msg == "" {
		msg = "alert"
	}
	l.Logger.Log(ctx, level, msg, attrs...)
}

// Multi fans an alert out to several alerters in order.
type Multi []Alerter

// Alert forwards a to every alerter.
func (m Multi) Alert(ctx context.Context, a Alert) {
	for _, al := range m {
		if al != nil {
			al.Alert(ctx, a)
		}
	}
}

// Recorder keeps alerts in memory for tests and scenario runs.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Alert records a.
func (r *Recorder) Alert(_ context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// OfKind returns the recorded alerts of kind k.
func (r *Recorder) OfKind(k Kind) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alert
	for _, a := range r.alerts {
		if a.Kind == k {
			out = append(out, a)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = nil
}
