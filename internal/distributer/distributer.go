// Package distributer delivers dispatched events to the static consumers
// registered at startup and then to the rule engine.
package distributer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/event"
)

// Consumer receives events whose topic it consumes.
type Consumer interface {
	Name() string
	Consumes(topic string) bool
	Handle(ctx context.Context, ev event.Event) error
}

// LocalOnly is implemented by consumers that must not see events
// relayed from other processes, such as the publisher doing the relaying.
type LocalOnly interface {
	LocalOnly() bool
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, ev event.Event) error

type subscription struct {
	name    string
	pattern event.Pattern
	fn      HandlerFunc
}

func (s *subscription) Name() string                                     { return s.name }
func (s *subscription) Consumes(topic string) bool                       { return s.pattern.Match(topic) }
func (s *subscription) Handle(ctx context.Context, ev event.Event) error { return s.fn(ctx, ev) }

// Subscribe builds a Consumer that calls fn for topics matching pattern.
func Subscribe(name, pattern string, fn HandlerFunc) (Consumer, error) {
	p, err := event.CompilePattern(pattern)
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", name, err)
	}
	return &subscription{name: name, pattern: p, fn: fn}, nil
}

// Evaluator runs rules against an event. *engine.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, ev event.Event, lineage []event.Event) error
}

// LineageLoader loads an event's ancestors, nearest first. *store.Store
// implements it.
type LineageLoader interface {
	LineageOf(ctx context.Context, ev event.Event) ([]event.Event, error)
}

// Distributer fans one event out to consumers and rules.
//
// Thread-safety model:
//   - Register(): startup only, before the first Dispatch
//   - Dispatch(): safe from any goroutine once registration is closed
//
// INVARIANTS:
//   - consumers see events in registration order
//   - a failing consumer never stops delivery to the others
//   - sealed events never reach the rules
type Distributer struct {
	evaluator Evaluator
	lineage   LineageLoader
	alerter   alert.Alerter
	logger    *slog.Logger

	mu        sync.RWMutex
	consumers []Consumer
	names     map[string]bool
	closed    bool
}

// Option configures a Distributer.
type Option func(*Distributer)

// WithEngine routes unsealed events to the rule engine after the
// consumers. lineage supplies each event's ancestor chain.
func WithEngine(ev Evaluator, lineage LineageLoader) Option {
	return func(d *Distributer) {
		d.evaluator = ev
		d.lineage = lineage
	}
}

// WithAlerter sets where consumer failures are reported.
func WithAlerter(a alert.Alerter) Option {
	return func(d *Distributer) { d.alerter = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributer) { d.logger = l }
}

// New creates a Distributer with no consumers.
func New(opts ...Option) *Distributer {
	d := &Distributer{
		logger: slog.Default(),
		names:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.alerter == nil {
		d.alerter = alert.NewLogAlerter(d.logger)
	}
	return d
}

// Register adds a consumer. Names must be unique. Registration is closed
// by the first Dispatch.
func (d *Distributer) Register(c Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("register %s: distributer already dispatching", c.Name())
	}
	if c.Name() == "" {
		return fmt.Errorf("register: consumer name is empty")
	}
	if d.names[c.Name()] {
		return fmt.Errorf("register %s: duplicate consumer", c.Name())
	}
	d.names[c.Name()] = true
	d.consumers = append(d.consumers, c)
	return nil
}

// Consumers returns the registered consumer names in delivery order.
func (d *Distributer) Consumers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.consumers))
	for i, c := range d.consumers {
		out[i] = c.Name()
	}
	return out
}

// Dispatch delivers ev to every consumer that wants it and, unless ev is
// sealed, to the rule engine.
//
// ERROR HANDLING: consumer errors and panics are alerted and swallowed.
// Only engine infrastructure errors are returned, so the pump retries the
// event; firings committed by the failed attempt make the retry skip the
// actions that already ran.
func (d *Distributer) Dispatch(ctx context.Context, ev event.Event) error {
	delivered := d.deliverAll(ctx, ev, false)
	d.logger.Debug("event distributed",
		"event_id", ev.ID,
		"topic", ev.Topic,
		"consumers", delivered,
		"sealed", ev.Sealed,
	)

	if ev.Sealed || d.evaluator == nil {
		return nil
	}
	var lineage []event.Event
	if d.lineage != nil {
		var err error
		if lineage, err = d.lineage.LineageOf(ctx, ev); err != nil {
			return fmt.Errorf("lineage of %s: %w", ev.ID, err)
		}
	}
	return d.evaluator.Evaluate(ctx, ev, lineage)
}

// DeliverRemote hands an event received from another process to the
// local consumers. Consumers marked LocalOnly and the rules are skipped;
// the originating process already ran them.
func (d *Distributer) DeliverRemote(ctx context.Context, ev event.Event) int {
	return d.deliverAll(ctx, ev, true)
}

func (d *Distributer) deliverAll(ctx context.Context, ev event.Event, remote bool) int {
	d.mu.Lock()
	d.closed = true
	consumers := d.consumers
	d.mu.Unlock()

	delivered := 0
	for _, c := range consumers {
		if !c.Consumes(ev.Topic) {
			continue
		}
		if lo, ok := c.(LocalOnly); remote && ok && lo.LocalOnly() {
			continue
		}
		if err := d.deliver(ctx, c, ev); err != nil {
			d.alerter.Alert(ctx, alert.Alert{
				Kind:     alert.KindConsumerFailed,
				EventID:  ev.ID,
				Topic:    ev.Topic,
				Consumer: c.Name(),
				Shard:    ev.Shard,
				Message:  "consumer failed",
				Err:      err,
			})
			continue
		}
		delivered++
	}
	return delivered
}

func (d *Distributer) deliver(ctx context.Context, c Consumer, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Handle(ctx, ev)
}
