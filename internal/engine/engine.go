package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/outpost/internal/action"
	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/appender"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/sink"
	"github.com/roach88/outpost/internal/store"
)

// Engine evaluates rules against events.
//
// Thread-safety model:
//   - Evaluate(): safe from any goroutine; each shard worker calls it
//     sequentially for its own events
//   - Load(): safe from any goroutine; swaps the registry atomically
//
// INVARIANTS:
//   - the registry is never mutated after it is published
//   - rules run in registry order, actions in declaration order
type Engine struct {
	store     *store.Store
	sink      *sink.Sink
	actions   *action.Registry
	appenders *appender.Registry
	resolver  appender.Resolver
	alerter   alert.Alerter
	logger    *slog.Logger
	now       func() time.Time
	guard     *CascadeGuard
	order     ir.PriorityOrder

	registry atomic.Pointer[Registry]
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithMaxCascadeDepth sets the cascade depth limit.
//
// Default: DefaultMaxCascadeDepth. Zero or less disables the guard.
func WithMaxCascadeDepth(depth int) Option {
	return func(e *Engine) { e.guard = NewCascadeGuard(depth) }
}

// WithPriorityOrder selects whether lower or higher priorities run first.
func WithPriorityOrder(order ir.PriorityOrder) Option {
	return func(e *Engine) { e.order = order }
}

// WithActions sets the action registry. Default: builtins only.
func WithActions(r *action.Registry) Option {
	return func(e *Engine) { e.actions = r }
}

// WithAppenders sets the appender registry. Default: builtins only.
func WithAppenders(r *appender.Registry) Option {
	return func(e *Engine) { e.appenders = r }
}

// WithResolver sets the resolver used by the resolve appender.
// Default: committed events from the store.
func WithResolver(r appender.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithAlerter sets where failures are reported.
func WithAlerter(a alert.Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine with an empty rule set. Call Load to install
// rules.
func New(st *store.Store, sk *sink.Sink, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		sink:      sk,
		actions:   action.NewRegistry(),
		appenders: appender.NewRegistry(),
		logger:    slog.Default(),
		now:       time.Now,
		guard:     NewCascadeGuard(DefaultMaxCascadeDepth),
		order:     ir.PriorityAsc,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = appender.StoreResolver{Store: st}
	}
	if e.alerter == nil {
		e.alerter = alert.NewLogAlerter(e.logger)
	}
	e.registry.Store(&Registry{order: e.order})
	return e
}

// Load compiles rules and atomically replaces the active registry. On
// error the previous registry stays active.
func (e *Engine) Load(rules []ir.Rule) (*Registry, error) {
	reg, err := BuildRegistry(rules, e.order, e.actions, e.appenders)
	if err != nil {
		return nil, err
	}
	e.registry.Store(reg)
	e.logger.Info("rules loaded",
		"ruleset_hash", reg.Hash(),
		"enabled", reg.Len(),
		"total", reg.Total(),
		"priority_order", string(reg.Order()),
	)
	return reg, nil
}

// Registry returns the active registry.
func (e *Engine) Registry() *Registry {
	return e.registry.Load()
}

// Evaluate runs every matching rule against ev. lineage is ev's ancestor
// chain, nearest first.
//
// ERROR HANDLING: appender, condition and action failures are alerted and
// evaluation continues with the next action or rule ("log and continue").
// Only infrastructure errors (begin/commit of a rule transaction) are
// returned, so the caller can retry the event.
func (e *Engine) Evaluate(ctx context.Context, ev event.Event, lineage []event.Event) error {
	if ev.Sealed {
		return nil
	}
	reg := e.registry.Load()
	matched := reg.Match(ev.Topic)
	if len(matched) == 0 {
		return nil
	}

	if err := e.guard.Check(ev, lineage); err != nil {
		e.alert(ctx, alert.Alert{
			Kind:    alert.KindCascadeLimit,
			EventID: ev.ID,
			Topic:   ev.Topic,
			Message: "cascade depth limit reached, rules skipped",
			Err:     err,
		})
		return nil
	}

	for _, cr := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.evaluateRule(ctx, ev, lineage, cr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, ev event.Event, lineage []event.Event, cr *compiledRule) error {
	ruleID := cr.rule.ID

	doc, err := appender.NewDocument(ev)
	if err != nil {
		e.ruleFailed(ctx, alert.KindAppenderFailed, ev, ruleID, "", &RuntimeError{
			Code: ErrCodeAppenderFailed, Message: "build document", EventID: ev.ID, RuleID: ruleID, Err: err,
		})
		return nil
	}
	doc.SetLineage(lineage)

	env := appender.Env{Now: e.now, Resolver: e.resolver}
	if err := cr.pipeline.Apply(ctx, env, doc); err != nil {
		e.ruleFailed(ctx, alert.KindAppenderFailed, ev, ruleID, "", &RuntimeError{
			Code: ErrCodeAppenderFailed, Message: "enrichment failed", EventID: ev.ID, RuleID: ruleID, Err: err,
		})
		return nil
	}

	ok, err := evalConditions(cr.conditions, doc)
	if err != nil {
		e.ruleFailed(ctx, alert.KindConditionError, ev, ruleID, "", &RuntimeError{
			Code: ErrCodeConditionFailed, Message: "condition error", EventID: ev.ID, RuleID: ruleID, Err: err,
		})
		return nil
	}
	if !ok {
		e.logger.Debug("rule conditions not met", "event_id", ev.ID, "rule_id", ruleID)
		return nil
	}

	return e.act(ctx, ev, cr, doc)
}

// act runs the rule's actions in one transaction, one savepoint each.
func (e *Engine) act(ctx context.Context, ev event.Event, cr *compiledRule, doc *appender.Document) error {
	ruleID := cr.rule.ID
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rule %s: begin: %w", ruleID, err)
	}
	defer tx.Rollback()
	batch := e.sink.BeginBatch(tx)

	fired, skipped, failed := 0, 0, 0
	for i, spec := range cr.rule.Actions {
		sp := fmt.Sprintf("action_%d", i)
		if err := tx.Savepoint(ctx, sp); err != nil {
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}

		inserted, err := e.store.ClaimFiring(ctx, tx, ev.ID, ruleID, i, e.now())
		if err != nil {
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}
		if !inserted {
			skipped++
			e.logger.Debug("action already fired",
				"event_id", ev.ID, "rule_id", ruleID, "action", spec.Name, "action_index", i)
			if err := tx.Release(ctx, sp); err != nil {
				return fmt.Errorf("rule %s: %w", ruleID, err)
			}
			continue
		}

		mark := batch.Mark()
		snapshot, err := doc.Clone()
		if err != nil {
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}

		runErr := e.runAction(ctx, ev, cr, i, spec, tx, batch, doc)
		if runErr != nil {
			failed++
			if err := tx.RollbackTo(ctx, sp); err != nil {
				return fmt.Errorf("rule %s: %w", ruleID, err)
			}
			batch.Rewind(mark)
			*doc = *snapshot
			e.ruleFailed(ctx, alert.KindActionFailed, ev, ruleID, spec.Name, runErr)
		} else {
			fired++
		}
		if err := tx.Release(ctx, sp); err != nil {
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}
	}

	emitted, err := batch.CommitBatch()
	if err != nil {
		return fmt.Errorf("rule %s: %w", ruleID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rule %s: commit: %w", ruleID, err)
	}

	e.logger.Info("rule fired",
		"event_id", ev.ID,
		"rule_id", ruleID,
		"actions_fired", fired,
		"actions_skipped", skipped,
		"actions_failed", failed,
		"emitted", len(emitted),
	)
	return nil
}

// runAction resolves arguments, executes one action and binds its result.
// Panics are converted to errors.
func (e *Engine) runAction(
	ctx context.Context,
	ev event.Event,
	cr *compiledRule,
	index int,
	spec ir.ActionSpec,
	tx *store.Tx,
	batch *sink.Batch,
	doc *appender.Document,
) (err error) {
	ruleID := cr.rule.ID
	defer func() {
		if r := recover(); r != nil {
			err = NewActionError(ev.ID, ruleID, spec.Name, index, fmt.Errorf("panic: %v", r))
		}
	}()

	args, err := appender.ResolveArgs(doc, spec.Args)
	if err != nil {
		return NewActionError(ev.ID, ruleID, spec.Name, index, fmt.Errorf("resolve args: %w", err))
	}
	call := &action.Call{
		Tx:            tx,
		Sink:          batch,
		ResultBinding: spec.Bind,
		Tags:          spec.Tags,
		Data:          doc,
		Args:          args,
		Event:         ev,
		Sealed:        cr.rule.SealDescendants,
		Name:          spec.Name,
		RuleID:        ruleID,
		ActionIndex:   index,
		FiringKey:     ir.FiringKey(ev.ID, ruleID, index),
		Now:           e.now().UTC(),
	}

	a := cr.actions[index]
	if a == nil {
		return NewUnknownActionError(ruleID, spec.Name)
	}
	if err := a.Execute(ctx, call); err != nil {
		return NewActionError(ev.ID, ruleID, spec.Name, index, err)
	}

	if spec.Bind != "" {
		if v, ok := call.Result(); ok {
			if err := doc.Set(appender.SectionAppendix+"."+spec.Bind, v); err != nil {
				return NewActionError(ev.ID, ruleID, spec.Name, index, fmt.Errorf("bind %s: %w", spec.Bind, err))
			}
		}
	}
	return nil
}

func (e *Engine) ruleFailed(ctx context.Context, kind alert.Kind, ev event.Event, ruleID, actionName string, err error) {
	msg := err.Error()
	var re *RuntimeError
	if errors.As(err, &re) {
		msg = re.Message
	}
	e.alert(ctx, alert.Alert{
		Kind:    kind,
		EventID: ev.ID,
		Topic:   ev.Topic,
		RuleID:  ruleID,
		Action:  actionName,
		Message: msg,
		Err:     err,
	})
}

func (e *Engine) alert(ctx context.Context, a alert.Alert) {
	if a.At.IsZero() {
		a.At = e.now().UTC()
	}
	e.alerter.Alert(ctx, a)
}
