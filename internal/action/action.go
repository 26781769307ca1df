// Package action holds the pluggable side effects a rule can run. Actions
// are looked up by the stable name a rule references and run inside the
// rule's transaction, so anything they write commits or rolls back with
// the rule's firing record.
package action

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/outpost/internal/appender"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/sink"
	"github.com/roach88/outpost/internal/store"
)

// Action is one named side effect.
type Action interface {
	Execute(ctx context.Context, c *Call) error
}

// Func adapts a function to Action.
type Func func(ctx context.Context, c *Call) error

// Execute calls f.
func (f Func) Execute(ctx context.Context, c *Call) error { return f(ctx, c) }

// Call is everything an action receives for one firing.
type Call struct {
	// Tx is the rule's transaction. Writes through it commit with the
	// firing record.
	Tx *store.Tx

	// Sink enqueues descendant events into Tx.
	Sink *sink.Batch

	// ResultBinding is the appendix key the action's result is stored
	// under, or "" when the rule does not bind one.
	ResultBinding string

	// Data is the enriched document. Later actions of the same rule see
	// results bound by earlier ones.
	Data *appender.Document

	// Args are the action's arguments with ${path} templates resolved.
	Args map[string]any

	// Event is the triggering event.
	Event event.Event

	// Sealed marks descendant events as terminal for rule matching.
	Sealed bool

	// Tags are added to every descendant event.
	Tags []string

	Name        string
	RuleID      string
	ActionIndex int
	FiringKey   string
	Now         time.Time

	result    any
	hasResult bool
}

// SetResult records the action's result for binding.
func (c *Call) SetResult(v any) {
	c.result = v
	c.hasResult = true
}

// Result returns the recorded result.
func (c *Call) Result() (any, bool) {
	return c.result, c.hasResult
}

// Registry maps action names to implementations. It is built once at
// startup; Freeze makes further registration fail.
type Registry struct {
	actions map[string]Action
	frozen  bool
}

// NewRegistry returns a registry holding the builtin actions.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	r.actions[NameEmitEvent] = Func(emitEvent)
	r.actions[NameRequestNotification] = Func(requestNotification)
	r.actions[NameSetResult] = Func(setResult)
	return r
}

// Register adds an action. Names must be unique.
func (r *Registry) Register(name string, a Action) error {
	if r.frozen {
		return fmt.Errorf("action: registry is frozen, cannot register %q", name)
	}
	if name == "" || a == nil {
		return fmt.Errorf("action: invalid registration %q", name)
	}
	if _, ok := r.actions[name]; ok {
		return fmt.Errorf("action: %q already registered", name)
	}
	r.actions[name] = a
	return nil
}

// Freeze closes the registry.
func (r *Registry) Freeze() { r.frozen = true }

// Lookup returns the action registered under name.
func (r *Registry) Lookup(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.actions[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
