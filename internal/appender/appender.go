// Package appender enriches an event's document before rule conditions are
// checked. A rule lists appenders by name; they run in declared order over
// one Document, and the result depends only on the event, the clock and
// the resolver.
package appender

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/outpost/internal/ir"
)

// Env is what an appender may consult besides the document.
type Env struct {
	Now      func() time.Time
	Resolver Resolver
}

// Appender is one enrichment step.
type Appender interface {
	Apply(ctx context.Context, env Env, doc *Document) error
}

// Func adapts a function to Appender.
type Func func(ctx context.Context, env Env, doc *Document) error

// Apply calls f.
func (f Func) Apply(ctx context.Context, env Env, doc *Document) error { return f(ctx, env, doc) }

// Factory builds an appender from its arguments. Arguments are validated
// here so a bad rule fails at load time, not per event.
type Factory func(args map[string]any) (Appender, error)

// Registry maps appender names to factories. It is filled at startup and
// read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the builtin appenders.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for name, f := range builtins {
		r.factories[name] = f
	}
	return r
}

// Register adds a custom appender. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("appender: invalid registration %q", name)
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("appender: %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build compiles specs into a pipeline.
func (r *Registry) Build(specs []ir.AppenderSpec) (Pipeline, error) {
	p := make(Pipeline, 0, len(specs))
	for i, spec := range specs {
		f, ok := r.factories[spec.Name]
		if !ok {
			return nil, fmt.Errorf("appender %d: unknown appender %q", i, spec.Name)
		}
		a, err := f(spec.Args)
		if err != nil {
			return nil, fmt.Errorf("appender %d (%s): %w", i, spec.Name, err)
		}
		p = append(p, step{name: spec.Name, appender: a})
	}
	return p, nil
}

var defaultRegistry = NewRegistry()

// Build compiles specs with the builtin appenders.
func Build(specs []ir.AppenderSpec) (Pipeline, error) {
	return defaultRegistry.Build(specs)
}

type step struct {
	name     string
	appender Appender
}

// Pipeline is an ordered list of compiled appenders.
type Pipeline []step

// StepError reports which appender of a pipeline failed.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("appender %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Apply runs every step in order and stops at the first failure.
func (p Pipeline) Apply(ctx context.Context, env Env, doc *Document) error {
	if env.Now == nil {
		env.Now = time.Now
	}
	for i, s := range p {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.appender.Apply(ctx, env, doc); err != nil {
			return &StepError{Index: i, Name: s.name, Err: err}
		}
	}
	return nil
}

// Names lists the step names in order.
func (p Pipeline) Names() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = s.name
	}
	return out
}
