package engine

import (
	"fmt"
	"regexp"

	"github.com/roach88/outpost/internal/action"
	"github.com/roach88/outpost/internal/appender"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
)

// compiledRule is a rule with everything needed at evaluation time built
// up front.
type compiledRule struct {
	rule       ir.Rule
	pattern    event.Pattern
	pipeline   appender.Pipeline
	conditions []compiledCondition
	actions    []action.Action
}

// Registry is an immutable, ordered snapshot of compiled rules.
//
// INVARIANTS:
//   - rules are sorted by priority, ties in declaration order
//   - disabled rules are not included
//   - every referenced action and appender exists
type Registry struct {
	rules []*compiledRule
	hash  string
	order ir.PriorityOrder
	total int
}

// BuildRegistry compiles rules against the given action and appender
// registries. It fails on the first rule that cannot be compiled.
func BuildRegistry(rules []ir.Rule, order ir.PriorityOrder, actions *action.Registry, appenders *appender.Registry) (*Registry, error) {
	hash, err := ir.RulesetHash(rules)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rules))
	reg := &Registry{hash: hash, order: order, total: len(rules)}
	for _, r := range ir.SortRules(rules, order) {
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if !r.Enabled {
			continue
		}
		cr, err := compileRule(r, actions, appenders)
		if err != nil {
			return nil, err
		}
		reg.rules = append(reg.rules, cr)
	}
	return reg, nil
}

func compileRule(r ir.Rule, actions *action.Registry, appenders *appender.Registry) (*compiledRule, error) {
	pattern, err := event.CompilePattern(r.Topic)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	pipeline, err := appenders.Build(r.Appenders)
	if err != nil {
		return nil, &RuntimeError{Code: ErrCodeAppenderFailed, Message: "invalid appenders", RuleID: r.ID, Err: err}
	}
	cr := &compiledRule{rule: r, pattern: pattern, pipeline: pipeline}
	for i, c := range r.Conditions {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, &RuntimeError{
				Code:    ErrCodeConditionFailed,
				Message: fmt.Sprintf("condition %d", i),
				RuleID:  r.ID,
				Err:     err,
			}
		}
		cr.conditions = append(cr.conditions, cc)
	}
	if len(r.Actions) == 0 {
		return nil, fmt.Errorf("rule %s: no actions", r.ID)
	}
	for _, spec := range r.Actions {
		a, ok := actions.Lookup(spec.Name)
		if !ok {
			return nil, NewUnknownActionError(r.ID, spec.Name)
		}
		cr.actions = append(cr.actions, a)
	}
	return cr, nil
}

func compileCondition(c ir.Condition) (compiledCondition, error) {
	cc := compiledCondition{cond: c}
	if c.IsExpr() {
		return cc, nil
	}
	if !ir.ValidOps[c.Op] {
		return cc, fmt.Errorf("unknown op %q", c.Op)
	}
	if c.Op == ir.OpMatches {
		s, ok := c.Value.(string)
		if !ok {
			return cc, fmt.Errorf("matches needs a string pattern")
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return cc, err
		}
		cc.re = re
	}
	return cc, nil
}

// Match returns the rules whose pattern matches topic, in evaluation order.
func (r *Registry) Match(topic string) []*compiledRule {
	var out []*compiledRule
	for _, cr := range r.rules {
		if cr.pattern.Match(topic) {
			out = append(out, cr)
		}
	}
	return out
}

// Rules returns the enabled rules in evaluation order.
func (r *Registry) Rules() []ir.Rule {
	out := make([]ir.Rule, len(r.rules))
	for i, cr := range r.rules {
		out[i] = cr.rule
	}
	return out
}

// Hash identifies the rule set the registry was built from.
func (r *Registry) Hash() string { return r.hash }

// Order returns the priority order.
func (r *Registry) Order() ir.PriorityOrder { return r.order }

// Len returns the number of enabled rules.
func (r *Registry) Len() int { return len(r.rules) }

// Total returns the number of rules including disabled ones.
func (r *Registry) Total() int { return r.total }
