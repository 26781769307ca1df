package ir

import (
	"fmt"
	"slices"
)

// Rule is a compiled automation rule: when an event's topic matches Topic,
// the engine enriches it with Appenders, checks Conditions and runs Actions
// in order.
type Rule struct {
	ID              string         `json:"id"`
	Topic           string         `json:"topic"`
	Priority        int            `json:"priority"`
	Enabled         bool           `json:"enabled"`
	SealDescendants bool           `json:"seal_descendants"`
	Appenders       []AppenderSpec `json:"appenders,omitempty"`
	Conditions      []Condition    `json:"conditions,omitempty"`
	Actions         []ActionSpec   `json:"actions"`
}

// Op is a condition comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpExists   Op = "exists"
	OpMissing  Op = "missing"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpPrefix   Op = "prefix"
	OpMatches  Op = "matches"
)

// ValidOps lists the operators a Condition may use.
var ValidOps = map[Op]bool{
	OpEq:       true,
	OpNe:       true,
	OpGt:       true,
	OpGte:      true,
	OpLt:       true,
	OpLte:      true,
	OpExists:   true,
	OpMissing:  true,
	OpIn:       true,
	OpContains: true,
	OpPrefix:   true,
	OpMatches:  true,
}

// Unary reports whether the operator ignores Condition.Value.
func (o Op) Unary() bool {
	return o == OpExists || o == OpMissing
}

// Condition is a single predicate over the enriched event document.
// Either Expr is set (a CUE boolean expression evaluated with the document
// as scope) or Path and Op are set.
type Condition struct {
	Path  string `json:"path,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
	Expr  string `json:"expr,omitempty"`
}

// IsExpr reports whether the condition is a CUE expression.
func (c Condition) IsExpr() bool {
	return c.Expr != ""
}

// String renders the condition for diagnostics.
func (c Condition) String() string {
	if c.IsExpr() {
		return c.Expr
	}
	if c.Op.Unary() {
		return fmt.Sprintf("%s %s", c.Path, c.Op)
	}
	return fmt.Sprintf("%s %s %v", c.Path, c.Op, c.Value)
}

// ActionSpec names a registered action and its arguments. String arguments
// may contain ${path} templates resolved against the enriched document.
// When Bind is set the action's result is stored under appendix.<Bind> for
// later actions of the same rule. Tags are added to every event the action
// emits.
type ActionSpec struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	Bind string         `json:"bind,omitempty"`
	Tags []string       `json:"tags,omitempty"`
}

// AppenderSpec names a registered appender and its arguments.
type AppenderSpec struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// PriorityOrder selects whether lower or higher priorities run first.
type PriorityOrder string

const (
	PriorityAsc  PriorityOrder = "asc"
	PriorityDesc PriorityOrder = "desc"
)

// ParsePriorityOrder converts a configuration string. Empty means asc.
func ParsePriorityOrder(s string) (PriorityOrder, error) {
	switch PriorityOrder(s) {
	case "", PriorityAsc:
		return PriorityAsc, nil
	case PriorityDesc:
		return PriorityDesc, nil
	default:
		return "", fmt.Errorf("invalid priority order %q: must be asc or desc", s)
	}
}

// SortRules orders rules by priority. Rules of equal priority keep their
// relative input order, which is their declaration order.
func SortRules(rules []Rule, order PriorityOrder) []Rule {
	out := slices.Clone(rules)
	slices.SortStableFunc(out, func(a, b Rule) int {
		if order == PriorityDesc {
			return b.Priority - a.Priority
		}
		return a.Priority - b.Priority
	})
	return out
}
