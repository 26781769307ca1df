package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"cuelang.org/go/cue/parser"

	"github.com/roach88/outpost/internal/appender"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/jsonpath"
)

// Validation error codes (E120-E139)
const (
	ErrInvalidRuleID     = "E120" // empty or malformed rule id
	ErrDuplicateRuleID   = "E121" // two rules share an id
	ErrInvalidTopic      = "E122" // topic pattern does not compile
	ErrInvalidCondition  = "E123" // bad path, op, value or expr
	ErrInvalidAppender   = "E124" // unknown appender or bad args
	ErrUnknownAction     = "E125" // action name not registered
	ErrInvalidBind       = "E126" // bind name unusable or duplicated
	ErrNoActions         = "E127" // rule has no actions
	ErrInvalidActionArgs = "E128" // action args fail a static check
)

var ruleIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// ValidationError represents a rule validation error.
type ValidationError struct {
	RuleID  string `json:"rule_id,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("[%s] rule %s: %s: %s", e.Code, e.RuleID, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Catalog reports whether a name is registered.
type Catalog interface {
	Has(name string) bool
}

// Options configures Validate. A nil Actions catalog skips the action
// name check; a nil Appenders registry uses the builtin appenders.
type Options struct {
	Actions   Catalog
	Appenders *appender.Registry
}

// Validate checks a rule set. Returns all errors found (does not
// fail-fast).
func Validate(rules []ir.Rule, opts Options) []ValidationError {
	appenders := opts.Appenders
	if appenders == nil {
		appenders = appender.NewRegistry()
	}

	var errs []ValidationError
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if seen[r.ID] {
			errs = append(errs, ValidationError{
				RuleID:  r.ID,
				Field:   "id",
				Message: fmt.Sprintf("duplicate rule id %q", r.ID),
				Code:    ErrDuplicateRuleID,
			})
		}
		seen[r.ID] = true
		errs = append(errs, validateRule(r, opts.Actions, appenders)...)
	}
	return errs
}

func validateRule(r *ir.Rule, actions Catalog, appenders *appender.Registry) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			RuleID:  r.ID,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}

	if !ruleIDPattern.MatchString(r.ID) {
		add("id", ErrInvalidRuleID, "rule id %q must start with a letter and use letters, digits, '_', '-' or '.'", r.ID)
	}

	if _, err := event.CompilePattern(r.Topic); err != nil {
		add("topic", ErrInvalidTopic, "%v", err)
	}

	if _, err := appenders.Build(r.Appenders); err != nil {
		add("appenders", ErrInvalidAppender, "%v", err)
	}

	for i, c := range r.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if err := validateCondition(c); err != nil {
			add(field, ErrInvalidCondition, "%v", err)
		}
	}

	if len(r.Actions) == 0 {
		add("actions", ErrNoActions, "at least one action is required")
	}
	binds := make(map[string]bool)
	for i, a := range r.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if actions != nil && !actions.Has(a.Name) {
			add(field+".name", ErrUnknownAction, "unknown action %q", a.Name)
		}
		if a.Bind != "" {
			if strings.ContainsAny(a.Bind, ".[]*") {
				add(field+".bind", ErrInvalidBind, "bind %q must be a plain key", a.Bind)
			}
			if binds[a.Bind] {
				add(field+".bind", ErrInvalidBind, "bind %q is used twice", a.Bind)
			}
			binds[a.Bind] = true
		}
		if a.Name == emitActionName {
			if topic, ok := a.Args["topic"].(string); !ok || topic == "" {
				add(field+".args.topic", ErrInvalidActionArgs, "EmitEvent needs a topic")
			} else if !strings.Contains(topic, "${") {
				if err := event.ValidateTopic(topic); err != nil {
					add(field+".args.topic", ErrInvalidActionArgs, "%v", err)
				}
			}
		}
	}
	return errs
}

func validateCondition(c ir.Condition) error {
	if c.IsExpr() {
		if c.Path != "" || c.Op != "" {
			return fmt.Errorf("expr conditions cannot also set path or op")
		}
		if _, err := parser.ParseExpr("condition", c.Expr); err != nil {
			return fmt.Errorf("expr %q: %w", c.Expr, err)
		}
		return nil
	}
	if _, err := jsonpath.Parse(c.Path); err != nil {
		return err
	}
	if !ir.ValidOps[c.Op] {
		return fmt.Errorf("unknown op %q", c.Op)
	}
	switch c.Op {
	case ir.OpIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("op in needs a list value")
		}
	case ir.OpMatches:
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("op matches needs a string pattern")
		}
		if _, err := regexp.Compile(s); err != nil {
			return fmt.Errorf("op matches: %w", err)
		}
	case ir.OpPrefix:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("op prefix needs a string value")
		}
	case ir.OpGt, ir.OpGte, ir.OpLt, ir.OpLte:
		if _, ok := ir.AsNumber(c.Value); !ok {
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("op %s needs a number or string value", c.Op)
			}
		}
	}
	return nil
}
