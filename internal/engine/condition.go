package engine

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/outpost/internal/appender"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/jsonpath"
)

type compiledCondition struct {
	cond ir.Condition
	re   *regexp.Regexp
}

// evalConditions reports whether every condition holds. It stops at the
// first false condition or error.
func evalConditions(conds []compiledCondition, doc *appender.Document) (bool, error) {
	for i, c := range conds {
		ok, err := c.eval(doc)
		if err != nil {
			return false, fmt.Errorf("condition %d (%s): %w", i, c.cond.String(), err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c compiledCondition) eval(doc *appender.Document) (bool, error) {
	if c.cond.IsExpr() {
		return evalExpr(c.cond.Expr, doc)
	}

	p, err := jsonpath.Parse(c.cond.Path)
	if err != nil {
		return false, err
	}
	var vals []any
	if p.HasWildcard() {
		if vals, err = doc.Query(c.cond.Path); err != nil {
			return false, err
		}
	} else if v, ok := p.Get(doc.Map()); ok {
		vals = []any{v}
	}

	switch c.cond.Op {
	case ir.OpExists:
		return anyNonNull(vals), nil
	case ir.OpMissing:
		return !anyNonNull(vals), nil
	case ir.OpNe:
		for _, v := range vals {
			eq, err := jsonEqual(v, c.cond.Value)
			if err != nil {
				return false, err
			}
			if eq {
				return false, nil
			}
		}
		return true, nil
	}

	// The remaining operators hold when any selected value satisfies them.
	for _, v := range vals {
		ok, err := c.test(v)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c compiledCondition) test(v any) (bool, error) {
	want := c.cond.Value
	switch c.cond.Op {
	case ir.OpEq:
		return jsonEqual(v, want)
	case ir.OpGt, ir.OpGte, ir.OpLt, ir.OpLte:
		cmp, ok := compare(v, want)
		if !ok {
			return false, nil
		}
		switch c.cond.Op {
		case ir.OpGt:
			return cmp > 0, nil
		case ir.OpGte:
			return cmp >= 0, nil
		case ir.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case ir.OpIn:
		list, ok := want.([]any)
		if !ok {
			return false, fmt.Errorf("in needs a list value")
		}
		for _, item := range list {
			eq, err := jsonEqual(v, item)
			if err != nil || eq {
				return eq, err
			}
		}
		return false, nil
	case ir.OpContains:
		switch t := v.(type) {
		case string:
			s, ok := want.(string)
			return ok && strings.Contains(t, s), nil
		case []any:
			for _, item := range t {
				eq, err := jsonEqual(item, want)
				if err != nil || eq {
					return eq, err
				}
			}
		}
		return false, nil
	case ir.OpPrefix:
		s, ok := v.(string)
		p, okp := want.(string)
		return ok && okp && strings.HasPrefix(s, p), nil
	case ir.OpMatches:
		s, ok := v.(string)
		return ok && c.re != nil && c.re.MatchString(s), nil
	}
	return false, fmt.Errorf("unknown op %q", c.cond.Op)
}

func anyNonNull(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return true
		}
	}
	return false
}

// jsonEqual compares two values by their canonical encoding, so 1 and 1.0
// are equal and map key order is irrelevant.
func jsonEqual(a, b any) (bool, error) {
	ca, err := ir.MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	cb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// compare orders two numbers or two strings.
func compare(a, b any) (int, bool) {
	if fa, ok := ir.AsNumber(a); ok {
		fb, ok := ir.AsNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	sb, okb := b.(string)
	if !ok || !okb {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

// evalExpr evaluates a CUE boolean expression with the document's sections
// (event, payload, appendix) in scope.
func evalExpr(expr string, doc *appender.Document) (bool, error) {
	raw, err := doc.Canonical()
	if err != nil {
		return false, err
	}
	ctx := cuecontext.New()
	scope := ctx.CompileBytes(raw)
	if err := scope.Err(); err != nil {
		return false, err
	}
	v := ctx.CompileString(expr, cue.Scope(scope), cue.InferBuiltins(true))
	if err := v.Err(); err != nil {
		return false, err
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("expr %q: %w", expr, err)
	}
	return b, nil
}
