package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/ir"
)

// CompileRule parses a CUE value into a Rule.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the rule struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`rule: NotifyOnFormCreate: { ... }`)
//	rule, err := CompileRule(v.LookupPath(cue.ParsePath("rule.NotifyOnFormCreate")))
//
// Rule fields:
//
//	topic:            "*.*.*.event.form_create_instance"  (required)
//	priority:         int, default 0
//	enabled:          bool, default true
//	seal_descendants: bool, default false
//	appenders:        [{name: "now", args: {...}}]
//	conditions:       [{path: "payload.template", op: "eq", value: "formA"}] or [{expr: "..."}]
//	actions:          [{name: "RequestNotification", args: {...}, bind: "notice", tags: ["ops"]}]  (at least one)
func CompileRule(v cue.Value) (*ir.Rule, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rule := &ir.Rule{Enabled: true}

	// The ID may be quoted in CUE, extract it
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		rule.ID = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	topicVal := v.LookupPath(cue.ParsePath("topic"))
	if !topicVal.Exists() {
		return nil, &CompileError{Field: "topic", Message: "topic is required", Pos: v.Pos()}
	}
	topic, err := topicVal.String()
	if err != nil {
		return nil, &CompileError{Field: "topic", Message: "topic must be a string pattern", Pos: topicVal.Pos()}
	}
	rule.Topic = topic

	if p := v.LookupPath(cue.ParsePath("priority")); p.Exists() {
		n, err := p.Int64()
		if err != nil {
			return nil, &CompileError{Field: "priority", Message: "priority must be an integer", Pos: p.Pos()}
		}
		rule.Priority = int(n)
	}
	if rule.Enabled, err = optionalBool(v, "enabled", true); err != nil {
		return nil, err
	}
	if rule.SealDescendants, err = optionalBool(v, "seal_descendants", false); err != nil {
		return nil, err
	}

	if rule.Appenders, err = parseAppenders(v); err != nil {
		return nil, err
	}
	if rule.Conditions, err = parseConditions(v); err != nil {
		return nil, err
	}
	if rule.Actions, err = parseActions(v); err != nil {
		return nil, err
	}
	return rule, nil
}

func optionalBool(v cue.Value, field string, def bool) (bool, error) {
	b := v.LookupPath(cue.ParsePath(field))
	if !b.Exists() {
		return def, nil
	}
	out, err := b.Bool()
	if err != nil {
		return false, &CompileError{Field: field, Message: field + " must be a bool", Pos: b.Pos()}
	}
	return out, nil
}

// parseAppenders extracts the optional appender list.
func parseAppenders(v cue.Value) ([]ir.AppenderSpec, error) {
	var out []ir.AppenderSpec
	err := eachListItem(v, "appenders", func(field string, item cue.Value) error {
		name, err := requiredString(item, field+".name")
		if err != nil {
			return err
		}
		args, err := parseArgs(item, field+".args")
		if err != nil {
			return err
		}
		out = append(out, ir.AppenderSpec{Name: name, Args: args})
		return nil
	})
	return out, err
}

// parseConditions extracts the optional condition list. Each entry is
// either {expr: "..."} or {path, op, value}.
func parseConditions(v cue.Value) ([]ir.Condition, error) {
	var out []ir.Condition
	err := eachListItem(v, "conditions", func(field string, item cue.Value) error {
		if e := item.LookupPath(cue.ParsePath("expr")); e.Exists() {
			expr, err := e.String()
			if err != nil {
				return &CompileError{Field: field + ".expr", Message: "expr must be a string", Pos: e.Pos()}
			}
			out = append(out, ir.Condition{Expr: expr})
			return nil
		}
		path, err := requiredString(item, field+".path")
		if err != nil {
			return err
		}
		op, err := requiredString(item, field+".op")
		if err != nil {
			return err
		}
		cond := ir.Condition{Path: path, Op: ir.Op(op)}
		if val := item.LookupPath(cue.ParsePath("value")); val.Exists() {
			cond.Value, err = plainValue(val)
			if err != nil {
				return &CompileError{Field: field + ".value", Message: err.Error(), Pos: val.Pos()}
			}
		}
		out = append(out, cond)
		return nil
	})
	return out, err
}

// parseActions extracts the action list. At least one action is required.
func parseActions(v cue.Value) ([]ir.ActionSpec, error) {
	if !v.LookupPath(cue.ParsePath("actions")).Exists() {
		return nil, &CompileError{Field: "actions", Message: "at least one action is required", Pos: v.Pos()}
	}
	var out []ir.ActionSpec
	err := eachListItem(v, "actions", func(field string, item cue.Value) error {
		name, err := requiredString(item, field+".name")
		if err != nil {
			return err
		}
		args, err := parseArgs(item, field+".args")
		if err != nil {
			return err
		}
		spec := ir.ActionSpec{Name: name, Args: args}
		if b := item.LookupPath(cue.ParsePath("bind")); b.Exists() {
			if spec.Bind, err = b.String(); err != nil {
				return &CompileError{Field: field + ".bind", Message: "bind must be a string", Pos: b.Pos()}
			}
		}
		if tv := item.LookupPath(cue.ParsePath("tags")); tv.Exists() {
			var tags []string
			if err := tv.Decode(&tags); err != nil {
				return &CompileError{Field: field + ".tags", Message: "tags must be a list of strings", Pos: tv.Pos()}
			}
			spec.Tags = event.NormalizeTags(tags)
		}
		out = append(out, spec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &CompileError{Field: "actions", Message: "at least one action is required", Pos: v.Pos()}
	}
	return out, nil
}

func eachListItem(v cue.Value, field string, fn func(field string, item cue.Value) error) error {
	listVal := v.LookupPath(cue.ParsePath(field))
	if !listVal.Exists() {
		return nil
	}
	iter, err := listVal.List()
	if err != nil {
		return &CompileError{Field: field, Message: field + " must be a list", Pos: listVal.Pos()}
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(fmt.Sprintf("%s[%d]", field, i), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	name := field[strings.LastIndex(field, ".")+1:]
	s := v.LookupPath(cue.ParsePath(name))
	if !s.Exists() {
		return "", &CompileError{Field: field, Message: name + " is required", Pos: v.Pos()}
	}
	out, err := s.String()
	if err != nil {
		return "", &CompileError{Field: field, Message: name + " must be a string", Pos: s.Pos()}
	}
	return out, nil
}

func parseArgs(v cue.Value, field string) (map[string]any, error) {
	a := v.LookupPath(cue.ParsePath("args"))
	if !a.Exists() {
		return nil, nil
	}
	plain, err := plainValue(a)
	if err != nil {
		return nil, &CompileError{Field: field, Message: err.Error(), Pos: a.Pos()}
	}
	m, ok := plain.(map[string]any)
	if !ok {
		return nil, &CompileError{Field: field, Message: "args must be a struct", Pos: a.Pos()}
	}
	return m, nil
}

// plainValue exports a concrete CUE value as a plain JSON tree with
// json.Number numbers.
func plainValue(v cue.Value) (any, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return ir.DecodeJSON(raw)
}
