package appender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/jsonpath"
)

var builtins = map[string]Factory{
	"now":       newNow,
	"resolve":   newResolve,
	"replace":   newReplace,
	"aggregate": newAggregate,
	"set":       newSet,
	"copy":      newCopy,
}

// args is a typed view over an appender's argument map.
type args map[string]any

func (a args) str(key, def string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func (a args) required(key string) (string, error) {
	s, err := a.str(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return s, nil
}

func (a args) boolean(key string, def bool) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a bool", key)
	}
	return b, nil
}

func (a args) path(key, def string) (string, error) {
	s, err := a.str(key, def)
	if err != nil || s == "" {
		if err == nil {
			err = fmt.Errorf("argument %q is required", key)
		}
		return "", err
	}
	if _, err := jsonpath.Parse(s); err != nil {
		return "", fmt.Errorf("argument %q: %w", key, err)
	}
	return s, nil
}

// now writes the current time: {"into": "appendix.now", "layout":
// "rfc3339"|"unix"|"unix_ms"|<Go layout>, "offset": "-24h"}.
func newNow(raw map[string]any) (Appender, error) {
	a := args(raw)
	into, err := a.path("into", "appendix.now")
	if err != nil {
		return nil, err
	}
	layout, err := a.str("layout", "rfc3339")
	if err != nil {
		return nil, err
	}
	offsetStr, err := a.str("offset", "")
	if err != nil {
		return nil, err
	}
	var offset time.Duration
	if offsetStr != "" {
		if offset, err = time.ParseDuration(offsetStr); err != nil {
			return nil, fmt.Errorf("argument %q: %w", "offset", err)
		}
	}
	return Func(func(_ context.Context, env Env, doc *Document) error {
		t := env.Now().UTC().Add(offset)
		var v any
		switch layout {
		case "rfc3339":
			v = t.Format(time.RFC3339)
		case "unix":
			v = json.Number(strconv.FormatInt(t.Unix(), 10))
		case "unix_ms":
			v = json.Number(strconv.FormatInt(t.UnixMilli(), 10))
		default:
			v = t.Format(layout)
		}
		return doc.Set(into, v)
	}), nil
}

// resolve inlines a referenced entity: {"kind": "event", "from":
// "payload.source_id", "into": "appendix.source", "required": true}.
func newResolve(raw map[string]any) (Appender, error) {
	a := args(raw)
	kind, err := a.required("kind")
	if err != nil {
		return nil, err
	}
	from, err := a.path("from", "")
	if err != nil {
		return nil, err
	}
	into, err := a.path("into", "")
	if err != nil {
		return nil, err
	}
	required, err := a.boolean("required", true)
	if err != nil {
		return nil, err
	}
	return Func(func(ctx context.Context, env Env, doc *Document) error {
		ref, ok, err := doc.Get(from)
		if err != nil {
			return err
		}
		if !ok || ref == nil {
			if required {
				return fmt.Errorf("reference %s is missing", from)
			}
			return doc.Set(into, nil)
		}
		if env.Resolver == nil {
			return errors.New("no resolver configured")
		}
		id := stringify(ref)
		v, err := env.Resolver.Resolve(ctx, kind, id)
		if errors.Is(err, ErrNotFound) && !required {
			return doc.Set(into, nil)
		}
		if err != nil {
			return fmt.Errorf("resolve %s %s: %w", kind, id, err)
		}
		return doc.Set(into, v)
	}), nil
}

// replace rewrites a string field: {"path": "payload.subject", "into":
// "appendix.subject", "pairs": {"old": "new"}}. ${path} references in the
// field are expanded after the literal pairs are applied.
func newReplace(raw map[string]any) (Appender, error) {
	a := args(raw)
	path, err := a.path("path", "")
	if err != nil {
		return nil, err
	}
	into, err := a.path("into", path)
	if err != nil {
		return nil, err
	}
	pairs := map[string]string{}
	if p, ok := raw["pairs"]; ok && p != nil {
		m, ok := p.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("argument %q must be an object", "pairs")
		}
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("pairs[%q] must be a string", k)
			}
			pairs[k] = s
		}
	}
	olds := make([]string, 0, len(pairs))
	for k := range pairs {
		olds = append(olds, k)
	}
	sort.Strings(olds)

	return Func(func(_ context.Context, _ Env, doc *Document) error {
		v, ok, err := doc.Get(path)
		if err != nil {
			return err
		}
		if !ok || v == nil {
			return nil
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s is not a string", path)
		}
		for _, old := range olds {
			s = strings.ReplaceAll(s, old, pairs[old])
		}
		s, err = Expand(doc, s)
		if err != nil {
			return err
		}
		return doc.Set(into, s)
	}), nil
}

// Aggregate operations.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
	AggFirst = "first"
	AggLast  = "last"
)

// aggregate folds the values a wildcard path selects: {"op": "sum",
// "from": "payload.items.*.price", "into": "appendix.total"}.
func newAggregate(raw map[string]any) (Appender, error) {
	a := args(raw)
	op, err := a.required("op")
	if err != nil {
		return nil, err
	}
	switch op {
	case AggCount, AggSum, AggMin, AggMax, AggAvg, AggFirst, AggLast:
	default:
		return nil, fmt.Errorf("unknown aggregate op %q", op)
	}
	from, err := a.path("from", "")
	if err != nil {
		return nil, err
	}
	into, err := a.path("into", "")
	if err != nil {
		return nil, err
	}
	return Func(func(_ context.Context, _ Env, doc *Document) error {
		vals, err := doc.Query(from)
		if err != nil {
			return err
		}
		v, err := fold(op, vals)
		if err != nil {
			return fmt.Errorf("%s over %s: %w", op, from, err)
		}
		return doc.Set(into, v)
	}), nil
}

func fold(op string, vals []any) (any, error) {
	switch op {
	case AggCount:
		return len(vals), nil
	case AggFirst:
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[0], nil
	case AggLast:
		if len(vals) == 0 {
			return nil, nil
		}
		return vals[len(vals)-1], nil
	}

	nums := make([]float64, 0, len(vals))
	for _, v := range vals {
		n, ok := ir.AsNumber(v)
		if !ok {
			return nil, fmt.Errorf("value %v is not a number", v)
		}
		nums = append(nums, n)
	}
	if op == AggSum {
		sum := 0.0
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	}
	if len(nums) == 0 {
		return nil, nil
	}
	acc := nums[0]
	for _, n := range nums[1:] {
		switch op {
		case AggMin:
			if n < acc {
				acc = n
			}
		case AggMax:
			if n > acc {
				acc = n
			}
		case AggAvg:
			acc += n
		}
	}
	if op == AggAvg {
		acc /= float64(len(nums))
	}
	return acc, nil
}

// set writes a constant: {"path": "appendix.channel", "value": "email"}.
func newSet(raw map[string]any) (Appender, error) {
	a := args(raw)
	path, err := a.path("path", "")
	if err != nil {
		return nil, err
	}
	value, ok := raw["value"]
	if !ok {
		return nil, fmt.Errorf("argument %q is required", "value")
	}
	return Func(func(_ context.Context, _ Env, doc *Document) error {
		return doc.Set(path, value)
	}), nil
}

// copy moves a value between paths: {"from": "payload.id", "to":
// "appendix.form_id", "required": false}.
func newCopy(raw map[string]any) (Appender, error) {
	a := args(raw)
	from, err := a.path("from", "")
	if err != nil {
		return nil, err
	}
	to, err := a.path("to", "")
	if err != nil {
		return nil, err
	}
	required, err := a.boolean("required", false)
	if err != nil {
		return nil, err
	}
	return Func(func(_ context.Context, _ Env, doc *Document) error {
		v, ok, err := doc.Get(from)
		if err != nil {
			return err
		}
		if !ok {
			if required {
				return fmt.Errorf("%s is missing", from)
			}
			return nil
		}
		return doc.Set(to, v)
	}), nil
}
