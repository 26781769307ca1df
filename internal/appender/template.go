package appender

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/outpost/internal/ir"
)

var templateRef = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Expand replaces every ${path} in s with the value at path. Strings are
// inserted as-is, other values as canonical JSON, missing values as "".
func Expand(doc *Document, s string) (string, error) {
	var firstErr error
	out := templateRef.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-1])
		v, ok, err := doc.Get(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Resolve expands templates inside v. A string that is exactly one
// ${path} reference resolves to the referenced value with its JSON type;
// other strings are expanded with Expand. Maps and slices are walked.
func Resolve(doc *Document, v any) (any, error) {
	switch t := v.(type) {
	case string:
		if m := templateRef.FindStringSubmatchIndex(t); m != nil && m[0] == 0 && m[1] == len(t) {
			val, _, err := doc.Get(strings.TrimSpace(t[m[2]:m[3]]))
			return val, err
		}
		return Expand(doc, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			r, err := Resolve(doc, child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			r, err := Resolve(doc, child)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveArgs resolves every argument of an action or appender.
func ResolveArgs(doc *Document, args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	r, err := Resolve(doc, args)
	if err != nil {
		return nil, err
	}
	return r.(map[string]any), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		raw, err := ir.MarshalCanonical(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}
