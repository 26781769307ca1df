// Package jsonpath addresses values inside decoded JSON documents.
//
// A path is a dot-separated list of segments. A segment is an object key,
// optionally followed by one or more [n] array indices, or the wildcard *
// which selects every element of an array or every value of an object
// (in canonical key order). Examples:
//
//	payload.template
//	payload.items[0].price
//	payload.items.*.price
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/outpost/internal/ir"
)

// Wildcard selects every child of an array or object.
const Wildcard = "*"

type stepKind int

const (
	stepKey stepKind = iota
	stepIndex
	stepWildcard
)

type step struct {
	kind  stepKind
	key   string
	index int
}

// Path is a parsed path.
type Path struct {
	raw   string
	steps []step
}

// String returns the path as written.
func (p Path) String() string { return p.raw }

// HasWildcard reports whether the path can select more than one value.
func (p Path) HasWildcard() bool {
	for _, s := range p.steps {
		if s.kind == stepWildcard {
			return true
		}
	}
	return false
}

// Parse parses a path.
func Parse(raw string) (Path, error) {
	if strings.TrimSpace(raw) == "" {
		return Path{}, fmt.Errorf("empty path")
	}
	p := Path{raw: raw}
	for _, seg := range strings.Split(raw, ".") {
		if seg == "" {
			return Path{}, fmt.Errorf("path %q: empty segment", raw)
		}
		if seg == Wildcard {
			p.steps = append(p.steps, step{kind: stepWildcard})
			continue
		}
		key, rest, hasIndex := strings.Cut(seg, "[")
		if key != "" {
			if strings.ContainsAny(key, "]* ") {
				return Path{}, fmt.Errorf("path %q: invalid segment %q", raw, seg)
			}
			p.steps = append(p.steps, step{kind: stepKey, key: key})
		} else if !hasIndex {
			return Path{}, fmt.Errorf("path %q: invalid segment %q", raw, seg)
		}
		if !hasIndex {
			continue
		}
		rest = "[" + rest
		for rest != "" {
			if rest[0] != '[' {
				return Path{}, fmt.Errorf("path %q: invalid index in %q", raw, seg)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return Path{}, fmt.Errorf("path %q: unterminated index in %q", raw, seg)
			}
			inner := rest[1:end]
			if inner == Wildcard {
				p.steps = append(p.steps, step{kind: stepWildcard})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return Path{}, fmt.Errorf("path %q: invalid index %q", raw, inner)
				}
				p.steps = append(p.steps, step{kind: stepIndex, index: n})
			}
			rest = rest[end+1:]
		}
	}
	return p, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) Path {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Get returns the single value at path. Wildcard paths are rejected.
func Get(doc any, path string) (any, bool, error) {
	p, err := Parse(path)
	if err != nil {
		return nil, false, err
	}
	if p.HasWildcard() {
		return nil, false, fmt.Errorf("path %q: wildcard not allowed here", path)
	}
	v, ok := p.Get(doc)
	return v, ok, nil
}

// Get returns the value at a wildcard-free path.
func (p Path) Get(doc any) (any, bool) {
	cur := doc
	for _, s := range p.steps {
		switch s.kind {
		case stepKey:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[s.key]
			if !ok {
				return nil, false
			}
		case stepIndex:
			arr, ok := cur.([]any)
			if !ok || s.index >= len(arr) {
				return nil, false
			}
			cur = arr[s.index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Query returns every value selected by path, in document order.
func Query(doc any, path string) ([]any, error) {
	p, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return p.Query(doc), nil
}

// Query returns every value the path selects.
func (p Path) Query(doc any) []any {
	current := []any{doc}
	for _, s := range p.steps {
		var next []any
		for _, v := range current {
			switch s.kind {
			case stepKey:
				if m, ok := v.(map[string]any); ok {
					if child, ok := m[s.key]; ok {
						next = append(next, child)
					}
				}
			case stepIndex:
				if arr, ok := v.([]any); ok && s.index < len(arr) {
					next = append(next, arr[s.index])
				}
			case stepWildcard:
				switch c := v.(type) {
				case []any:
					next = append(next, c...)
				case map[string]any:
					for _, k := range ir.SortedKeys(c) {
						next = append(next, c[k])
					}
				}
			}
		}
		current = next
	}
	return current
}

// Set stores v at path inside doc, creating intermediate objects as needed.
// Array indices must already exist.
func Set(doc map[string]any, path string, v any) error {
	p, err := Parse(path)
	if err != nil {
		return err
	}
	return p.Set(doc, v)
}

// Set stores v at the path inside doc.
func (p Path) Set(doc map[string]any, v any) error {
	if p.HasWildcard() {
		return fmt.Errorf("path %q: wildcard not allowed in assignment", p.raw)
	}
	var cur any = doc
	for i, s := range p.steps {
		last := i == len(p.steps)-1
		switch s.kind {
		case stepKey:
			m, ok := cur.(map[string]any)
			if !ok {
				return fmt.Errorf("path %q: %q is not an object", p.raw, s.key)
			}
			if last {
				m[s.key] = v
				return nil
			}
			child, ok := m[s.key]
			if !ok || child == nil {
				if p.steps[i+1].kind == stepIndex {
					return fmt.Errorf("path %q: array %q does not exist", p.raw, s.key)
				}
				child = map[string]any{}
				m[s.key] = child
			}
			cur = child
		case stepIndex:
			arr, ok := cur.([]any)
			if !ok || s.index >= len(arr) {
				return fmt.Errorf("path %q: index %d out of range", p.raw, s.index)
			}
			if last {
				arr[s.index] = v
				return nil
			}
			cur = arr[s.index]
		}
	}
	return nil
}
