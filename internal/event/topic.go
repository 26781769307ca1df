package event

import (
	"strings"
	"unicode"
)

const (
	// Wildcard matches exactly one topic segment.
	Wildcard = "*"
	// MultiWildcard matches zero or more trailing segments. Only valid as the
	// last pattern segment.
	MultiWildcard = "#"

	// ContextAction marks user-triggered topics.
	ContextAction = "action"
	// ContextEvent marks automation-triggered topics.
	ContextEvent = "event"
)

// ParseTopic splits a topic into its segments and validates each one.
func ParseTopic(topic string) ([]string, error) {
	if topic == "" {
		return nil, invalid("topic", "topic is empty")
	}
	segs := strings.Split(topic, ".")
	for i, seg := range segs {
		if err := validateSegment(seg); err != nil {
			return nil, invalid("topic", "segment %d of %q: %s", i, topic, err.Message)
		}
		if seg == Wildcard || seg == MultiWildcard {
			return nil, invalid("topic", "segment %d of %q: wildcards are only allowed in patterns", i, topic)
		}
	}
	return segs, nil
}

// ValidateTopic returns a ValidationError when topic is malformed.
func ValidateTopic(topic string) error {
	_, err := ParseTopic(topic)
	return err
}

func validateSegment(seg string) *ValidationError {
	if seg == "" {
		return invalid("topic", "empty segment")
	}
	for _, r := range seg {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return invalid("topic", "segment %q contains whitespace", seg)
		}
	}
	return nil
}

// Pattern is a compiled topic pattern.
type Pattern struct {
	raw   string
	segs  []string
	multi bool
}

// CompilePattern parses a pattern such as "*.*.formA.event.#".
func CompilePattern(pattern string) (Pattern, error) {
	if pattern == "" {
		return Pattern{}, invalid("pattern", "pattern is empty")
	}
	segs := strings.Split(pattern, ".")
	p := Pattern{raw: pattern}
	for i, seg := range segs {
		if err := validateSegment(seg); err != nil {
			return Pattern{}, invalid("pattern", "segment %d of %q: %s", i, pattern, err.Message)
		}
		if seg == MultiWildcard {
			if i != len(segs)-1 {
				return Pattern{}, invalid("pattern", "%q: %q must be the last segment", pattern, MultiWildcard)
			}
			p.multi = true
			continue
		}
		if seg != Wildcard && strings.ContainsAny(seg, Wildcard+MultiWildcard) {
			return Pattern{}, invalid("pattern", "%q: partial wildcard segment %q", pattern, seg)
		}
		p.segs = append(p.segs, seg)
	}
	return p, nil
}

// MustCompilePattern is CompilePattern that panics on error. For static
// registrations only.
func MustCompilePattern(pattern string) Pattern {
	p, err := CompilePattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether topic matches the pattern segment by segment.
func (p Pattern) Match(topic string) bool {
	if p.raw == "" || topic == "" {
		return false
	}
	segs := strings.Split(topic, ".")
	if p.multi {
		if len(segs) < len(p.segs) {
			return false
		}
	} else if len(segs) != len(p.segs) {
		return false
	}
	for i, want := range p.segs {
		if want != Wildcard && want != segs[i] {
			return false
		}
	}
	return true
}

// Specificity counts literal segments. Used for diagnostics only; it does not
// influence rule ordering.
func (p Pattern) Specificity() int {
	n := 0
	for _, s := range p.segs {
		if s != Wildcard {
			n++
		}
	}
	return n
}

func (p Pattern) String() string {
	return p.raw
}

// IsZero reports whether the pattern was never compiled.
func (p Pattern) IsZero() bool {
	return p.raw == ""
}
