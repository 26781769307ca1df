package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/outpost/internal/event"
)

// DefaultMaxCascadeDepth is the default limit on origin chain length.
const DefaultMaxCascadeDepth = 8

// CascadeGuard bounds rule-to-rule cascades of unsealed events.
//
// Sealing is the primary defense: a sealed descendant never reaches the
// rules. The guard catches the rest, e.g. a rule that re-emits its own
// topic without sealing. Depth is the number of automation hops between
// the event and the user action at the root of its chain.
//
// CRITICAL DISTINCTION from the static analysis in compiler.AnalyzeCascades:
//   - AnalyzeCascades: warns about loops visible in rule definitions
//   - CascadeGuard: stops any chain at runtime, including templated topics
type CascadeGuard struct {
	maxDepth int
}

// NewCascadeGuard creates a guard. maxDepth <= 0 disables it.
func NewCascadeGuard(maxDepth int) *CascadeGuard {
	return &CascadeGuard{maxDepth: maxDepth}
}

// MaxDepth returns the configured limit.
func (g *CascadeGuard) MaxDepth() int {
	return g.maxDepth
}

// Check returns CascadeLimitError if ev may not be evaluated. lineage is
// the loaded ancestor chain; the deeper of it and the origin chain counts.
func (g *CascadeGuard) Check(ev event.Event, lineage []event.Event) error {
	if g.maxDepth <= 0 {
		return nil
	}
	depth := len(lineage)
	if ev.Origin != nil && ev.Origin.Depth() > depth {
		depth = ev.Origin.Depth()
	}
	if depth >= g.maxDepth {
		return &CascadeLimitError{EventID: ev.ID, Topic: ev.Topic, Depth: depth, Limit: g.maxDepth}
	}
	return nil
}

// CascadeLimitError is returned when an event's chain is too deep.
//
// The event is still delivered to static consumers; only rule evaluation
// stops.
type CascadeLimitError struct {
	EventID string
	Topic   string
	Depth   int
	Limit   int
}

// Error implements the error interface.
func (e *CascadeLimitError) Error() string {
	return fmt.Sprintf("event %s (%s) reached cascade depth %d, limit %d",
		e.EventID, e.Topic, e.Depth, e.Limit)
}

// IsCascadeLimitError returns true if the error is a CascadeLimitError.
// Uses errors.As to handle wrapped errors.
func IsCascadeLimitError(err error) bool {
	var ce *CascadeLimitError
	return errors.As(err, &ce)
}
