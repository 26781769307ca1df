package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/outpost/internal/event"
)

// maxOriginDepth bounds chain walks so a corrupted self-reference cannot
// loop forever.
const maxOriginDepth = 1024

// InsertOrigin writes o and any unstored ancestors inside tx, oldest first.
// Origins are immutable; an origin whose id already exists is left as is.
func (s *Store) InsertOrigin(ctx context.Context, tx *Tx, o *event.Origin, now time.Time) error {
	chain := o.Chain()
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		if cur.ID == "" {
			return fmt.Errorf("insert origin %q: missing id", cur.ActionName)
		}
		var preceding any
		if cur.Preceding != nil {
			preceding = cur.Preceding.ID
		}
		_, err := s.exec(ctx, tx.tx, `
			INSERT INTO origins (id, action_name, preceding_id, origin_user, cause_event_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, cur.ID, cur.ActionName, preceding, nullString(cur.OriginUser), cur.CauseEventID, toMillis(now))
		if err != nil {
			return fmt.Errorf("insert origin %s: %w", cur.ID, err)
		}
	}
	return nil
}

// LoadOrigin loads the origin chain starting at id.
func (s *Store) LoadOrigin(ctx context.Context, id string) (*event.Origin, error) {
	return s.loadOrigin(ctx, s.db, id)
}

func (s *Store) loadOrigin(ctx context.Context, q querier, id string) (*event.Origin, error) {
	var head, tail *event.Origin
	next := id
	for depth := 0; next != ""; depth++ {
		if depth >= maxOriginDepth {
			return nil, fmt.Errorf("origin %s: chain deeper than %d", id, maxOriginDepth)
		}
		var (
			o          event.Origin
			preceding  sql.NullString
			originUser sql.NullString
		)
		err := s.queryRow(ctx, q, `
			SELECT id, action_name, preceding_id, origin_user, cause_event_id
			FROM origins WHERE id = ?
		`, next).Scan(&o.ID, &o.ActionName, &preceding, &originUser, &o.CauseEventID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("origin %s: %w", next, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("load origin %s: %w", next, classify(err))
		}
		o.OriginUser = ptrString(originUser)
		if head == nil {
			head = &o
		} else {
			tail.Preceding = &o
		}
		tail = &o
		next = preceding.String
	}
	return head, nil
}

// Lineage returns the ancestors of the event, nearest cause first. Each
// origin with a cause event contributes that event.
func (s *Store) Lineage(ctx context.Context, eventID string) ([]event.Event, error) {
	ev, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return s.LineageOf(ctx, ev)
}

// LineageOf is Lineage for an event that is already loaded.
func (s *Store) LineageOf(ctx context.Context, ev event.Event) ([]event.Event, error) {
	var lineage []event.Event
	for _, o := range ev.Origin.Chain() {
		if o.CauseEventID == "" {
			continue
		}
		cause, err := s.GetEvent(ctx, o.CauseEventID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lineage of %s: %w", ev.ID, err)
		}
		lineage = append(lineage, cause)
	}
	return lineage, nil
}

// Descendants returns every event caused, directly or transitively, by
// eventID, in seq order.
func (s *Store) Descendants(ctx context.Context, eventID string) ([]event.Event, error) {
	var all []event.Event
	frontier := []string{eventID}
	seen := map[string]bool{eventID: true}
	for len(frontier) > 0 {
		cause := frontier[0]
		frontier = frontier[1:]

		rows, err := s.query(ctx, s.db, `
			SELECT `+prefixed("e", eventColumns)+`
			FROM events e JOIN origins o ON e.origin_id = o.id
			WHERE o.cause_event_id = ?
			ORDER BY e.seq ASC
		`, cause)
		if err != nil {
			return nil, fmt.Errorf("descendants of %s: %w", eventID, err)
		}
		children, err := s.collectEvents(ctx, s.db, rows)
		if err != nil {
			return nil, fmt.Errorf("descendants of %s: %w", eventID, err)
		}
		for _, child := range children {
			if seen[child.ID] {
				continue
			}
			seen[child.ID] = true
			all = append(all, child)
			frontier = append(frontier, child.ID)
		}
	}
	sortBySeq(all)
	return all, nil
}
