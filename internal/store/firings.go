package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/outpost/internal/ir"
)

// ClaimFiring records that action actionIndex of rule ruleID ran for
// eventID. It returns inserted=false when the firing already exists, in
// which case the caller must not run the action again.
//
// Uses ON CONFLICT DO NOTHING against UNIQUE(event_id, rule_id, action_index),
// so the check and the claim are one statement.
func (s *Store) ClaimFiring(ctx context.Context, tx *Tx, eventID, ruleID string, actionIndex int, now time.Time) (inserted bool, err error) {
	res, err := s.exec(ctx, tx.tx, `
		INSERT INTO firings (event_id, rule_id, action_index, firing_key, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, rule_id, action_index) DO NOTHING
	`, eventID, ruleID, actionIndex, ir.FiringKey(eventID, ruleID, actionIndex), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("claim firing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim firing: rows affected: %w", err)
	}
	return n > 0, nil
}

// HasFiring reports whether the firing was recorded.
func (s *Store) HasFiring(ctx context.Context, eventID, ruleID string, actionIndex int) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `
		SELECT COUNT(*) FROM firings WHERE event_id = ? AND rule_id = ? AND action_index = ?
	`, eventID, ruleID, actionIndex).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has firing: %w", classify(err))
	}
	return n > 0, nil
}

// Firing is a recorded rule action execution.
type Firing struct {
	EventID     string    `json:"event_id"`
	RuleID      string    `json:"rule_id"`
	ActionIndex int       `json:"action_index"`
	Key         string    `json:"key"`
	CreatedAt   time.Time `json:"created_at"`
}

// FiringsForEvent lists the firings recorded for an event, oldest first.
func (s *Store) FiringsForEvent(ctx context.Context, eventID string) ([]Firing, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT event_id, rule_id, action_index, firing_key, created_at
		FROM firings WHERE event_id = ?
		ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("firings for %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []Firing
	for rows.Next() {
		var f Firing
		var created int64
		if err := rows.Scan(&f.EventID, &f.RuleID, &f.ActionIndex, &f.Key, &created); err != nil {
			return nil, fmt.Errorf("scan firing: %w", err)
		}
		f.CreatedAt = fromMillis(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Notification is a request to notify a recipient group about an event.
type Notification struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	RuleID    string    `json:"rule_id"`
	Group     string    `json:"group"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertNotification records n inside tx. A request with an existing id is
// ignored, so retries of the same firing write it once.
func (s *Store) InsertNotification(ctx context.Context, tx *Tx, n Notification) (inserted bool, err error) {
	res, err := s.exec(ctx, tx.tx, `
		INSERT INTO notification_requests (id, event_id, rule_id, group_name, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, n.ID, n.EventID, n.RuleID, n.Group, n.Subject, n.Body, toMillis(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification: rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListNotifications returns notification requests, optionally for one
// event, oldest first.
func (s *Store) ListNotifications(ctx context.Context, eventID string) ([]Notification, error) {
	query := `SELECT id, event_id, rule_id, group_name, subject, body, created_at FROM notification_requests`
	var args []any
	if eventID != "" {
		query += ` WHERE event_id = ?`
		args = append(args, eventID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var created int64
		if err := rows.Scan(&n.ID, &n.EventID, &n.RuleID, &n.Group, &n.Subject, &n.Body, &created); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	return out, rows.Err()
}
