package store

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/outpost/internal/event"
)

const eventColumns = `seq, id, version, topic, action, origin_id, payload, user_id, tags, sealed,
	host_work_set, host_work_item, shard, state, attempts, last_error, claimed_by, claimed_at,
	lease_epoch, created_at, updated_at`

// eventRow is an events row before its origin chain is attached.
type eventRow struct {
	ev        event.Event
	originID  sql.NullString
	claimedAt int64
}

// shardLockSpace namespaces the per-shard advisory locks taken on insert.
const shardLockSpace = 7301

// InsertEvent writes a new event inside tx. The event is invisible to
// readers until tx commits. Seq, Version and State are assigned here.
// The event's origin, if any, must already be stored in the same tx.
func (s *Store) InsertEvent(ctx context.Context, tx *Tx, ev *event.Event) error {
	tags, err := json.Marshal(nonNilTags(ev.Tags))
	if err != nil {
		return fmt.Errorf("insert event: marshal tags: %w", err)
	}
	var originID any
	if ev.Origin != nil {
		if ev.Origin.ID == "" {
			return fmt.Errorf("insert event: origin has no id")
		}
		originID = ev.Origin.ID
	}

	// Postgres hands out seq at insert time, so producers on one shard take
	// a transaction lock to commit in seq order.
	if s.dialect == DialectPostgres {
		if _, err := s.exec(ctx, tx.tx, `SELECT pg_advisory_xact_lock(?, ?)`, shardLockSpace, ev.Shard); err != nil {
			return fmt.Errorf("insert event: lock shard %d: %w", ev.Shard, err)
		}
	}

	ev.Version = 1
	ev.State = event.StateEnqueued
	ev.UpdatedAt = ev.CreatedAt

	err = s.queryRow(ctx, tx.tx, `
		INSERT INTO events
		(id, version, topic, action, origin_id, payload, user_id, tags, sealed,
		 host_work_set, host_work_item, shard, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`,
		ev.ID,
		ev.Version,
		ev.Topic,
		ev.Action,
		originID,
		string(ev.Payload),
		nullString(ev.UserID),
		string(tags),
		ev.Sealed,
		nullString(ev.HostWorkSet),
		nullString(ev.HostWorkItem),
		ev.Shard,
		string(ev.State),
		toMillis(ev.CreatedAt),
		toMillis(ev.UpdatedAt),
	).Scan(&ev.Seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", classify(err))
	}
	return nil
}

// GetEvent loads one event with its origin chain.
func (s *Store) GetEvent(ctx context.Context, id string) (event.Event, error) {
	return s.getEvent(ctx, s.db, id)
}

// GetEventTx loads one event inside tx.
func (s *Store) GetEventTx(ctx context.Context, tx *Tx, id string) (event.Event, error) {
	return s.getEvent(ctx, tx.tx, id)
}

func (s *Store) getEvent(ctx context.Context, q querier, id string) (event.Event, error) {
	row := s.queryRow(ctx, q, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	r, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event %s: %w", id, classify(err))
	}
	evs, err := s.attachOrigins(ctx, q, []eventRow{r})
	if err != nil {
		return event.Event{}, err
	}
	return evs[0], nil
}

// PendingEvents returns up to limit events of shard that the pump should
// process, oldest first: enqueued and failed events plus claimed events
// whose claim is older than claimTimeout.
func (s *Store) PendingEvents(ctx context.Context, shard, limit int, now time.Time, claimTimeout time.Duration) ([]event.Event, error) {
	staleBefore := toMillis(now.Add(-claimTimeout))
	rows, err := s.query(ctx, s.db, `
		SELECT `+eventColumns+` FROM events
		WHERE shard = ?
		  AND (state IN (?, ?) OR (state = ? AND claimed_at <= ?))
		ORDER BY seq ASC
		LIMIT ?
	`, shard, string(event.StateEnqueued), string(event.StateFailed),
		string(event.StateClaimed), staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	return s.collectEvents(ctx, s.db, rows)
}

// ClaimEvent marks ev claimed by owner under lease epoch. The update only
// applies when the stored version still equals ev.Version; otherwise
// ErrVersionConflict is returned and the caller must skip the event.
func (s *Store) ClaimEvent(ctx context.Context, ev event.Event, owner string, epoch int64, now time.Time) (event.Event, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE events
		SET state = ?, version = version + 1, claimed_by = ?, claimed_at = ?, lease_epoch = ?, updated_at = ?
		WHERE id = ? AND version = ? AND state IN (?, ?, ?)
	`, string(event.StateClaimed), owner, toMillis(now), epoch, toMillis(now),
		ev.ID, ev.Version, string(event.StateEnqueued), string(event.StateFailed), string(event.StateClaimed))
	if err != nil {
		return ev, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	if err := expectOneRow(res); err != nil {
		return ev, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	ev.State = event.StateClaimed
	ev.Version++
	ev.ClaimedBy = owner
	ev.LeaseEpoch = epoch
	ev.UpdatedAt = fromMillis(toMillis(now))
	return ev, nil
}

// MarkDispatched records successful delivery of a claimed event.
func (s *Store) MarkDispatched(ctx context.Context, ev event.Event, now time.Time) (event.Event, error) {
	return s.transition(ctx, ev, event.StateDispatched, ev.Attempts, "", now)
}

// MarkFailed records a failed attempt. Attempts is incremented.
func (s *Store) MarkFailed(ctx context.Context, ev event.Event, cause string, now time.Time) (event.Event, error) {
	return s.transition(ctx, ev, event.StateFailed, ev.Attempts+1, cause, now)
}

// MarkDeadLettered parks the event after it exhausted its retries.
func (s *Store) MarkDeadLettered(ctx context.Context, ev event.Event, cause string, now time.Time) (event.Event, error) {
	return s.transition(ctx, ev, event.StateDeadLettered, ev.Attempts, cause, now)
}

func (s *Store) transition(ctx context.Context, ev event.Event, to event.State, attempts int, cause string, now time.Time) (event.Event, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE events
		SET state = ?, version = version + 1, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(to), attempts, cause, toMillis(now), ev.ID, ev.Version)
	if err != nil {
		return ev, fmt.Errorf("mark %s %s: %w", to, ev.ID, err)
	}
	if err := expectOneRow(res); err != nil {
		return ev, fmt.Errorf("mark %s %s: %w", to, ev.ID, err)
	}
	ev.State = to
	ev.Version++
	ev.Attempts = attempts
	ev.LastError = cause
	ev.UpdatedAt = fromMillis(toMillis(now))
	return ev, nil
}

// RequeueEvent moves a dead-lettered event back to enqueued with its
// attempts reset. It keeps its seq, so it is next in its shard.
func (s *Store) RequeueEvent(ctx context.Context, id string, now time.Time) (event.Event, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE events
		SET state = ?, version = version + 1, attempts = 0, last_error = '', claimed_by = '', claimed_at = 0, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(event.StateEnqueued), toMillis(now), id, string(event.StateDeadLettered))
	if err != nil {
		return event.Event{}, fmt.Errorf("requeue event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return event.Event{}, err
		}
		return event.Event{}, fmt.Errorf("requeue event %s in state %s: %w", id, ev.State, ErrInvalidState)
	}
	return s.GetEvent(ctx, id)
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	State event.State
	Topic string
	Shard *int
	Limit int
}

// ListEvents returns events matching filter in seq order.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]event.Event, error) {
	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Topic != "" {
		where = append(where, "topic = ?")
		args = append(args, filter.Topic)
	}
	if filter.Shard != nil {
		where = append(where, "shard = ?")
		args = append(args, *filter.Shard)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return s.collectEvents(ctx, s.db, rows)
}

// CountByState returns the number of events in each state.
func (s *Store) CountByState(ctx context.Context) (map[event.State]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT state, COUNT(*) FROM events GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[event.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count by state: %w", err)
		}
		counts[event.State(state)] = n
	}
	return counts, rows.Err()
}

// collectEvents drains rows before loading origins; with a single SQLite
// connection no other query can run while rows is open.
func (s *Store) collectEvents(ctx context.Context, q querier, rows *sql.Rows) ([]event.Event, error) {
	var raw []eventRow
	for rows.Next() {
		r, err := scanEventRow(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	rows.Close()
	return s.attachOrigins(ctx, q, raw)
}

func (s *Store) attachOrigins(ctx context.Context, q querier, raw []eventRow) ([]event.Event, error) {
	out := make([]event.Event, len(raw))
	cache := make(map[string]*event.Origin)
	for i, r := range raw {
		ev := r.ev
		if r.originID.Valid {
			o, ok := cache[r.originID.String]
			if !ok {
				var err error
				o, err = s.loadOrigin(ctx, q, r.originID.String)
				if err != nil {
					return nil, fmt.Errorf("event %s: %w", ev.ID, err)
				}
				cache[r.originID.String] = o
			}
			ev.Origin = o
		}
		out[i] = ev
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEventRow(row rowScanner) (eventRow, error) {
	var (
		r                         eventRow
		payload, tags, state      string
		userID, workSet, workItem sql.NullString
		createdAt, updatedAt      int64
	)
	err := row.Scan(
		&r.ev.Seq,
		&r.ev.ID,
		&r.ev.Version,
		&r.ev.Topic,
		&r.ev.Action,
		&r.originID,
		&payload,
		&userID,
		&tags,
		&r.ev.Sealed,
		&workSet,
		&workItem,
		&r.ev.Shard,
		&state,
		&r.ev.Attempts,
		&r.ev.LastError,
		&r.ev.ClaimedBy,
		&r.claimedAt,
		&r.ev.LeaseEpoch,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return eventRow{}, err
	}
	r.ev.Payload = json.RawMessage(payload)
	r.ev.UserID = ptrString(userID)
	r.ev.HostWorkSet = ptrString(workSet)
	r.ev.HostWorkItem = ptrString(workItem)
	r.ev.State = event.State(state)
	r.ev.CreatedAt = fromMillis(createdAt)
	r.ev.UpdatedAt = fromMillis(updatedAt)
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &r.ev.Tags); err != nil {
			return eventRow{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return r, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func ptrString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// prefixed qualifies a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func sortBySeq(evs []event.Event) {
	slices.SortFunc(evs, func(a, b event.Event) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
