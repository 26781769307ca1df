package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ServerRecord is a live pump process as seen by its heartbeats.
type ServerRecord struct {
	ID          string    `json:"id"`
	Addr        string    `json:"addr,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Lease is exclusive, fenced ownership of a shard. Epoch increases every
// time the shard changes owner.
type Lease struct {
	Shard     int       `json:"shard"`
	Owner     string    `json:"owner"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Heartbeat registers srv or refreshes its heartbeat.
func (s *Store) Heartbeat(ctx context.Context, srv ServerRecord) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO servers (id, addr, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET addr = excluded.addr, heartbeat_at = excluded.heartbeat_at
	`, srv.ID, srv.Addr, toMillis(srv.StartedAt), toMillis(srv.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", srv.ID, err)
	}
	return nil
}

// LiveServers returns servers whose last heartbeat is newer than
// now - timeout, ordered by id.
func (s *Store) LiveServers(ctx context.Context, now time.Time, timeout time.Duration) ([]ServerRecord, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, addr, started_at, heartbeat_at FROM servers
		WHERE heartbeat_at > ?
		ORDER BY id ASC
	`, toMillis(now.Add(-timeout)))
	if err != nil {
		return nil, fmt.Errorf("live servers: %w", err)
	}
	defer rows.Close()

	var out []ServerRecord
	for rows.Next() {
		var srv ServerRecord
		var started, beat int64
		if err := rows.Scan(&srv.ID, &srv.Addr, &started, &beat); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		srv.StartedAt = fromMillis(started)
		srv.HeartbeatAt = fromMillis(beat)
		out = append(out, srv)
	}
	return out, rows.Err()
}

// RemoveServer deletes a server record.
func (s *Store) RemoveServer(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, s.db, `DELETE FROM servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove server %s: %w", id, err)
	}
	return nil
}

// AcquireLease takes or renews the lease on shard for owner.
//
// The lease row is written with a single conditional upsert:
//   - no row: created with epoch 1
//   - same owner: expiry extended, epoch unchanged
//   - released, or expired for longer than grace: taken over with epoch + 1
//   - otherwise: untouched and ErrLeaseHeld is returned
//
// The grace period gives a previous owner that lost its lease time to
// notice before a new owner starts claiming.
func (s *Store) AcquireLease(ctx context.Context, shard int, owner string, now time.Time, ttl, grace time.Duration) (Lease, error) {
	nowMs := toMillis(now)
	_, err := s.exec(ctx, s.db, `
		INSERT INTO shard_leases (shard, owner, epoch, expires_at, acquired_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(shard) DO UPDATE SET
			epoch = CASE WHEN shard_leases.owner = excluded.owner THEN shard_leases.epoch ELSE shard_leases.epoch + 1 END,
			acquired_at = CASE WHEN shard_leases.owner = excluded.owner THEN shard_leases.acquired_at ELSE excluded.acquired_at END,
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE shard_leases.owner = excluded.owner
		   OR shard_leases.owner = ''
		   OR shard_leases.expires_at + ? <= ?
	`, shard, owner, toMillis(now.Add(ttl)), nowMs, grace.Milliseconds(), nowMs)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %d: %w", shard, err)
	}

	lease, err := s.getLease(ctx, shard)
	if err != nil {
		return Lease{}, err
	}
	if lease.Owner != owner {
		return lease, fmt.Errorf("acquire lease %d: owner %s: %w", shard, lease.Owner, ErrLeaseHeld)
	}
	return lease, nil
}

// RenewLease extends a held lease. ErrLeaseLost means the shard changed
// owner since the lease was acquired.
func (s *Store) RenewLease(ctx context.Context, lease Lease, now time.Time, ttl time.Duration) (Lease, error) {
	expires := now.Add(ttl)
	res, err := s.exec(ctx, s.db, `
		UPDATE shard_leases SET expires_at = ?
		WHERE shard = ? AND owner = ? AND epoch = ?
	`, toMillis(expires), lease.Shard, lease.Owner, lease.Epoch)
	if err != nil {
		return lease, fmt.Errorf("renew lease %d: %w", lease.Shard, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lease, fmt.Errorf("renew lease %d epoch %d: %w", lease.Shard, lease.Epoch, ErrLeaseLost)
	}
	lease.ExpiresAt = fromMillis(toMillis(expires))
	return lease, nil
}

// ReleaseLease gives up a held lease so another server can take it without
// waiting for expiry. The epoch is kept so the next owner gets epoch + 1.
func (s *Store) ReleaseLease(ctx context.Context, lease Lease) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE shard_leases SET owner = '', expires_at = 0
		WHERE shard = ? AND owner = ? AND epoch = ?
	`, lease.Shard, lease.Owner, lease.Epoch)
	if err != nil {
		return fmt.Errorf("release lease %d: %w", lease.Shard, err)
	}
	return nil
}

// ValidateLease confirms that lease is still held and unexpired at now.
func (s *Store) ValidateLease(ctx context.Context, lease Lease, now time.Time) error {
	cur, err := s.getLease(ctx, lease.Shard)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("validate lease %d: %w", lease.Shard, ErrLeaseLost)
	}
	if err != nil {
		return err
	}
	if cur.Owner != lease.Owner || cur.Epoch != lease.Epoch || !cur.ExpiresAt.After(now) {
		return fmt.Errorf("validate lease %d epoch %d: %w", lease.Shard, lease.Epoch, ErrLeaseLost)
	}
	return nil
}

// ListLeases returns every lease row ordered by shard. Released leases have
// an empty owner.
func (s *Store) ListLeases(ctx context.Context) ([]Lease, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT shard, owner, epoch, expires_at FROM shard_leases ORDER BY shard ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		var l Lease
		var expires int64
		if err := rows.Scan(&l.Shard, &l.Owner, &l.Epoch, &expires); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		l.ExpiresAt = fromMillis(expires)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) getLease(ctx context.Context, shard int) (Lease, error) {
	var l Lease
	var expires int64
	err := s.queryRow(ctx, s.db, `
		SELECT shard, owner, epoch, expires_at FROM shard_leases WHERE shard = ?
	`, shard).Scan(&l.Shard, &l.Owner, &l.Epoch, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("lease %d: %w", shard, ErrNotFound)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease %d: %w", shard, classify(err))
	}
	l.ExpiresAt = fromMillis(expires)
	return l, nil
}
