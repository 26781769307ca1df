// Package store provides SQL-backed durable storage for the outbox.
//
// The store holds:
//   - Events: the outbox rows, written in the caller's transaction
//   - Origins: immutable provenance records linking events to their causes
//   - Firings: rule action executions (with per-action idempotency)
//   - Notification requests: the output of the notification action
//   - Servers and shard leases: topology state for the SQL backend
//
// # Critical Patterns
//
// Transactional visibility
//   - Events are inserted through a caller-owned Tx and become visible to
//     the pump only when that Tx commits
//
// Lifecycle ownership
//   - Only this package moves events between states; every transition is a
//     compare-and-set on the version column (ErrVersionConflict on loss)
//
// Firing idempotency
//   - UNIQUE(event_id, rule_id, action_index) on firings; a redelivered
//     event skips actions that already committed
//
// Deterministic ordering
//   - Pending events are returned ORDER BY seq ASC, giving FIFO per shard
//
// # Database Configuration
//
// Two dialects share one set of queries written with ? placeholders:
//   - sqlite3 (default): WAL mode, synchronous=NORMAL, busy_timeout=5000,
//     foreign_keys=ON, one connection
//   - postgres: pooled connections, placeholders rebound to $n
//
// Schemas are embedded golang-migrate migrations, one directory per dialect.
// Timestamps are stored as unix milliseconds.
package store
