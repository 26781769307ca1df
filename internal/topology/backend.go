package topology

import (
	"context"
	"time"

	"github.com/roach88/outpost/internal/store"
)

// Backend persists server membership and shard leases. Lease operations
// must be atomic per shard: at most one owner holds a given shard at any
// instant, and the epoch grows on every change of owner.
//
// *store.Store implements Backend on the event database. RedisBackend
// implements it on Redis.
type Backend interface {
	Heartbeat(ctx context.Context, srv store.ServerRecord) error
	LiveServers(ctx context.Context, now time.Time, timeout time.Duration) ([]store.ServerRecord, error)
	RemoveServer(ctx context.Context, id string) error

	AcquireLease(ctx context.Context, shard int, owner string, now time.Time, ttl, grace time.Duration) (store.Lease, error)
	RenewLease(ctx context.Context, lease store.Lease, now time.Time, ttl time.Duration) (store.Lease, error)
	ReleaseLease(ctx context.Context, lease store.Lease) error
	ValidateLease(ctx context.Context, lease store.Lease, now time.Time) error
	ListLeases(ctx context.Context) ([]store.Lease, error)
}

var _ Backend = (*store.Store)(nil)
