package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/roach88/outpost/internal/store"
)

// RedisBackend keeps membership and leases in Redis. Servers live in a
// sorted set scored by heartbeat time; each lease is a hash updated only by
// Lua scripts, so compare-and-set on owner and epoch is atomic.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend creates a backend using rdb. All keys are namespaced
// under prefix.
func NewRedisBackend(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "outpost"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

var _ Backend = (*RedisBackend)(nil)

func (b *RedisBackend) serversKey() string         { return b.prefix + ":servers" }
func (b *RedisBackend) serverKey(id string) string { return b.prefix + ":server:" + id }
func (b *RedisBackend) leasesKey() string          { return b.prefix + ":leases" }
func (b *RedisBackend) leaseKey(shard int) string  { return b.prefix + ":lease:" + strconv.Itoa(shard) }

// Heartbeat registers srv or refreshes its heartbeat.
func (b *RedisBackend) Heartbeat(ctx context.Context, srv store.ServerRecord) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, b.serversKey(), &redis.Z{
			Score:  float64(srv.HeartbeatAt.UnixMilli()),
			Member: srv.ID,
		})
		pipe.HSet(ctx, b.serverKey(srv.ID), "addr", srv.Addr, "heartbeat_at", srv.HeartbeatAt.UnixMilli())
		pipe.HSetNX(ctx, b.serverKey(srv.ID), "started_at", srv.StartedAt.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", srv.ID, err)
	}
	return nil
}

// LiveServers returns servers that heartbeated after now - timeout, ordered
// by id.
func (b *RedisBackend) LiveServers(ctx context.Context, now time.Time, timeout time.Duration) ([]store.ServerRecord, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, b.serversKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.Add(-timeout).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("live servers: %w", err)
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, b.serverKey(id), "addr", "started_at", "heartbeat_at")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("live servers: %w", err)
	}

	out := make([]store.ServerRecord, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		out = append(out, store.ServerRecord{
			ID:          id,
			Addr:        stringField(vals, 0),
			StartedAt:   time.UnixMilli(intField(vals, 1)).UTC(),
			HeartbeatAt: time.UnixMilli(intField(vals, 2)).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveServer deletes a server record.
func (b *RedisBackend) RemoveServer(ctx context.Context, id string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.serversKey(), id)
		pipe.Del(ctx, b.serverKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove server %s: %w", id, err)
	}
	return nil
}

// KEYS[1] lease hash, KEYS[2] lease index set.
// ARGV owner, now, expires, grace, shard.
var acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'epoch', 'expires_at')
local owner = ARGV[1]
local now = tonumber(ARGV[2])
local expires = tonumber(ARGV[3])
local grace = tonumber(ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
if not cur[1] then
  redis.call('HSET', KEYS[1], 'owner', owner, 'epoch', 1, 'expires_at', expires)
  return {owner, 1, expires}
end
local epoch = tonumber(cur[2]) or 0
local curExpires = tonumber(cur[3]) or 0
if cur[1] == owner then
  redis.call('HSET', KEYS[1], 'expires_at', expires)
  return {owner, epoch, expires}
end
if cur[1] == '' or curExpires + grace <= now then
  epoch = epoch + 1
  redis.call('HSET', KEYS[1], 'owner', owner, 'epoch', epoch, 'expires_at', expires)
  return {owner, epoch, expires}
end
return {cur[1], epoch, curExpires}
`)

// KEYS[1] lease hash. ARGV owner, epoch, expires.
var renewScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'epoch')
if cur[1] == ARGV[1] and tonumber(cur[2]) == tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[3])
  return 1
end
return 0
`)

// KEYS[1] lease hash. ARGV owner, epoch.
var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'owner', 'epoch')
if cur[1] == ARGV[1] and tonumber(cur[2]) == tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'owner', '', 'expires_at', 0)
  return 1
end
return 0
`)

// AcquireLease takes or renews the lease on shard for owner with the same
// rules as the SQL backend: epoch 1 for a new shard, epoch + 1 on takeover,
// and takeover only once the lease is released or expired by more than
// grace.
func (b *RedisBackend) AcquireLease(ctx context.Context, shard int, owner string, now time.Time, ttl, grace time.Duration) (store.Lease, error) {
	expires := now.Add(ttl).UnixMilli()
	res, err := acquireScript.Run(ctx, b.rdb,
		[]string{b.leaseKey(shard), b.leasesKey()},
		owner, now.UnixMilli(), expires, grace.Milliseconds(), shard,
	).Slice()
	if err != nil {
		return store.Lease{}, fmt.Errorf("acquire lease %d: %w", shard, err)
	}
	if len(res) != 3 {
		return store.Lease{}, fmt.Errorf("acquire lease %d: unexpected reply %v", shard, res)
	}
	lease := store.Lease{
		Shard:     shard,
		Owner:     fmt.Sprint(res[0]),
		Epoch:     toInt64(res[1]),
		ExpiresAt: time.UnixMilli(toInt64(res[2])).UTC(),
	}
	if lease.Owner != owner {
		return lease, fmt.Errorf("acquire lease %d: owner %s: %w", shard, lease.Owner, store.ErrLeaseHeld)
	}
	return lease, nil
}

// RenewLease extends a held lease.
func (b *RedisBackend) RenewLease(ctx context.Context, lease store.Lease, now time.Time, ttl time.Duration) (store.Lease, error) {
	expires := now.Add(ttl).UnixMilli()
	ok, err := renewScript.Run(ctx, b.rdb, []string{b.leaseKey(lease.Shard)},
		lease.Owner, lease.Epoch, expires).Int64()
	if err != nil {
		return lease, fmt.Errorf("renew lease %d: %w", lease.Shard, err)
	}
	if ok == 0 {
		return lease, fmt.Errorf("renew lease %d epoch %d: %w", lease.Shard, lease.Epoch, store.ErrLeaseLost)
	}
	lease.ExpiresAt = time.UnixMilli(expires).UTC()
	return lease, nil
}

// ReleaseLease gives up a held lease, keeping its epoch.
func (b *RedisBackend) ReleaseLease(ctx context.Context, lease store.Lease) error {
	if err := releaseScript.Run(ctx, b.rdb, []string{b.leaseKey(lease.Shard)},
		lease.Owner, lease.Epoch).Err(); err != nil {
		return fmt.Errorf("release lease %d: %w", lease.Shard, err)
	}
	return nil
}

// ValidateLease confirms that lease is still held and unexpired at now.
func (b *RedisBackend) ValidateLease(ctx context.Context, lease store.Lease, now time.Time) error {
	cur, err := b.getLease(ctx, lease.Shard)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("validate lease %d: %w", lease.Shard, store.ErrLeaseLost)
	}
	if err != nil {
		return err
	}
	if cur.Owner != lease.Owner || cur.Epoch != lease.Epoch || !cur.ExpiresAt.After(now) {
		return fmt.Errorf("validate lease %d epoch %d: %w", lease.Shard, lease.Epoch, store.ErrLeaseLost)
	}
	return nil
}

// ListLeases returns every known lease ordered by shard.
func (b *RedisBackend) ListLeases(ctx context.Context) ([]store.Lease, error) {
	members, err := b.rdb.SMembers(ctx, b.leasesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	out := make([]store.Lease, 0, len(members))
	for _, m := range members {
		shard, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		l, err := b.getLease(ctx, shard)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out, nil
}

func (b *RedisBackend) getLease(ctx context.Context, shard int) (store.Lease, error) {
	vals, err := b.rdb.HMGet(ctx, b.leaseKey(shard), "owner", "epoch", "expires_at").Result()
	if err != nil {
		return store.Lease{}, fmt.Errorf("get lease %d: %w", shard, err)
	}
	if len(vals) == 0 || vals[0] == nil {
		return store.Lease{}, fmt.Errorf("lease %d: %w", shard, store.ErrNotFound)
	}
	return store.Lease{
		Shard:     shard,
		Owner:     stringField(vals, 0),
		Epoch:     intField(vals, 1),
		ExpiresAt: time.UnixMilli(intField(vals, 2)).UTC(),
	}, nil
}

func stringField(vals []interface{}, i int) string {
	if i >= len(vals) || vals[i] == nil {
		return ""
	}
	return fmt.Sprint(vals[i])
}

func intField(vals []interface{}, i int) int64 {
	n, _ := strconv.ParseInt(stringField(vals, i), 10, 64)
	return n
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
