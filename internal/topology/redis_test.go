package topology

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/idgen"
	"github.com/roach88/outpost/internal/testutil"
)

// newTestRedisBackend runs against an in-process miniredis unless
// OUTPOST_TEST_REDIS_ADDR names a real server, e.g. 127.0.0.1:6379.
func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("OUTPOST_TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	id, err := idgen.ServerID()
	require.NoError(t, err)
	prefix := "outpost-test:" + id
	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
		rdb.Close()
	})
	return NewRedisBackend(rdb, prefix)
}

func TestRedisBackend_Contract(t *testing.T) {
	runBackendContract(t, newTestRedisBackend(t))
}

func TestRedisBackend_CoordinatorHandOff(t *testing.T) {
	b := newTestRedisBackend(t)
	clock := testutil.NewFakeClock(time.Time{})
	ctx := context.Background()

	a := newTestCoordinator(t, b, clock, "srv-a", WithHandOff())
	c := newTestCoordinator(t, b, clock, "srv-b", WithHandOff())
	require.NoError(t, a.Tick(ctx))
	before := a.Owned()
	require.Len(t, before, testShards)
	require.NoError(t, c.Tick(ctx))
	assert.Empty(t, c.Owned())

	clock.Advance(time.Second)
	require.NoError(t, a.Tick(ctx))
	moving := a.HandingOff()
	require.NotEmpty(t, moving)

	clock.Advance(time.Second)
	require.NoError(t, c.Tick(ctx))
	assert.Empty(t, c.Owned(), "shards move only after release")

	for _, l := range before {
		if contains(moving, l.Shard) {
			require.NoError(t, a.Release(ctx, l))
		}
	}
	require.NoError(t, c.Tick(ctx))
	assert.Equal(t, moving, ownedShards(c))
	for _, l := range c.Owned() {
		assert.Equal(t, int64(2), l.Epoch)
	}
}
