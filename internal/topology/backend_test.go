package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/store"
	"github.com/roach88/outpost/internal/testutil"
)

// runBackendContract checks the lease rules every Backend must honour.
func runBackendContract(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()
	now := testutil.Epoch
	ttl, grace := 10*time.Second, 2*time.Second

	t.Run("membership", func(t *testing.T) {
		require.NoError(t, b.Heartbeat(ctx, store.ServerRecord{ID: "srv-b", StartedAt: now, HeartbeatAt: now}))
		require.NoError(t, b.Heartbeat(ctx, store.ServerRecord{ID: "srv-a", Addr: ":7001", StartedAt: now, HeartbeatAt: now}))

		live, err := b.LiveServers(ctx, now.Add(time.Second), 5*time.Second)
		require.NoError(t, err)
		require.Len(t, live, 2)
		assert.Equal(t, "srv-a", live[0].ID)
		assert.Equal(t, ":7001", live[0].Addr)

		live, err = b.LiveServers(ctx, now.Add(10*time.Second), 5*time.Second)
		require.NoError(t, err)
		assert.Empty(t, live)

		require.NoError(t, b.RemoveServer(ctx, "srv-a"))
		require.NoError(t, b.RemoveServer(ctx, "srv-b"))
		live, err = b.LiveServers(ctx, now, 5*time.Second)
		require.NoError(t, err)
		assert.Empty(t, live)
	})

	t.Run("fenced leases", func(t *testing.T) {
		a, err := b.AcquireLease(ctx, 3, "srv-a", now, ttl, grace)
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.Epoch)

		_, err = b.AcquireLease(ctx, 3, "srv-b", now.Add(ttl), ttl, grace)
		assert.ErrorIs(t, err, store.ErrLeaseHeld, "expired but inside grace")

		renewed, err := b.RenewLease(ctx, a, now.Add(time.Second), ttl)
		require.NoError(t, err)
		require.NoError(t, b.ValidateLease(ctx, renewed, now.Add(ttl)))

		takeover := now.Add(time.Second + ttl + grace)
		bl, err := b.AcquireLease(ctx, 3, "srv-b", takeover, ttl, grace)
		require.NoError(t, err)
		assert.Equal(t, int64(2), bl.Epoch)

		assert.ErrorIs(t, b.ValidateLease(ctx, renewed, takeover), store.ErrLeaseLost)
		_, err = b.RenewLease(ctx, renewed, takeover, ttl)
		assert.ErrorIs(t, err, store.ErrLeaseLost)

		// A stale release does nothing.
		require.NoError(t, b.ReleaseLease(ctx, renewed))
		require.NoError(t, b.ValidateLease(ctx, bl, takeover))

		require.NoError(t, b.ReleaseLease(ctx, bl))
		cl, err := b.AcquireLease(ctx, 3, "srv-c", takeover, ttl, grace)
		require.NoError(t, err)
		assert.Equal(t, int64(3), cl.Epoch)

		leases, err := b.ListLeases(ctx)
		require.NoError(t, err)
		require.Len(t, leases, 1)
		assert.Equal(t, "srv-c", leases[0].Owner)
	})
}

func TestSQLBackend_Contract(t *testing.T) {
	runBackendContract(t, testutil.OpenStore(t))
}
