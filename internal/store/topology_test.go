package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTTL   = 10 * time.Second
	testGrace = 2 * time.Second
)

func TestHeartbeatAndLiveServers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, ServerRecord{ID: "srv-b", StartedAt: testNow, HeartbeatAt: testNow}))
	require.NoError(t, s.Heartbeat(ctx, ServerRecord{ID: "srv-a", Addr: ":9000", StartedAt: testNow, HeartbeatAt: testNow}))

	live, err := s.LiveServers(ctx, testNow.Add(time.Second), 5*time.Second)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "srv-a", live[0].ID)
	assert.Equal(t, ":9000", live[0].Addr)

	// srv-a keeps beating, srv-b goes silent.
	later := testNow.Add(10 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, ServerRecord{ID: "srv-a", Addr: ":9000", StartedAt: testNow, HeartbeatAt: later}))
	live, err = s.LiveServers(ctx, later, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "srv-a", live[0].ID)
	assert.True(t, live[0].StartedAt.Equal(testNow), "heartbeat keeps the start time")

	require.NoError(t, s.RemoveServer(ctx, "srv-a"))
	live, err = s.LiveServers(ctx, later, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestAcquireLease_Exclusive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.AcquireLease(ctx, 0, "srv-a", testNow, testTTL, testGrace)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Epoch)
	assert.Equal(t, "srv-a", a.Owner)

	_, err = s.AcquireLease(ctx, 0, "srv-b", testNow.Add(time.Second), testTTL, testGrace)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Re-acquiring by the owner renews without bumping the epoch.
	again, err := s.AcquireLease(ctx, 0, "srv-a", testNow.Add(5*time.Second), testTTL, testGrace)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Epoch)
	assert.True(t, again.ExpiresAt.Equal(testNow.Add(15*time.Second)))
}

func TestAcquireLease_TakeoverAfterGrace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.AcquireLease(ctx, 0, "srv-a", testNow, testTTL, testGrace)
	require.NoError(t, err)

	// Expired but still inside the grace period.
	_, err = s.AcquireLease(ctx, 0, "srv-b", testNow.Add(testTTL+time.Second), testTTL, testGrace)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	b, err := s.AcquireLease(ctx, 0, "srv-b", testNow.Add(testTTL+testGrace), testTTL, testGrace)
	require.NoError(t, err)
	assert.Equal(t, "srv-b", b.Owner)
	assert.Equal(t, int64(2), b.Epoch)

	// The old owner's lease is fenced off.
	err = s.ValidateLease(ctx, a, testNow.Add(testTTL+testGrace))
	assert.ErrorIs(t, err, ErrLeaseLost)
	_, err = s.RenewLease(ctx, a, testNow.Add(testTTL+testGrace), testTTL)
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, s.ValidateLease(ctx, b, testNow.Add(testTTL+testGrace+time.Second)))
}

func TestReleaseLease_ImmediateTakeover(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.AcquireLease(ctx, 4, "srv-a", testNow, testTTL, testGrace)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLease(ctx, a))

	err = s.ValidateLease(ctx, a, testNow)
	assert.ErrorIs(t, err, ErrLeaseLost)

	b, err := s.AcquireLease(ctx, 4, "srv-b", testNow.Add(time.Second), testTTL, testGrace)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Epoch, "epoch keeps increasing across release")

	leases, err := s.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, 4, leases[0].Shard)
	assert.Equal(t, "srv-b", leases[0].Owner)
}

func TestValidateLease_Expired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a, err := s.AcquireLease(ctx, 1, "srv-a", testNow, testTTL, testGrace)
	require.NoError(t, err)
	require.NoError(t, s.ValidateLease(ctx, a, testNow.Add(time.Second)))
	assert.ErrorIs(t, s.ValidateLease(ctx, a, testNow.Add(testTTL)), ErrLeaseLost)

	renewed, err := s.RenewLease(ctx, a, testNow.Add(testTTL), testTTL)
	require.NoError(t, err)
	require.NoError(t, s.ValidateLease(ctx, renewed, testNow.Add(testTTL+time.Second)))

	missing := Lease{Shard: 99, Owner: "srv-a", Epoch: 1}
	assert.ErrorIs(t, s.ValidateLease(ctx, missing, testNow), ErrLeaseLost)
}
