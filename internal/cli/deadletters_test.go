package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/store"
)

// seedDeadLetter emits an event and walks it to dead_lettered.
func seedDeadLetter(t *testing.T, st *store.Store, topic string) event.Event {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	ev := seedEvent(t, st, event.Draft{Topic: topic, Action: "placeOrder"})
	claimed, err := st.ClaimEvent(ctx, ev, "srv-a", 1, now)
	require.NoError(t, err)
	failed, err := st.MarkFailed(ctx, claimed, "consumer exploded", now)
	require.NoError(t, err)
	dead, err := st.MarkDeadLettered(ctx, failed, "consumer exploded", now)
	require.NoError(t, err)
	return dead
}

func TestDeadLettersList(t *testing.T) {
	db := testDB(t)
	var dead event.Event
	withStore(t, db, func(st *store.Store) {
		dead = seedDeadLetter(t, st, "orders.placed")
		seedEvent(t, st, event.Draft{Topic: "orders.placed", Action: "placeOrder"})
	})

	out, err := executeCommand(t, "--db", db, "deadletters", "list")
	require.NoError(t, err)
	assert.Contains(t, out, dead.ID+"  orders.placed")
	assert.Contains(t, out, "attempts=1")
	assert.Contains(t, out, "last error: consumer exploded")
	assert.Contains(t, out, "1 dead-lettered event(s)")

	out, err = executeCommand(t, "--db", db, "deadletters", "list", "--topic", "orders.cancelled")
	require.NoError(t, err)
	assert.Contains(t, out, "No dead-lettered events.")
}

func TestDeadLettersListJSON(t *testing.T) {
	db := testDB(t)
	withStore(t, db, func(st *store.Store) {
		seedDeadLetter(t, st, "a.b")
		seedDeadLetter(t, st, "a.c")
	})

	out, err := executeCommand(t, "--db", db, "--format", "json", "dl", "list", "--limit", "1")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	events := resp.Data.(map[string]any)["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "a.b", events[0].(map[string]any)["topic"])
}

func TestDeadLettersListRejectsBadLimit(t *testing.T) {
	out, err := executeCommand(t, "--db", testDB(t), "deadletters", "list", "--limit", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeBadInput+"]")
}

func TestDeadLettersRequeue(t *testing.T) {
	db := testDB(t)
	var dead event.Event
	withStore(t, db, func(st *store.Store) {
		dead = seedDeadLetter(t, st, "orders.placed")
	})

	out, err := executeCommand(t, "--db", db, "deadletters", "requeue", dead.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Requeued "+dead.ID+" on orders.placed")

	withStore(t, db, func(st *store.Store) {
		ev, err := st.GetEvent(context.Background(), dead.ID)
		require.NoError(t, err)
		assert.Equal(t, event.StateEnqueued, ev.State)
		assert.Equal(t, 0, ev.Attempts)
	})

	// Once requeued the event is no longer a dead letter.
	out, err = executeCommand(t, "--db", db, "deadletters", "requeue", dead.ID)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "is not dead-lettered")
}

func TestDeadLettersRequeueMissing(t *testing.T) {
	out, err := executeCommand(t, "--db", testDB(t), "--format", "json", "deadletters", "requeue", "evt-missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decodeResponse(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}
