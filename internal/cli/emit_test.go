package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/store"
)

func TestEmit(t *testing.T) {
	db := testDB(t)

	out, err := executeCommand(t, "--db", db, "emit", "orders.placed",
		"--payload", `{"id":"P1"}`,
		"--user", "alice",
		"--work-set", "ws1",
		"--tag", "billing", "--tag", "audit",
		"--shards", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Enqueued ")
	assert.Contains(t, out, "on orders.placed (shard 0, seq 1)")

	withStore(t, db, func(st *store.Store) {
		evs, err := st.ListEvents(context.Background(), store.EventFilter{})
		require.NoError(t, err)
		require.Len(t, evs, 1)

		ev := evs[0]
		assert.Equal(t, "orders.placed", ev.Topic)
		assert.Equal(t, "cli", ev.Action)
		assert.JSONEq(t, `{"id":"P1"}`, string(ev.Payload))
		require.NotNil(t, ev.UserID)
		assert.Equal(t, "alice", *ev.UserID)
		require.NotNil(t, ev.HostWorkSet)
		assert.Equal(t, "ws1", *ev.HostWorkSet)
		assert.Nil(t, ev.HostWorkItem)
		assert.Equal(t, []string{"audit", "billing"}, ev.Tags)
		assert.False(t, ev.Sealed)
		assert.Equal(t, event.StateEnqueued, ev.State)
	})
}

func TestEmitJSON(t *testing.T) {
	db := testDB(t)

	out, err := executeCommand(t, "--db", db, "--format", "json", "emit", "audit.manual", "--sealed", "--shards", "1")
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, "audit.manual", data["topic"])
	assert.Equal(t, float64(0), data["shard"])
	assert.Equal(t, float64(1), data["seq"])

	withStore(t, db, func(st *store.Store) {
		ev, err := st.GetEvent(context.Background(), data["id"].(string))
		require.NoError(t, err)
		assert.True(t, ev.Sealed)
		assert.JSONEq(t, `{}`, string(ev.Payload))
	})
}

func TestEmitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"payload not JSON", []string{"orders.placed", "--payload", "not json"}, "payload is not valid JSON"},
		{"payload not an object", []string{"orders.placed", "--payload", "[1]"}, "must be a JSON object"},
		{"empty topic segment", []string{"orders..placed"}, "empty segment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			out, err := executeCommand(t, append([]string{"--db", db, "emit"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error ["+ErrCodeBadInput+"]")
			assert.Contains(t, out, tt.msg)

			withStore(t, db, func(st *store.Store) {
				evs, err := st.ListEvents(context.Background(), store.EventFilter{})
				require.NoError(t, err)
				assert.Empty(t, evs)
			})
		})
	}
}

func TestEmitRequiresTopic(t *testing.T) {
	_, err := executeCommand(t, "emit")
	require.Error(t, err)
}
