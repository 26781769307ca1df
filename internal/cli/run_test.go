package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/config"
	"github.com/roach88/outpost/internal/store"
)

func TestRunMissingRules(t *testing.T) {
	_, err := executeCommand(t, "--db", testDB(t), "run", "--rules", "/nonexistent/rules", "--server-id", "srv-test")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load rules")
}

func TestRunInvalidDriver(t *testing.T) {
	_, err := executeCommand(t, "--driver", "mysql", "--db", "x", "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunRejectsArgs(t *testing.T) {
	_, err := executeCommand(t, "run", "extra")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := newLogger("json", false, buf)
		logger.Info("server started", "server_id", "srv-a")
		logger.Debug("hidden")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "server started", rec["msg"])
		assert.Equal(t, "srv-a", rec["server_id"])
	})

	t.Run("text verbose", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := newLogger("text", true, buf)
		logger.Debug("claim", "shard", 3)
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "shard=3")
	})
}

func TestTopologyBackend(t *testing.T) {
	st, err := store.OpenSQLite(testDB(t))
	require.NoError(t, err)
	defer st.Close()

	cfg := config.Default()
	backend, closeFn, err := topologyBackend(cfg, st)
	require.NoError(t, err)
	defer closeFn()
	assert.Same(t, st, backend.(*store.Store))

	cfg.Topology.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"
	_, _, err = topologyBackend(cfg, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis at 127.0.0.1:1")
}
