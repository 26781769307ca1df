package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/sink"
	"github.com/roach88/outpost/internal/store"
)

const formRules = `rule: NotifyOnFormCreate: {
	topic:    "*.*.*.event.form_create_instance"
	priority: 10
	conditions: [{path: "payload.template", op: "eq", value: "formA"}]
	actions: [{name: "RequestNotification", args: {group: "ops", subject: "Form ${payload.id} created"}}]
}

rule: AuditFormCreate: {
	topic:            "*.*.*.event.form_create_instance"
	seal_descendants: true
	actions: [{name: "EmitEvent", args: {topic: "audit.form.created"}}]
}
`

// writeFiles creates files under a fresh temp dir and returns the dir.
func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

// executeCommand runs the root command with args and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// decodeResponse parses a JSON CLI response.
func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// testDB returns the path of a fresh SQLite database with its schema applied.
func testDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outpost.db")
	st, err := store.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return path
}

// withStore opens the database at path for the duration of fn.
func withStore(t *testing.T, path string, fn func(st *store.Store)) {
	t.Helper()
	st, err := store.OpenSQLite(path)
	require.NoError(t, err)
	defer st.Close()
	fn(st)
}

// seedEvent emits one event directly through a sink.
func seedEvent(t *testing.T, st *store.Store, d event.Draft) event.Event {
	t.Helper()
	ev, err := sink.New(st).Emit(context.Background(), d)
	require.NoError(t, err)
	return ev
}
