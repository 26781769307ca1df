package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/outpost/internal/store"
)

// OpenStore opens a SQLite store in a temp directory that is closed when
// the test ends.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "outpost.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
