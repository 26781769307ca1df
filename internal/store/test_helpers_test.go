package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/outpost/internal/event"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new SQLite store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvent builds an unsaved event with minimal required fields.
func createTestEvent(id, topic string, shard int) event.Event {
	return event.Event{
		ID:        id,
		Topic:     topic,
		Action:    "test",
		Payload:   json.RawMessage(`{"n":1}`),
		Shard:     shard,
		CreatedAt: testNow,
	}
}

// insertCommitted inserts events in one committed transaction.
func insertCommitted(t *testing.T, s *Store, evs ...*event.Event) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	defer tx.Rollback()
	for _, ev := range evs {
		if ev.Origin != nil {
			if err := s.InsertOrigin(ctx, tx, ev.Origin, testNow); err != nil {
				t.Fatalf("InsertOrigin() failed: %v", err)
			}
		}
		if err := s.InsertEvent(ctx, tx, ev); err != nil {
			t.Fatalf("InsertEvent() failed: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}
