package appender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/store"
)

// ErrNotFound is returned by a Resolver when the referenced entity does
// not exist.
var ErrNotFound = errors.New("appender: entity not found")

// Resolver looks up an entity by kind and id and returns it as a plain
// JSON value.
type Resolver interface {
	Resolve(ctx context.Context, kind, id string) (any, error)
}

// MapResolver serves entities from memory, keyed by kind then id.
type MapResolver map[string]map[string]any

// Resolve implements Resolver.
func (m MapResolver) Resolve(_ context.Context, kind, id string) (any, error) {
	v, ok := m[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return Plain(v)
}

// KindEvent resolves a committed event by id.
const KindEvent = "event"

// StoreResolver resolves events from the outbox store. Reads happen
// outside any transaction, so only committed events are visible.
type StoreResolver struct {
	Store *store.Store
}

// Resolve implements Resolver.
func (r StoreResolver) Resolve(ctx context.Context, kind, id string) (any, error) {
	if kind != KindEvent {
		return nil, fmt.Errorf("store resolver: unsupported kind %q", kind)
	}
	ev, err := r.Store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return eventEntity(ev)
}

func eventEntity(ev event.Event) (any, error) {
	doc, err := NewDocument(ev)
	if err != nil {
		return nil, err
	}
	meta := doc.Map()[SectionEvent].(map[string]any)
	meta["payload"] = doc.Payload()
	meta["state"] = string(ev.State)
	meta["updated_at"] = ev.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return meta, nil
}

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, kind, id string) (any, error) {
	var lastErr error = fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	for _, r := range c {
		v, err := r.Resolve(ctx, kind, id)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, lastErr
}
