// Package sink is the outbox write path: business code enqueues events in
// its own transaction and they become visible when that transaction
// commits.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/idgen"
	"github.com/roach88/outpost/internal/store"
)

// ErrBatchClosed is returned by Enqueue after CommitBatch.
var ErrBatchClosed = errors.New("batch already committed")

// Sink creates batches bound to caller transactions.
type Sink struct {
	store      *store.Store
	ids        idgen.Generator
	now        func() time.Time
	shardCount int
	logger     *slog.Logger

	mu       sync.Mutex
	onCommit []func()
}

// Option configures a Sink.
type Option func(*Sink)

// WithIDGenerator sets the id generator for events and origins.
func WithIDGenerator(g idgen.Generator) Option {
	return func(s *Sink) { s.ids = g }
}

// WithClock sets the time source for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithShardCount sets the number of shards events are spread over.
func WithShardCount(n int) Option {
	return func(s *Sink) { s.shardCount = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// New creates a Sink writing to st.
func New(st *store.Store, opts ...Option) *Sink {
	s := &Sink{
		store:      st,
		ids:        idgen.UUIDv7Generator{},
		now:        time.Now,
		shardCount: 1,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardCount < 1 {
		s.shardCount = 1
	}
	return s
}

// ShardCount returns the configured shard count.
func (s *Sink) ShardCount() int { return s.shardCount }

// OnCommit registers fn to run after any batch's transaction commits.
// Local pumps use it to wake immediately instead of waiting for the next
// poll.
func (s *Sink) OnCommit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCommit = append(s.onCommit, fn)
}

// BeginBatch opens a batch writing into tx. The caller keeps ownership of
// tx and decides whether it commits.
func (s *Sink) BeginBatch(tx *store.Tx) *Batch {
	return &Batch{sink: s, tx: tx}
}

// Batch accumulates events written in one transaction.
type Batch struct {
	sink *Sink
	tx   *store.Tx

	mu     sync.Mutex
	events []event.Event
	closed bool
}

// Enqueue validates d and writes it as a new enqueued event in the batch's
// transaction. The returned event carries its assigned id, seq and shard.
// Nothing is visible to the pump until the transaction commits.
func (b *Batch) Enqueue(ctx context.Context, d event.Draft) (event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return event.Event{}, ErrBatchClosed
	}
	if err := d.Validate(); err != nil {
		return event.Event{}, err
	}

	s := b.sink
	now := s.now().UTC()
	ev := event.Event{
		ID:           s.ids.Generate(),
		Topic:        d.Topic,
		Action:       d.Action,
		Origin:       d.Origin,
		Payload:      d.Payload,
		UserID:       d.UserID,
		Tags:         d.Tags,
		Sealed:       d.Sealed,
		HostWorkSet:  d.HostWorkSet,
		HostWorkItem: d.HostWorkItem,
		CreatedAt:    now,
	}
	ev.Shard = event.ShardFor(ev.ShardKey(), s.shardCount)

	if ev.Origin != nil {
		for _, o := range ev.Origin.Chain() {
			if o.ID == "" {
				o.ID = s.ids.Generate()
			}
		}
		if err := s.store.InsertOrigin(ctx, b.tx, ev.Origin, now); err != nil {
			return event.Event{}, fmt.Errorf("enqueue %s: %w", ev.Topic, err)
		}
	}
	if err := s.store.InsertEvent(ctx, b.tx, &ev); err != nil {
		return event.Event{}, fmt.Errorf("enqueue %s: %w", ev.Topic, err)
	}

	b.events = append(b.events, ev)
	s.logger.Debug("event enqueued",
		"event_id", ev.ID,
		"topic", ev.Topic,
		"shard", ev.Shard,
		"sealed", ev.Sealed,
	)
	return ev, nil
}

// CommitBatch closes the batch and returns its events. The wake-up hooks
// are attached to the transaction and fire only if it commits.
func (b *Batch) CommitBatch() ([]event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBatchClosed
	}
	b.closed = true

	if len(b.events) > 0 {
		b.sink.mu.Lock()
		hooks := append([]func(){}, b.sink.onCommit...)
		b.sink.mu.Unlock()
		for _, fn := range hooks {
			b.tx.AfterCommit(fn)
		}
	}
	out := make([]event.Event, len(b.events))
	copy(out, b.events)
	return out, nil
}

// Mark returns a position that Rewind can return to.
func (b *Batch) Mark() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Rewind forgets events enqueued after mark. Callers use it after rolling
// the transaction back to a savepoint taken at mark.
func (b *Batch) Rewind(mark int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mark >= 0 && mark < len(b.events) {
		b.events = b.events[:mark]
	}
}

// Events returns the events enqueued so far.
func (b *Batch) Events() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Emit enqueues a single event in its own transaction. It is a convenience
// for callers that have no business mutation to bundle with the event.
func (s *Sink) Emit(ctx context.Context, d event.Draft) (event.Event, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return event.Event{}, err
	}
	defer tx.Rollback()

	b := s.BeginBatch(tx)
	ev, err := b.Enqueue(ctx, d)
	if err != nil {
		return event.Event{}, err
	}
	if _, err := b.CommitBatch(); err != nil {
		return event.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}
