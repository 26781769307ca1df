package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/outpost/internal/action"
	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/compiler"
	"github.com/roach88/outpost/internal/distributer"
	"github.com/roach88/outpost/internal/engine"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/idgen"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/pump"
	"github.com/roach88/outpost/internal/sink"
	"github.com/roach88/outpost/internal/store"
	"github.com/roach88/outpost/internal/testutil"
)

// ServerID owns every shard during a harness run.
const ServerID = "srv-harness"

// NameFail is an extra action available to scenario rules. It emits an
// event on "<topic arg or harness.never>" and then fails, so scenarios can
// show that a failed action leaves nothing behind.
const NameFail = "Fail"

// maxDrainRounds bounds a run whose rules never settle.
const maxDrainRounds = 1000

// Harness holds the wiring for one scenario run.
type Harness struct {
	store  *store.Store
	sink   *sink.Sink
	engine *engine.Engine
	dist   *distributer.Distributer
	pump   *pump.Pump
	alerts *alert.Recorder
	clock  *testutil.FakeClock
	shards int
	logger *slog.Logger
}

// Run executes a scenario in a fresh SQLite store and evaluates its
// assertions. The returned error covers setup problems (bad rules, store
// failures); assertion failures are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "outpost-harness-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	st, err := store.OpenSQLite(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := h.emit(ctx, scenario.Emit); err != nil {
		return nil, err
	}
	if err := h.drain(ctx); err != nil {
		return nil, err
	}

	result, err := h.collect(ctx)
	if err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, s *Scenario) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFakeClock(testutil.Epoch)
	shards := s.ShardCount
	if shards == 0 {
		shards = 1
	}
	h := &Harness{
		store:  st,
		alerts: &alert.Recorder{},
		clock:  clock,
		shards: shards,
		logger: logger,
	}

	rules, err := loadRules(s.Rules)
	if err != nil {
		return nil, err
	}

	h.sink = sink.New(st,
		sink.WithIDGenerator(idgen.NewSequenceGenerator("evt")),
		sink.WithClock(clock.Now),
		sink.WithShardCount(shards),
		sink.WithLogger(logger),
	)

	actions := action.NewRegistry()
	if err := actions.Register(NameFail, action.Func(failAction)); err != nil {
		return nil, err
	}
	opts := []engine.Option{
		engine.WithActions(actions),
		engine.WithAlerter(h.alerts),
		engine.WithClock(clock.Now),
		engine.WithLogger(logger),
	}
	if s.MaxCascadeDepth != 0 {
		opts = append(opts, engine.WithMaxCascadeDepth(s.MaxCascadeDepth))
	}
	if s.PriorityOrder != "" {
		order, err := ir.ParsePriorityOrder(s.PriorityOrder)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithPriorityOrder(order))
	}
	h.engine = engine.New(st, h.sink, opts...)
	if _, err := h.engine.Load(rules); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	h.dist = distributer.New(
		distributer.WithEngine(h.engine, st),
		distributer.WithAlerter(h.alerts),
		distributer.WithLogger(logger),
	)
	for _, c := range s.Consumers {
		consumer, err := distributer.Subscribe(c.Name, c.Topic, consumerFunc(c))
		if err != nil {
			return nil, err
		}
		if err := h.dist.Register(consumer); err != nil {
			return nil, err
		}
	}

	h.pump = pump.New(st, allShards{n: shards}, h.dist,
		pump.Config{BatchSize: 50, MaxRetries: 2, ClaimTimeout: time.Minute},
		pump.WithClock(clock.Now),
		pump.WithSleep(func(context.Context, time.Duration) error { return nil }),
		pump.WithAlerter(h.alerts),
		pump.WithLogger(logger),
	)
	return h, nil
}

func loadRules(paths []string) ([]ir.Rule, error) {
	var rules []ir.Rule
	for _, p := range paths {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules: %w", err)
		}
		rs, err := compiler.CompileString(string(src), p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s: %w", p, err)
		}
		rules = append(rules, rs...)
	}
	return rules, nil
}

func consumerFunc(c ConsumerStep) distributer.HandlerFunc {
	return func(_ context.Context, ev event.Event) error {
		if c.Fail {
			return fmt.Errorf("consumer %s refused %s", c.Name, ev.ID)
		}
		return nil
	}
}

func failAction(ctx context.Context, c *action.Call) error {
	topic, _ := c.Args["topic"].(string)
	if topic == "" {
		topic = "harness.never"
	}
	if _, err := c.Sink.Enqueue(ctx, event.Draft{
		Origin: event.NewOrigin(c.Name, &c.Event),
		Topic:  topic,
		Sealed: true,
	}); err != nil {
		return err
	}
	return errors.New("action failed on purpose")
}

// emit enqueues each step in its own transaction, as a business mutation
// would.
func (h *Harness) emit(ctx context.Context, steps []EmitStep) error {
	for i, step := range steps {
		d, err := step.draft()
		if err != nil {
			return fmt.Errorf("emit step %d: %w", i, err)
		}
		tx, err := h.store.Begin(ctx)
		if err != nil {
			return err
		}
		batch := h.sink.BeginBatch(tx)
		if _, err := batch.Enqueue(ctx, d); err != nil {
			tx.Rollback()
			return fmt.Errorf("emit step %d: %w", i, err)
		}
		if step.Rollback {
			if err := tx.Rollback(); err != nil {
				return err
			}
			h.logger.Info("emit step rolled back", "step", i, "topic", step.Topic)
			continue
		}
		if _, err := batch.CommitBatch(); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("emit step %d: %w", i, err)
		}
		h.clock.Advance(time.Millisecond)
	}
	return nil
}

func (s EmitStep) draft() (event.Draft, error) {
	d := event.Draft{
		Topic:  s.Topic,
		Action: s.Action,
		Tags:   s.Tags,
		Sealed: s.Sealed,
	}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return d, err
		}
		d.Payload = raw
	}
	if s.UserID != "" {
		d.UserID = &s.UserID
	}
	if s.WorkSet != "" {
		d.HostWorkSet = &s.WorkSet
	}
	if s.WorkItem != "" {
		d.HostWorkItem = &s.WorkItem
	}
	return d, nil
}

// drain pumps shards in ascending order until a full round moves nothing.
func (h *Harness) drain(ctx context.Context) error {
	for round := 0; round < maxDrainRounds; round++ {
		moved := 0
		for shard := 0; shard < h.shards; shard++ {
			n, err := h.pump.DrainOnce(ctx, shard, lease(shard))
			if err != nil {
				return fmt.Errorf("drain shard %d: %w", shard, err)
			}
			moved += n
		}
		if moved == 0 {
			return nil
		}
	}
	return fmt.Errorf("events still pending after %d rounds", maxDrainRounds)
}

func (h *Harness) collect(ctx context.Context) (*Result, error) {
	result := NewResult()
	evs, err := h.store.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		te := TraceEvent{
			Seq:    ev.Seq,
			ID:     ev.ID,
			Topic:  ev.Topic,
			Action: ev.Action,
			Sealed: ev.Sealed,
			State:  string(ev.State),
		}
		if ev.Origin != nil {
			te.Cause = ev.Origin.CauseEventID
			te.Depth = ev.Origin.Depth()
			if te.Action == "" {
				te.Action = ev.Origin.ActionName
			}
		}
		if len(ev.Payload) > 0 {
			if te.Payload, err = ir.DecodeJSON(ev.Payload); err != nil {
				return nil, err
			}
		}
		result.Trace = append(result.Trace, te)
	}

	notes, err := h.store.ListNotifications(ctx, "")
	if err != nil {
		return nil, err
	}
	result.Notifications = append(result.Notifications, notes...)
	result.Alerts = append(result.Alerts, h.alerts.Alerts()...)
	return result, nil
}

// allShards grants the harness every shard with a lease that never
// expires.
type allShards struct{ n int }

func lease(shard int) store.Lease {
	return store.Lease{Shard: shard, Owner: ServerID, Epoch: 1}
}

func (a allShards) ServerID() string { return ServerID }

func (a allShards) Owned() []store.Lease {
	out := make([]store.Lease, a.n)
	for i := range out {
		out[i] = lease(i)
	}
	return out
}

func (a allShards) Validate(context.Context, store.Lease) error { return nil }

func (a allShards) Release(context.Context, store.Lease) error { return nil }

func (a allShards) Changes() <-chan struct{} { return nil }
