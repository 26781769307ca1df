// Package pump drains committed events shard by shard and hands them to the
// distributer.
//
// One worker goroutine runs per shard this server holds a lease on. A
// worker dispatches its shard's events one at a time in sequence order;
// a failing event is retried in place with exponential backoff, which keeps
// per-shard FIFO, and is dead-lettered once it exhausts its retries.
package pump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/event"
	"github.com/roach88/outpost/internal/store"
)

// Dispatcher delivers one event. A returned error means the event should be
// retried.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) error
}

// Leases is the pump's view of shard ownership. Release is called once the
// worker for lease has exited and will touch its shard no more.
type Leases interface {
	ServerID() string
	Owned() []store.Lease
	Validate(ctx context.Context, lease store.Lease) error
	Release(ctx context.Context, lease store.Lease) error
	Changes() <-chan struct{}
}

// Config controls polling and retries.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ClaimTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		MaxRetries:   5,
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   10 * time.Second,
		ClaimTimeout: time.Minute,
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base, 2*base, 4*base, ... capped at max.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 || c.BackoffBase <= 0 {
		return 0
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.BackoffMax > 0 && d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if c.BackoffMax > 0 && d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Pump supervises shard workers.
type Pump struct {
	store      *store.Store
	leases     Leases
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
	alerter    alert.Alerter

	mu      sync.Mutex
	workers map[int]*worker
}

type worker struct {
	lease  store.Lease
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// Option configures a Pump.
type Option func(*Pump)

// WithClock sets the time source used for claims and state changes.
func WithClock(now func() time.Time) Option {
	return func(p *Pump) { p.now = now }
}

// WithSleep replaces the backoff sleep. Tests pass a no-op.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pump) { p.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) { p.logger = l }
}

// WithAlerter sets where dead-letter alerts go.
func WithAlerter(a alert.Alerter) Option {
	return func(p *Pump) { p.alerter = a }
}

// New creates a pump. It does nothing until Run or DrainOnce.
func New(st *store.Store, leases Leases, d Dispatcher, cfg Config, opts ...Option) *Pump {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	p := &Pump{
		store:      st,
		leases:     leases,
		dispatcher: d,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepCtx,
		logger:     slog.Default(),
		alerter:    alert.Func(func(context.Context, alert.Alert) {}),
		workers:    make(map[int]*worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run starts and stops workers as shard ownership changes until ctx is
// cancelled. On return every worker has finished its in-flight event and
// exited.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info("pump started",
		"server_id", p.leases.ServerID(),
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
		"max_retries", p.cfg.MaxRetries)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.reconcile(ctx)
		select {
		case <-ctx.Done():
			p.stopAll(ctx)
			p.logger.Info("pump stopped", "server_id", p.leases.ServerID())
			return nil
		case <-p.leases.Changes():
		case <-ticker.C:
		}
	}
}

// Wake nudges every worker to poll now instead of waiting for the next
// interval. It never blocks.
func (p *Pump) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Shards returns the shards that currently have a running worker.
func (p *Pump) Shards() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.workers))
	for shard := range p.workers {
		out = append(out, shard)
	}
	return out
}

func (p *Pump) reconcile(ctx context.Context) {
	owned := make(map[int]store.Lease)
	for _, l := range p.leases.Owned() {
		owned[l.Shard] = l
	}

	p.mu.Lock()
	var stopping []*worker
	for shard, w := range p.workers {
		l, ok := owned[shard]
		if !ok || l.Epoch != w.lease.Epoch {
			w.cancel()
			stopping = append(stopping, w)
			delete(p.workers, shard)
		}
	}
	for shard, l := range owned {
		if _, ok := p.workers[shard]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{lease: l, cancel: cancel, done: make(chan struct{}), wake: make(chan struct{}, 1)}
		p.workers[shard] = w
		go p.runWorker(wctx, w)
	}
	p.mu.Unlock()

	p.await(ctx, stopping)
}

// await waits for workers to exit, then hands their shards back.
func (p *Pump) await(ctx context.Context, workers []*worker) {
	ctx = context.WithoutCancel(ctx)
	for _, w := range workers {
		<-w.done
		if err := p.leases.Release(ctx, w.lease); err != nil {
			p.logger.Warn("pump release failed", "shard", w.lease.Shard, "epoch", w.lease.Epoch, "error", err)
		}
	}
}

func (p *Pump) stopAll(ctx context.Context) {
	p.mu.Lock()
	workers := make([]*worker, 0, len(p.workers))
	for shard, w := range p.workers {
		w.cancel()
		workers = append(workers, w)
		delete(p.workers, shard)
	}
	p.mu.Unlock()
	p.await(ctx, workers)
}

func (p *Pump) runWorker(ctx context.Context, w *worker) {
	defer close(w.done)
	shard := w.lease.Shard
	p.logger.Debug("pump worker started", "shard", shard, "epoch", w.lease.Epoch)

	for {
		n, err := p.DrainOnce(ctx, shard, w.lease)
		switch {
		case errors.Is(err, store.ErrLeaseLost):
			p.logger.Info("pump worker lost lease", "shard", shard, "epoch", w.lease.Epoch)
			return
		case ctx.Err() != nil:
			p.logger.Debug("pump worker stopped", "shard", shard)
			return
		case err != nil:
			p.logger.Warn("pump drain failed", "shard", shard, "error", err)
		case n >= p.cfg.BatchSize:
			continue
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// DrainOnce fetches one batch of pending events on shard and processes them
// in order under lease. It returns how many events it took off the queue
// (dispatched, dead-lettered or lost to another claimer).
//
// store.ErrLeaseLost means the worker must stop. A cancelled ctx stops the
// batch after the in-flight event.
func (p *Pump) DrainOnce(ctx context.Context, shard int, lease store.Lease) (int, error) {
	batch, err := p.store.PendingEvents(ctx, shard, p.cfg.BatchSize, p.now().UTC(), p.cfg.ClaimTimeout)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range batch {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := p.process(ctx, lease, ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// process claims, dispatches and settles one event, retrying in place.
func (p *Pump) process(ctx context.Context, lease store.Lease, ev event.Event) error {
	if err := p.validate(ctx, lease); err != nil {
		return err
	}
	claimed, err := p.claim(ctx, lease, ev)
	if errors.Is(err, store.ErrVersionConflict) {
		p.logger.Debug("claim lost", "event_id", ev.ID, "shard", ev.Shard)
		return nil
	}
	if err != nil {
		return err
	}

	// The claimed event is finished even if ctx is cancelled meanwhile.
	work := context.WithoutCancel(ctx)
	for {
		derr := p.dispatch(work, claimed)
		if derr == nil {
			_, err := p.settle(work, func(c context.Context) (event.Event, error) {
				return p.store.MarkDispatched(c, claimed, p.now().UTC())
			})
			if err == nil {
				p.logger.Debug("event dispatched", "event_id", claimed.ID, "topic", claimed.Topic, "shard", claimed.Shard)
			}
			return err
		}

		failed, err := p.settle(work, func(c context.Context) (event.Event, error) {
			return p.store.MarkFailed(c, claimed, derr.Error(), p.now().UTC())
		})
		if err != nil {
			return err
		}
		p.logger.Warn("event dispatch failed",
			"event_id", failed.ID,
			"topic", failed.Topic,
			"attempt", failed.Attempts,
			"error", derr)

		if failed.Attempts > p.cfg.MaxRetries {
			return p.deadLetter(work, failed, derr)
		}

		// Backoff is interruptible: a cancelled worker leaves the event failed
		// for the next owner.
		if err := p.sleep(ctx, p.cfg.Backoff(failed.Attempts)); err != nil {
			return err
		}
		if err := p.validate(ctx, lease); err != nil {
			return err
		}
		claimed, err = p.claim(ctx, lease, failed)
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (p *Pump) deadLetter(ctx context.Context, ev event.Event, cause error) error {
	dead, err := p.settle(ctx, func(c context.Context) (event.Event, error) {
		return p.store.MarkDeadLettered(c, ev, cause.Error(), p.now().UTC())
	})
	if err != nil {
		return err
	}
	p.alerter.Alert(ctx, alert.Alert{
		Kind:    alert.KindDeadLettered,
		EventID: dead.ID,
		Topic:   dead.Topic,
		Shard:   dead.Shard,
		Message: fmt.Sprintf("event dead-lettered after %d attempts", dead.Attempts),
		Err:     cause,
		At:      p.now().UTC(),
	})
	return nil
}

func (p *Pump) validate(ctx context.Context, lease store.Lease) error {
	return p.retryTransient(ctx, func(c context.Context) error {
		return p.leases.Validate(c, lease)
	})
}

func (p *Pump) claim(ctx context.Context, lease store.Lease, ev event.Event) (event.Event, error) {
	return p.settle(ctx, func(c context.Context) (event.Event, error) {
		return p.store.ClaimEvent(c, ev, p.leases.ServerID(), lease.Epoch, p.now().UTC())
	})
}

// settle runs a store state change, retrying transient errors.
func (p *Pump) settle(ctx context.Context, fn func(context.Context) (event.Event, error)) (event.Event, error) {
	var out event.Event
	err := p.retryTransient(ctx, func(c context.Context) error {
		var err error
		out, err = fn(c)
		return err
	})
	return out, err
}

// transientAttempts bounds retries of a single store call.
const transientAttempts = 5

// retryTransient retries fn with backoff while it fails with a transient
// store error. Other errors return immediately.
func (p *Pump) retryTransient(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !store.IsTransient(err) || attempt >= transientAttempts {
			return err
		}
		p.logger.Debug("transient store error", "attempt", attempt, "error", err)
		if serr := p.sleep(ctx, p.cfg.Backoff(attempt)); serr != nil {
			return err
		}
	}
}

// dispatch calls the dispatcher and turns a panic into an error.
func (p *Pump) dispatch(ctx context.Context, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch panicked", "event_id", ev.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return p.dispatcher.Dispatch(ctx, ev)
}
