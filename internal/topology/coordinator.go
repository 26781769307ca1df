package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/store"
)

// Config holds the timing of membership and leases.
type Config struct {
	ServerID          string
	Addr              string
	ShardCount        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	LeaseTTL          time.Duration
	FencingGrace      time.Duration
}

// DefaultConfig returns the timings used when none are configured.
func DefaultConfig(serverID string) Config {
	return Config{
		ServerID:          serverID,
		ShardCount:        16,
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		LeaseTTL:          15 * time.Second,
		FencingGrace:      5 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.ServerID == "":
		return errors.New("topology: server id is empty")
	case c.ShardCount < 1:
		return fmt.Errorf("topology: shard count %d < 1", c.ShardCount)
	case c.HeartbeatInterval <= 0:
		return errors.New("topology: heartbeat interval must be positive")
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return errors.New("topology: heartbeat timeout must exceed the heartbeat interval")
	case c.LeaseTTL <= c.HeartbeatInterval:
		return errors.New("topology: lease ttl must exceed the heartbeat interval")
	case c.FencingGrace < 0:
		return errors.New("topology: fencing grace is negative")
	}
	return nil
}

// Coordinator is one server's view of the topology. Each tick it
// heartbeats, recomputes the shard assignment from the live servers,
// releases shards it should no longer own and acquires the ones it should.
//
// With WithHandOff, a shard reassigned away is withdrawn from Owned but its
// lease is kept and renewed until Release reports that no worker is still
// processing it. Only then can the new owner acquire it.
//
// Thread-safety: Owned, Lease, Validate, Release and Changes are safe to
// call from pump workers while the tick loop runs.
type Coordinator struct {
	backend Backend
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	alerter alert.Alerter

	startedAt time.Time
	handOff   bool

	// tickMu serializes Tick, Release and Stop.
	tickMu sync.Mutex

	mu        sync.RWMutex
	owned     map[int]store.Lease
	releasing map[int]store.Lease
	live      []store.ServerRecord

	changes chan struct{}

	stop chan struct{}
	done chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithAlerter sets where lease_lost alerts go.
func WithAlerter(a alert.Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

// WithHandOff defers releasing a reassigned shard until Release is called
// for its lease. Use it when a pump drains the owned shards.
func WithHandOff() Option {
	return func(c *Coordinator) { c.handOff = true }
}

// NewCoordinator creates a coordinator. It does nothing until Start or Tick.
func NewCoordinator(backend Backend, cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		backend:   backend,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
		alerter:   alert.Func(func(context.Context, alert.Alert) {}),
		owned:     make(map[int]store.Lease),
		releasing: make(map[int]store.Lease),
		changes:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.now().UTC()
	return c, nil
}

// ServerID returns this server's id.
func (c *Coordinator) ServerID() string { return c.cfg.ServerID }

// ShardCount returns the configured number of shards.
func (c *Coordinator) ShardCount() int { return c.cfg.ShardCount }

// Start runs one tick synchronously, so the server owns its shards when
// Start returns, then keeps ticking every heartbeat interval until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.stop != nil {
		return errors.New("topology: coordinator already started")
	}
	if err := c.Tick(ctx); err != nil {
		return err
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(ctx)
	c.logger.Info("topology: coordinator started",
		"server_id", c.cfg.ServerID,
		"shard_count", c.cfg.ShardCount,
		"heartbeat_interval", c.cfg.HeartbeatInterval)
	return nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Warn("topology: tick failed", "server_id", c.cfg.ServerID, "error", err)
			}
		}
	}
}

// Stop ends the tick loop, releases every held lease and removes the server
// record so the remaining servers take over without waiting for expiry.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
		c.done = nil
	}

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.mu.Lock()
	leases := make([]store.Lease, 0, len(c.owned)+len(c.releasing))
	for _, l := range c.owned {
		leases = append(leases, l)
	}
	for _, l := range c.releasing {
		leases = append(leases, l)
	}
	c.owned = make(map[int]store.Lease)
	c.releasing = make(map[int]store.Lease)
	c.mu.Unlock()
	if len(leases) > 0 {
		c.notify()
	}

	var errs []error
	for _, l := range leases {
		if err := c.backend.ReleaseLease(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.backend.RemoveServer(ctx, c.cfg.ServerID); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("topology: coordinator stopped", "server_id", c.cfg.ServerID, "released", len(leases))
	return errors.Join(errs...)
}

// Tick performs one heartbeat and rebalance round.
func (c *Coordinator) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	now := c.now().UTC()
	if err := c.backend.Heartbeat(ctx, store.ServerRecord{
		ID:          c.cfg.ServerID,
		Addr:        c.cfg.Addr,
		StartedAt:   c.startedAt,
		HeartbeatAt: now,
	}); err != nil {
		return err
	}

	live, err := c.backend.LiveServers(ctx, now, c.cfg.HeartbeatTimeout)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(live)+1)
	for _, srv := range live {
		ids = append(ids, srv.ID)
	}
	ids = append(ids, c.cfg.ServerID)
	assignment := Assign(ids, c.cfg.ShardCount)

	c.mu.Lock()
	c.live = live
	held := make(map[int]store.Lease, len(c.owned))
	for shard, l := range c.owned {
		held[shard] = l
	}
	pending := make(map[int]store.Lease, len(c.releasing))
	for shard, l := range c.releasing {
		pending[shard] = l
	}
	c.mu.Unlock()

	changed := false
	next := make(map[int]store.Lease, len(held))
	draining := make(map[int]store.Lease, len(pending))

	// A shard handed back before its release was confirmed is kept.
	for shard, l := range pending {
		if assignment[shard] == c.cfg.ServerID {
			held[shard] = l
			changed = true
			continue
		}
		renewed, err := c.backend.RenewLease(ctx, l, now, c.cfg.LeaseTTL)
		if errors.Is(err, store.ErrLeaseLost) {
			c.leaseLost(ctx, l, err)
			continue
		}
		if err != nil {
			c.logger.Warn("topology: renew failed", "shard", shard, "error", err)
			draining[shard] = l
			continue
		}
		draining[shard] = renewed
	}

	for shard, l := range held {
		if assignment[shard] != c.cfg.ServerID {
			changed = true
			if c.handOff {
				c.logger.Info("topology: shard handing off", "server_id", c.cfg.ServerID, "shard", shard, "epoch", l.Epoch)
				draining[shard] = l
				continue
			}
			c.release(ctx, l)
			continue
		}
		renewed, err := c.backend.RenewLease(ctx, l, now, c.cfg.LeaseTTL)
		if errors.Is(err, store.ErrLeaseLost) {
			c.leaseLost(ctx, l, err)
			changed = true
			continue
		}
		if err != nil {
			// Keep the lease; it stays valid until it expires and the next
			// tick retries the renewal.
			c.logger.Warn("topology: renew failed", "shard", shard, "error", err)
			next[shard] = l
			continue
		}
		next[shard] = renewed
	}

	for _, shard := range ShardsOf(assignment, c.cfg.ServerID) {
		if _, ok := next[shard]; ok {
			continue
		}
		if _, ok := draining[shard]; ok {
			continue
		}
		l, err := c.backend.AcquireLease(ctx, shard, c.cfg.ServerID, now, c.cfg.LeaseTTL, c.cfg.FencingGrace)
		if errors.Is(err, store.ErrLeaseHeld) {
			c.logger.Debug("topology: shard still held", "shard", shard, "owner", l.Owner)
			continue
		}
		if err != nil {
			c.logger.Warn("topology: acquire failed", "shard", shard, "error", err)
			continue
		}
		c.logger.Info("topology: shard acquired", "server_id", c.cfg.ServerID, "shard", shard, "epoch", l.Epoch)
		next[shard] = l
		changed = true
	}

	c.mu.Lock()
	c.owned = next
	c.releasing = draining
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return nil
}

// Release confirms that nothing on this server is still working on the
// shard of lease. A shard being handed off is released so its new owner can
// acquire it on its next tick. Leases that are not being handed off are
// ignored.
func (c *Coordinator) Release(ctx context.Context, lease store.Lease) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.mu.Lock()
	cur, ok := c.releasing[lease.Shard]
	if !ok || cur.Epoch != lease.Epoch {
		c.mu.Unlock()
		return nil
	}
	delete(c.releasing, lease.Shard)
	c.mu.Unlock()
	return c.release(ctx, cur)
}

// HandingOff returns the shards withdrawn from Owned whose release is not
// yet confirmed, ascending.
func (c *Coordinator) HandingOff() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int, 0, len(c.releasing))
	for shard := range c.releasing {
		out = append(out, shard)
	}
	sort.Ints(out)
	return out
}

func (c *Coordinator) release(ctx context.Context, l store.Lease) error {
	if err := c.backend.ReleaseLease(ctx, l); err != nil {
		c.logger.Warn("topology: release failed", "shard", l.Shard, "error", err)
		return err
	}
	c.logger.Info("topology: shard released", "server_id", c.cfg.ServerID, "shard", l.Shard, "epoch", l.Epoch)
	return nil
}

// Owned returns the leases this server currently holds, by shard.
func (c *Coordinator) Owned() []store.Lease {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Lease, 0, len(c.owned))
	for _, l := range c.owned {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shard < out[j].Shard })
	return out
}

// Lease returns the lease held on shard, if any.
func (c *Coordinator) Lease(shard int) (store.Lease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.owned[shard]
	return l, ok
}

// LiveServers returns the membership seen by the last tick.
func (c *Coordinator) LiveServers() []store.ServerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]store.ServerRecord(nil), c.live...)
}

// Validate checks with the backend that lease is still held. Pump workers
// call it before every claim. A lost lease is dropped from Owned.
func (c *Coordinator) Validate(ctx context.Context, lease store.Lease) error {
	err := c.backend.ValidateLease(ctx, lease, c.now().UTC())
	if errors.Is(err, store.ErrLeaseLost) {
		c.mu.Lock()
		cur, ok := c.owned[lease.Shard]
		drop := ok && cur.Epoch == lease.Epoch
		if drop {
			delete(c.owned, lease.Shard)
		}
		if rl, ok := c.releasing[lease.Shard]; ok && rl.Epoch == lease.Epoch {
			delete(c.releasing, lease.Shard)
		}
		c.mu.Unlock()
		if drop {
			c.leaseLost(ctx, lease, err)
			c.notify()
		}
	}
	return err
}

// Changes is signalled whenever the set of owned shards changes.
func (c *Coordinator) Changes() <-chan struct{} {
	return c.changes
}

func (c *Coordinator) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Coordinator) leaseLost(ctx context.Context, l store.Lease, err error) {
	c.logger.Warn("topology: lease lost", "server_id", c.cfg.ServerID, "shard", l.Shard, "epoch", l.Epoch)
	c.alerter.Alert(ctx, alert.Alert{
		Kind:    alert.KindLeaseLost,
		Shard:   l.Shard,
		Message: fmt.Sprintf("server %s lost shard %d at epoch %d", c.cfg.ServerID, l.Shard, l.Epoch),
		Err:     err,
		At:      c.now().UTC(),
	})
}
