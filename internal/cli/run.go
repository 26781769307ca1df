package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/outpost/internal/admin"
	"github.com/roach88/outpost/internal/alert"
	"github.com/roach88/outpost/internal/config"
	"github.com/roach88/outpost/internal/distributer"
	"github.com/roach88/outpost/internal/engine"
	"github.com/roach88/outpost/internal/idgen"
	"github.com/roach88/outpost/internal/ir"
	"github.com/roach88/outpost/internal/pump"
	"github.com/roach88/outpost/internal/sink"
	"github.com/roach88/outpost/internal/store"
	"github.com/roach88/outpost/internal/topology"
	"github.com/roach88/outpost/internal/transport"
)

// shutdownTimeout bounds releasing leases and draining the admin server.
const shutdownTimeout = 10 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	RulesDir string
	ServerID string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pump server",
		Long: `Run one outpost server: join the topology, take a share of the shards
and pump their events through the static consumers and the rule engine.

With nats.url set, dispatched events and alerts are relayed over NATS and
events relayed by other servers reach local consumers. With admin.addr
set, the admin HTTP API is served.

Example:
  outpost run --config outpost.toml
  outpost run --db ./outpost.db --rules ./rules --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RulesDir, "rules", "", "rules directory, overrides config")
	cmd.Flags().StringVar(&opts.ServerID, "server-id", "", "server id (default: generated)")

	return cmd
}

// newLogger builds the process logger: text or JSON on w, debug level
// when verbose.
func newLogger(format string, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func runServer(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.RulesDir != "" {
		cfg.Rules.Dir = opts.RulesDir
	}

	logger := newLogger(cfg.LogFormat, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	serverID := opts.ServerID
	if serverID == "" {
		if serverID, err = idgen.ServerID(); err != nil {
			return WrapExitError(ExitCommandError, "failed to generate server id", err)
		}
	}

	logger.Info("loading rules", "dir", cfg.Rules.Dir)
	rules, err := LoadRuleSet(cfg.Rules.Dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}
	order, err := ir.ParsePriorityOrder(cfg.Rules.PriorityOrder)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid rules config", err)
	}

	logger.Info("opening database", "driver", cfg.Database.Driver)
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	alerter := alert.Multi{alert.NewLogAlerter(logger)}
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = transport.Connect(cfg.NATS.URL, "outpost-"+serverID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer nc.Close()
		alerter = append(alerter, transport.NewAlerter(nc, transport.DefaultAlertPrefix, logger))
		logger.Info("connected to NATS", "url", cfg.NATS.URL)
	}

	backend, closeBackend, err := topologyBackend(cfg, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up topology backend", err)
	}
	defer closeBackend()
	coord, err := topology.NewCoordinator(backend, cfg.TopologySettings(serverID),
		topology.WithLogger(logger),
		topology.WithAlerter(alerter),
		topology.WithHandOff(),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid topology config", err)
	}

	sk := sink.New(st, sink.WithShardCount(cfg.Topology.ShardCount), sink.WithLogger(logger))
	eng := engine.New(st, sk,
		engine.WithPriorityOrder(order),
		engine.WithMaxCascadeDepth(cfg.Rules.MaxCascadeDepth),
		engine.WithAlerter(alerter),
		engine.WithLogger(logger),
	)
	reg, err := eng.Load(rules)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}

	dist := distributer.New(
		distributer.WithEngine(eng, st),
		distributer.WithAlerter(alerter),
		distributer.WithLogger(logger),
	)
	if nc != nil {
		pub, err := transport.NewPublisher(nc, cfg.NATS.SubjectPrefix, serverID, "#")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create NATS publisher", err)
		}
		if err := dist.Register(pub); err != nil {
			return WrapExitError(ExitCommandError, "failed to register NATS publisher", err)
		}
	}

	p := pump.New(st, coord, dist, cfg.PumpSettings(),
		pump.WithLogger(logger),
		pump.WithAlerter(alerter),
	)
	sk.OnCommit(p.Wake)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coord.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to join topology", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coord.Stop(sctx); err != nil {
			logger.Warn("topology: stop failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })

	if nc != nil {
		listener := transport.NewListener(nc, cfg.NATS.SubjectPrefix, serverID, dist, logger)
		stopListening, err := listener.Start(gctx)
		if err != nil {
			stop()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to subscribe to NATS", err)
		}
		defer stopListening()
	}

	if cfg.Admin.Addr != "" {
		srv := &http.Server{
			Addr: cfg.Admin.Addr,
			Handler: admin.New(st,
				admin.WithTopology(coord),
				admin.WithRules(eng),
				admin.WithWake(p.Wake),
				admin.WithLogger(logger),
			).Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("admin server listening", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	logger.Info("server started",
		"server_id", serverID,
		"rules", reg.Len(),
		"ruleset_hash", reg.Hash(),
		"shard_count", cfg.Topology.ShardCount)
	fmt.Fprintf(cmd.OutOrStdout(), "Server %s started with %d rule(s). Press Ctrl-C to stop.\n", serverID, reg.Len())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully", "server_id", serverID)
	return nil
}

// topologyBackend returns the configured membership and lease backend and
// a function releasing its resources.
func topologyBackend(cfg *config.Config, st *store.Store) (topology.Backend, func(), error) {
	switch cfg.Topology.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
		}
		return topology.NewRedisBackend(rdb, "outpost"), func() { rdb.Close() }, nil
	default:
		return st, func() {}, nil
	}
}
