// Package config loads process configuration from a TOML file, a .env
// file and OUTPOST_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/roach88/outpost/internal/engine"
	"github.com/roach88/outpost/internal/pump"
	"github.com/roach88/outpost/internal/topology"
)

// Config is the complete process configuration.
type Config struct {
	Database  DatabaseConfig `toml:"database"`
	Pump      PumpConfig     `toml:"pump"`
	Topology  TopologyConfig `toml:"topology"`
	Redis     RedisConfig    `toml:"redis"`
	NATS      NATSConfig     `toml:"nats"`
	Rules     RulesConfig    `toml:"rules"`
	Admin     AdminConfig    `toml:"admin"`
	LogFormat string         `toml:"log_format" validate:"oneof=text json"`
}

// DatabaseConfig selects the event store backend.
type DatabaseConfig struct {
	Driver string `toml:"driver" validate:"oneof=sqlite3 postgres"`
	DSN    string `toml:"dsn" validate:"required"`
}

// PumpConfig controls polling and retries.
type PumpConfig struct {
	PollInterval time.Duration `toml:"poll_interval" validate:"gt=0"`
	BatchSize    int           `toml:"batch_size" validate:"gte=1,lte=10000"`
	MaxRetries   int           `toml:"max_retries" validate:"gte=0"`
	BackoffBase  time.Duration `toml:"backoff_base" validate:"gte=0"`
	BackoffMax   time.Duration `toml:"backoff_max" validate:"gte=0"`
	ClaimTimeout time.Duration `toml:"claim_timeout" validate:"gt=0"`
}

// TopologyConfig controls membership and shard leases.
type TopologyConfig struct {
	Backend           string        `toml:"backend" validate:"oneof=sql redis"`
	ShardCount        int           `toml:"shard_count" validate:"gte=1,lte=4096"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout" validate:"gtfield=HeartbeatInterval"`
	LeaseTTL          time.Duration `toml:"lease_ttl" validate:"gt=0"`
	FencingGrace      time.Duration `toml:"fencing_grace" validate:"gte=0"`
}

// RedisConfig is used when the topology backend is redis.
type RedisConfig struct {
	Addr string `toml:"addr"`
	DB   int    `toml:"db" validate:"gte=0"`
}

// NATSConfig enables the NATS relay when URL is set.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// RulesConfig locates and orders the rule set.
type RulesConfig struct {
	Dir             string `toml:"dir"`
	PriorityOrder   string `toml:"priority_order" validate:"oneof=asc desc"`
	MaxCascadeDepth int    `toml:"max_cascade_depth" validate:"gte=0"`
}

// AdminConfig enables the admin HTTP server when Addr is set.
type AdminConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	p := pump.DefaultConfig()
	t := topology.DefaultConfig("")
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "outpost.db"},
		Pump: PumpConfig{
			PollInterval: p.PollInterval,
			BatchSize:    p.BatchSize,
			MaxRetries:   p.MaxRetries,
			BackoffBase:  p.BackoffBase,
			BackoffMax:   p.BackoffMax,
			ClaimTimeout: p.ClaimTimeout,
		},
		Topology: TopologyConfig{
			Backend:           "sql",
			ShardCount:        t.ShardCount,
			HeartbeatInterval: t.HeartbeatInterval,
			HeartbeatTimeout:  t.HeartbeatTimeout,
			LeaseTTL:          t.LeaseTTL,
			FencingGrace:      t.FencingGrace,
		},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		NATS:      NATSConfig{SubjectPrefix: "outpost.events"},
		Rules:     RulesConfig{Dir: "rules", PriorityOrder: "asc", MaxCascadeDepth: engine.DefaultMaxCascadeDepth},
		LogFormat: "text",
	}
}

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then .env, then OUTPOST_* variables. The result is
// validated.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	// A missing .env is fine.
	_ = godotenv.Load(".env")
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes TOML text over the defaults without consulting the
// environment.
func Parse(data string) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(data, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("OUTPOST_DATABASE_DRIVER", &c.Database.Driver)
	str("OUTPOST_DATABASE_DSN", &c.Database.DSN)
	dur("OUTPOST_POLL_INTERVAL", &c.Pump.PollInterval)
	num("OUTPOST_BATCH_SIZE", &c.Pump.BatchSize)
	num("OUTPOST_MAX_RETRIES", &c.Pump.MaxRetries)
	dur("OUTPOST_CLAIM_TIMEOUT", &c.Pump.ClaimTimeout)
	str("OUTPOST_TOPOLOGY_BACKEND", &c.Topology.Backend)
	num("OUTPOST_SHARD_COUNT", &c.Topology.ShardCount)
	dur("OUTPOST_LEASE_TTL", &c.Topology.LeaseTTL)
	str("OUTPOST_REDIS_ADDR", &c.Redis.Addr)
	num("OUTPOST_REDIS_DB", &c.Redis.DB)
	str("OUTPOST_NATS_URL", &c.NATS.URL)
	str("OUTPOST_NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("OUTPOST_RULES_DIR", &c.Rules.Dir)
	str("OUTPOST_PRIORITY_ORDER", &c.Rules.PriorityOrder)
	num("OUTPOST_MAX_CASCADE_DEPTH", &c.Rules.MaxCascadeDepth)
	str("OUTPOST_ADMIN_ADDR", &c.Admin.Addr)
	str("OUTPOST_LOG_FORMAT", &c.LogFormat)
	return errors.Join(errs...)
}

var validate = validator.New()

// ValidationError lists invalid fields by their namespaced name, e.g.
// "Config.Pump.BatchSize".
type ValidationError struct {
	Fields map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	fields := make(map[string]string)
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fe.Namespace()] = describe(fe)
		}
	}
	if c.Topology.Backend == "redis" && c.Redis.Addr == "" {
		fields["Config.Redis.Addr"] = "required when topology.backend is redis"
	}
	if c.Pump.BackoffMax > 0 && c.Pump.BackoffMax < c.Pump.BackoffBase {
		fields["Config.Pump.BackoffMax"] = "must not be below backoff_base"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gtfield":
		return "must be greater than " + fe.Param()
	default:
		return fmt.Sprintf("failed %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
}

// PumpSettings converts to the pump's settings.
func (c *Config) PumpSettings() pump.Config {
	return pump.Config{
		PollInterval: c.Pump.PollInterval,
		BatchSize:    c.Pump.BatchSize,
		MaxRetries:   c.Pump.MaxRetries,
		BackoffBase:  c.Pump.BackoffBase,
		BackoffMax:   c.Pump.BackoffMax,
		ClaimTimeout: c.Pump.ClaimTimeout,
	}
}

// TopologySettings converts to the coordinator's settings for serverID.
func (c *Config) TopologySettings(serverID string) topology.Config {
	return topology.Config{
		ServerID:          serverID,
		Addr:              c.Admin.Addr,
		ShardCount:        c.Topology.ShardCount,
		HeartbeatInterval: c.Topology.HeartbeatInterval,
		HeartbeatTimeout:  c.Topology.HeartbeatTimeout,
		LeaseTTL:          c.Topology.LeaseTTL,
		FencingGrace:      c.Topology.FencingGrace,
	}
}
