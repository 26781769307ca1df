package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite3/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Dialect names the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect converts a configured driver name.
func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		return DialectSQLite, nil
	case DialectPostgres:
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Store is the durable outbox: events, origins, firings, notification
// requests and topology state.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database, applies pragmas (SQLite) or pool settings
// (Postgres) and runs the embedded migrations.
//
// SQLite is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - a single connection, so one writer at a time
//
// This function is idempotent - safe to call multiple times.
func Open(driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	case DialectPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// OpenSQLite opens a SQLite store at path.
func OpenSQLite(path string) (*Store, error) {
	return Open(string(DialectSQLite), path)
}

// newWithDB wraps an already-migrated connection.
func newWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func runMigrations(db *sql.DB, dialect Dialect) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch dialect {
	case DialectSQLite:
		dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create migration db driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	case DialectPostgres:
		dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("create migration db driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return version, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// querier is the subset of *sql.DB and *sql.Tx the store uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	res, err := q.ExecContext(ctx, rebind(s.dialect, query), args...)
	return res, classify(err)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.QueryContext(ctx, rebind(s.dialect, query), args...)
	return rows, classify(err)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, rebind(s.dialect, query), args...)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
