package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
)

// Tx is a transaction owned by the caller. Business code runs its own
// mutations through it and hands it to the sink, so events and business
// state commit or abort together.
type Tx struct {
	s  *Store
	tx *sql.Tx

	mu          sync.Mutex
	done        bool
	afterCommit []func()
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", classify(err))
	}
	return &Tx{s: s, tx: tx}, nil
}

// InTx runs fn in a transaction, committing on nil and rolling back on error.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Store returns the store the transaction belongs to.
func (t *Tx) Store() *Store { return t.s }

// ExecContext runs a statement inside the transaction. Placeholders are
// written as ? for every dialect.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.s.exec(ctx, t.tx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.s.query(ctx, t.tx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.s.queryRow(ctx, t.tx, query, args...)
}

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint opens a named savepoint.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name)
	return classify(err)
}

// RollbackTo undoes everything since the savepoint. The savepoint stays open.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return classify(err)
}

// Release discards the savepoint, keeping its changes.
func (t *Tx) Release(ctx context.Context, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return classify(err)
}

// AfterCommit registers fn to run after a successful Commit. Hooks do not
// run on rollback.
func (t *Tx) AfterCommit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.afterCommit = append(t.afterCommit, fn)
}

// Commit commits the transaction and then runs the after-commit hooks.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return sql.ErrTxDone
	}
	t.done = true
	hooks := t.afterCommit
	t.afterCommit = nil
	t.mu.Unlock()

	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit or Rollback,
// so it is safe to defer.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.afterCommit = nil
	t.mu.Unlock()
	return classify(t.tx.Rollback())
}
