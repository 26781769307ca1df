package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic version check fails:
	// another worker changed the event first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLeaseLost is returned when a shard lease is no longer held with the
	// expected owner and epoch.
	ErrLeaseLost = errors.New("lease lost")

	// ErrLeaseHeld is returned when another live server holds the lease.
	ErrLeaseHeld = errors.New("lease held by another server")

	// ErrInvalidState is returned when an event is not in the state an
	// operation requires.
	ErrInvalidState = errors.New("invalid event state")
)

// TransientError wraps a database error that is expected to succeed on retry
// (busy database, dropped connection, serialization failure).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps retryable driver errors in TransientError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || IsTransient(err) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &TransientError{Err: err}
		}
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 08: connection exception, 40001: serialization failure,
		// 40P01: deadlock, 57P01: admin shutdown.
		if strings.HasPrefix(code, "08") || code == "40001" || code == "40P01" || code == "57P01" {
			return &TransientError{Err: err}
		}
		return err
	}

	if errors.Is(err, sql.ErrConnDone) {
		return &TransientError{Err: err}
	}
	return err
}
