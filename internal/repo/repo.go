package repo

import (
	"context"
	"database/sql"
	"errors"
)

// Repo is the SQLite-backed record store for initiatives, snapshots and events.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSnapshot is returned when a snapshot already exists for the
	// same initiative and date. Callers treat it as a no-op.
	ErrDuplicateSnapshot = errors.New("snapshot already exists for initiative and date")
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Ping reports whether the underlying database is reachable.
func (r Repo) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
