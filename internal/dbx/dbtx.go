// Package dbx is the transactional store of the outbox: a process-wide write
// lock, pooled sessions per database path, and commit-scoped effects.
//
// Repositories only see DBTX, which a *Session satisfies whether or not it is
// inside a transaction.
package dbx

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrAlreadyInTransaction = errors.New("session already in a transaction")
	ErrNotInTransaction     = errors.New("session not in a transaction")
	ErrSessionClosed        = errors.New("session closed")
)

// DBTX is the subset of database/sql used by our repos.
// *sql.DB, *sql.Tx and *Session satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx opens a session on store, begins a transaction, runs fn and then
// commits on success or rolls back on error/panic. Panics are rethrown.
// Effects registered with AfterCommit run after a successful commit.
//
// Typical use:
//
//	err := dbx.WithTx(ctx, store, func(ctx context.Context, s *dbx.Session) error {
//	    if _, err := s.ExecContext(ctx, "UPDATE ..."); err != nil {
//	        return err
//	    }
//	    s.AfterCommit(key, func() { bus.Post(...) })
//	    return nil
//	})
func WithTx(ctx context.Context, store *Store, fn func(ctx context.Context, s *Session) error) (err error) {
	s := store.Session()
	defer s.Close()

	if err := s.Begin(ctx); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback()
			panic(p)
		}
		if err != nil {
			_ = s.Rollback()
			return
		}
		err = s.Commit()
	}()

	err = fn(ctx, s)
	return err
}
