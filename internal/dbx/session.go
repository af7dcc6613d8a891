package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/logging"
)

type effect struct {
	key any
	fn  func()
}

// Session is a unit of work on a store. It is not safe for concurrent use.
//
// Outside a transaction every ExecContext takes the write lock for that one
// statement; reads never take it. Between Begin and Commit/Rollback the
// session holds the lock, so it must not be used to start a second
// transaction or from another session on the same goroutine.
type Session struct {
	store   *Store
	tx      *sql.Tx
	effects []effect
	closed  bool
}

func (s *Session) InTransaction() bool { return s.tx != nil }

// Begin acquires the write lock, waiting until ctx is done, and starts a
// transaction.
func (s *Session) Begin(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx != nil {
		logging.ContractViolation(ctx, s.store.logger, "begin inside a transaction")
		return ErrAlreadyInTransaction
	}

	if err := s.store.m.acquire(ctx); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		s.store.m.release()
		return fmt.Errorf("begin: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits, releases the write lock and then runs the registered
// effects in registration order. Effects are dropped when the commit fails.
func (s *Session) Commit() error {
	if s.tx == nil {
		logging.ContractViolation(context.Background(), s.store.logger, "commit outside a transaction")
		return ErrNotInTransaction
	}

	err := s.tx.Commit()
	s.tx = nil
	s.store.m.release()

	effects := s.effects
	s.effects = nil
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, e := range effects {
		s.run(e)
	}
	return nil
}

// Rollback aborts the transaction and discards pending effects.
func (s *Session) Rollback() error {
	if s.tx == nil {
		logging.ContractViolation(context.Background(), s.store.logger, "rollback outside a transaction")
		return ErrNotInTransaction
	}

	err := s.tx.Rollback()
	s.tx = nil
	s.store.m.release()
	s.effects = nil
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Close rolls back an open transaction and returns the session to the pool.
// Pending effects are discarded and reported.
func (s *Session) Close() {
	if s.closed {
		return
	}
	ctx := context.Background()

	if len(s.effects) > 0 {
		logging.ContractViolation(ctx, s.store.logger, "session closed with pending commit effects", "effects", len(s.effects))
	}
	if s.tx != nil {
		if err := s.Rollback(); err != nil {
			s.store.logger.Error(ctx, "rollback on close failed", "error", err)
		}
	}
	s.effects = nil
	s.closed = true
	s.store.sessions.Put(s)
}

// AfterCommit registers fn to run once the current transaction commits.
// Registering again with the same non-nil key is a no-op; the first
// registration keeps its position. Outside a transaction fn runs right away.
func (s *Session) AfterCommit(key any, fn func()) {
	if s.tx == nil {
		s.run(effect{key: key, fn: fn})
		return
	}
	if key != nil {
		for _, e := range s.effects {
			if e.key == key {
				return
			}
		}
	}
	s.effects = append(s.effects, effect{key: key, fn: fn})
}

// PendingEffects is the number of effects waiting for commit.
func (s *Session) PendingEffects() int { return len(s.effects) }

func (s *Session) run(e effect) {
	defer func() {
		if r := recover(); r != nil {
			s.store.logger.Error(context.Background(), "commit effect panicked", "panic", r)
		}
	}()
	e.fn()
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	defer s.store.observe(ctx, query, time.Now())

	if s.tx != nil {
		return s.tx.ExecContext(ctx, query, args...)
	}

	if err := s.store.m.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire write lock: %w", err)
	}
	defer s.store.m.release()
	return s.store.db.ExecContext(ctx, query, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	defer s.store.observe(ctx, query, time.Now())

	if s.tx != nil {
		return s.tx.QueryContext(ctx, query, args...)
	}
	return s.store.db.QueryContext(ctx, query, args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer s.store.observe(ctx, query, time.Now())

	if s.tx != nil {
		return s.tx.QueryRowContext(ctx, query, args...)
	}
	return s.store.db.QueryRowContext(ctx, query, args...)
}
