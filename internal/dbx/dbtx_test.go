package dbx

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, opts ...ManagerOption) *Store {
	t.Helper()
	m := NewManager(opts...)
	s, err := m.Open(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, err = s.DB().Exec(`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, v TEXT);`)
	require.NoError(t, err)
	return s
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n))
	return n
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := setupStore(t)

	err := WithTx(context.Background(), s, func(ctx context.Context, tx *Session) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('ok')`)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, countRows(t, s.DB()), "must commit on success")
}

func TestWithTx_RollbackOnFnError(t *testing.T) {
	s := setupStore(t)
	fired := false

	err := WithTx(context.Background(), s, func(ctx context.Context, tx *Session) error {
		_, e := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('fail')`)
		require.NoError(t, e)
		tx.AfterCommit("k", func() { fired = true })
		return errors.New("boom")
	})
	require.Error(t, err)

	require.Equal(t, 0, countRows(t, s.DB()), "must rollback when fn returns error")
	require.False(t, fired, "effects must not run on rollback")
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	s := setupStore(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic to propagate")
		}
		require.Equal(t, 0, countRows(t, s.DB()), "must rollback on panic")
		require.NoError(t, WithTx(context.Background(), s, func(context.Context, *Session) error { return nil }),
			"write lock must be released after panic")
	}()

	_ = WithTx(context.Background(), s, func(ctx context.Context, tx *Session) error {
		_, e := tx.ExecContext(ctx, `INSERT INTO t(v) VALUES ('panic')`)
		require.NoError(t, e)
		panic("kaput")
	})
}
