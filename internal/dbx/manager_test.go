package dbx

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestOpen_AppliesMigrations(t *testing.T) {
	m := NewManager()
	s, err := m.Open(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"goose_db_version", "outbox_messages", "message_headers", "outbox_attachments", "return_receipts", "pending_cleanups"} {
		assert.True(t, tableExists(t, s.DB(), table), table)
	}

	var fk int
	require.NoError(t, s.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_SamePathSharesStore(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	a, err := m.Open(ctx, path)
	require.NoError(t, err)
	b, err := m.Open(ctx, path)
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, b.DB().PingContext(ctx), "still referenced")
	require.NoError(t, b.Close())
	assert.Error(t, b.DB().PingContext(ctx), "closed with the last reference")

	c, err := m.Open(ctx, path)
	require.NoError(t, err)
	defer c.Close()
	assert.NotSame(t, a, c)
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", dsn(filepath.Join(t.TempDir(), "app.db")))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, RunMigrations(context.Background(), db))
	require.NoError(t, RunMigrations(context.Background(), db))
	assert.True(t, tableExists(t, db, "outbox_attachments"))
}

func TestOpen_MigrationError(t *testing.T) {
	orig := gooseUpContext
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("bad migration")
	}
	t.Cleanup(func() { gooseUpContext = orig })

	_, err := NewManager().Open(context.Background(), filepath.Join(t.TempDir(), "x.db"))
	require.ErrorContains(t, err, "bad migration")
}

func TestStats_PerTag(t *testing.T) {
	s := setupStore(t, WithStatementStats(true))
	ctx := context.Background()
	sess := s.Session()
	defer sess.Close()

	_, err := sess.ExecContext(ctx, `INSERT INTO t(v) VALUES ('a')`)
	require.NoError(t, err)
	_, err = sess.ExecContext(WithTag(ctx, "custom"), `INSERT INTO t(v) VALUES ('b')`)
	require.NoError(t, err)
	var n int
	require.NoError(t, sess.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats["insert"].Count)
	assert.Equal(t, int64(1), stats["custom"].Count)
	assert.Equal(t, int64(1), stats["select"].Count)
}

func TestStats_Disabled(t *testing.T) {
	s := setupStore(t)
	sess := s.Session()
	defer sess.Close()

	_, err := sess.ExecContext(context.Background(), `INSERT INTO t(v) VALUES ('a')`)
	require.NoError(t, err)
	assert.Empty(t, s.Stats())
}
