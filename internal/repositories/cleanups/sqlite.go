package cleanups

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/dbx"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, path string, at time.Time) error {
	query := `INSERT INTO pending_cleanups (path, created_at) VALUES (?, ?) ON CONFLICT (path) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, path, at.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert pending cleanup: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT path FROM pending_cleanups ORDER BY created_at, path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cleanups: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan pending cleanup row: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending cleanup rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, path string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pending_cleanups WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
