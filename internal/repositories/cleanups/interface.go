package cleanups

import (
	"context"
	"time"
)

type Repository interface {
	// Insert records path. Recording the same path twice keeps the first row.
	Insert(ctx context.Context, path string, at time.Time) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, path string) (bool, error)
}
