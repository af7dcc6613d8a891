package receipts

import (
	"context"

	"github.com/dmitrijs2005/outboxd/internal/models"
)

type Repository interface {
	// Insert stores r and sets r.ID.
	Insert(ctx context.Context, r *models.ReturnReceipt) error
	Get(ctx context.Context, id int64) (*models.ReturnReceipt, error)
	List(ctx context.Context) ([]*models.ReturnReceipt, error)
	Delete(ctx context.Context, id int64) (bool, error)
}
