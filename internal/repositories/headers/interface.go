package headers

import (
	"context"

	"github.com/dmitrijs2005/outboxd/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, h *models.MessageHeader) error
	ListByMessage(ctx context.Context, key models.MessageKey) ([]models.MessageHeader, error)
}
