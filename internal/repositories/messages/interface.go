package messages

import (
	"context"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, m *models.OutboxMessage) error

	// Get returns common.ErrNotFound when the message does not exist.
	Get(ctx context.Context, key models.MessageKey) (*models.OutboxMessage, error)

	// Acknowledge stores the server-assigned identifiers. It reports false
	// when the message was already acknowledged or does not exist.
	Acknowledge(ctx context.Context, key models.MessageKey, uidFromServer, nonce []byte, ts time.Time) (bool, error)

	Delete(ctx context.Context, key models.MessageKey) (bool, error)

	// ListUnacknowledged returns messages still waiting for the server, oldest
	// first.
	ListUnacknowledged(ctx context.Context) ([]*models.OutboxMessage, error)
}
