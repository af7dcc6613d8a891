package attachments

import (
	"context"

	"github.com/dmitrijs2005/outboxd/internal/models"
)

type Repository interface {
	Insert(ctx context.Context, a *models.OutboxAttachment) error

	// Get returns common.ErrNotFound when the attachment does not exist.
	Get(ctx context.Context, key models.AttachmentKey) (*models.OutboxAttachment, error)

	ListByMessage(ctx context.Context, key models.MessageKey) ([]*models.OutboxAttachment, error)

	// ListSendable returns unacknowledged attachments whose message has been
	// acknowledged by the server.
	ListSendable(ctx context.Context) ([]*models.OutboxAttachment, error)

	SetChunkUploadURLs(ctx context.Context, key models.AttachmentKey, urls []string) error

	// AdvanceAcknowledgedChunkCount stores n only if it is greater than the
	// stored count and the attachment is not acknowledged yet.
	AdvanceAcknowledgedChunkCount(ctx context.Context, key models.AttachmentKey, n int) (bool, error)

	// MarkAcknowledged sets the acknowledged flag if it was not set.
	MarkAcknowledged(ctx context.Context, key models.AttachmentKey) (bool, error)

	// RequestCancel latches the cancel flag on an unacknowledged attachment.
	RequestCancel(ctx context.Context, key models.AttachmentKey) (bool, error)
}
