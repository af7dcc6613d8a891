package outbox

import (
	"context"

	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/models"
)

// read runs fn on a pooled session outside any transaction.
func read[T any](ctx context.Context, s *Service, fn func(ctx context.Context, db dbx.DBTX) (T, error)) (T, error) {
	sess := s.store.Session()
	defer sess.Close()
	return fn(ctx, sess)
}

func (s *Service) Message(ctx context.Context, key models.MessageKey) (*models.OutboxMessage, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) (*models.OutboxMessage, error) {
		return s.repos.Messages(db).Get(ctx, key)
	})
}

func (s *Service) Attachment(ctx context.Context, key models.AttachmentKey) (*models.OutboxAttachment, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) (*models.OutboxAttachment, error) {
		return s.repos.Attachments(db).Get(ctx, key)
	})
}

func (s *Service) Headers(ctx context.Context, key models.MessageKey) ([]models.MessageHeader, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) ([]models.MessageHeader, error) {
		return s.repos.Headers(db).ListByMessage(ctx, key)
	})
}

func (s *Service) Attachments(ctx context.Context, key models.MessageKey) ([]*models.OutboxAttachment, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) ([]*models.OutboxAttachment, error) {
		return s.repos.Attachments(db).ListByMessage(ctx, key)
	})
}

// PendingMessages returns the messages the server has not acknowledged yet.
func (s *Service) PendingMessages(ctx context.Context) ([]*models.OutboxMessage, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) ([]*models.OutboxMessage, error) {
		return s.repos.Messages(db).ListUnacknowledged(ctx)
	})
}

// SendableAttachments returns unacknowledged attachments of acknowledged
// messages, including those with a pending cancel request.
func (s *Service) SendableAttachments(ctx context.Context) ([]*models.OutboxAttachment, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) ([]*models.OutboxAttachment, error) {
		return s.repos.Attachments(db).ListSendable(ctx)
	})
}

func (s *Service) ReturnReceipt(ctx context.Context, id int64) (*models.ReturnReceipt, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) (*models.ReturnReceipt, error) {
		return s.repos.Receipts(db).Get(ctx, id)
	})
}

func (s *Service) ReturnReceipts(ctx context.Context) ([]*models.ReturnReceipt, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) ([]*models.ReturnReceipt, error) {
		return s.repos.Receipts(db).List(ctx)
	})
}

// PendingCleanups returns the source files still waiting to be removed.
func (s *Service) PendingCleanups(ctx context.Context) ([]string, error) {
	return read(ctx, s, func(ctx context.Context, db dbx.DBTX) ([]string, error) {
		return s.repos.Cleanups(db).List(ctx)
	})
}
