package attachments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/outboxd/internal/common"
	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const columns = `a.owned_identity, a.message_uid, a.attachment_number, a.path, a.delete_after_send,
	a.attachment_length, a.key, a.ciphertext_chunk_length, a.acknowledged_chunk_count,
	a.acknowledged, a.cancel_external_request, a.chunk_upload_urls`

const byKey = `owned_identity = ? AND message_uid = ? AND attachment_number = ?`

func keyArgs(key models.AttachmentKey) []any {
	return []any{key.Owner.Bytes(), key.UID, key.Number}
}

func (r *SQLiteRepository) Insert(ctx context.Context, a *models.OutboxAttachment) error {
	urls, err := encodeURLs(a.ChunkUploadURLs)
	if err != nil {
		return err
	}
	query := `INSERT INTO outbox_attachments (owned_identity, message_uid, attachment_number, path,
		delete_after_send, attachment_length, key, ciphertext_chunk_length, acknowledged_chunk_count,
		acknowledged, cancel_external_request, chunk_upload_urls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		a.Key.Owner.Bytes(), a.Key.UID, a.Key.Number, a.Path,
		a.DeleteAfterSend, a.Length, a.EncryptionKey, a.CiphertextChunkLength, a.AcknowledgedChunkCount,
		a.Acknowledged, a.CancelRequested, urls)
	if err != nil {
		return fmt.Errorf("failed to insert attachment %s: %w", a.Key, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, key models.AttachmentKey) (*models.OutboxAttachment, error) {
	query := `SELECT ` + columns + ` FROM outbox_attachments a WHERE ` + byKey
	a, err := scan(r.db.QueryRowContext(ctx, query, keyArgs(key)...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", key, err)
	}
	return a, nil
}

func (r *SQLiteRepository) ListByMessage(ctx context.Context, key models.MessageKey) ([]*models.OutboxAttachment, error) {
	query := `SELECT ` + columns + ` FROM outbox_attachments a
		WHERE a.owned_identity = ? AND a.message_uid = ? ORDER BY a.attachment_number`
	return r.list(ctx, query, key.Owner.Bytes(), key.UID)
}

func (r *SQLiteRepository) ListSendable(ctx context.Context) ([]*models.OutboxAttachment, error) {
	query := `SELECT ` + columns + ` FROM outbox_attachments a
		JOIN outbox_messages m ON m.owned_identity = a.owned_identity AND m.uid = a.message_uid
		WHERE a.acknowledged = 0 AND m.uid_from_server IS NOT NULL
		ORDER BY m.creation_timestamp, a.attachment_number`
	return r.list(ctx, query)
}

func (r *SQLiteRepository) SetChunkUploadURLs(ctx context.Context, key models.AttachmentKey, urls []string) error {
	encoded, err := encodeURLs(urls)
	if err != nil {
		return err
	}
	args := append([]any{encoded}, keyArgs(key)...)
	res, err := r.db.ExecContext(ctx, `UPDATE outbox_attachments SET chunk_upload_urls = ? WHERE `+byKey, args...)
	if err != nil {
		return fmt.Errorf("failed to set chunk urls of %s: %w", key, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) AdvanceAcknowledgedChunkCount(ctx context.Context, key models.AttachmentKey, n int) (bool, error) {
	query := `UPDATE outbox_attachments SET acknowledged_chunk_count = ?
		WHERE ` + byKey + ` AND acknowledged = 0 AND acknowledged_chunk_count < ?`
	args := append([]any{n}, keyArgs(key)...)
	args = append(args, n)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to advance chunk count of %s: %w", key, err)
	}
	return affected(res)
}

func (r *SQLiteRepository) MarkAcknowledged(ctx context.Context, key models.AttachmentKey) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_attachments SET acknowledged = 1 WHERE `+byKey+` AND acknowledged = 0`, keyArgs(key)...)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge attachment %s: %w", key, err)
	}
	return affected(res)
}

func (r *SQLiteRepository) RequestCancel(ctx context.Context, key models.AttachmentKey) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_attachments SET cancel_external_request = 1
		WHERE `+byKey+` AND acknowledged = 0 AND cancel_external_request = 0`, keyArgs(key)...)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel of %s: %w", key, err)
	}
	return affected(res)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*models.OutboxAttachment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var result []*models.OutboxAttachment
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment row: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attachment rows: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.OutboxAttachment, error) {
	var (
		a     models.OutboxAttachment
		owner []byte
		urls  string
	)
	err := s.Scan(&owner, &a.Key.UID, &a.Key.Number, &a.Path, &a.DeleteAfterSend,
		&a.Length, &a.EncryptionKey, &a.CiphertextChunkLength, &a.AcknowledgedChunkCount,
		&a.Acknowledged, &a.CancelRequested, &urls)
	if err != nil {
		return nil, err
	}
	a.Key.Owner = models.Identity(owner)
	if err := json.Unmarshal([]byte(urls), &a.ChunkUploadURLs); err != nil {
		return nil, fmt.Errorf("decode chunk urls: %w", err)
	}
	return &a, nil
}

func encodeURLs(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("encode chunk urls: %w", err)
	}
	return string(b), nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
