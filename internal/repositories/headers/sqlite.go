package headers

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Insert(ctx context.Context, h *models.MessageHeader) error {
	query := `INSERT INTO message_headers (owned_identity, message_uid, device_uid, to_identity, wrapped_key)
		VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		h.Message.Owner.Bytes(), h.Message.UID, h.DeviceUID, h.ToIdentity.Bytes(), h.WrappedKey)
	if err != nil {
		return fmt.Errorf("failed to insert header for %s: %w", h.Message, err)
	}
	return nil
}

func (r *SQLiteRepository) ListByMessage(ctx context.Context, key models.MessageKey) ([]models.MessageHeader, error) {
	query := `SELECT device_uid, to_identity, wrapped_key FROM message_headers
		WHERE owned_identity = ? AND message_uid = ? ORDER BY rowid`
	rows, err := r.db.QueryContext(ctx, query, key.Owner.Bytes(), key.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to list headers of %s: %w", key, err)
	}
	defer rows.Close()

	var result []models.MessageHeader
	for rows.Next() {
		h := models.MessageHeader{Message: key}
		var to []byte
		if err := rows.Scan(&h.DeviceUID, &to, &h.WrappedKey); err != nil {
			return nil, fmt.Errorf("failed to scan header row: %w", err)
		}
		h.ToIdentity = models.Identity(to)
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate header rows: %w", err)
	}
	return result, nil
}
