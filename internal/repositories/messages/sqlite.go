package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

const columns = `owned_identity, uid, server, encrypted_content, encrypted_extended_content,
	is_application_message, is_voip_message, creation_timestamp,
	uid_from_server, nonce, timestamp_from_server`

func (r *SQLiteRepository) Insert(ctx context.Context, m *models.OutboxMessage) error {
	query := `INSERT INTO outbox_messages (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var serverTS sql.NullInt64
	if !m.TimestampFromServer.IsZero() {
		serverTS = sql.NullInt64{Int64: m.TimestampFromServer.UnixMilli(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		m.Key.Owner.Bytes(), m.Key.UID, m.Server, m.EncryptedContent, m.EncryptedExtendedContent,
		m.IsApplicationMessage, m.IsVoipMessage, m.CreatedAt.UnixMilli(),
		m.UIDFromServer, m.Nonce, serverTS)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.Key, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, key models.MessageKey) (*models.OutboxMessage, error) {
	query := `SELECT ` + columns + ` FROM outbox_messages WHERE owned_identity = ? AND uid = ?`
	m, err := scan(r.db.QueryRowContext(ctx, query, key.Owner.Bytes(), key.UID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", key, err)
	}
	return m, nil
}

func (r *SQLiteRepository) Acknowledge(ctx context.Context, key models.MessageKey, uidFromServer, nonce []byte, ts time.Time) (bool, error) {
	query := `UPDATE outbox_messages
		SET uid_from_server = ?, nonce = ?, timestamp_from_server = ?
		WHERE owned_identity = ? AND uid = ? AND uid_from_server IS NULL`
	res, err := r.db.ExecContext(ctx, query, uidFromServer, nonce, ts.UnixMilli(), key.Owner.Bytes(), key.UID)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge message %s: %w", key, err)
	}
	return affected(res)
}

func (r *SQLiteRepository) Delete(ctx context.Context, key models.MessageKey) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM outbox_messages WHERE owned_identity = ? AND uid = ?`,
		key.Owner.Bytes(), key.UID)
	if err != nil {
		return false, fmt.Errorf("failed to delete message %s: %w", key, err)
	}
	return affected(res)
}

func (r *SQLiteRepository) ListUnacknowledged(ctx context.Context) ([]*models.OutboxMessage, error) {
	query := `SELECT ` + columns + ` FROM outbox_messages
		WHERE uid_from_server IS NULL ORDER BY creation_timestamp, rowid`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []*models.OutboxMessage
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.OutboxMessage, error) {
	var (
		m        models.OutboxMessage
		owner    []byte
		created  int64
		serverTS sql.NullInt64
	)
	err := s.Scan(&owner, &m.Key.UID, &m.Server, &m.EncryptedContent, &m.EncryptedExtendedContent,
		&m.IsApplicationMessage, &m.IsVoipMessage, &created,
		&m.UIDFromServer, &m.Nonce, &serverTS)
	if err != nil {
		return nil, err
	}
	m.Key.Owner = models.Identity(owner)
	m.CreatedAt = time.UnixMilli(created)
	if serverTS.Valid {
		m.TimestampFromServer = time.UnixMilli(serverTS.Int64)
	}
	return &m, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
