package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
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

const columns = `id, owned_identity, contact_identity, contact_device_uids, status, nonce, key,
	attachment_number, timestamp`

func (r *SQLiteRepository) Insert(ctx context.Context, rr *models.ReturnReceipt) error {
	devices := rr.ContactDeviceUIDs
	if devices == nil {
		devices = [][]byte{}
	}
	encoded, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("encode device uids: %w", err)
	}

	var attachment sql.NullInt64
	if rr.AttachmentNumber != nil {
		attachment = sql.NullInt64{Int64: int64(*rr.AttachmentNumber), Valid: true}
	}

	query := `INSERT INTO return_receipts (owned_identity, contact_identity, contact_device_uids, status,
		nonce, key, attachment_number, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query,
		rr.Owner.Bytes(), rr.ContactIdentity.Bytes(), string(encoded), rr.Status,
		rr.Nonce, rr.Key, attachment, rr.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert return receipt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get receipt id: %w", err)
	}
	rr.ID = id
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.ReturnReceipt, error) {
	rr, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM return_receipts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get return receipt %d: %w", id, err)
	}
	return rr, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.ReturnReceipt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM return_receipts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list return receipts: %w", err)
	}
	defer rows.Close()

	var result []*models.ReturnReceipt
	for rows.Next() {
		rr, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan return receipt row: %w", err)
		}
		result = append(result, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate return receipt rows: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM return_receipts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete return receipt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*models.ReturnReceipt, error) {
	var (
		rr         models.ReturnReceipt
		owner      []byte
		contact    []byte
		devices    string
		attachment sql.NullInt64
		created    int64
	)
	err := s.Scan(&rr.ID, &owner, &contact, &devices, &rr.Status, &rr.Nonce, &rr.Key, &attachment, &created)
	if err != nil {
		return nil, err
	}
	rr.Owner = models.Identity(owner)
	rr.ContactIdentity = models.Identity(contact)
	rr.CreatedAt = time.UnixMilli(created)
	if attachment.Valid {
		n := int(attachment.Int64)
		rr.AttachmentNumber = &n
	}
	if err := json.Unmarshal([]byte(devices), &rr.ContactDeviceUIDs); err != nil {
		return nil, fmt.Errorf("decode device uids: %w", err)
	}
	return &rr, nil
}
