// Package repomanager vends the SQLite repositories of the outbox bound to a
// dbx.DBTX, so services can build them on whatever session they are using.
package repomanager

import (
	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/repositories/attachments"
	"github.com/dmitrijs2005/outboxd/internal/repositories/cleanups"
	"github.com/dmitrijs2005/outboxd/internal/repositories/headers"
	"github.com/dmitrijs2005/outboxd/internal/repositories/messages"
	"github.com/dmitrijs2005/outboxd/internal/repositories/receipts"
)

type RepositoryManager interface {
	Messages(db dbx.DBTX) messages.Repository
	Headers(db dbx.DBTX) headers.Repository
	Attachments(db dbx.DBTX) attachments.Repository
	Receipts(db dbx.DBTX) receipts.Repository
	Cleanups(db dbx.DBTX) cleanups.Repository
}

type SQLiteRepositoryManager struct{}

func NewSQLiteRepositoryManager() *SQLiteRepositoryManager {
	return &SQLiteRepositoryManager{}
}

func (m *SQLiteRepositoryManager) Messages(db dbx.DBTX) messages.Repository {
	return messages.NewSQLiteRepository(db)
}

func (m *SQLiteRepositoryManager) Headers(db dbx.DBTX) headers.Repository {
	return headers.NewSQLiteRepository(db)
}

func (m *SQLiteRepositoryManager) Attachments(db dbx.DBTX) attachments.Repository {
	return attachments.NewSQLiteRepository(db)
}

func (m *SQLiteRepositoryManager) Receipts(db dbx.DBTX) receipts.Repository {
	return receipts.NewSQLiteRepository(db)
}

func (m *SQLiteRepositoryManager) Cleanups(db dbx.DBTX) cleanups.Repository {
	return cleanups.NewSQLiteRepository(db)
}
