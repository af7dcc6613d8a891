// Package messages persists outbox messages.
//
// The SQLite implementation runs over a dbx.DBTX, so the same repository value
// works on a plain *sql.DB, a *sql.Tx or a dbx.Session inside a transaction.
// Deleting a message cascades to its headers and attachments through the
// foreign keys declared in the migrations.
//
// Timestamps are stored as Unix milliseconds.
package messages
