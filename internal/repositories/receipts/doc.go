// Package receipts persists return receipts waiting to be sent. Receipts have
// an auto-increment id and are deleted once delivered.
package receipts
