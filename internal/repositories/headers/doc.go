// Package headers persists the per-device wrapped keys of outbox messages.
// Rows are removed with their message by the foreign key cascade.
package headers
