// Package outbox implements the state machines of outbox messages,
// attachments and return receipts on top of the transactional store.
//
// Every mutating method runs in its own transaction. Notifications are
// registered as commit effects, so subscribers only ever hear about changes
// that are durable, and at most once per change:
//
//	message:    created → acknowledged (server UID stored)
//	attachment: 0 chunks → progressing → acknowledged
//	            (cancel requested → acknowledged via MarkCancelled)
//	receipt:    created → deleted once delivered
package outbox
