// Package attachments persists outbox attachments and their upload progress.
//
// Progress updates are conditional UPDATEs so that concurrent writers can
// never move the acknowledged chunk count backwards, and the acknowledged and
// cancel flags can only be set once. Each mutating method reports whether it
// changed a row, which callers use to raise notifications exactly once.
//
// Chunk upload URLs are stored as a JSON array.
package attachments
