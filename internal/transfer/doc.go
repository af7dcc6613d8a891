// Package transfer turns outbox state into queued tasks and drives them
// through the transport: messages and return receipts go to the server API,
// attachments are sealed and uploaded chunk by chunk, most nearly finished
// first.
//
// The engine resumes from the store on start, then follows the events the
// outbox service raises after each commit. Transient transport failures are
// retried with per-key exponential backoff; terminal rejections end the
// attachment as cancelled.
package transfer
