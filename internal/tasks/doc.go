// Package tasks is the scheduling framework every background pipeline of the
// outbox runs on.
//
// A Task is a unit of work with ordered dependencies, a monotonic state
// (NotQueued → Pending → Ready → Executing → Finished | Cancelled) and a
// latched cancellation reason. Task bodies receive a context that is cancelled
// when the task is cancelled; they are expected to check it between steps.
//
// Three queue flavours pull ready tasks and run them on a fixed set of worker
// goroutines:
//
//   - Queue: plain FIFO (NewPersistentQueue polls with an idle wait instead of
//     blocking).
//   - DedupQueue: FIFO that refuses a task whose (kind, uid) is already queued
//     or executing.
//   - PriorityQueue: deduplicating, always serves the lowest priority value
//     first, and can name a preemption candidate.
//
// Queues only accept tasks without dependencies; callers sequence dependent
// work themselves.
package tasks
