// Package backoff paces retries of keyed work.
//
// A Scheduler keeps, per key, a failure streak and at most one pending
// invocation. Schedule runs work after base << min(streak, 32) multiplied by a
// random factor in [1, 2); ClearFailedCount resets the streak after a success.
// RetryAll is meant for connectivity changes: it fires everything that is
// waiting right away and forgets all streaks.
package backoff
