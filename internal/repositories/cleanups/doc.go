// Package cleanups persists source files that must be removed because their
// attachment was sent with delete-after-send. A row outlives the message that
// produced it and is deleted once the file is gone.
package cleanups
