// Package common defines sentinel errors shared by the persistence and
// transfer layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Entity state errors.
	ErrInvalidChunkCount = errors.New("invalid chunk count")
)
