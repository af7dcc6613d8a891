// Package models defines the persisted outbox entities and the pure
// arithmetic derived from them.
package models

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Identity is an opaque owned or contact identity. It is a string so keys
// built from it stay comparable.
type Identity string

func (i Identity) Bytes() []byte { return []byte(i) }

func (i Identity) String() string {
	s := hex.EncodeToString([]byte(i))
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// MessageKey identifies an outbox message.
type MessageKey struct {
	Owner Identity
	UID   uuid.UUID
}

func (k MessageKey) String() string {
	return k.Owner.String() + "/" + k.UID.String()
}

// AttachmentKey identifies one attachment of a message.
type AttachmentKey struct {
	MessageKey
	Number int
}

func (k AttachmentKey) String() string {
	return fmt.Sprintf("%s/%d", k.MessageKey, k.Number)
}
