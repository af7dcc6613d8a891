package models

import "time"

// ReturnReceipt is a delivery or read receipt waiting to be sent.
// AttachmentNumber is nil when the receipt is about the message itself.
type ReturnReceipt struct {
	ID                int64
	Owner             Identity
	ContactIdentity   Identity
	ContactDeviceUIDs [][]byte
	Status            int
	Nonce             []byte
	Key               []byte
	AttachmentNumber  *int
	CreatedAt         time.Time
}
