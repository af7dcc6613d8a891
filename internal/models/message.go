package models

import "time"

type OutboxMessage struct {
	Key                      MessageKey
	Server                   string
	EncryptedContent         []byte
	EncryptedExtendedContent []byte
	IsApplicationMessage     bool
	IsVoipMessage            bool
	CreatedAt                time.Time

	// Set once the server acknowledged the upload.
	UIDFromServer       []byte
	Nonce               []byte
	TimestampFromServer time.Time
}

func (m *OutboxMessage) Acknowledged() bool { return len(m.UIDFromServer) > 0 }

// MessageHeader carries the message key wrapped for one recipient device.
type MessageHeader struct {
	Message    MessageKey
	DeviceUID  []byte
	ToIdentity Identity
	WrappedKey []byte
}
