package outbox

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/outboxd/internal/cryptox"
	"github.com/dmitrijs2005/outboxd/internal/models"
)

// NewMessage describes a message to put in the outbox. A zero UID is replaced
// by a random one.
type NewMessage struct {
	Owner                    models.Identity
	UID                      uuid.UUID
	Server                   string
	EncryptedContent         []byte
	EncryptedExtendedContent []byte
	IsApplicationMessage     bool
	IsVoipMessage            bool
	Headers                  []NewHeader
	Attachments              []NewAttachment
}

type NewHeader struct {
	DeviceUID  []byte
	ToIdentity models.Identity
	WrappedKey []byte
}

// NewAttachment is numbered by its position in NewMessage.Attachments. A nil
// Key gets a fresh key of Algorithm.
type NewAttachment struct {
	Path            string
	Length          int64
	Key             []byte
	Algorithm       cryptox.Algorithm
	DeleteAfterSend bool
}

// Ack is the server's answer to a message upload. ChunkURLs maps attachment
// numbers to one upload URL per chunk.
type Ack struct {
	UIDFromServer []byte
	Nonce         []byte
	Timestamp     time.Time
	ChunkURLs     map[int][]string
}

type NewReceipt struct {
	Owner             models.Identity
	ContactIdentity   models.Identity
	ContactDeviceUIDs [][]byte
	Status            int
	Nonce             []byte
	Key               []byte
	AttachmentNumber  *int
}
