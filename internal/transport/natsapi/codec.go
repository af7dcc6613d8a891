package natsapi

import (
	"time"

	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

type headerJSON struct {
	DeviceUID  []byte `json:"device_uid"`
	ToIdentity []byte `json:"to_identity"`
	WrappedKey []byte `json:"wrapped_key"`
}

type attachmentJSON struct {
	Number           int   `json:"number"`
	CiphertextLength int64 `json:"ciphertext_length"`
	ChunkCount       int   `json:"chunk_count"`
}

type messageRequest struct {
	Owner                    []byte           `json:"owner"`
	UID                      string           `json:"uid"`
	Server                   string           `json:"server"`
	EncryptedContent         []byte           `json:"encrypted_content"`
	EncryptedExtendedContent []byte           `json:"encrypted_extended_content,omitempty"`
	IsApplicationMessage     bool             `json:"is_application_message"`
	IsVoipMessage            bool             `json:"is_voip_message"`
	Headers                  []headerJSON     `json:"headers"`
	Attachments              []attachmentJSON `json:"attachments"`
}

type messageReply struct {
	Status      string           `json:"status"`
	Error       string           `json:"error,omitempty"`
	UID         []byte           `json:"uid_from_server"`
	Nonce       []byte           `json:"nonce"`
	TimestampMs int64            `json:"timestamp_ms"`
	ChunkURLs   map[int][]string `json:"chunk_urls,omitempty"`
}

type receiptRequest struct {
	Owner             []byte   `json:"owner"`
	ContactIdentity   []byte   `json:"contact_identity"`
	ContactDeviceUIDs [][]byte `json:"contact_device_uids"`
	Status            int      `json:"status"`
	Nonce             []byte   `json:"nonce"`
	Key               []byte   `json:"key"`
	AttachmentNumber  *int     `json:"attachment_number,omitempty"`
}

type statusReply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func encodeMessage(m *transport.MessageUpload) messageRequest {
	msg := m.Message
	req := messageRequest{
		Owner:                    msg.Key.Owner.Bytes(),
		UID:                      msg.Key.UID.String(),
		Server:                   msg.Server,
		EncryptedContent:         msg.EncryptedContent,
		EncryptedExtendedContent: msg.EncryptedExtendedContent,
		IsApplicationMessage:     msg.IsApplicationMessage,
		IsVoipMessage:            msg.IsVoipMessage,
		Headers:                  make([]headerJSON, 0, len(m.Headers)),
		Attachments:              make([]attachmentJSON, 0, len(m.Attachments)),
	}
	for _, h := range m.Headers {
		req.Headers = append(req.Headers, headerJSON{
			DeviceUID:  h.DeviceUID,
			ToIdentity: h.ToIdentity.Bytes(),
			WrappedKey: h.WrappedKey,
		})
	}
	for _, a := range m.Attachments {
		req.Attachments = append(req.Attachments, attachmentJSON(a))
	}
	return req
}

func (r *messageReply) ack() *transport.MessageAck {
	return &transport.MessageAck{
		UIDFromServer: r.UID,
		Nonce:         r.Nonce,
		Timestamp:     time.UnixMilli(r.TimestampMs),
		ChunkURLs:     r.ChunkURLs,
	}
}

func encodeReceipt(rr *models.ReturnReceipt) receiptRequest {
	return receiptRequest{
		Owner:             rr.Owner.Bytes(),
		ContactIdentity:   rr.ContactIdentity.Bytes(),
		ContactDeviceUIDs: rr.ContactDeviceUIDs,
		Status:            rr.Status,
		Nonce:             rr.Nonce,
		Key:               rr.Key,
		AttachmentNumber:  rr.AttachmentNumber,
	}
}
