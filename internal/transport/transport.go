// Package transport declares the network collaborators of the transfer
// engine: a client for signed chunk URLs and the server API that accepts
// messages and return receipts.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/models"
)

type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusInvalidSignedURL
	StatusServerConnectionError
	StatusGeneralError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusInvalidSignedURL:
		return "invalid_signed_url"
	case StatusServerConnectionError:
		return "server_connection_error"
	default:
		return "general_error"
	}
}

// ParseStatus is the inverse of String. Unknown names map to
// StatusGeneralError.
func ParseStatus(s string) Status {
	switch s {
	case "ok":
		return StatusOK
	case "not_found":
		return StatusNotFound
	case "invalid_signed_url":
		return StatusInvalidSignedURL
	case "server_connection_error":
		return StatusServerConnectionError
	default:
		return StatusGeneralError
	}
}

// Terminal reports whether retrying the same request cannot succeed.
func (s Status) Terminal() bool {
	return s == StatusNotFound || s == StatusInvalidSignedURL
}

// FromHTTP maps a response code of a signed-URL request. Object stores
// answer 403 for expired or tampered signatures.
func FromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == http.StatusNotFound:
		return StatusNotFound
	case code == http.StatusForbidden:
		return StatusInvalidSignedURL
	case code >= 500:
		return StatusServerConnectionError
	default:
		return StatusGeneralError
	}
}

// Progress reports bytes transferred so far out of total. total is -1 when
// unknown.
type Progress func(done, total int64)

type Client interface {
	Upload(ctx context.Context, url string, body []byte, progress Progress) Status
	Download(ctx context.Context, url string, progress Progress) ([]byte, Status)
}

// AttachmentInfo tells the server how many chunk URLs to issue.
type AttachmentInfo struct {
	Number           int
	CiphertextLength int64
	ChunkCount       int
}

type MessageUpload struct {
	Message     *models.OutboxMessage
	Headers     []models.MessageHeader
	Attachments []AttachmentInfo
}

// MessageAck is the server's answer to an accepted message.
type MessageAck struct {
	UIDFromServer []byte
	Nonce         []byte
	Timestamp     time.Time
	ChunkURLs     map[int][]string
}

type ServerAPI interface {
	UploadMessage(ctx context.Context, m *MessageUpload) (*MessageAck, Status)
	UploadReturnReceipt(ctx context.Context, r *models.ReturnReceipt) Status
}
