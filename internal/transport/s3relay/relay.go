// Package s3relay is a server API for deployments without a message server.
// Messages and receipts are stored as JSON objects in an S3-compatible bucket
// and attachment chunks get presigned PUT URLs into the same bucket.
package s3relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

type Config struct {
	Endpoint    string
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	URLExpiry   time.Duration
	MaxAttempts int
}

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type presigner interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

var (
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = s3.NewFromConfig
)

type Relay struct {
	cfg     Config
	client  putter
	presign presigner
	logger  logging.Logger
	now     func() time.Time
}

func New(ctx context.Context, cfg Config, logger logging.Logger) (*Relay, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 24 * time.Hour
	}

	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if cfg.MaxAttempts > 0 {
			o.RetryMaxAttempts = cfg.MaxAttempts
		}
	})

	return &Relay{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		logger:  logger.With("bucket", cfg.Bucket),
		now:     time.Now,
	}, nil
}

func MessageObjectKey(key models.MessageKey) string {
	return fmt.Sprintf("messages/%s/%s.json", hex.EncodeToString(key.Owner.Bytes()), key.UID)
}

func ChunkObjectKey(key models.MessageKey, number, chunk int) string {
	return fmt.Sprintf("attachments/%s/%s/%d/%d", hex.EncodeToString(key.Owner.Bytes()), key.UID, number, chunk)
}

func ReceiptObjectKey(rr *models.ReturnReceipt) string {
	return fmt.Sprintf("receipts/%s/%d-%d.json", hex.EncodeToString(rr.Owner.Bytes()), rr.CreatedAt.UnixMilli(), rr.ID)
}

// UploadMessage stores the message and presigns one URL per attachment
// chunk. The relay plays the server, so it also mints the server UID.
func (r *Relay) UploadMessage(ctx context.Context, m *transport.MessageUpload) (*transport.MessageAck, transport.Status) {
	msg := m.Message
	serverUID := uuid.New()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		r.logger.Error(ctx, "nonce", "error", err)
		return nil, transport.StatusGeneralError
	}
	ts := r.now().Truncate(time.Millisecond)

	obj := messageObject{
		Owner:                    msg.Key.Owner.Bytes(),
		UID:                      msg.Key.UID.String(),
		UIDFromServer:            serverUID[:],
		Server:                   msg.Server,
		EncryptedContent:         msg.EncryptedContent,
		EncryptedExtendedContent: msg.EncryptedExtendedContent,
		IsApplicationMessage:     msg.IsApplicationMessage,
		IsVoipMessage:            msg.IsVoipMessage,
		TimestampMs:              ts.UnixMilli(),
	}
	for _, h := range m.Headers {
		obj.Headers = append(obj.Headers, headerObject{DeviceUID: h.DeviceUID, ToIdentity: h.ToIdentity.Bytes(), WrappedKey: h.WrappedKey})
	}

	urls := make(map[int][]string, len(m.Attachments))
	for _, a := range m.Attachments {
		ao := attachmentObject{Number: a.Number, CiphertextLength: a.CiphertextLength}
		for i := 0; i < a.ChunkCount; i++ {
			key := ChunkObjectKey(msg.Key, a.Number, i)
			req, err := r.presign.PresignPutObject(ctx, &s3.PutObjectInput{
				Bucket: aws.String(r.cfg.Bucket),
				Key:    aws.String(key),
			}, s3.WithPresignExpires(r.cfg.URLExpiry))
			if err != nil {
				r.logger.Error(ctx, "presign chunk", "key", key, "error", err)
				return nil, transport.StatusGeneralError
			}
			urls[a.Number] = append(urls[a.Number], req.URL)
			ao.ChunkKeys = append(ao.ChunkKeys, key)
		}
		obj.Attachments = append(obj.Attachments, ao)
	}

	if st := r.put(ctx, MessageObjectKey(msg.Key), obj); st != transport.StatusOK {
		return nil, st
	}
	return &transport.MessageAck{
		UIDFromServer: serverUID[:],
		Nonce:         nonce,
		Timestamp:     ts,
		ChunkURLs:     urls,
	}, transport.StatusOK
}

func (r *Relay) UploadReturnReceipt(ctx context.Context, rr *models.ReturnReceipt) transport.Status {
	return r.put(ctx, ReceiptObjectKey(rr), receiptObject{
		Owner:             rr.Owner.Bytes(),
		ContactIdentity:   rr.ContactIdentity.Bytes(),
		ContactDeviceUIDs: rr.ContactDeviceUIDs,
		Status:            rr.Status,
		Nonce:             rr.Nonce,
		Key:               rr.Key,
		AttachmentNumber:  rr.AttachmentNumber,
	})
}

func (r *Relay) put(ctx context.Context, key string, v any) transport.Status {
	body, err := json.Marshal(v)
	if err != nil {
		r.logger.Error(ctx, "encode object", "key", key, "error", err)
		return transport.StatusGeneralError
	}
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		st := classify(err)
		r.logger.Warn(ctx, "put object", "key", key, "status", st.String(), "error", err)
		return st
	}
	return transport.StatusOK
}

// classify never returns a terminal status.
func classify(err error) transport.Status {
	if errors.Is(err, context.Canceled) {
		return transport.StatusGeneralError
	}
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) && re.HTTPStatusCode() < 500 {
		return transport.StatusGeneralError
	}
	return transport.StatusServerConnectionError
}

type headerObject struct {
	DeviceUID  []byte `json:"device_uid"`
	ToIdentity []byte `json:"to_identity"`
	WrappedKey []byte `json:"wrapped_key"`
}

type attachmentObject struct {
	Number           int      `json:"number"`
	CiphertextLength int64    `json:"ciphertext_length"`
	ChunkKeys        []string `json:"chunk_keys"`
}

type messageObject struct {
	Owner                    []byte             `json:"owner"`
	UID                      string             `json:"uid"`
	UIDFromServer            []byte             `json:"uid_from_server"`
	Server                   string             `json:"server"`
	EncryptedContent         []byte             `json:"encrypted_content"`
	EncryptedExtendedContent []byte             `json:"encrypted_extended_content,omitempty"`
	IsApplicationMessage     bool               `json:"is_application_message"`
	IsVoipMessage            bool               `json:"is_voip_message"`
	TimestampMs              int64              `json:"timestamp_ms"`
	Headers                  []headerObject     `json:"headers"`
	Attachments              []attachmentObject `json:"attachments"`
}

type receiptObject struct {
	Owner             []byte   `json:"owner"`
	ContactIdentity   []byte   `json:"contact_identity"`
	ContactDeviceUIDs [][]byte `json:"contact_device_uids"`
	Status            int      `json:"status"`
	Nonce             []byte   `json:"nonce"`
	Key               []byte   `json:"key"`
	AttachmentNumber  *int     `json:"attachment_number,omitempty"`
}
