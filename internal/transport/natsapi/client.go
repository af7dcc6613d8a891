// Package natsapi talks to the message server over NATS request/reply.
// Requests and replies are JSON; byte fields are base64 encoded.
package natsapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

const (
	SubjectUploadMessage = "server.message.upload"
	SubjectUploadReceipt = "server.receipt.upload"
)

// Requester is the part of *nats.Conn the client uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

type Client struct {
	nc     Requester
	prefix string
	logger logging.Logger
}

func New(nc Requester, prefix string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

func (c *Client) subject(s string) string {
	if c.prefix == "" {
		return s
	}
	return c.prefix + "." + s
}

func (c *Client) UploadMessage(ctx context.Context, m *transport.MessageUpload) (*transport.MessageAck, transport.Status) {
	var reply messageReply
	if st := c.request(ctx, SubjectUploadMessage, encodeMessage(m), &reply); st != transport.StatusOK {
		return nil, st
	}
	if st := c.replyStatus(ctx, reply.Status, reply.Error); st != transport.StatusOK {
		return nil, st
	}
	if len(reply.UID) == 0 {
		c.logger.Warn(ctx, "server reply without uid", "message", m.Message.Key.String())
		return nil, transport.StatusGeneralError
	}
	return reply.ack(), transport.StatusOK
}

func (c *Client) UploadReturnReceipt(ctx context.Context, rr *models.ReturnReceipt) transport.Status {
	var reply statusReply
	if st := c.request(ctx, SubjectUploadReceipt, encodeReceipt(rr), &reply); st != transport.StatusOK {
		return st
	}
	return c.replyStatus(ctx, reply.Status, reply.Error)
}

func (c *Client) request(ctx context.Context, subj string, req, reply any) transport.Status {
	data, err := json.Marshal(req)
	if err != nil {
		c.logger.Error(ctx, "encode request", "subject", subj, "error", err)
		return transport.StatusGeneralError
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject(subj), data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return transport.StatusGeneralError
		}
		c.logger.Warn(ctx, "server request failed", "subject", subj, "error", err)
		return transport.StatusServerConnectionError
	}

	if err := json.Unmarshal(msg.Data, reply); err != nil {
		c.logger.Warn(ctx, "decode reply", "subject", subj, "error", err)
		return transport.StatusGeneralError
	}
	return transport.StatusOK
}

func (c *Client) replyStatus(ctx context.Context, status, msg string) transport.Status {
	st := transport.ParseStatus(status)
	if st != transport.StatusOK {
		c.logger.Warn(ctx, "server rejected request", "status", status, "error", msg)
	}
	return st
}
