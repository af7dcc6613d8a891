package transfer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/outboxd/internal/common"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/outbox"
	"github.com/dmitrijs2005/outboxd/internal/tasks"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

func messageUID(key models.MessageKey) string {
	return fmt.Sprintf("%x/%s", key.Owner.Bytes(), key.UID)
}

func (e *Engine) queueMessage(key models.MessageKey) {
	if e.api == nil {
		return
	}
	uid := messageUID(key)
	var t *tasks.Task
	t = tasks.New(KindMessage, uid,
		func(ctx context.Context) error { return e.sendMessage(ctx, t, key) },
		tasks.WithMinInterval(e.minInterval),
		tasks.WithCancelHook(func(r tasks.CancelReason) {
			e.serverTaskEnded(KindMessage+"/"+uid, r, func() { e.queueMessage(key) })
		}),
	)
	if err := e.server.Queue(t); err != nil {
		e.logger.Error(e.runContext(), "queue message", "message", key.String(), "error", err)
	}
}

func (e *Engine) queueReceipt(id int64) {
	if e.api == nil {
		return
	}
	uid := strconv.FormatInt(id, 10)
	var t *tasks.Task
	t = tasks.New(KindReceipt, uid,
		func(ctx context.Context) error { return e.sendReceipt(ctx, t, id) },
		tasks.WithMinInterval(e.minInterval),
		tasks.WithCancelHook(func(r tasks.CancelReason) {
			e.serverTaskEnded(KindReceipt+"/"+uid, r, func() { e.queueReceipt(id) })
		}),
	)
	if err := e.server.Queue(t); err != nil {
		e.logger.Error(e.runContext(), "queue receipt", "receipt", id, "error", err)
	}
}

func (e *Engine) serverTaskEnded(retryKey string, reason tasks.CancelReason, requeue func()) {
	switch reason {
	case ReasonRetry, tasks.ReasonExecutionFailed:
		if e.stopping() {
			return
		}
		e.serverRetries.Schedule(retryKey, requeue)
	}
}

func (e *Engine) sendMessage(ctx context.Context, t *tasks.Task, key models.MessageKey) error {
	m, err := e.svc.Message(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Acknowledged() {
		return nil
	}

	headers, err := e.svc.Headers(ctx, key)
	if err != nil {
		return err
	}
	atts, err := e.svc.Attachments(ctx, key)
	if err != nil {
		return err
	}
	upload := &transport.MessageUpload{Message: m, Headers: headers}
	for _, a := range atts {
		sz, err := outbox.Sizer(a)
		if err != nil {
			return fmt.Errorf("attachment %d: %w", a.Key.Number, err)
		}
		upload.Attachments = append(upload.Attachments, transport.AttachmentInfo{
			Number:           a.Key.Number,
			CiphertextLength: a.CiphertextLength(sz),
			ChunkCount:       a.ChunkCount(sz),
		})
	}

	ack, st := e.api.UploadMessage(ctx, upload)
	switch {
	case st == transport.StatusOK:
	case st.Terminal():
		e.logger.Error(ctx, "server rejected message, dropping it", "message", key.String(), "status", st.String())
		if err := e.svc.DeleteMessage(ctx, key); err != nil {
			return err
		}
		t.Cancel(ReasonTerminal)
		return nil
	default:
		e.logger.Info(ctx, "message upload failed", "message", key.String(), "status", st.String())
		t.Cancel(ReasonRetry)
		return nil
	}

	err = e.svc.AcknowledgeMessage(ctx, key, outbox.Ack{
		UIDFromServer: ack.UIDFromServer,
		Nonce:         ack.Nonce,
		Timestamp:     ack.Timestamp,
		ChunkURLs:     ack.ChunkURLs,
	})
	if err != nil {
		return err
	}
	e.serverRetries.ClearFailedCount(KindMessage + "/" + messageUID(key))
	e.logger.Debug(ctx, "message uploaded", "message", key.String(), "attachments", len(atts))

	if len(atts) == 0 {
		if _, err := e.svc.PruneIfFullySent(ctx, key); err != nil {
			e.logger.Warn(ctx, "prune message", "message", key.String(), "error", err)
		}
	}
	return nil
}

func (e *Engine) sendReceipt(ctx context.Context, t *tasks.Task, id int64) error {
	rr, err := e.svc.ReturnReceipt(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	st := e.api.UploadReturnReceipt(ctx, rr)
	if st != transport.StatusOK && !st.Terminal() {
		e.logger.Info(ctx, "receipt upload failed", "receipt", id, "status", st.String())
		t.Cancel(ReasonRetry)
		return nil
	}

	if err := e.svc.DeleteReturnReceipt(ctx, id); err != nil {
		return err
	}
	e.serverRetries.ClearFailedCount(KindReceipt + "/" + strconv.FormatInt(id, 10))
	if st.Terminal() {
		e.logger.Warn(ctx, "server rejected receipt, dropped it", "receipt", id, "status", st.String())
		t.Cancel(ReasonTerminal)
	}
	return nil
}
