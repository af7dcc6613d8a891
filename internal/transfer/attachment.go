package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/outboxd/internal/common"
	"github.com/dmitrijs2005/outboxd/internal/cryptox"
	"github.com/dmitrijs2005/outboxd/internal/filex"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/outbox"
	"github.com/dmitrijs2005/outboxd/internal/tasks"
	"github.com/dmitrijs2005/outboxd/internal/telemetry"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

// attachmentUID is unique per attachment; AttachmentKey.String abbreviates
// the owner.
func attachmentUID(key models.AttachmentKey) string {
	return fmt.Sprintf("%x/%s/%d", key.Owner.Bytes(), key.UID, key.Number)
}

func retryKeyOf(key models.AttachmentKey) AttachmentRetryKey {
	return AttachmentRetryKey{MessageUID: key.UID, Number: key.Number}
}

func (e *Engine) requeueAttachment(key models.AttachmentKey) {
	ctx := e.runContext()
	a, err := e.svc.Attachment(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Error(ctx, "load attachment", "attachment", key.String(), "error", err)
		e.attachmentRetries.Schedule(retryKeyOf(key), func() { e.requeueAttachment(key) })
		return
	}
	e.queueAttachment(ctx, a)
}

// queueAttachment puts a priority task for a on the attachment queue. A
// pending cancel request is honoured right away.
func (e *Engine) queueAttachment(ctx context.Context, a *models.OutboxAttachment) {
	if a.Acknowledged {
		return
	}
	if a.CancelRequested {
		e.markCancelled(ctx, a.Key, "cancel requested")
		return
	}
	sz, err := outbox.Sizer(a)
	if err != nil {
		e.logger.Error(ctx, "unusable attachment key", "attachment", a.Key.String(), "error", err)
		e.markCancelled(ctx, a.Key, "unusable key")
		return
	}

	key := a.Key
	var t *tasks.PriorityTask
	t = tasks.NewPriority(KindAttachment, attachmentUID(key), a.Priority(sz),
		func(ctx context.Context) error { return e.sendAttachment(ctx, t.Task, key) },
		tasks.WithMinInterval(e.minInterval),
		tasks.WithCancelHook(func(r tasks.CancelReason) { e.attachmentEnded(key, r) }),
	)
	if err := e.attachments.Queue(t); err != nil {
		e.logger.Error(ctx, "queue attachment", "attachment", key.String(), "error", err)
		return
	}

	if cand, ok := e.attachments.PreemptionCandidate(); ok && t.Less(cand) {
		telemetry.PreemptionCandidates.Inc()
		e.logger.Info(ctx, "more urgent attachment waiting",
			"attachment", key.String(), "priority", t.Priority(),
			"running", cand.String(), "running_priority", cand.Priority())
	}
}

func (e *Engine) attachmentEnded(key models.AttachmentKey, reason tasks.CancelReason) {
	switch reason {
	case ReasonRetry, tasks.ReasonExecutionFailed:
		if e.stopping() {
			return
		}
		e.attachmentRetries.Schedule(retryKeyOf(key), func() { e.requeueAttachment(key) })
	}
}

// sendAttachment uploads the chunks not acknowledged yet, one after another,
// persisting progress after each.
func (e *Engine) sendAttachment(ctx context.Context, t *tasks.Task, key models.AttachmentKey) error {
	a, err := e.svc.Attachment(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Acknowledged {
		return nil
	}

	scheme, err := cryptox.ForKey(a.EncryptionKey)
	if err != nil {
		e.logger.Error(ctx, "unusable attachment key", "attachment", key.String(), "error", err)
		e.markCancelled(ctx, key, "unusable key")
		t.Cancel(ReasonTerminal)
		return nil
	}
	total := a.ChunkCount(scheme)
	clear := a.CleartextChunkLength(scheme)
	logger := e.logger.With("attachment", key.String())
	if id, ok := tasks.Worker(ctx); ok {
		logger = logger.With("worker", id)
	}

	for i := a.AcknowledgedChunkCount; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, err := e.svc.Attachment(ctx, key)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil
			}
			return err
		}
		if cur.CancelRequested {
			e.markCancelled(ctx, key, "cancel requested")
			t.Cancel(ReasonTerminal)
			return nil
		}

		url, ok := a.ChunkURL(i)
		if !ok {
			logger.Warn(ctx, "no upload url for chunk", "chunk", i)
			e.markCancelled(ctx, key, "missing upload url")
			t.Cancel(ReasonTerminal)
			return nil
		}

		off, n := models.ChunkRange(a.Length, clear, i)
		plain, err := filex.ReadChunk(a.Path, off, n)
		if err != nil {
			logger.Error(ctx, "read source", "chunk", i, "error", err)
			e.markCancelled(ctx, key, "source unreadable")
			t.Cancel(ReasonTerminal)
			return nil
		}
		sealed, err := scheme.Seal(plain)
		cryptox.Wipe(plain)
		if err != nil {
			return fmt.Errorf("seal chunk %d: %w", i, err)
		}

		st := e.client.Upload(ctx, url, sealed, nil)
		switch {
		case st == transport.StatusOK:
		case st.Terminal():
			logger.Warn(ctx, "chunk rejected", "chunk", i, "status", st.String())
			e.markCancelled(ctx, key, st.String())
			t.Cancel(ReasonTerminal)
			return nil
		default:
			logger.Info(ctx, "chunk upload failed", "chunk", i, "status", st.String())
			t.Cancel(ReasonRetry)
			return nil
		}

		if err := e.svc.SetAcknowledgedChunkCount(ctx, key, i+1); err != nil {
			return err
		}
		telemetry.ChunksUploaded.Inc()
		telemetry.BytesUploaded.Add(float64(len(sealed)))
		logger.Debug(ctx, "chunk uploaded", "chunk", i+1, "of", total)
	}

	e.attachmentRetries.ClearFailedCount(retryKeyOf(key))
	if _, err := e.svc.PruneIfFullySent(ctx, key.MessageKey); err != nil {
		logger.Warn(ctx, "prune message", "error", err)
	}
	return nil
}

func (e *Engine) markCancelled(ctx context.Context, key models.AttachmentKey, why string) {
	if err := e.svc.MarkCancelled(ctx, key); err != nil {
		e.logger.Error(ctx, "mark attachment cancelled", "attachment", key.String(), "error", err)
		return
	}
	e.logger.Info(ctx, "attachment cancelled", "attachment", key.String(), "reason", why)
	if _, err := e.svc.PruneIfFullySent(ctx, key.MessageKey); err != nil {
		e.logger.Warn(ctx, "prune message", "message", key.MessageKey.String(), "error", err)
	}
}
