package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/outboxd/internal/common"
	"github.com/dmitrijs2005/outboxd/internal/cryptox"
	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/notify"
	"github.com/dmitrijs2005/outboxd/internal/repositories/repomanager"
)

const (
	DefaultChunkCleartextLength = 2 << 20
	DefaultMaxChunkCount        = 1024
)

type Service struct {
	store  *dbx.Store
	repos  repomanager.RepositoryManager
	sink   notify.Sink
	logger logging.Logger

	chunkLength int64
	maxChunks   int
	now         func() time.Time
}

type Option func(*Service)

func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithChunking sets the preferred cleartext chunk length of new attachments
// and the chunk count above which the chunk length grows.
func WithChunking(cleartextLength int64, maxChunks int) Option {
	return func(s *Service) {
		s.chunkLength = cleartextLength
		s.maxChunks = maxChunks
	}
}

func WithRepositories(m repomanager.RepositoryManager) Option {
	return func(s *Service) { s.repos = m }
}

func New(store *dbx.Store, sink notify.Sink, opts ...Option) *Service {
	s := &Service{
		store:       store,
		repos:       repomanager.NewSQLiteRepositoryManager(),
		sink:        sink,
		logger:      logging.Nop(),
		chunkLength: DefaultChunkCleartextLength,
		maxChunks:   DefaultMaxChunkCount,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = notify.Multi{}
	}
	return s
}

// effectKey makes a notification fire once per entity and event within one
// transaction.
type effectKey struct {
	event string
	key   any
}

func (s *Service) post(sess *dbx.Session, event string, key any, attrs map[string]any) {
	sess.AfterCommit(effectKey{event: event, key: key}, func() {
		s.sink.Post(event, attrs)
	})
}

// Sizer returns the sizing oracle of an attachment key.
func Sizer(a *models.OutboxAttachment) (models.Sizer, error) {
	return cryptox.ForKey(a.EncryptionKey)
}

func (s *Service) CreateMessage(ctx context.Context, nm NewMessage) (*models.OutboxMessage, error) {
	if nm.UID == uuid.Nil {
		nm.UID = uuid.New()
	}
	msg := &models.OutboxMessage{
		Key:                      models.MessageKey{Owner: nm.Owner, UID: nm.UID},
		Server:                   nm.Server,
		EncryptedContent:         nm.EncryptedContent,
		EncryptedExtendedContent: nm.EncryptedExtendedContent,
		IsApplicationMessage:     nm.IsApplicationMessage,
		IsVoipMessage:            nm.IsVoipMessage,
		CreatedAt:                s.now().Truncate(time.Millisecond),
	}

	atts := make([]*models.OutboxAttachment, 0, len(nm.Attachments))
	for i, na := range nm.Attachments {
		a, err := s.newAttachment(msg.Key, i, na)
		if err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}

	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		if err := s.repos.Messages(tx).Insert(ctx, msg); err != nil {
			return err
		}
		hr := s.repos.Headers(tx)
		for _, h := range nm.Headers {
			err := hr.Insert(ctx, &models.MessageHeader{
				Message:    msg.Key,
				DeviceUID:  h.DeviceUID,
				ToIdentity: h.ToIdentity,
				WrappedKey: h.WrappedKey,
			})
			if err != nil {
				return err
			}
		}
		ar := s.repos.Attachments(tx)
		for _, a := range atts {
			if err := ar.Insert(ctx, a); err != nil {
				return err
			}
		}
		s.post(tx, notify.EventNewMessageToUpload, msg.Key, map[string]any{notify.AttrMessage: msg.Key})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.logger.Debug(ctx, "message queued", "message", msg.Key.String(), "attachments", len(atts))
	return msg, nil
}

func (s *Service) newAttachment(msg models.MessageKey, number int, na NewAttachment) (*models.OutboxAttachment, error) {
	key := na.Key
	if key == nil {
		k, err := cryptox.NewKey(na.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("attachment %d key: %w", number, err)
		}
		key = k
	}
	scheme, err := cryptox.ForKey(key)
	if err != nil {
		return nil, fmt.Errorf("attachment %d key: %w", number, err)
	}

	clear := models.ChunkCleartextLength(na.Length, s.chunkLength, s.maxChunks)
	return &models.OutboxAttachment{
		Key:                   models.AttachmentKey{MessageKey: msg, Number: number},
		Path:                  na.Path,
		DeleteAfterSend:       na.DeleteAfterSend,
		Length:                na.Length,
		EncryptionKey:         key,
		CiphertextChunkLength: scheme.CiphertextLength(clear),
	}, nil
}

// AcknowledgeMessage records the server's acknowledgment. Acknowledging an
// already acknowledged message does nothing.
func (s *Service) AcknowledgeMessage(ctx context.Context, key models.MessageKey, ack Ack) error {
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		mr := s.repos.Messages(tx)
		changed, err := mr.Acknowledge(ctx, key, ack.UIDFromServer, ack.Nonce, ack.Timestamp)
		if err != nil {
			return err
		}
		if !changed {
			// missing or already acknowledged
			_, err := mr.Get(ctx, key)
			return err
		}

		ar := s.repos.Attachments(tx)
		atts, err := ar.ListByMessage(ctx, key)
		if err != nil {
			return err
		}
		for _, a := range atts {
			if urls, ok := ack.ChunkURLs[a.Key.Number]; ok {
				sz, err := Sizer(a)
				if err != nil {
					return err
				}
				if len(urls) != a.ChunkCount(sz) {
					return fmt.Errorf("%w: attachment %d has %d chunks, got %d urls",
						common.ErrInvalidChunkCount, a.Key.Number, a.ChunkCount(sz), len(urls))
				}
				if err := ar.SetChunkUploadURLs(ctx, a.Key, urls); err != nil {
					return err
				}
			}
			if !a.Acknowledged {
				s.post(tx, notify.EventAttachmentCanBeSent, a.Key, map[string]any{notify.AttrAttachment: a.Key})
			}
		}

		s.post(tx, notify.EventMessageUploaded, key, map[string]any{
			notify.AttrMessage:       key,
			notify.AttrUIDFromServer: ack.UIDFromServer,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledge message %s: %w", key, err)
	}
	return nil
}

// SetAcknowledgedChunkCount records upload progress. Lower or equal counts
// are ignored; reaching the chunk count acknowledges the attachment and, for
// delete-after-send attachments, records the source file for removal.
func (s *Service) SetAcknowledgedChunkCount(ctx context.Context, key models.AttachmentKey, n int) error {
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		ar := s.repos.Attachments(tx)
		a, err := ar.Get(ctx, key)
		if err != nil {
			return err
		}
		sz, err := Sizer(a)
		if err != nil {
			return err
		}
		total := a.ChunkCount(sz)
		if n < 0 || n > total {
			return fmt.Errorf("%w: %d of %d", common.ErrInvalidChunkCount, n, total)
		}
		if a.Acknowledged {
			return nil
		}

		advanced, err := ar.AdvanceAcknowledgedChunkCount(ctx, key, n)
		if err != nil {
			return err
		}
		if advanced {
			s.post(tx, notify.EventAttachmentUploadProgress, key, map[string]any{
				notify.AttrAttachment:  key,
				notify.AttrChunks:      n,
				notify.AttrTotalChunks: total,
			})
		}
		if n < total {
			return nil
		}

		finished, err := ar.MarkAcknowledged(ctx, key)
		if err != nil {
			return err
		}
		if !finished {
			return nil
		}
		s.post(tx, notify.EventAttachmentUploaded, key, map[string]any{notify.AttrAttachment: key})
		if a.DeleteAfterSend {
			if err := s.repos.Cleanups(tx).Insert(ctx, a.Path, s.now()); err != nil {
				return err
			}
			s.post(tx, notify.EventSourceCleanupPending, a.Path, map[string]any{notify.AttrPath: a.Path})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set chunk count of %s: %w", key, err)
	}
	return nil
}

// RequestCancel latches the cancel flag. It reports false when the attachment
// is already acknowledged or the flag was set before.
func (s *Service) RequestCancel(ctx context.Context, key models.AttachmentKey) (bool, error) {
	var latched bool
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		ar := s.repos.Attachments(tx)
		ok, err := ar.RequestCancel(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			_, err := ar.Get(ctx, key)
			return err
		}
		latched = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("request cancel of %s: %w", key, err)
	}
	return latched, nil
}

// MarkCancelled ends an attachment whose upload was cancelled or rejected for
// good. The attachment counts as acknowledged afterwards.
func (s *Service) MarkCancelled(ctx context.Context, key models.AttachmentKey) error {
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		ok, err := s.repos.Attachments(tx).MarkAcknowledged(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			s.post(tx, notify.EventAttachmentUploadCancelled, key, map[string]any{notify.AttrAttachment: key})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark cancelled %s: %w", key, err)
	}
	return nil
}

func (s *Service) CreateReturnReceipt(ctx context.Context, nr NewReceipt) (*models.ReturnReceipt, error) {
	rr := &models.ReturnReceipt{
		Owner:             nr.Owner,
		ContactIdentity:   nr.ContactIdentity,
		ContactDeviceUIDs: nr.ContactDeviceUIDs,
		Status:            nr.Status,
		Nonce:             nr.Nonce,
		Key:               nr.Key,
		AttachmentNumber:  nr.AttachmentNumber,
		CreatedAt:         s.now().Truncate(time.Millisecond),
	}
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		if err := s.repos.Receipts(tx).Insert(ctx, rr); err != nil {
			return err
		}
		s.post(tx, notify.EventNewReturnReceipt, rr.ID, map[string]any{notify.AttrReceipt: rr.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create return receipt: %w", err)
	}
	return rr, nil
}

func (s *Service) DeleteReturnReceipt(ctx context.Context, id int64) error {
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		_, err := s.repos.Receipts(tx).Delete(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete return receipt %d: %w", id, err)
	}
	return nil
}

// DeleteMessage removes a message with its headers and attachments.
func (s *Service) DeleteMessage(ctx context.Context, key models.MessageKey) error {
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		ok, err := s.repos.Messages(tx).Delete(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			s.post(tx, notify.EventMessageDeleted, key, map[string]any{notify.AttrMessage: key})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", key, err)
	}
	return nil
}

// PruneIfFullySent deletes the message once it and every attachment are
// acknowledged. It reports whether the message was deleted.
func (s *Service) PruneIfFullySent(ctx context.Context, key models.MessageKey) (bool, error) {
	var pruned bool
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		mr := s.repos.Messages(tx)
		m, err := mr.Get(ctx, key)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !m.Acknowledged() {
			return nil
		}
		atts, err := s.repos.Attachments(tx).ListByMessage(ctx, key)
		if err != nil {
			return err
		}
		for _, a := range atts {
			if !a.Acknowledged {
				return nil
			}
		}
		if pruned, err = mr.Delete(ctx, key); err != nil {
			return err
		}
		if pruned {
			s.post(tx, notify.EventMessageDeleted, key, map[string]any{notify.AttrMessage: key})
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("prune message %s: %w", key, err)
	}
	return pruned, nil
}

// CompleteCleanup forgets a source file once it has been removed.
func (s *Service) CompleteCleanup(ctx context.Context, path string) error {
	err := dbx.WithTx(ctx, s.store, func(ctx context.Context, tx *dbx.Session) error {
		_, err := s.repos.Cleanups(tx).Delete(ctx, path)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete cleanup: %w", err)
	}
	return nil
}
