package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/outboxd/internal/backoff"
	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/notify"
	"github.com/dmitrijs2005/outboxd/internal/outbox"
	"github.com/dmitrijs2005/outboxd/internal/tasks"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

// Task kinds.
const (
	KindAttachment = "attachment"
	KindMessage    = "message"
	KindReceipt    = "receipt"
	KindCleanup    = "cleanup"
)

// Cancel reasons set by task bodies.
const (
	// ReasonRetry ends a task after a transient failure; it is queued again
	// after a backoff delay.
	ReasonRetry tasks.CancelReason = iota + 1
	// ReasonTerminal ends a task whose work can never succeed.
	ReasonTerminal
)

var ErrAlreadyStarted = errors.New("engine already started")

// AttachmentRetryKey scopes the backoff of one attachment.
type AttachmentRetryKey struct {
	MessageUID uuid.UUID
	Number     int
}

type Engine struct {
	svc    *outbox.Service
	bus    *notify.Bus
	client transport.Client
	api    transport.ServerAPI
	logger logging.Logger

	attachmentWorkers int
	serverWorkers     int
	minInterval       time.Duration
	backoffBase       time.Duration
	cleanupIdle       time.Duration

	attachments *tasks.PriorityQueue
	server      *tasks.DedupQueue
	cleanup     *tasks.Queue

	attachmentRetries *backoff.Scheduler[AttachmentRetryKey]
	serverRetries     *backoff.Scheduler[string]
	cleanupRetries    *backoff.Scheduler[string]

	mu          sync.Mutex
	ctx         context.Context
	started     bool
	unsubscribe []func()
}

type Option func(*Engine)

func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithServerAPI sets the collaborator for messages and receipts. Without it
// only attachments of already acknowledged messages are sent.
func WithServerAPI(api transport.ServerAPI) Option {
	return func(e *Engine) { e.api = api }
}

func WithWorkers(attachments, server int) Option {
	return func(e *Engine) {
		e.attachmentWorkers = attachments
		e.serverWorkers = server
	}
}

func WithBackoffBase(d time.Duration) Option {
	return func(e *Engine) { e.backoffBase = d }
}

// WithMinInterval spaces out consecutive executions of the same task.
func WithMinInterval(d time.Duration) Option {
	return func(e *Engine) { e.minInterval = d }
}

func New(svc *outbox.Service, bus *notify.Bus, client transport.Client, opts ...Option) *Engine {
	e := &Engine{
		svc:               svc,
		bus:               bus,
		client:            client,
		logger:            logging.Nop(),
		attachmentWorkers: 4,
		serverWorkers:     2,
		backoffBase:       250 * time.Millisecond,
		cleanupIdle:       250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.attachments = tasks.NewPriorityQueue("attachments", tasks.WithLogger(e.logger))
	e.server = tasks.NewDedupQueue("server", tasks.WithLogger(e.logger))
	e.cleanup = tasks.NewPersistentQueue("cleanup", e.cleanupIdle, tasks.WithLogger(e.logger), tasks.WithDeduplication())
	e.attachmentRetries = backoff.New[AttachmentRetryKey]("attachments", e.backoffBase, e.logger)
	e.serverRetries = backoff.New[string]("server", e.backoffBase, e.logger)
	e.cleanupRetries = backoff.New[string]("cleanup", e.backoffBase, e.logger)
	return e
}

// Start subscribes to outbox events, queues everything left over from a
// previous run and starts the workers. Workers stop when ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		logging.ContractViolation(ctx, e.logger, "transfer engine started twice")
		return ErrAlreadyStarted
	}
	e.started = true
	e.ctx = ctx
	e.unsubscribe = []func(){
		e.bus.Subscribe(notify.EventNewMessageToUpload, e.onNewMessage),
		e.bus.Subscribe(notify.EventAttachmentCanBeSent, e.onAttachmentCanBeSent),
		e.bus.Subscribe(notify.EventNewReturnReceipt, e.onNewReceipt),
		e.bus.Subscribe(notify.EventSourceCleanupPending, e.onCleanupPending),
	}
	e.mu.Unlock()

	if err := e.resume(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if err := e.attachments.Execute(ctx, e.attachmentWorkers, "attachment"); err != nil {
		return err
	}
	if err := e.server.Execute(ctx, e.serverWorkers, "server"); err != nil {
		return err
	}
	if err := e.cleanup.Execute(ctx, 1, "cleanup"); err != nil {
		return err
	}

	e.logger.Info(ctx, "transfer engine started",
		"attachment_workers", e.attachmentWorkers,
		"server_workers", e.serverWorkers,
		"server_api", e.api != nil,
	)
	return nil
}

// Wait blocks until the context given to Start is done and every worker has
// returned. Pending retries are dropped.
func (e *Engine) Wait() {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		return
	}
	<-ctx.Done()

	e.mu.Lock()
	for _, u := range e.unsubscribe {
		u()
	}
	e.unsubscribe = nil
	e.mu.Unlock()

	e.attachmentRetries.Stop()
	e.serverRetries.Stop()
	e.cleanupRetries.Stop()
	e.attachments.Wait()
	e.server.Wait()
	e.cleanup.Wait()
	e.logger.Info(context.Background(), "transfer engine stopped")
}

// RetryNow runs every pending retry immediately, e.g. after connectivity
// came back.
func (e *Engine) RetryNow() {
	e.attachmentRetries.RetryAll()
	e.serverRetries.RetryAll()
	e.cleanupRetries.RetryAll()
}

// Queued reports the number of tasks waiting for a worker.
func (e *Engine) Queued() int {
	return e.attachments.Len() + e.server.Len() + e.cleanup.Len()
}

func (e *Engine) stopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx == nil || e.ctx.Err() != nil
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) resume(ctx context.Context) error {
	if e.api != nil {
		msgs, err := e.svc.PendingMessages(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			e.queueMessage(m.Key)
		}

		receipts, err := e.svc.ReturnReceipts(ctx)
		if err != nil {
			return err
		}
		for _, rr := range receipts {
			e.queueReceipt(rr.ID)
		}
	}

	atts, err := e.svc.SendableAttachments(ctx)
	if err != nil {
		return err
	}
	for _, a := range atts {
		e.queueAttachment(ctx, a)
	}

	paths, err := e.svc.PendingCleanups(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		e.queueCleanup(p)
	}

	e.logger.Info(ctx, "resumed outbox", "attachments", len(atts), "cleanups", len(paths), "queued", e.Queued())
	return nil
}

func (e *Engine) onNewMessage(attrs map[string]any) {
	if key, ok := attrs[notify.AttrMessage].(models.MessageKey); ok {
		e.queueMessage(key)
	}
}

func (e *Engine) onNewReceipt(attrs map[string]any) {
	if id, ok := attrs[notify.AttrReceipt].(int64); ok {
		e.queueReceipt(id)
	}
}

func (e *Engine) onAttachmentCanBeSent(attrs map[string]any) {
	if key, ok := attrs[notify.AttrAttachment].(models.AttachmentKey); ok {
		e.requeueAttachment(key)
	}
}

func (e *Engine) onCleanupPending(attrs map[string]any) {
	if path, ok := attrs[notify.AttrPath].(string); ok {
		e.queueCleanup(path)
	}
}
