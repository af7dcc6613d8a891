// Package notify carries the outbox events raised after a store commit to
// in-process subscribers and, optionally, to NATS.
package notify

import (
	"context"
	"slices"
	"sync"

	"github.com/dmitrijs2005/outboxd/internal/logging"
)

// Event names.
const (
	EventNewMessageToUpload        = "outbox.message.new"
	EventMessageUploaded           = "outbox.message.uploaded"
	EventMessageDeleted            = "outbox.message.deleted"
	EventAttachmentCanBeSent       = "outbox.attachment.can_be_sent"
	EventAttachmentUploadProgress  = "outbox.attachment.progress"
	EventAttachmentUploaded        = "outbox.attachment.uploaded"
	EventAttachmentUploadCancelled = "outbox.attachment.cancelled"
	EventNewReturnReceipt          = "outbox.receipt.new"
	EventSourceCleanupPending      = "outbox.source.cleanup"
)

// Attribute keys.
const (
	AttrMessage       = "message"    // models.MessageKey
	AttrAttachment    = "attachment" // models.AttachmentKey
	AttrChunks        = "chunks"     // int, acknowledged chunk count
	AttrTotalChunks   = "total_chunks"
	AttrReceipt       = "receipt" // int64 receipt id
	AttrUIDFromServer = "uid_from_server"
	AttrPath          = "path" // string, source file to remove
)

// Sink receives fire-and-forget notifications. Post must not block for long;
// it is called on the goroutine that committed the transaction.
type Sink interface {
	Post(name string, attrs map[string]any)
}

type Handler func(attrs map[string]any)

// Bus dispatches events synchronously to the handlers subscribed to them.
type Bus struct {
	logger logging.Logger

	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]Handler
}

func NewBus(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bus{logger: logger, handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers fn for name and returns a function that removes it.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	if b.handlers[name] == nil {
		b.handlers[name] = make(map[int]Handler)
	}
	b.handlers[name][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[name], id)
	}
}

func (b *Bus) Post(name string, attrs map[string]any) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[name]))
	fns := make(map[int]Handler, len(b.handlers[name]))
	for id, fn := range b.handlers[name] {
		ids = append(ids, id)
		fns[id] = fn
	}
	b.mu.RUnlock()

	// subscription order
	slices.Sort(ids)
	for _, id := range ids {
		b.call(name, fns[id], attrs)
	}
}

func (b *Bus) call(name string, fn Handler, attrs map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(context.Background(), "notification handler panicked", "event", name, "panic", r)
		}
	}()
	fn(attrs)
}

// Multi posts every event to each sink in order.
type Multi []Sink

func (m Multi) Post(name string, attrs map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Post(name, attrs)
		}
	}
}
