package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/outboxd/internal/common"
	"github.com/dmitrijs2005/outboxd/internal/cryptox"
	"github.com/dmitrijs2005/outboxd/internal/dbx"
	"github.com/dmitrijs2005/outboxd/internal/models"
	"github.com/dmitrijs2005/outboxd/internal/notify"
)

type event struct {
	name  string
	attrs map[string]any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Post(name string, attrs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{name: name, attrs: attrs})
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func setup(t *testing.T, opts ...Option) (*Service, *recorder) {
	t.Helper()
	store, err := dbx.NewManager().Open(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recorder{}
	return New(store, rec, opts...), rec
}

// twoAttachments is a message with a 2000 and a 50 byte attachment.
func twoAttachments() NewMessage {
	return NewMessage{
		Owner:            "alice",
		Server:           "https://server.example",
		EncryptedContent: []byte("body"),
		Headers: []NewHeader{
			{DeviceUID: []byte("dev-1"), ToIdentity: "bob", WrappedKey: []byte("wk-1")},
			{DeviceUID: []byte("dev-2"), ToIdentity: "bob", WrappedKey: []byte("wk-2")},
		},
		Attachments: []NewAttachment{
			{Path: "/data/a.bin", Length: 2000, Algorithm: cryptox.AES256GCM},
			{Path: "/data/b.bin", Length: 50, Algorithm: cryptox.XChaCha20Poly1305},
		},
	}
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "https://bucket.example/chunk/" + uuid.NewString()
	}
	return out
}

func ack(chunks map[int][]string) Ack {
	return Ack{
		UIDFromServer: []byte("server-uid"),
		Nonce:         []byte("nonce"),
		Timestamp:     time.UnixMilli(1_700_000_000_000),
		ChunkURLs:     chunks,
	}
}

func TestCreateMessage(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, msg.Key.UID)
	assert.Equal(t, 1, rec.count(notify.EventNewMessageToUpload))

	stored, err := s.Message(ctx, msg.Key)
	require.NoError(t, err)
	assert.False(t, stored.Acknowledged())
	assert.Equal(t, []byte("body"), stored.EncryptedContent)

	hs, err := s.Headers(ctx, msg.Key)
	require.NoError(t, err)
	assert.Len(t, hs, 2)

	atts, err := s.Attachments(ctx, msg.Key)
	require.NoError(t, err)
	require.Len(t, atts, 2)

	a, b := atts[0], atts[1]
	assert.Equal(t, 0, a.Key.Number)
	assert.Equal(t, byte(cryptox.AES256GCM), a.EncryptionKey[0])
	assert.Equal(t, int64(1000+28), a.CiphertextChunkLength)
	assert.Equal(t, byte(cryptox.XChaCha20Poly1305), b.EncryptionKey[0])
	assert.Equal(t, int64(1000+40), b.CiphertextChunkLength)

	sa, err := Sizer(a)
	require.NoError(t, err)
	sb, err := Sizer(b)
	require.NoError(t, err)
	assert.Equal(t, 2, a.ChunkCount(sa))
	assert.Equal(t, 1, b.ChunkCount(sb))

	pending, err := s.PendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	sendable, err := s.SendableAttachments(ctx)
	require.NoError(t, err)
	assert.Empty(t, sendable, "message not acknowledged yet")
}

func TestCreateMessage_KeepsGivenKeyAndUID(t *testing.T) {
	s, _ := setup(t)
	ctx := context.Background()

	key, err := cryptox.NewKey(cryptox.XChaCha20Poly1305)
	require.NoError(t, err)
	nm := twoAttachments()
	nm.UID = uuid.New()
	nm.Attachments = []NewAttachment{{Path: "/x", Length: 10, Key: key}}

	msg, err := s.CreateMessage(ctx, nm)
	require.NoError(t, err)
	assert.Equal(t, nm.UID, msg.Key.UID)

	a, err := s.Attachment(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 0})
	require.NoError(t, err)
	assert.Equal(t, key, a.EncryptionKey)
}

func TestCreateMessage_FailureRollsBack(t *testing.T) {
	s, rec := setup(t)
	ctx := context.Background()

	nm := twoAttachments()
	nm.Headers = append(nm.Headers, nm.Headers[0]) // duplicate device

	_, err := s.CreateMessage(ctx, nm)
	require.Error(t, err)
	assert.Zero(t, rec.count(notify.EventNewMessageToUpload))

	pending, err := s.PendingMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateMessage_BadKey(t *testing.T) {
	s, _ := setup(t)
	nm := twoAttachments()
	nm.Attachments[0].Key = []byte{0x09}
	_, err := s.CreateMessage(context.Background(), nm)
	require.ErrorIs(t, err, cryptox.ErrInvalidKey)
}

func TestAcknowledgeMessage_Idempotent(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)
	chunkURLs := map[int][]string{0: urls(2), 1: urls(1)}

	require.NoError(t, s.AcknowledgeMessage(ctx, msg.Key, ack(chunkURLs)))
	assert.Equal(t, 1, rec.count(notify.EventMessageUploaded))
	assert.Equal(t, 2, rec.count(notify.EventAttachmentCanBeSent))

	require.NoError(t, s.AcknowledgeMessage(ctx, msg.Key, ack(nil)))
	assert.Equal(t, 1, rec.count(notify.EventMessageUploaded), "no duplicate uploaded notification")
	assert.Equal(t, 2, rec.count(notify.EventAttachmentCanBeSent))

	stored, err := s.Message(ctx, msg.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("server-uid"), stored.UIDFromServer)

	a, err := s.Attachment(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 0})
	require.NoError(t, err)
	assert.Equal(t, chunkURLs[0], a.ChunkUploadURLs)

	sendable, err := s.SendableAttachments(ctx)
	require.NoError(t, err)
	assert.Len(t, sendable, 2)

	pending, err := s.PendingMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcknowledgeMessage_SkipsAcknowledgedAttachments(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)
	require.NoError(t, s.MarkCancelled(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 1}))

	require.NoError(t, s.AcknowledgeMessage(ctx, msg.Key, ack(nil)))
	assert.Equal(t, 1, rec.count(notify.EventAttachmentCanBeSent))
}

func TestAcknowledgeMessage_WrongURLCountRollsBack(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)

	err = s.AcknowledgeMessage(ctx, msg.Key, ack(map[int][]string{0: urls(3)}))
	require.ErrorIs(t, err, common.ErrInvalidChunkCount)
	assert.Zero(t, rec.count(notify.EventMessageUploaded))

	stored, err := s.Message(ctx, msg.Key)
	require.NoError(t, err)
	assert.False(t, stored.Acknowledged(), "rolled back")
}

func TestAcknowledgeMessage_Unknown(t *testing.T) {
	s, _ := setup(t)
	err := s.AcknowledgeMessage(context.Background(), models.MessageKey{Owner: "x", UID: uuid.New()}, ack(nil))
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestChunkProgress_TwoAttachmentScenario(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)
	require.NoError(t, s.AcknowledgeMessage(ctx, msg.Key, ack(map[int][]string{0: urls(2), 1: urls(1)})))
	rec.reset()

	keyA := models.AttachmentKey{MessageKey: msg.Key, Number: 0}
	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, keyA, 1))

	a, err := s.Attachment(ctx, keyA)
	require.NoError(t, err)
	assert.False(t, a.Acknowledged)
	assert.Equal(t, 1, a.AcknowledgedChunkCount)
	assert.Equal(t, 1, rec.count(notify.EventAttachmentUploadProgress))
	assert.Zero(t, rec.count(notify.EventAttachmentUploaded))

	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, keyA, 2))
	a, err = s.Attachment(ctx, keyA)
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.Equal(t, 2, a.AcknowledgedChunkCount)
	assert.Equal(t, 1, rec.count(notify.EventAttachmentUploaded))

	// repeats change nothing
	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, keyA, 2))
	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, keyA, 1))
	assert.Equal(t, 1, rec.count(notify.EventAttachmentUploaded))
	assert.Equal(t, 2, rec.count(notify.EventAttachmentUploadProgress))

	keyB := models.AttachmentKey{MessageKey: msg.Key, Number: 1}
	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, keyB, 1))
	b, err := s.Attachment(ctx, keyB)
	require.NoError(t, err)
	assert.True(t, b.Acknowledged)
	assert.Equal(t, 2, rec.count(notify.EventAttachmentUploaded))
}

func TestSetAcknowledgedChunkCount_Invalid(t *testing.T) {
	s, _ := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()
	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)

	key := models.AttachmentKey{MessageKey: msg.Key, Number: 0}
	require.ErrorIs(t, s.SetAcknowledgedChunkCount(ctx, key, 3), common.ErrInvalidChunkCount)
	require.ErrorIs(t, s.SetAcknowledgedChunkCount(ctx, key, -1), common.ErrInvalidChunkCount)
	require.ErrorIs(t, s.SetAcknowledgedChunkCount(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 7}, 1), common.ErrNotFound)
}

func TestSetAcknowledgedChunkCount_ConcurrentMonotonic(t *testing.T) {
	s, rec := setup(t, WithChunking(10, 1024))
	ctx := context.Background()

	nm := twoAttachments()
	nm.Attachments = []NewAttachment{{Path: "/big", Length: 300}}
	msg, err := s.CreateMessage(ctx, nm)
	require.NoError(t, err)
	key := models.AttachmentKey{MessageKey: msg.Key, Number: 0}

	var wg sync.WaitGroup
	for n := 1; n <= 30; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, s.SetAcknowledgedChunkCount(ctx, key, n))
		}(n)
	}
	wg.Wait()

	a, err := s.Attachment(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 30, a.AcknowledgedChunkCount)
	assert.True(t, a.Acknowledged)
	assert.Equal(t, 1, rec.count(notify.EventAttachmentUploaded))

	// each count is reported at most once
	rec.mu.Lock()
	defer rec.mu.Unlock()
	seen := map[int]bool{}
	for _, e := range rec.events {
		if e.name != notify.EventAttachmentUploadProgress {
			continue
		}
		n := e.attrs[notify.AttrChunks].(int)
		assert.False(t, seen[n], "count %d reported twice", n)
		seen[n] = true
	}
	assert.True(t, seen[30])
}

func TestCancel(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()
	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)
	key := models.AttachmentKey{MessageKey: msg.Key, Number: 0}

	ok, err := s.RequestCancel(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RequestCancel(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := s.Attachment(ctx, key)
	require.NoError(t, err)
	assert.True(t, a.CancelRequested)
	assert.False(t, a.Acknowledged, "cancel takes effect when the transfer observes it")

	require.NoError(t, s.MarkCancelled(ctx, key))
	require.NoError(t, s.MarkCancelled(ctx, key))
	assert.Equal(t, 1, rec.count(notify.EventAttachmentUploadCancelled))

	a, err = s.Attachment(ctx, key)
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)

	ok, err = s.RequestCancel(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.RequestCancel(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 9})
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestReturnReceipts(t *testing.T) {
	s, rec := setup(t)
	ctx := context.Background()

	n := 1
	rr, err := s.CreateReturnReceipt(ctx, NewReceipt{
		Owner:             "alice",
		ContactIdentity:   "bob",
		ContactDeviceUIDs: [][]byte{[]byte("d")},
		Status:            1,
		Nonce:             []byte("n"),
		Key:               []byte("k"),
		AttachmentNumber:  &n,
	})
	require.NoError(t, err)
	assert.NotZero(t, rr.ID)
	assert.Equal(t, 1, rec.count(notify.EventNewReturnReceipt))

	list, err := s.ReturnReceipts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := s.ReturnReceipt(ctx, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *got.AttachmentNumber)

	require.NoError(t, s.DeleteReturnReceipt(ctx, rr.ID))
	list, err = s.ReturnReceipts(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteMessage_Cascades(t *testing.T) {
	s, rec := setup(t)
	ctx := context.Background()
	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, msg.Key))
	require.NoError(t, s.DeleteMessage(ctx, msg.Key))
	assert.Equal(t, 1, rec.count(notify.EventMessageDeleted))

	_, err = s.Message(ctx, msg.Key)
	require.ErrorIs(t, err, common.ErrNotFound)
	hs, err := s.Headers(ctx, msg.Key)
	require.NoError(t, err)
	assert.Empty(t, hs)
	atts, err := s.Attachments(ctx, msg.Key)
	require.NoError(t, err)
	assert.Empty(t, atts)
}

func TestPruneIfFullySent(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()
	msg, err := s.CreateMessage(ctx, twoAttachments())
	require.NoError(t, err)

	pruned, err := s.PruneIfFullySent(ctx, msg.Key)
	require.NoError(t, err)
	assert.False(t, pruned, "message not acknowledged")

	require.NoError(t, s.AcknowledgeMessage(ctx, msg.Key, ack(map[int][]string{0: urls(2), 1: urls(1)})))
	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 0}, 2))

	pruned, err = s.PruneIfFullySent(ctx, msg.Key)
	require.NoError(t, err)
	assert.False(t, pruned, "attachment 1 still pending")

	require.NoError(t, s.MarkCancelled(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 1}))
	pruned, err = s.PruneIfFullySent(ctx, msg.Key)
	require.NoError(t, err)
	assert.True(t, pruned)
	assert.Equal(t, 1, rec.count(notify.EventMessageDeleted))

	pruned, err = s.PruneIfFullySent(ctx, msg.Key)
	require.NoError(t, err)
	assert.False(t, pruned, "already gone")
}

func TestSetAcknowledgedChunkCount_RecordsCleanupThatOutlivesMessage(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	nm := twoAttachments()
	nm.Attachments[1].DeleteAfterSend = true
	msg, err := s.CreateMessage(ctx, nm)
	require.NoError(t, err)
	require.NoError(t, s.AcknowledgeMessage(ctx, msg.Key, ack(map[int][]string{0: urls(2), 1: urls(1)})))

	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 0}, 2))
	paths, err := s.PendingCleanups(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths, "attachment 0 keeps its source")

	require.NoError(t, s.SetAcknowledgedChunkCount(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 1}, 1))
	assert.Equal(t, 1, rec.count(notify.EventSourceCleanupPending))

	pruned, err := s.PruneIfFullySent(ctx, msg.Key)
	require.NoError(t, err)
	require.True(t, pruned)

	paths, err = s.PendingCleanups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/b.bin"}, paths)

	require.NoError(t, s.CompleteCleanup(ctx, "/data/b.bin"))
	require.NoError(t, s.CompleteCleanup(ctx, "/data/b.bin"), "unknown path is fine")
	paths, err = s.PendingCleanups(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestMarkCancelled_KeepsDeleteAfterSendSource(t *testing.T) {
	s, rec := setup(t, WithChunking(1000, 1024))
	ctx := context.Background()

	nm := twoAttachments()
	nm.Attachments[0].DeleteAfterSend = true
	msg, err := s.CreateMessage(ctx, nm)
	require.NoError(t, err)

	require.NoError(t, s.MarkCancelled(ctx, models.AttachmentKey{MessageKey: msg.Key, Number: 0}))
	paths, err := s.PendingCleanups(ctx)
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.Zero(t, rec.count(notify.EventSourceCleanupPending))
}
