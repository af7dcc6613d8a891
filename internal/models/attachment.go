package models

// Sizer maps cleartext sizes to sealed sizes for one key. cryptox.Scheme
// satisfies it.
type Sizer interface {
	CiphertextLength(n int64) int64
	PlaintextLength(n int64) int64
}

// OutboxAttachment is one file of a message, uploaded chunk by chunk. All
// derived values below are recomputed from the stored fields on each call.
type OutboxAttachment struct {
	Key                    AttachmentKey
	Path                   string
	DeleteAfterSend        bool
	Length                 int64
	EncryptionKey          []byte
	CiphertextChunkLength  int64
	AcknowledgedChunkCount int
	Acknowledged           bool
	CancelRequested        bool
	ChunkUploadURLs        []string
}

// CleartextChunkLength is how many source bytes go into one full chunk.
func (a *OutboxAttachment) CleartextChunkLength(s Sizer) int64 {
	return s.PlaintextLength(a.CiphertextChunkLength)
}

func (a *OutboxAttachment) ChunkCount(s Sizer) int {
	return ChunkCount(a.Length, a.CleartextChunkLength(s))
}

func (a *OutboxAttachment) CiphertextLength(s Sizer) int64 {
	return CiphertextLength(a.Length, a.CleartextChunkLength(s), s)
}

// RemainingBytes is the ciphertext not yet acknowledged by the transport.
func (a *OutboxAttachment) RemainingBytes(s Sizer) int64 {
	if a.Acknowledged {
		return 0
	}
	n := a.ChunkCount(s)
	if a.AcknowledgedChunkCount >= n {
		return 0
	}
	clear := a.CleartextChunkLength(s)
	sent := int64(0)
	for i := 0; i < a.AcknowledgedChunkCount; i++ {
		_, l := ChunkRange(a.Length, clear, i)
		sent += s.CiphertextLength(l)
	}
	return a.CiphertextLength(s) - sent
}

// Priority orders attachment uploads: the fewer bytes left, the sooner.
func (a *OutboxAttachment) Priority(s Sizer) int64 { return a.RemainingBytes(s) }

// ChunkURL returns the upload handle of chunk i, if the server issued one.
func (a *OutboxAttachment) ChunkURL(i int) (string, bool) {
	if i < 0 || i >= len(a.ChunkUploadURLs) {
		return "", false
	}
	return a.ChunkUploadURLs[i], true
}

// ChunkCount is ceil(length/chunk), at least 1 so empty files still upload
// one (empty) chunk.
func ChunkCount(length, chunk int64) int {
	if chunk <= 0 || length <= 0 {
		return 1
	}
	return int((length + chunk - 1) / chunk)
}

// ChunkRange is the cleartext offset and length of chunk i.
func ChunkRange(length, chunk int64, i int) (offset, n int64) {
	if chunk <= 0 {
		return 0, length
	}
	offset = int64(i) * chunk
	if offset >= length {
		return length, 0
	}
	n = chunk
	if offset+n > length {
		n = length - offset
	}
	return offset, n
}

// CiphertextLength is N-1 full sealed chunks plus the sealed size of the last
// one.
func CiphertextLength(length, chunk int64, s Sizer) int64 {
	n := ChunkCount(length, chunk)
	_, last := ChunkRange(length, chunk, n-1)
	return int64(n-1)*s.CiphertextLength(chunk) + s.CiphertextLength(last)
}

// ChunkCleartextLength picks the cleartext chunk size for a new attachment:
// preferred, grown as needed so the file fits in maxChunks chunks.
func ChunkCleartextLength(length, preferred int64, maxChunks int) int64 {
	if preferred <= 0 {
		preferred = 1
	}
	if maxChunks <= 0 || length <= 0 {
		return preferred
	}
	need := (length + int64(maxChunks) - 1) / int64(maxChunks)
	if need > preferred {
		return need
	}
	return preferred
}
