package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/outboxd/internal/transport"
)

func TestUpload(t *testing.T) {
	chunk := []byte("sealed chunk bytes")

	t.Run("success 200 OK", func(t *testing.T) {
		var gotBody []byte
		var gotCT, gotMethod string
		var gotLen int64

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotCT = r.Header.Get("Content-Type")
			gotLen = r.ContentLength
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		var mu sync.Mutex
		var last int64
		progress := func(done, total int64) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, int64(len(chunk)), total)
			assert.GreaterOrEqual(t, done, last)
			last = done
		}

		st := New(time.Second).Upload(context.Background(), ts.URL+"/bucket/key?X-Amz-Signature=abc", chunk, progress)
		require.Equal(t, transport.StatusOK, st)
		assert.Equal(t, http.MethodPut, gotMethod)
		assert.Equal(t, "application/octet-stream", gotCT)
		assert.Equal(t, int64(len(chunk)), gotLen)
		assert.Equal(t, chunk, gotBody)
		assert.Equal(t, int64(len(chunk)), last)
	})

	t.Run("status mapping", func(t *testing.T) {
		tests := []struct {
			code int
			want transport.Status
		}{
			{http.StatusForbidden, transport.StatusInvalidSignedURL},
			{http.StatusNotFound, transport.StatusNotFound},
			{http.StatusServiceUnavailable, transport.StatusServerConnectionError},
			{http.StatusConflict, transport.StatusGeneralError},
		}
		for _, tt := range tests {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.code)
			}))
			st := New(time.Second).Upload(context.Background(), ts.URL, chunk, nil)
			ts.Close()
			assert.Equal(t, tt.want, st, "code %d", tt.code)
		}
	})

	t.Run("network error", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		st := New(time.Second).Upload(context.Background(), ts.URL, chunk, nil)
		assert.Equal(t, transport.StatusServerConnectionError, st)
	})

	t.Run("malformed url", func(t *testing.T) {
		for _, u := range []string{"", "not a url", "ftp://host/x", "http://"} {
			assert.Equal(t, transport.StatusInvalidSignedURL, New(time.Second).Upload(context.Background(), u, chunk, nil), u)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		st := New(time.Second).Upload(ctx, ts.URL, chunk, nil)
		assert.Equal(t, transport.StatusGeneralError, st)
	})
}

func TestDownload(t *testing.T) {
	payload := []byte("downloaded payload")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	var last int64
	b, st := New(time.Second).Download(context.Background(), ts.URL+"/obj", func(done, total int64) { last = done })
	require.Equal(t, transport.StatusOK, st)
	assert.Equal(t, payload, b)
	assert.Equal(t, int64(len(payload)), last)

	_, st = New(time.Second).Download(context.Background(), ts.URL+"/missing", nil)
	assert.Equal(t, transport.StatusNotFound, st)
}
