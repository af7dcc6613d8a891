// Package httpx uploads and downloads attachment chunks through signed
// object-store URLs.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/transport"
)

type Client struct {
	http   *http.Client
	logger logging.Logger
}

type Option func(*Client)

func WithLogger(l logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client whose requests time out after timeout.
func New(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload PUTs body to a signed URL.
func (c *Client) Upload(ctx context.Context, rawURL string, body []byte, progress transport.Progress) transport.Status {
	if !valid(rawURL) {
		return transport.StatusInvalidSignedURL
	}

	total := int64(len(body))
	r := &counting{r: bytes.NewReader(body), total: total, progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, r)
	if err != nil {
		return transport.StatusInvalidSignedURL
	}
	req.ContentLength = total
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.failed(ctx, "upload", err)
	}
	defer resp.Body.Close()

	status := transport.FromHTTP(resp.StatusCode)
	if status != transport.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn(ctx, "upload rejected", "status", resp.Status, "body", string(b))
		return status
	}
	if progress != nil {
		progress(total, total)
	}
	return transport.StatusOK
}

// Download GETs a signed URL.
func (c *Client) Download(ctx context.Context, rawURL string, progress transport.Progress) ([]byte, transport.Status) {
	if !valid(rawURL) {
		return nil, transport.StatusInvalidSignedURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, transport.StatusInvalidSignedURL
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.failed(ctx, "download", err)
	}
	defer resp.Body.Close()

	if status := transport.FromHTTP(resp.StatusCode); status != transport.StatusOK {
		c.logger.Warn(ctx, "download rejected", "status", resp.Status)
		return nil, status
	}

	b, err := io.ReadAll(&counting{r: resp.Body, total: resp.ContentLength, progress: progress})
	if err != nil {
		return nil, c.failed(ctx, "download", err)
	}
	return b, transport.StatusOK
}

func (c *Client) failed(ctx context.Context, op string, err error) transport.Status {
	if errors.Is(err, context.Canceled) {
		return transport.StatusGeneralError
	}
	c.logger.Warn(ctx, op+" failed", "error", err)
	return transport.StatusServerConnectionError
}

func valid(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type counting struct {
	r        io.Reader
	done     int64
	total    int64
	progress transport.Progress
}

func (c *counting) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.done += int64(n)
		if c.progress != nil {
			c.progress(c.done, c.total)
		}
	}
	return n, err
}
