package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/dtebundle/internal/safety"
)

// ProgressFunc is called as body bytes arrive. totalBytes is 0 when the
// server did not announce a length.
type ProgressFunc func(bytesRead, totalBytes int64)

// FetchOptions tunes a single fetch.
type FetchOptions struct {
	ExpectedSize int64 // 0 to skip the size check
	OnProgress   ProgressFunc
}

// FetchResult is a fetched object body.
type FetchResult struct {
	Data     []byte
	Size     int64
	SHA256   string
	Duration time.Duration
}

// Client fetches objects through signed URLs into memory. It makes one
// attempt per call; retries belong to the caller's retry strategy.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
	maxBytes   int64
}

// NewClient creates a fetch client. maxBytes caps each body (0 = unlimited).
func NewClient(httpClient *http.Client, maxBytes int64, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = safety.NewHTTPClient(0)
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		userAgent:  "dtebundle/1.0",
		maxBytes:   maxBytes,
	}
}

// Fetch GETs url and returns the body.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	res, err := c.FetchWithOptions(ctx, url, FetchOptions{})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FetchWithOptions GETs url, enforcing the size limit and optional
// expected size. Non-2xx responses are returned as *HTTPError.
func (c *Client) FetchWithOptions(ctx context.Context, url string, opts FetchOptions) (*FetchResult, error) {
	if _, err := safety.ValidateFetchURL(url); err != nil {
		return nil, err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		total := resp.ContentLength
		if total < 0 {
			total = opts.ExpectedSize
		}
		reader = &progressReader{reader: resp.Body, callback: opts.OnProgress, total: total}
	}

	data, err := safety.ReadAllWithLimit(reader, c.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	size := int64(len(data))
	if opts.ExpectedSize > 0 && size != opts.ExpectedSize {
		return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", size, opts.ExpectedSize)
	}

	sum := sha256.Sum256(data)
	res := &FetchResult{
		Data:     data,
		Size:     size,
		SHA256:   hex.EncodeToString(sum[:]),
		Duration: time.Since(start),
	}
	c.logger.Debug("fetched object", "size", humanize.IBytes(uint64(size)), "duration", res.Duration)
	return res, nil
}

// HTTPError represents a non-2xx response from the storage service.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http error %d: %s: %s", e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// HTTPStatus exposes the status code for error classification.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		pr.callback(pr.current, pr.total)
	}
	return n, err
}
