package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/sitemove/internal/safety"
)

// ProgressFunc is called as an archive is fetched. total is 0 when the
// server does not announce a length.
type ProgressFunc func(fetched, total int64)

// HTTP fetches archives by URL with retries and Range-based resumption.
type HTTP struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	retries     int
	backoffFunc func(attempt int) time.Duration
	onProgress  ProgressFunc
}

// NewHTTP creates an HTTP source. timeout bounds each attempt.
func NewHTTP(timeout time.Duration, retries int, logger *slog.Logger) *HTTP {
	if retries <= 0 {
		retries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		httpClient:  safety.NewHTTPClient(timeout),
		logger:      logger,
		userAgent:   "sitemove/1.0",
		retries:     retries,
		backoffFunc: calculateBackoffDelay,
	}
}

// Name implements Source.
func (h *HTTP) Name() string { return "http" }

// SetProgress installs a progress callback.
func (h *HTTP) SetProgress(fn ProgressFunc) {
	h.onProgress = fn
}

// Fetch downloads ref to dest. A partial dest is continued with a Range
// request; a server that ignores ranges restarts the transfer.
func (h *HTTP) Fetch(ctx context.Context, ref, dest string) (int64, error) {
	n, _, err := h.FetchRange(ctx, ref, dest, 0)
	return n, err
}

// FetchRange downloads the next limit bytes of ref with a bounded Range
// request. A server that ignores ranges sends the whole archive in one
// call.
func (h *HTTP) FetchRange(ctx context.Context, ref, dest string, limit int64) (int64, bool, error) {
	u, err := safety.ValidateHTTPURL(ref)
	if err != nil {
		return 0, false, err
	}
	if u.Scheme == "http" && !safety.IsLoopbackHost(u) {
		h.logger.Warn("fetching archive over plain http", "host", u.Host)
	}

	var lastErr error
	for attempt := 1; attempt <= h.retries; attempt++ {
		select {
		case <-ctx.Done():
			return 0, false, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		default:
		}

		size, done, err := h.attempt(ctx, ref, dest, limit)
		if err == nil {
			return size, done, nil
		}
		lastErr = err
		h.logger.Warn("archive fetch attempt failed", "url", ref, "attempt", attempt, "error", err)

		// Keep the partial file for the next invocation.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, false, err
		}
		if shouldNotRetry(err) {
			return 0, false, err
		}

		if attempt < h.retries {
			delay := h.backoffFunc(attempt)
			h.logger.Debug("retrying archive fetch", "url", ref, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, false, fmt.Errorf("fetch cancelled during retry: %w", ctx.Err())
			}
		}
	}
	return 0, false, fmt.Errorf("fetch failed after %d attempts: %w", h.retries, lastErr)
}

func (h *HTTP) attempt(ctx context.Context, ref, dest string, limit int64) (int64, bool, error) {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	have, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	switch {
	case limit > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", have, have+limit-1))
	case have > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", have))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// total is the archive size, or 0 when the server does not say.
	var total int64
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && have > 0:
		// Everything was fetched by an earlier attempt.
		return have, true, nil
	case resp.StatusCode == http.StatusPartialContent:
		total = contentRangeTotal(resp.Header.Get("Content-Range"))
	case resp.StatusCode == http.StatusOK:
		if have > 0 {
			h.logger.Debug("server ignored range request, restarting fetch", "url", ref)
			if err := file.Truncate(0); err != nil {
				return 0, false, err
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return 0, false, err
			}
			have = 0
		}
		if resp.ContentLength > 0 {
			total = resp.ContentLength
		}
	default:
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return 0, false, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	var reader io.Reader = resp.Body
	if h.onProgress != nil {
		reader = &progressReader{reader: resp.Body, callback: h.onProgress, current: have, total: total}
	}
	n, err := io.Copy(file, reader)
	if err != nil {
		return 0, false, fmt.Errorf("failed to write to file: %w", err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return 0, false, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}

	done := true
	if resp.StatusCode == http.StatusPartialContent {
		switch {
		case total > 0:
			done = have+n >= total
		default:
			// Without a total, a full range means more may follow.
			done = limit <= 0 || n < limit
		}
	}
	return have + n, done, file.Sync()
}

// contentRangeTotal parses the complete length from a Content-Range header
// such as "bytes 0-99/1234". It returns 0 when the length is unknown.
func contentRangeTotal(h string) int64 {
	_, size, ok := strings.Cut(h, "/")
	if !ok || size == "*" {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 1s, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := time.Second
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

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
