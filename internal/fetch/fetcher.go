package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/sitemapsync/internal/canonical"
)

// status classifies a completed fetch.
type status int

const (
	statusOK status = iota
	// statusEndOfSeries: the application redirected, signalling that this
	// page number does not exist.
	statusEndOfSeries
)

const acceptJSONLD = "application/ld+json"

// Fetcher retrieves the structured-data representation of pages from the
// rendering application.
type Fetcher struct {
	webRoot     string
	client      *http.Client
	maxAttempts int
	retryDelay  time.Duration
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithRetryPolicy overrides the server-error retry policy.
// The default is 3 attempts with a fixed 10 second delay.
func WithRetryPolicy(attempts int, delay time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.maxAttempts = attempts
		f.retryDelay = delay
	}
}

// WithClient overrides the HTTP client. The client's redirect policy is
// replaced: redirects must surface as responses, not be followed, because a
// redirect is the end-of-pagination signal.
func WithClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// NewFetcher creates a Fetcher for pages under webRoot.
func NewFetcher(webRoot string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		webRoot:     strings.TrimRight(webRoot, "/"),
		client:      &http.Client{Timeout: 60 * time.Second},
		maxAttempts: 3,
		retryDelay:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return f
}

// FetchHash fetches one page path and returns its canonical content hash.
//
// Server errors (5xx) are retried with a fixed delay before the page is
// given up as failed; other non-success statuses fail immediately. Failures
// are logged here and reported as an error to the caller, which treats them
// as page-level only.
func (f *Fetcher) FetchHash(ctx context.Context, path string) (hash string, st status, err error) {
	url := f.webRoot + path

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}

		body, st, retryable, err := f.fetchOnce(ctx, url)
		if err == nil {
			if st == statusEndOfSeries {
				return "", statusEndOfSeries, nil
			}
			h, err := canonical.PageHash(body)
			if err != nil {
				slog.Error("page payload not canonicalizable", "url", url, "error", err)
				return "", 0, err
			}
			return h, statusOK, nil
		}

		lastErr = err
		if !retryable {
			break
		}
		slog.Warn("page fetch failed, retrying",
			"url", url,
			"attempt", attempt,
			"max_attempts", f.maxAttempts,
			"error", err,
		)
	}

	slog.Error("page fetch failed", "url", url, "error", lastErr)
	return "", 0, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (body []byte, st status, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, false, err
	}
	req.Header.Set("Accept", acceptJSONLD)

	resp, err := f.client.Do(req)
	if err != nil {
		// Network errors behave like server errors: retryable.
		return nil, 0, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, true, fmt.Errorf("read body: %w", err)
		}
		return data, statusOK, false, nil

	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, statusEndOfSeries, false, nil

	case resp.StatusCode >= 500:
		return nil, 0, true, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)

	default:
		return nil, 0, false, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
}
