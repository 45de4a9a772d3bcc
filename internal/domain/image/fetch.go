package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"framecast-server-go/internal/platform/errors"
	"framecast-server-go/internal/platform/logging"
	"framecast-server-go/internal/platform/observability"
)

// Fetcher retrieves remote images. Every fetch is preceded by a Guard
// verdict: a rejected URL is returned as a blocked error without any
// network activity, and redirect hops are re-validated.
type Fetcher struct {
	guard     *Guard
	client    *http.Client
	maxBytes  int64
	userAgent string
	logger    *logging.Logger
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Guard        *Guard
	MaxBytes     int64
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
	Logger       *logging.Logger
}

// FetchResult is a successfully retrieved payload and what the transport
// declared about it.
type FetchResult struct {
	Data        []byte
	ContentType string
	FinalURL    string
}

// NewFetcher builds a fetcher around the guard's safe transport.
func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.Guard == nil {
		return nil, errors.New(errors.KindConfig, "image.NewFetcher", "guard is required")
	}
	if opts.MaxBytes <= 0 {
		return nil, errors.New(errors.KindConfig, "image.NewFetcher", "max bytes must be positive")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 3
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "framecast/1.0"
	}

	guard := opts.Guard
	client := &http.Client{
		Transport: guard.SafeTransport(timeout),
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if verdict := guard.Validate(req.Context(), req.URL.String()); !verdict.Allowed {
				return fmt.Errorf("redirect target rejected: %s", verdict.Reason)
			}
			return nil
		},
	}

	return &Fetcher{
		guard:     guard,
		client:    client,
		maxBytes:  opts.MaxBytes,
		userAgent: userAgent,
		logger:    opts.Logger,
	}, nil
}

// Fetch validates rawURL and downloads it within the configured time and
// size budget.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	ctx, finish := observability.StartSpan(ctx, "image", "fetch")
	result, err := f.fetch(ctx, rawURL)
	finish(err)
	return result, err
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	verdict := f.guard.Validate(ctx, rawURL)
	if !verdict.Allowed {
		observability.IncrCounter(observability.CounterFetchBlocked, 1)
		return nil, errors.New(errors.KindBlocked, "image.Fetch", verdict.Reason)
	}

	ctx, cancel := context.WithTimeout(ctx, f.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindFetch, "image.Fetch", "build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindFetch, "image.Fetch", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New(errors.KindFetch, "image.Fetch",
			fmt.Sprintf("unexpected status %d from remote host", resp.StatusCode))
	}

	// Declared length check first so an honestly oversized body is refused
	// without reading it.
	if resp.ContentLength > 0 && resp.ContentLength > f.maxBytes {
		return nil, errors.New(errors.KindPayload, "image.Fetch",
			fmt.Sprintf("remote image declares %d bytes, limit is %d", resp.ContentLength, f.maxBytes))
	}

	contentType := normalizeContentType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "image/") {
		return nil, errors.New(errors.KindMediaType, "image.Fetch",
			fmt.Sprintf("remote host returned content type %q, expected an image", contentType))
	}

	// The +1 window detects a body that crosses the ceiling even when the
	// declared length lied.
	limited := &io.LimitedReader{R: resp.Body, N: f.maxBytes + 1}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, errors.Wrap(errors.KindFetch, "image.Fetch", "read response body", err)
	}
	if limited.N <= 0 {
		return nil, errors.New(errors.KindPayload, "image.Fetch",
			fmt.Sprintf("remote image exceeds maximum size of %d bytes", f.maxBytes))
	}

	f.logger.DebugTag("Ingest", "fetched %d bytes from %s (%s)", len(data), verdict.Host, contentType)

	return &FetchResult{
		Data:        data,
		ContentType: contentType,
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// normalizeContentType lowercases a media type and strips parameters like
// charset.
func normalizeContentType(ct string) string {
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
