package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultMaxBytes      = 8 << 20
	defaultMaxConcurrent = 4
	userAgent            = "Mozilla/5.0 (compatible; Emocchi/1.0)"
)

// DownloadError reports a failed image download: a rejected URL, a
// transport failure, a non-2xx status or an oversized body.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

var errTooLarge = errors.New("response body exceeds size limit")

// DownloadOptions configures a Downloader. Zero values fall back to defaults.
type DownloadOptions struct {
	Timeout       time.Duration
	MaxBytes      int64
	MaxConcurrent int64
	Policy        *HostPolicy
	Client        *http.Client
}

// Downloader fetches image bytes over HTTP(S). Every request is bounded by
// a timeout and a body size cap, and at most MaxConcurrent requests run at once.
type Downloader struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	policy   *HostPolicy
	sem      *semaphore.Weighted
}

// NewDownloader creates a Downloader from opts.
func NewDownloader(opts DownloadOptions) *Downloader {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Downloader{
		client:   opts.Client,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		policy:   opts.Policy,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Download fetches rawURL and returns the complete body. Every failure is a
// *DownloadError; partial bodies are never returned.
func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("invalid url: %w", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if !d.policy.Allows(u.Hostname()) {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("host %q is not allowed", u.Hostname())}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	defer d.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownloadError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > d.maxBytes {
		return nil, &DownloadError{URL: rawURL, Err: errTooLarge}
	}
	return body, nil
}
