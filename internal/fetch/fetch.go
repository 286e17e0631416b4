// Package fetch provides the HTTP retrieval capability injected into the
// extraction waterfall and the scraper strategy base.
//
// A Client performs polite GETs with a rotated user agent, a hard per-call
// timeout, and bounded exponential-backoff retries for transient failures
// (HTTP 429, 5xx, and transport errors). Other 4xx responses fail immediately.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout is the hard per-request timeout.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxRetries bounds retry attempts after the initial request.
	DefaultMaxRetries = 3
	// DefaultRetryBase is the first retry delay.
	DefaultRetryBase = 500 * time.Millisecond
	// DefaultRetryCap bounds the retry delay growth.
	DefaultRetryCap = 8 * time.Second

	// MaxBodyBytes bounds how much of a response body is read.
	MaxBodyBytes = 5 * 1024 * 1024
)

// userAgents is rotated across requests so a scrape run does not present a
// single fingerprint to every origin.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// Result is the outcome of a successful fetch.
type Result struct {
	HTML   string
	Status int
}

// Fetcher is the injectable retrieval capability. The feed extraction
// strategy and the scraper base depend on this interface, never on Client
// directly, so tests can substitute stubs.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status indicates a transient condition.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config controls Client behavior. Zero values fall back to the defaults
// above.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	// Politeness is an optional delay inserted before every request.
	Politeness time.Duration
}

// Client is the default Fetcher implementation.
type Client struct {
	http *http.Client
	cfg  Config

	mu      sync.Mutex
	uaIndex int
}

// NewClient creates a Client with defaults filled in for any zero Config
// fields.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRetryCap
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
	}
}

// nextUserAgent returns the next user agent in round-robin order.
func (c *Client) nextUserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ua := userAgents[c.uaIndex%len(userAgents)]
	c.uaIndex++
	return ua
}

// newBackOff builds the retry schedule: exponential doubling from base,
// capped, with up to 20% jitter.
func newBackOff(base, cap time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = cap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Fetch performs a GET with retries. Transport errors and retryable HTTP
// statuses are retried up to MaxRetries times; other 4xx responses fail
// immediately. Cancellation through ctx always resolves to an error.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	if c.cfg.Politeness > 0 {
		select {
		case <-time.After(c.cfg.Politeness):
		case <-ctx.Done():
			return nil, fmt.Errorf("politeness wait: %w", ctx.Err())
		}
	}

	var result *Result
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("User-Agent", c.nextUserAgent())
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, URL: url}
			if httpErr.Retryable() {
				return httpErr
			}
			return backoff.Permanent(httpErr)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
		if err != nil {
			return fmt.Errorf("reading body: %w", err)
		}
		result = &Result{HTML: string(body), Status: resp.StatusCode}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(newBackOff(c.cfg.RetryBase, c.cfg.RetryCap), uint64(c.cfg.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return result, nil
}
