// Package fetcher retrieves document bytes over HTTP, rate-limited and
// retried the way a polite, long-running crawler must be.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"docwatch.dev/common"
)

// Config controls the HTTP fetcher's politeness and resilience knobs.
type Config struct {
	// UserAgent is sent on every request.
	UserAgent string
	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration
	// RequestsPerSecond throttles the fetcher process-wide. Zero disables the limiter.
	RequestsPerSecond float64
	// Burst is the limiter's token bucket size; defaults to 1 if RequestsPerSecond > 0.
	Burst int
	// MaxRetries is the number of additional attempts after a failed attempt
	// (a transport error or a non-2xx response).
	MaxRetries int
	// RetryBackoff is the base delay doubled on each retry attempt.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "docwatch/1.0 (+https://docwatch.dev)"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RequestsPerSecond > 0 && c.Burst == 0 {
		c.Burst = 1
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	return c
}

// HTTP is the production kernel.Fetcher implementation: a rate-limited HTTP
// client with bounded retries on transport errors and non-2xx responses.
type HTTP struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *common.ContextLogger
}

// New builds an HTTP fetcher. A nil or zero-value limiter config disables throttling.
func New(cfg Config) *HTTP {
	cfg = cfg.withDefaults()
	h := &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		log:    common.ServiceLogger("fetcher", "1"),
	}
	if cfg.RequestsPerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return h
}

// Fetch retrieves url, honoring the configured rate limit and retrying
// transport failures and non-2xx responses alike with exponential backoff,
// up to MaxRetries additional attempts.
func (h *HTTP) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := h.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(wait):
			}
		}

		data, contentType, err := h.fetchOnce(ctx, url)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		h.log.WithField("url", url).WithField("attempt", attempt).WithError(err).Warn("fetch attempt failed")
	}
	return nil, "", fmt.Errorf("fetcher: %s: %w", url, lastErr)
}

func (h *HTTP) fetchOnce(ctx context.Context, url string) ([]byte, string, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// HostThrottled wraps an HTTP fetcher with a per-host rate limiter, so one
// slow or strict host doesn't steal the shared limiter's budget from the rest.
type HostThrottled struct {
	inner       *HTTP
	perHostRate rate.Limit
	burst       int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostThrottled wraps inner with an additional per-host limiter.
func NewHostThrottled(inner *HTTP, requestsPerSecond float64, burst int) *HostThrottled {
	if burst == 0 {
		burst = 1
	}
	return &HostThrottled{
		inner:       inner,
		perHostRate: rate.Limit(requestsPerSecond),
		burst:       burst,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (h *HostThrottled) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.perHostRate, h.burst)
		h.limiters[host] = l
	}
	return l
}

func (h *HostThrottled) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	if err := h.limiterFor(req.URL.Host).Wait(ctx); err != nil {
		return nil, "", err
	}
	return h.inner.Fetch(ctx, url)
}
