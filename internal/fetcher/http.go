package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/carbonwatch/emissions-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	MaxBytes   int64
	// PerHostRate limits requests per second to any single host. Report hosts
	// are third-party corporate sites; we stay polite.
	PerHostRate  rate.Limit
	PerHostBurst int
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.UserAgent == "" {
		o.UserAgent = "emissions-cli/1.0"
	}
	if o.Timeout == 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.PerHostRate == 0 {
		o.PerHostRate = 2
	}
	if o.PerHostBurst == 0 {
		o.PerHostBurst = 4
	}
	return o
}

// HTTPFetcher downloads documents over HTTP with per-host rate limiting and
// retry on transient failures.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPFetcher creates an HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	opts = opts.withDefaults()
	transport := &http.Transport{
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.opts.PerHostRate, f.opts.PerHostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch downloads rawURL and returns the body, at most MaxBytes long.
// Network errors and retryable statuses (429, 5xx) are retried MaxRetries
// times in-process; anything that still fails comes back as a transient
// error so the queue broker applies its own redelivery budget on top.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	lim := f.limiterFor(rawURL)

	var lastErr error
	for attempt := 0; attempt < f.opts.MaxRetries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		body, retryAfter, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !resilience.IsTransient(err) {
			return nil, err
		}

		zap.L().Warn("http fetch failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		f.backoff(ctx, attempt, retryAfter)
	}
	return nil, eris.Wrapf(lastErr, "fetch %s: retries exhausted", rawURL)
}

// fetchOnce performs a single request. The second return value is the parsed
// Retry-After delay when the server sent one.
func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, resilience.NewTransientError(eris.Wrap(err, "http request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("http %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, parseRetryAfter(resp.Header.Get("Retry-After")), resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, 0, statusErr
	}

	// LimitReader with one extra byte so an over-limit body is detectable.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, 0, resilience.NewTransientError(eris.Wrap(err, "read body"), 0)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, 0, eris.Errorf("document exceeds %d byte limit: %s", f.opts.MaxBytes, rawURL)
	}
	return body, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (f *HTTPFetcher) backoff(ctx context.Context, attempt int, retryAfter time.Duration) {
	d := resilience.Backoff(attempt, resilience.DefaultRetryConfig())
	if retryAfter > d {
		d = retryAfter
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
