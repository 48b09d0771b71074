package httpcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Options configures a Client.
type Options struct {
	// AllowRecord permits one live fill per key; otherwise the client is
	// offline-only and misses fail with Upstream.
	AllowRecord bool
	// MaxRetries bounds retry attempts for idempotent methods (default 3).
	MaxRetries int
	// BaseBackoff is the first retry delay (default 200ms); growth is
	// exponential with jitter.
	BaseBackoff time.Duration
	// PerHostRate paces live calls per host (default 2/s burst 4).
	PerHostRate  rate.Limit
	PerHostBurst int
	// Transport overrides the underlying round tripper (tests).
	Transport http.RoundTripper
	// Timeout bounds each live attempt (default 30s).
	Timeout time.Duration
}

// Client serves requests from the content-addressed cache, optionally
// recording one live response per key. Backoff waits use a context-aware
// timer; there are no blocking sleeps on request paths.
type Client struct {
	cache    *Cache
	opts     Options
	http     *http.Client
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	recorded map[string]bool
	clock    func() time.Time
}

// NewClient builds a Client over the given cache.
func NewClient(cache *Cache, opts Options) *Client {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.PerHostRate == 0 {
		opts.PerHostRate = rate.Every(500 * time.Millisecond)
	}
	if opts.PerHostBurst == 0 {
		opts.PerHostBurst = 4
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: opts.Timeout}
	if opts.Transport != nil {
		hc.Transport = opts.Transport
	}
	return &Client{
		cache:    cache,
		opts:     opts,
		http:     hc,
		limiters: make(map[string]*rate.Limiter),
		recorded: make(map[string]bool),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Do serves the request from cache, recording a live response on miss when
// recording is enabled. The returned response body is always replayable
// from the cache envelope.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, "httpcache.do", err)
		}
	}
	key := Key(req.Method, req.URL.String(), req.Header, bodyBytes)

	env, hit, err := c.cache.Get(key)
	if err != nil {
		return nil, errkind.Wrap(errkind.Upstream, "httpcache.do", err)
	}
	if hit {
		return env.Response(req)
	}

	if !c.opts.AllowRecord {
		return nil, errkind.New(errkind.Upstream, "httpcache.do",
			"cache miss for %s %s (offline; set ALLOW_RECORD to fill)", req.Method, req.URL.Host)
	}

	c.mu.Lock()
	already := c.recorded[key]
	c.recorded[key] = true
	c.mu.Unlock()
	if already {
		// One live call per key per process; a concurrent fill either
		// landed (cache hit above next time) or failed permanently.
		return nil, errkind.New(errkind.Conflict, "httpcache.do",
			"recording already attempted for this request")
	}

	resp, body, err := c.fetch(ctx, req, bodyBytes)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(key, resp.StatusCode, resp.Header, body, c.clock()); err != nil {
		return nil, errkind.Wrap(errkind.Upstream, "httpcache.record", err)
	}
	env, _, err = c.cache.Get(key)
	if err != nil {
		return nil, errkind.Wrap(errkind.Upstream, "httpcache.do", err)
	}
	return env.Response(req)
}

// fetch performs the live call with limiter pacing and bounded retries.
// Only idempotent methods retry; 4xx never retries; 5xx retries up to the
// budget; network errors count as transient.
func (c *Client) fetch(ctx context.Context, req *http.Request, body []byte) (*http.Response, []byte, error) {
	limiter := c.hostLimiter(req.URL.Host)

	idempotent := req.Method == http.MethodGet || req.Method == http.MethodHead
	attempts := 1
	if idempotent {
		attempts = c.opts.MaxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, nil, errkind.Wrap(errkind.Timeout, "httpcache.fetch", err)
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil, nil, errkind.Wrap(errkind.Timeout, "httpcache.fetch", err)
		}

		attemptReq := req.Clone(ctx)
		if body != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(body))
		}
		resp, err := c.http.Do(attemptReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("upstream %d from %s", resp.StatusCode, req.URL.Host)
			continue
		case resp.StatusCode >= 400:
			return nil, nil, errkind.New(errkind.Upstream, "httpcache.fetch",
				"upstream %d from %s (not retried)", resp.StatusCode, req.URL.Host)
		default:
			return resp, respBody, nil
		}
	}
	return nil, nil, errkind.Wrap(errkind.Upstream, "httpcache.fetch", lastErr)
}

// backoff waits for the attempt's exponential delay with jitter, honouring
// cancellation through a timer rather than a sleep.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.opts.BaseBackoff << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(c.opts.BaseBackoff) / 2))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) hostLimiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.opts.PerHostRate, c.opts.PerHostBurst)
		c.limiters[host] = l
	}
	return l
}
