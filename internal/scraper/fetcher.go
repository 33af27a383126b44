package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/harvest/internal/blockpage"
	"github.com/FranksOps/harvest/internal/fingerprint"
	"github.com/FranksOps/harvest/internal/metrics"
	"github.com/FranksOps/harvest/pkg/httpclient"
	"github.com/FranksOps/harvest/pkg/proxy"
	"github.com/FranksOps/harvest/pkg/ratelimit"
	"github.com/FranksOps/harvest/pkg/useragent"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// Outcome classifies a completed fetch.
type Outcome int

const (
	// OutcomeSuccess means a results body was retrieved.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the attempt failed in a retryable way
	// (network error, timeout, 5xx, rate-limit signal).
	OutcomeTransient
	// OutcomePermanent means the page is abandoned: a non-retryable failure,
	// or retries were exhausted.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient-failure"
	case OutcomePermanent:
		return "permanent-failure"
	default:
		return "unknown"
	}
}

// Request identifies one results-page fetch.
type Request struct {
	Keyword string
	Page    int
	URL     string
}

// Response is the terminal result of a Request after the retry policy has
// run its course.
type Response struct {
	Outcome     Outcome
	StatusCode  int
	Body        []byte
	Attempts    int    // attempts actually issued
	RateLimited bool   // a rate-limit signal drove the (last) failure
	BlockSource string // which interstitial was detected, if any
	Err         error  // detail for non-success outcomes
}

// Config configures a Fetcher.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UseCookieJar bool

	// MaxAttempts caps how many times one Request may be issued before the
	// outcome converts to permanent-failure. Default 3.
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per
	// attempt. Default 500ms.
	BackoffBase time.Duration
	// BackoffCap bounds the computed backoff delay. Default 30s.
	BackoffCap time.Duration
	// RateLimitMultiplier elevates the backoff when the failure was an
	// explicit rate-limit signal. Default 4.
	RateLimitMultiplier float64

	// Interval is the minimum spacing between requests to the same host.
	Interval time.Duration
	// Jitter adds up to jitter*Interval of extra random delay per request.
	Jitter float64

	ProxyPool   *proxy.Pool
	UAPool      *useragent.Pool
	Fingerprint fingerprint.Profile
	Detectors   []blockpage.Detector

	// Sleep is the delay primitive used between retries, injectable so tests
	// run without real waits. Defaults to a timer honoring ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fetcher retrieves result pages, owning the retry/backoff policy and the
// per-host rate limit. Apart from the shared rate state it is a pure
// function of its input.
type Fetcher struct {
	config  Config
	client  *httpclient.Client
	limiter *ratelimit.PerHost
}

// NewFetcher initializes a Fetcher with the given configuration.
// By holding a single client across requests, cookie jars (if configured)
// persist for the lifetime of the Fetcher.
func NewFetcher(cfg Config) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.RateLimitMultiplier <= 0 {
		cfg.RateLimitMultiplier = 4
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if string(cfg.Fingerprint) == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}

	// One transport per fetcher allows connection pooling. The proxy is read
	// from the request context so the pool can rotate per request without
	// mutating the shared transport.
	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if val := req.Context().Value(proxyKey); val != nil {
			if u, ok := val.(*url.URL); ok {
				return u, nil
			}
		}
		if req.URL.Hostname() == "127.0.0.1" || req.URL.Host == "example.com" {
			// Keep system proxies out of local test traffic.
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, proxyFunc)
	if err != nil {
		return nil, fmt.Errorf("setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Fetcher{
		config:  cfg,
		client:  client,
		limiter: ratelimit.NewPerHost(cfg.Interval, cfg.Jitter),
	}, nil
}

// Backoff computes the delay before retrying the given 1-based attempt:
// base doubled per attempt, capped at max. It is a pure function so retry
// timing is reproducible in tests.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

// Fetch issues the request, retrying transient failures with exponential
// backoff up to the configured attempt ceiling. The returned Response always
// carries a terminal Outcome; Fetch itself never returns an error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) *Response {
	host := hostOf(req.URL)

	var last *Response

	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx, host); err != nil {
			return &Response{
				Outcome:  OutcomeTransient,
				Attempts: attempt - 1,
				Err:      fmt.Errorf("rate limiter: %w", err),
			}
		}

		last = f.attempt(ctx, req)
		last.Attempts = attempt

		if last.Outcome != OutcomeTransient {
			return last
		}

		if attempt == f.config.MaxAttempts {
			break
		}

		delay := Backoff(attempt, f.config.BackoffBase, f.config.BackoffCap)
		if last.RateLimited {
			delay = time.Duration(float64(delay) * f.config.RateLimitMultiplier)
			if delay > f.config.BackoffCap {
				delay = f.config.BackoffCap
			}
		}

		reason := "transient"
		if last.RateLimited {
			reason = "rate_limited"
		}
		metrics.FetchRetriesTotal.WithLabelValues(host, reason).Inc()

		if err := f.config.Sleep(ctx, delay); err != nil {
			last.Err = fmt.Errorf("backoff interrupted: %w", err)
			return last
		}
	}

	// Retries exhausted: the page is abandoned for this keyword.
	last.Outcome = OutcomePermanent
	last.Err = fmt.Errorf("giving up after %d attempts: %w", f.config.MaxAttempts, errOrStatus(last))
	return last
}

// attempt issues one GET and classifies the result.
func (f *Fetcher) attempt(ctx context.Context, req Request) *Response {
	start := time.Now()

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		activeProxy = f.config.ProxyPool.Next()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return &Response{
			Outcome: OutcomePermanent,
			Err:     fmt.Errorf("create request: %w", err),
		}
	}

	if activeProxy != nil {
		httpReq = httpReq.WithContext(context.WithValue(httpReq.Context(), proxyKey, activeProxy))
	}

	httpReq.Header.Set("User-Agent", f.config.UAPool.Next())
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.5")

	host := hostOf(req.URL)

	resp, err := f.client.Do(httpReq.Context(), httpReq)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.MarkFailure(activeProxy)
		}
		metrics.RecordFetch(host, 0, true, time.Since(start))
		return &Response{
			Outcome: OutcomeTransient,
			Err:     fmt.Errorf("request failed: %w", err),
		}
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordFetch(host, resp.StatusCode, true, time.Since(start))
		return &Response{
			Outcome:    OutcomeTransient,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	metrics.RecordFetch(host, resp.StatusCode, false, time.Since(start))

	return f.classify(host, resp.StatusCode, resp.Header, body)
}

// classify maps a completed HTTP exchange onto the fetch outcome taxonomy.
func (f *Fetcher) classify(host string, statusCode int, headers http.Header, body []byte) *Response {
	res := &Response{
		StatusCode: statusCode,
		Body:       body,
	}

	// A block page trumps the status code: the interstitial can arrive as a
	// 200 and still means "back off".
	if detected, source := blockpage.Detect(statusCode, headers, body, f.config.Detectors); detected {
		metrics.BlockPagesTotal.WithLabelValues(host, source).Inc()
		res.Outcome = OutcomeTransient
		res.RateLimited = true
		res.BlockSource = source
		res.Err = fmt.Errorf("blocked by %s (status %d)", source, statusCode)
		return res
	}

	switch {
	case statusCode >= 500:
		res.Outcome = OutcomeTransient
		res.Err = fmt.Errorf("server error: status %d", statusCode)
	case statusCode == http.StatusTooManyRequests:
		// Normally caught by the detector; kept for custom detector lists.
		res.Outcome = OutcomeTransient
		res.RateLimited = true
		res.Err = fmt.Errorf("rate limited: status %d", statusCode)
	case statusCode >= 400:
		res.Outcome = OutcomePermanent
		res.Err = fmt.Errorf("client error: status %d", statusCode)
	default:
		res.Outcome = OutcomeSuccess
	}

	return res
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func errOrStatus(r *Response) error {
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("status %d", r.StatusCode)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
