package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Format is the kind of content a Document carries.
type Format int

const (
	HTML Format = iota
	Text
)

// Document is the content acquired for one URL.
type Document struct {
	URL    string
	Body   string
	Format Format
}

// Config controls timeouts, retries and pacing.
type Config struct {
	Browser           BrowserConfig
	Timeout           time.Duration
	MaxRetries        int
	ConcurrentLimit   int
	WaitTime          time.Duration
	RetryCodes        []int
	BaseDelay         time.Duration
	BackoffFactor     float64
	RequestsPerMinute int
	BurstSize         int

	// RespectRobots skips URLs that the origin's robots.txt disallows.
	RespectRobots bool
}

// DefaultConfig returns the settings the scraper ships with.
func DefaultConfig() Config {
	return Config{
		Browser: BrowserConfig{
			Headless:          true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			ViewportWidth:     1920,
			ViewportHeight:    1080,
			IgnoreHTTPSErrors: true,
			WaitCondition:     WaitNetworkIdle,
		},
		Timeout:           40 * time.Second,
		MaxRetries:        3,
		ConcurrentLimit:   5,
		WaitTime:          2 * time.Second,
		RetryCodes:        []int{429, 500, 502, 503, 504},
		BaseDelay:         time.Second,
		BackoffFactor:     2,
		RequestsPerMinute: 30,
		BurstSize:         5,
	}
}

// Stats counts fetcher activity since creation.
type Stats struct {
	Fetches  int64 // calls to Fetch
	Attempts int64 // individual navigation attempts
	Retries  int64
	Failures int64 // Fetch calls that returned an error
}

// Fetcher acquires page content. One Fetcher is shared by a batch so the
// rate limiter and concurrency bound apply across all URLs.
type Fetcher struct {
	browser    Browser
	cfg        Config
	limiter    *rate.Limiter
	sem        *semaphore.Weighted
	httpClient *http.Client
	logger     *slog.Logger

	robotsMu sync.Mutex
	robots   map[string]*robotstxt.Group

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(url string, attempt int, delay time.Duration, err error)

	fetches  atomic.Int64
	attempts atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// New creates a Fetcher. A nil logger uses slog.Default().
func New(browser Browser, cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = 1
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &Fetcher{
		browser:    browser,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		sem:        semaphore.NewWeighted(int64(cfg.ConcurrentLimit)),
		httpClient: &http.Client{},
		logger:     logger,
		robots:     make(map[string]*robotstxt.Group),
	}
}

// Stats returns a snapshot of the counters.
func (f *Fetcher) Stats() Stats {
	return Stats{
		Fetches:  f.fetches.Load(),
		Attempts: f.attempts.Load(),
		Retries:  f.retries.Load(),
		Failures: f.failures.Load(),
	}
}

// Fetch returns the content of rawURL. Transient failures are retried up to
// MaxRetries times; the returned error is always a *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	f.fetches.Add(1)

	u, err := validateURL(rawURL)
	if err != nil {
		f.failures.Add(1)
		return Document{}, &Error{Kind: KindNonRetryable, URL: rawURL, Err: err}
	}
	target := u.String()

	if f.cfg.RespectRobots && !f.allowed(ctx, u) {
		f.failures.Add(1)
		return Document{}, &Error{Kind: KindNonRetryable, URL: target, Err: ErrDisallowed}
	}

	once := f.fetchPage
	if isPDF(u) {
		once = f.fetchPDF
	}

	for attempt := 1; ; attempt++ {
		doc, err := f.attempt(ctx, target, once)
		if err == nil {
			return doc, nil
		}

		kind := classify(err, f.cfg.RetryCodes)
		if ctx.Err() != nil {
			f.failures.Add(1)
			return Document{}, &Error{Kind: kind, URL: target, Attempts: attempt, Err: ctx.Err()}
		}
		if !kind.Retryable() || attempt > f.cfg.MaxRetries {
			f.failures.Add(1)
			return Document{}, &Error{Kind: kind, URL: target, Attempts: attempt, Err: err}
		}

		delay := f.backoff(attempt)
		f.retries.Add(1)
		f.logger.Warn("fetch attempt failed, retrying",
			"url", target, "attempt", attempt, "kind", kind.String(), "delay", delay, "error", err)
		if f.OnRetry != nil {
			f.OnRetry(target, attempt, delay, err)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			f.failures.Add(1)
			return Document{}, &Error{Kind: kind, URL: target, Attempts: attempt, Err: ctx.Err()}
		case <-t.C:
		}
	}
}

// backoff returns BaseDelay * BackoffFactor^attempt.
func (f *Fetcher) backoff(attempt int) time.Duration {
	return time.Duration(float64(f.cfg.BaseDelay) * math.Pow(f.cfg.BackoffFactor, float64(attempt)))
}

func (f *Fetcher) attempt(ctx context.Context, target string, once func(context.Context, string) (Document, error)) (Document, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// Wait refuses up front when the next token lands after ctx's deadline.
			return Document{}, fmt.Errorf("waiting for rate limiter: %w: %w", context.DeadlineExceeded, err)
		}
		return Document{}, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return Document{}, fmt.Errorf("acquiring fetch slot: %w", err)
	}
	defer f.sem.Release(1)

	f.attempts.Add(1)
	return once(ctx, target)
}

func (f *Fetcher) fetchPage(ctx context.Context, target string) (Document, error) {
	sess, err := f.browser.Launch(ctx, f.cfg.Browser)
	if err != nil {
		return Document{}, fmt.Errorf("launching browser: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			f.logger.Warn("closing browser session", "url", target, "error", cerr)
		}
	}()

	page, err := sess.Fetch(ctx, Navigation{
		URL:     target,
		Timeout: f.cfg.Timeout,
		Wait:    f.cfg.Browser.WaitCondition,
		Settle:  f.cfg.WaitTime,
	})
	if err != nil {
		return Document{}, err
	}
	if page.StatusCode >= 400 {
		return Document{}, &StatusError{Code: page.StatusCode}
	}
	return Document{URL: target, Body: page.HTML, Format: HTML}, nil
}

func validateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q: missing host", rawURL)
	}
	return u, nil
}

func isPDF(u *url.URL) bool {
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}
