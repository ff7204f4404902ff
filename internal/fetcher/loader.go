package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// errRetryableStatus marks 429 and 5xx responses so the retry policy sees them.
var errRetryableStatus = errors.New("retryable status")

type retryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Loader fetches a page over plain HTTP, promoting it to the headless fetcher
// when the detector says the response is a client-rendered shell.
type Loader struct {
	static   scan.Fetcher
	headless scan.Fetcher
	detector scan.HeadlessDetector
	limiter  scan.RateLimiter
	retry    retryPolicy
	logger   *zap.Logger
}

// Option customizes a Loader.
type Option func(*Loader)

// WithHeadless enables promotion to a rendering fetcher.
func WithHeadless(f scan.Fetcher, d scan.HeadlessDetector) Option {
	return func(l *Loader) {
		l.headless = f
		l.detector = d
	}
}

// WithRateLimiter throttles every request through limiter.
func WithRateLimiter(limiter scan.RateLimiter) Option {
	return func(l *Loader) { l.limiter = limiter }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p *ExponentialRetryPolicy) Option {
	return func(l *Loader) { l.retry = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader builds a Loader around the plain fetcher.
func NewLoader(static scan.Fetcher, opts ...Option) *Loader {
	l := &Loader{
		static: static,
		retry:  NewExponentialRetryPolicy(1, 0, 0),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches url, retrying transient failures and promoting to headless when needed.
func (l *Loader) Load(ctx context.Context, url string) (scan.FetchResponse, error) {
	resp, err := l.fetchWithRetry(ctx, l.static, scan.FetchRequest{URL: url})
	if err != nil {
		return scan.FetchResponse{}, err
	}
	if l.headless == nil || l.detector == nil || !l.detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := l.fetchWithRetry(ctx, l.headless, scan.FetchRequest{URL: url, UseHeadless: true})
	if err != nil {
		l.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return resp, nil
	}
	l.logger.Debug("headless promotion applied", zap.String("url", url))
	return rendered, nil
}

// FetchLinks implements scan.LinkFetcher.
func (l *Loader) FetchLinks(ctx context.Context, url string) (scan.LinkPage, error) {
	resp, err := l.Load(ctx, url)
	if err != nil {
		return scan.LinkPage{}, err
	}
	return scan.LinkPage{
		URL:        url,
		FinalURL:   resp.URL,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Links:      resp.Links,
		Rendered:   resp.UsedHeadless,
	}, nil
}

// Scrape implements scan.Scraper.
func (l *Loader) Scrape(ctx context.Context, url string) (scan.ScrapeResult, error) {
	resp, err := l.Load(ctx, url)
	if err != nil {
		return scan.ScrapeResult{}, err
	}
	return scan.ScrapeResult{
		URL:        url,
		FinalURL:   resp.URL,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Duration:   resp.Duration,
		Rendered:   resp.UsedHeadless,
	}, nil
}

func (l *Loader) fetchWithRetry(ctx context.Context, f scan.Fetcher, req scan.FetchRequest) (scan.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx, req.URL); err != nil {
				return scan.FetchResponse{}, err
			}
		}
		resp, err := f.Fetch(ctx, req)
		if err == nil && retryableStatus(resp.StatusCode) {
			err = fmt.Errorf("%w %d", errRetryableStatus, resp.StatusCode)
		}
		if err == nil {
			return resp, nil
		}
		if !l.retry.ShouldRetry(err, attempt) {
			if errors.Is(err, errRetryableStatus) {
				// Out of retries; hand the error page back to the caller.
				return resp, nil
			}
			return scan.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
		wait := l.retry.Backoff(attempt)
		l.logger.Debug("retrying fetch", zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return scan.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
