package scan

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes one page download.
type FetchRequest struct {
	JobID       string
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is what a fetcher saw, including the absolute links on the page.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Links        []string
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher downloads a page over plain HTTP or a headless browser.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a plain fetch needs rendering.
type HeadlessDetector interface {
	ShouldPromote(resp FetchResponse) bool
}

// Hasher turns page bytes into a content digest.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// RateLimiter throttles requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}
