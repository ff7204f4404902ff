package scan

import (
	"context"
	"time"
)

// JobStore persists scan jobs and their pages. Writes are atomic per job.
type JobStore interface {
	CreateJob(ctx context.Context, target Target) (string, error)
	GetJob(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, jobID string, patch JobPatch) (Job, error)
	TransitionJob(ctx context.Context, jobID string, to Status, patch JobPatch) (Job, error)
	ReplacePages(ctx context.Context, jobID string, pages []Page) error
	UpdatePage(ctx context.Context, jobID string, page Page) error
	ListPages(ctx context.Context, jobID string) ([]Page, error)
	// ListJobs returns jobs matching filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}

// BlobStore stores scraped HTML.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
}

// TaskHandler processes one task. A returned error asks the broker to redeliver.
type TaskHandler interface {
	HandleTask(ctx context.Context, task Task) error
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task Task) error

// HandleTask calls f.
func (f TaskHandlerFunc) HandleTask(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Broker publishes tasks to named queues and consumes them with bounded concurrency.
type Broker interface {
	Publish(ctx context.Context, queue string, task Task) error
	// Consume blocks until ctx is done, running at most concurrency handlers at once.
	Consume(ctx context.Context, queue string, concurrency int, handler TaskHandler) error
	Close() error
}

// DeadLetterHandler is implemented by task handlers that want to hear about
// tasks a broker stopped redelivering.
type DeadLetterHandler interface {
	HandleDeadLetter(ctx context.Context, task Task, cause error)
}

// Revoker is implemented by brokers that can drop queued tasks for a job.
type Revoker interface {
	Revoke(ctx context.Context, jobID string) error
}

// LinkPage is a fetched page reduced to what discovery needs.
type LinkPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Links      []string
	Rendered   bool
}

// LinkFetcher loads a page and reports its absolute outbound links.
type LinkFetcher interface {
	FetchLinks(ctx context.Context, url string) (LinkPage, error)
}

// Ranker orders URLs by audit importance. Implementations return
// ErrRankerTimeout, ErrRankerUnavailable or ErrRankerMalformed on failure.
type Ranker interface {
	Rank(ctx context.Context, urls []string, topN int) ([]string, error)
}

// Scraper downloads a page.
type Scraper interface {
	Scrape(ctx context.Context, url string) (ScrapeResult, error)
}

// Extractor parses page HTML into structured findings.
type Extractor interface {
	Extract(ctx context.Context, pageURL string, html []byte) (Extraction, error)
}

// Analyzer scores a page from its findings.
type Analyzer interface {
	Analyze(ctx context.Context, input AnalysisInput) (Analysis, error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates identifiers for jobs and tasks.
type IDGenerator interface {
	NewID() (string, error)
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
