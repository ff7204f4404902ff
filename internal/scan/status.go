package scan

import "fmt"

// Status is the lifecycle state of a scan job.
type Status string

const (
	// StatusQueued indicates the job was accepted but no phase has started.
	StatusQueued Status = "queued"
	// StatusDiscovering indicates the crawl of the target site is running.
	StatusDiscovering Status = "discovering"
	// StatusSelecting indicates discovered pages are being ranked.
	StatusSelecting Status = "selecting"
	// StatusScraping indicates selected pages are being downloaded.
	StatusScraping Status = "scraping"
	// StatusExtracting indicates page content is being extracted.
	StatusExtracting Status = "extracting"
	// StatusAnalyzing indicates pages are being scored.
	StatusAnalyzing Status = "analyzing"
	// StatusAggregating indicates per-page results are being combined.
	StatusAggregating Status = "aggregating"
	// StatusCompleted marks a finished job with results.
	StatusCompleted Status = "completed"
	// StatusFailed marks a job that stopped with an error.
	StatusFailed Status = "failed"
)

// statusOrder is the forward path through the pipeline. Failed sits outside it.
var statusOrder = []Status{
	StatusQueued,
	StatusDiscovering,
	StatusSelecting,
	StatusScraping,
	StatusExtracting,
	StatusAnalyzing,
	StatusAggregating,
	StatusCompleted,
}

var statusLabels = map[Status]string{
	StatusQueued:      "Queued",
	StatusDiscovering: "Discovering pages",
	StatusSelecting:   "Selecting important pages",
	StatusScraping:    "Scraping pages",
	StatusExtracting:  "Extracting page content",
	StatusAnalyzing:   "Analyzing pages",
	StatusAggregating: "Aggregating results",
	StatusCompleted:   "Completed",
	StatusFailed:      "Failed",
}

var statusProgress = map[Status]int{
	StatusQueued:      0,
	StatusDiscovering: 15,
	StatusSelecting:   35,
	StatusScraping:    50,
	StatusExtracting:  60,
	StatusAnalyzing:   70,
	StatusAggregating: 90,
	StatusCompleted:   100,
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Valid reports whether s is one of the defined states.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the human readable text for s.
func (s Status) Label() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// Progress returns the progress percent associated with entering s.
// Failed has no percent of its own; callers keep the last recorded value.
func (s Status) Progress() (int, bool) {
	p, ok := statusProgress[s]
	return p, ok
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	for i, candidate := range statusOrder {
		if candidate == s {
			return i
		}
	}
	return len(statusOrder)
}

// CanTransition reports whether a job in from may move to to.
// Re-entering the current status is allowed so redelivered phases stay idempotent.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.rank() >= from.rank()
}

// SourcesFor lists every status from which to is reachable.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range statusOrder {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
