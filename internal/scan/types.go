package scan

import (
	"time"
)

// ScanType narrows which categories contribute to a job's score.
type ScanType string

const (
	// ScanTypeFull scores every category.
	ScanTypeFull ScanType = "full"
	// ScanTypeSEO scores search-engine metadata only.
	ScanTypeSEO ScanType = "seo"
	// ScanTypeAccessibility scores accessibility findings only.
	ScanTypeAccessibility ScanType = "accessibility"
	// ScanTypePerformance scores page weight and load only.
	ScanTypePerformance ScanType = "performance"
)

// Score categories.
const (
	CategorySEO           = "seo"
	CategoryAccessibility = "accessibility"
	CategoryPerformance   = "performance"
)

// Valid reports whether t is a known scan type.
func (t ScanType) Valid() bool {
	switch t {
	case ScanTypeFull, ScanTypeSEO, ScanTypeAccessibility, ScanTypePerformance:
		return true
	default:
		return false
	}
}

// Categories returns the score categories in scope for t.
func (t ScanType) Categories() []string {
	switch t {
	case ScanTypeSEO:
		return []string{CategorySEO}
	case ScanTypeAccessibility:
		return []string{CategoryAccessibility}
	case ScanTypePerformance:
		return []string{CategoryPerformance}
	default:
		return []string{CategorySEO, CategoryAccessibility, CategoryPerformance}
	}
}

// Target is what a client asks to audit.
type Target struct {
	URL      string   `json:"url"`
	ScanType ScanType `json:"scan_type"`
	UserID   string   `json:"user_id,omitempty"`
}

// JobCounters tracks per-phase page counts.
type JobCounters struct {
	PagesDiscovered int `json:"pages_discovered"`
	PagesSelected   int `json:"pages_selected"`
	PagesScanned    int `json:"pages_scanned"`
}

// IssueCounts summarises issues by severity.
type IssueCounts struct {
	Total    int `json:"total_issues"`
	Critical int `json:"critical_issues"`
	Warning  int `json:"warning_issues"`
	Info     int `json:"info_issues"`
}

// Job is the persisted record of a scan.
type Job struct {
	ID              string         `json:"job_id"`
	Target          Target         `json:"target"`
	Status          Status         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentStep     string         `json:"current_step"`
	Counters        JobCounters    `json:"counters"`
	OverallScore    *int           `json:"overall_score,omitempty"`
	CategoryScores  map[string]int `json:"category_scores,omitempty"`
	Issues          IssueCounts    `json:"issues"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// JobPatch carries a partial update. Nil fields are left untouched.
type JobPatch struct {
	ProgressPercent *int
	CurrentStep     *string
	PagesDiscovered *int
	PagesSelected   *int
	PagesScanned    *int
	OverallScore    *int
	CategoryScores  map[string]int
	Issues          *IssueCounts
	ErrorMessage    *string
}

// Apply merges the patch into job. Progress only moves forward.
func (p JobPatch) Apply(job *Job) {
	if p.ProgressPercent != nil && *p.ProgressPercent > job.ProgressPercent {
		job.ProgressPercent = *p.ProgressPercent
	}
	if p.CurrentStep != nil {
		job.CurrentStep = *p.CurrentStep
	}
	if p.PagesDiscovered != nil {
		job.Counters.PagesDiscovered = *p.PagesDiscovered
	}
	if p.PagesSelected != nil {
		job.Counters.PagesSelected = *p.PagesSelected
	}
	if p.PagesScanned != nil {
		job.Counters.PagesScanned = *p.PagesScanned
	}
	if p.OverallScore != nil {
		score := *p.OverallScore
		job.OverallScore = &score
	}
	if p.CategoryScores != nil {
		job.CategoryScores = cloneScores(p.CategoryScores)
	}
	if p.Issues != nil {
		job.Issues = *p.Issues
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = *p.ErrorMessage
	}
}

// Job listing bounds.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

// JobFilter narrows a job listing. Empty fields match everything.
type JobFilter struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}

// Normalize clamps Limit to 1..MaxListLimit and Offset to >= 0.
func (f JobFilter) Normalize() JobFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether job passes the user and status filters.
func (f JobFilter) Matches(job Job) bool {
	if f.UserID != "" && job.Target.UserID != f.UserID {
		return false
	}
	return f.Status == "" || job.Status == f.Status
}

// Severity ranks how serious an issue is.
type Severity string

// Issue severities.
const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue is a single audit finding on a page.
type Issue struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Element  string   `json:"element,omitempty"`
}

// Page is a discovered URL and everything later phases learn about it.
type Page struct {
	URL            string         `json:"url"`
	Order          int            `json:"order"`
	Rank           int            `json:"rank,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
	FinalURL       string         `json:"final_url,omitempty"`
	BlobURI        string         `json:"blob_uri,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	ContentBytes   int            `json:"content_bytes,omitempty"`
	LoadMS         int64          `json:"load_ms,omitempty"`
	Rendered       bool           `json:"rendered,omitempty"`
	Extraction     *Extraction    `json:"extraction,omitempty"`
	OverallScore   *int           `json:"overall_score,omitempty"`
	CategoryScores map[string]int `json:"category_scores,omitempty"`
	Issues         []Issue        `json:"issues,omitempty"`
	Error          string         `json:"error,omitempty"`
	ScannedAt      *time.Time     `json:"scanned_at,omitempty"`
}

// Selected reports whether the selection phase picked the page.
func (p Page) Selected() bool {
	return p.Rank > 0
}

// Scraped reports whether the page HTML is available in blob storage.
func (p Page) Scraped() bool {
	return p.BlobURI != "" && p.Error == ""
}

// Extraction holds the structured findings parsed out of a page.
type Extraction struct {
	Title               string              `json:"title"`
	MetaDescription     string              `json:"meta_description"`
	CanonicalURL        string              `json:"canonical_url,omitempty"`
	Viewport            string              `json:"viewport,omitempty"`
	Lang                string              `json:"lang,omitempty"`
	Headings            map[string][]string `json:"headings,omitempty"`
	ImagesCount         int                 `json:"images_count"`
	ImagesMissingAlt    []string            `json:"images_missing_alt,omitempty"`
	InputsMissingLabel  []string            `json:"inputs_missing_label,omitempty"`
	ButtonsMissingLabel []string            `json:"buttons_missing_label,omitempty"`
	LinksMissingLabel   []string            `json:"links_missing_label,omitempty"`
	EmptyHeadings       []string            `json:"empty_headings,omitempty"`
	WordCount           int                 `json:"word_count"`
	ScriptCount         int                 `json:"script_count"`
	StylesheetCount     int                 `json:"stylesheet_count"`
	Issues              []Issue             `json:"issues,omitempty"`
}

// HeadingCount returns the number of h1-h6 elements.
func (e Extraction) HeadingCount() int {
	total := 0
	for _, texts := range e.Headings {
		total += len(texts)
	}
	return total
}

// ScrapeResult is the raw download of a page.
type ScrapeResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// AnalysisInput is handed to the analyzer for one page.
type AnalysisInput struct {
	URL          string
	ScanType     ScanType
	Extraction   Extraction
	ContentBytes int
	LoadMS       int64
}

// Analysis is the scored result for one page.
type Analysis struct {
	OverallScore   int
	CategoryScores map[string]int
	Issues         []Issue
}

// RankedURL pairs a selected URL with its rank, starting at 1.
type RankedURL struct {
	URL  string `json:"url"`
	Rank int    `json:"rank"`
}

// TaskParams carries the phase-specific part of a task.
type TaskParams struct {
	URL      string   `json:"url,omitempty"`
	ScanType ScanType `json:"scan_type,omitempty"`
	MaxPages int      `json:"max_pages,omitempty"`
	TopN     int      `json:"top_n,omitempty"`
}

// Task is one unit of work routed through the broker.
type Task struct {
	ID         string     `json:"task_id"`
	JobID      string     `json:"job_id"`
	Phase      Phase      `json:"phase"`
	Attempt    int        `json:"attempt"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	Params     TaskParams `json:"params"`
}

// Queue returns the queue the task belongs on.
func (t Task) Queue() string {
	if t.Phase == "" {
		return DefaultQueue
	}
	return t.Phase.Queue()
}

func cloneScores(src map[string]int) map[string]int {
	if src == nil {
		return nil
	}
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ClonePage returns a deep copy of p so stores never share mutable state with callers.
func ClonePage(p Page) Page {
	cp := p
	cp.CategoryScores = cloneScores(p.CategoryScores)
	if p.Issues != nil {
		cp.Issues = append([]Issue(nil), p.Issues...)
	}
	if p.OverallScore != nil {
		score := *p.OverallScore
		cp.OverallScore = &score
	}
	if p.ScannedAt != nil {
		ts := *p.ScannedAt
		cp.ScannedAt = &ts
	}
	if p.Extraction != nil {
		ex := *p.Extraction
		cp.Extraction = &ex
	}
	return cp
}

// CloneJob returns a deep copy of j.
func CloneJob(j Job) Job {
	cp := j
	cp.CategoryScores = cloneScores(j.CategoryScores)
	if j.OverallScore != nil {
		score := *j.OverallScore
		cp.OverallScore = &score
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}
