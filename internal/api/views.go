package api

import (
	"sort"
	"time"

	"github.com/JakeFAU/site-audit/internal/progress"
	"github.com/JakeFAU/site-audit/internal/scan"
)

type startScanRequest struct {
	URL      string `json:"url"`
	ScanType string `json:"scan_type"`
	UserID   string `json:"user_id"`
}

type startScanResponse struct {
	JobID  string      `json:"job_id"`
	Status scan.Status `json:"status"`
}

type discoverRequest struct {
	URL string `json:"url"`
}

type statusView struct {
	JobID           string      `json:"job_id"`
	Status          scan.Status `json:"status"`
	StatusLabel     string      `json:"status_label"`
	ProgressPercent int         `json:"progress_percent"`
	CurrentStep     string      `json:"current_step"`
	PagesDiscovered int         `json:"pages_discovered"`
	PagesSelected   int         `json:"pages_selected"`
	PagesScanned    int         `json:"pages_scanned"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func newStatusView(job scan.Job) statusView {
	return statusView{
		JobID:           job.ID,
		Status:          job.Status,
		StatusLabel:     job.Status.Label(),
		ProgressPercent: job.ProgressPercent,
		CurrentStep:     job.CurrentStep,
		PagesDiscovered: job.Counters.PagesDiscovered,
		PagesSelected:   job.Counters.PagesSelected,
		PagesScanned:    job.Counters.PagesScanned,
		ErrorMessage:    job.ErrorMessage,
		UpdatedAt:       job.UpdatedAt,
	}
}

type pageView struct {
	URL            string         `json:"url"`
	Rank           int            `json:"rank"`
	StatusCode     int            `json:"status_code,omitempty"`
	Title          string         `json:"title,omitempty"`
	LoadMS         int64          `json:"load_ms,omitempty"`
	ContentBytes   int            `json:"content_bytes,omitempty"`
	OverallScore   *int           `json:"overall_score"`
	CategoryScores map[string]int `json:"category_scores,omitempty"`
	Issues         []scan.Issue   `json:"issues"`
	Error          string         `json:"error,omitempty"`
	ScannedAt      *time.Time     `json:"scanned_at,omitempty"`
}

type resultsView struct {
	JobID          string         `json:"job_id"`
	Status         scan.Status    `json:"status"`
	URL            string         `json:"url"`
	ScanType       scan.ScanType  `json:"scan_type"`
	OverallScore   int            `json:"overall_score"`
	ScoreBreakdown map[string]int `json:"score_breakdown"`
	TotalIssues    int            `json:"total_issues"`
	CriticalIssues int            `json:"critical_issues"`
	WarningIssues  int            `json:"warning_issues"`
	InfoIssues     int            `json:"info_issues"`
	PagesAnalyzed  int            `json:"pages_analyzed"`
	Pages          []pageView     `json:"pages"`
	CompletedAt    *time.Time     `json:"completed_at"`
}

// newResultsView projects a completed job. Only selected pages are listed, by rank.
func newResultsView(job scan.Job, pages []scan.Page) resultsView {
	view := resultsView{
		JobID:          job.ID,
		Status:         job.Status,
		URL:            job.Target.URL,
		ScanType:       job.Target.ScanType,
		ScoreBreakdown: map[string]int{},
		TotalIssues:    job.Issues.Total,
		CriticalIssues: job.Issues.Critical,
		WarningIssues:  job.Issues.Warning,
		InfoIssues:     job.Issues.Info,
		PagesAnalyzed:  job.Counters.PagesScanned,
		Pages:          []pageView{},
		CompletedAt:    job.CompletedAt,
	}
	if job.OverallScore != nil {
		view.OverallScore = *job.OverallScore
	}
	for k, v := range job.CategoryScores {
		view.ScoreBreakdown[k] = v
	}
	for _, p := range pages {
		if !p.Selected() {
			continue
		}
		pv := pageView{
			URL:            p.URL,
			Rank:           p.Rank,
			StatusCode:     p.StatusCode,
			LoadMS:         p.LoadMS,
			ContentBytes:   p.ContentBytes,
			OverallScore:   p.OverallScore,
			CategoryScores: p.CategoryScores,
			Issues:         p.Issues,
			Error:          p.Error,
			ScannedAt:      p.ScannedAt,
		}
		if pv.Issues == nil {
			pv.Issues = []scan.Issue{}
		}
		if p.Extraction != nil {
			pv.Title = p.Extraction.Title
		}
		view.Pages = append(view.Pages, pv)
	}
	sort.SliceStable(view.Pages, func(i, j int) bool { return view.Pages[i].Rank < view.Pages[j].Rank })
	return view
}

type historyItem struct {
	JobID           string        `json:"job_id"`
	URL             string        `json:"url"`
	ScanType        scan.ScanType `json:"scan_type"`
	Status          scan.Status   `json:"status"`
	StatusLabel     string        `json:"status_label"`
	ProgressPercent int           `json:"progress_percent"`
	OverallScore    *int          `json:"overall_score"`
	TotalIssues     int           `json:"total_issues"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at"`
}

type historyResponse struct {
	Jobs   []historyItem `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func newHistoryItem(job scan.Job) historyItem {
	return historyItem{
		JobID:           job.ID,
		URL:             job.Target.URL,
		ScanType:        job.Target.ScanType,
		Status:          job.Status,
		StatusLabel:     job.Status.Label(),
		ProgressPercent: job.ProgressPercent,
		OverallScore:    job.OverallScore,
		TotalIssues:     job.Issues.Total,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
}

type discoveredPageView struct {
	URL        string `json:"url"`
	Order      int    `json:"order"`
	Rank       int    `json:"rank,omitempty"`
	IsSelected bool   `json:"is_selected"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

type pagesView struct {
	JobID         string               `json:"job_id"`
	Filter        pageFilter           `json:"filter"`
	TotalPages    int                  `json:"total_pages"`
	TotalSelected int                  `json:"total_selected"`
	Pages         []discoveredPageView `json:"pages"`
}

// newPagesView lists pages in discovery order. Totals count every page
// regardless of filter.
func newPagesView(jobID string, pages []scan.Page, filter pageFilter) pagesView {
	view := pagesView{JobID: jobID, Filter: filter, TotalPages: len(pages), Pages: []discoveredPageView{}}
	for _, p := range pages {
		if p.Selected() {
			view.TotalSelected++
		}
		if !filter.keep(p) {
			continue
		}
		view.Pages = append(view.Pages, discoveredPageView{
			URL:        p.URL,
			Order:      p.Order,
			Rank:       p.Rank,
			IsSelected: p.Selected(),
			StatusCode: p.StatusCode,
			Error:      p.Error,
		})
	}
	sort.SliceStable(view.Pages, func(i, j int) bool { return view.Pages[i].Order < view.Pages[j].Order })
	return view
}

// newEventView renders a live progress event in the status endpoint's shape.
func newEventView(evt progress.Event) statusView {
	return statusView{
		JobID:           evt.JobID,
		Status:          evt.Status,
		StatusLabel:     evt.Status.Label(),
		ProgressPercent: evt.ProgressPercent,
		CurrentStep:     evt.CurrentStep,
		PagesDiscovered: evt.Counters.PagesDiscovered,
		PagesSelected:   evt.Counters.PagesSelected,
		PagesScanned:    evt.Counters.PagesScanned,
		ErrorMessage:    evt.ErrorMessage,
		UpdatedAt:       evt.UpdatedAt,
	}
}

type streamEnd struct {
	JobID  string      `json:"job_id"`
	Status scan.Status `json:"status"`
	Final  bool        `json:"final"`
}
