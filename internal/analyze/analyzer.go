// Package analyze turns extracted findings into per-page category scores.
package analyze

import (
	"context"
	"fmt"
	"math"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Accessibility weights. They sum to 1.
const (
	weightMissingAlt     = 0.4
	weightUnlabeledInput = 0.15
	weightUnlabeledBtn   = 0.15
	weightUnlabeledLink  = 0.15
	weightEmptyHeading   = 0.15
)

type threshold struct {
	over    float64
	penalty int
}

// Performance penalties, highest threshold first. Only the first match applies.
var (
	sizePenalties       = []threshold{{3 << 20, 35}, {1 << 20, 20}, {500 << 10, 10}}
	loadPenalties       = []threshold{{5000, 30}, {2500, 15}, {1000, 5}}
	scriptPenalties     = []threshold{{30, 20}, {15, 10}}
	stylesheetPenalties = []threshold{{15, 10}, {8, 5}}
	imagePenalties      = []threshold{{100, 20}, {50, 10}}
)

// Analyzer implements scan.Analyzer with fixed heuristics.
type Analyzer struct{}

var _ scan.Analyzer = Analyzer{}

// New returns an Analyzer.
func New() Analyzer {
	return Analyzer{}
}

// Analyze scores the categories in scope for the scan type and averages them.
func (Analyzer) Analyze(ctx context.Context, in scan.AnalysisInput) (scan.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return scan.Analysis{}, fmt.Errorf("analyze %s: %w", in.URL, err)
	}
	scanType := in.ScanType
	if !scanType.Valid() {
		scanType = scan.ScanTypeFull
	}

	out := scan.Analysis{CategoryScores: make(map[string]int)}
	total := 0
	for _, category := range scanType.Categories() {
		var (
			score  int
			issues []scan.Issue
		)
		switch category {
		case scan.CategorySEO:
			score, issues = SEO(in.Extraction)
		case scan.CategoryAccessibility:
			score, issues = Accessibility(in.Extraction)
		case scan.CategoryPerformance:
			score, issues = Performance(in)
		}
		out.CategoryScores[category] = score
		out.Issues = append(out.Issues, issues...)
		total += score
	}
	out.OverallScore = roundDiv(total, len(out.CategoryScores))
	return out, nil
}

// SEO scores metadata: 2 points per metadata issue plus fixed penalties for a
// missing title, description or canonical link.
func SEO(ex scan.Extraction) (int, []scan.Issue) {
	var issues []scan.Issue
	for _, is := range ex.Issues {
		if is.Category == scan.CategorySEO {
			issues = append(issues, is)
		}
	}
	score := 100 - 2*len(issues)
	if ex.Title == "" {
		score -= 5
	}
	if ex.MetaDescription == "" {
		score -= 5
	}
	if ex.CanonicalURL == "" {
		score -= 2
	}
	return clamp(score), issues
}

// Accessibility scores 100*(1 - weighted share of failing elements).
func Accessibility(ex scan.Extraction) (int, []scan.Issue) {
	alt := len(ex.ImagesMissingAlt)
	inputs := len(ex.InputsMissingLabel)
	buttons := len(ex.ButtonsMissingLabel)
	links := len(ex.LinksMissingLabel)
	empty := len(ex.EmptyHeadings)

	weighted := weightMissingAlt*ratio(alt, max(ex.ImagesCount, 1)) +
		weightUnlabeledInput*ratio(inputs, inputs+1) +
		weightUnlabeledBtn*ratio(buttons, buttons+1) +
		weightUnlabeledLink*ratio(links, links+1) +
		weightEmptyHeading*ratio(empty, max(ex.HeadingCount(), 1))
	score := clamp(int(math.Round(100 * (1 - weighted))))

	var issues []scan.Issue
	issues = appendElements(issues, scan.SeverityCritical, "image_missing_alt", "image has no alt text", ex.ImagesMissingAlt)
	issues = appendElements(issues, scan.SeverityCritical, "input_missing_label", "form control has no label", ex.InputsMissingLabel)
	issues = appendElements(issues, scan.SeverityWarning, "button_missing_label", "button has no accessible name", ex.ButtonsMissingLabel)
	issues = appendElements(issues, scan.SeverityWarning, "link_missing_label", "link has no accessible name", ex.LinksMissingLabel)
	issues = appendElements(issues, scan.SeverityInfo, "empty_heading", "heading is empty", ex.EmptyHeadings)
	return score, issues
}

// Performance penalises heavy, slow and asset-laden pages.
func Performance(in scan.AnalysisInput) (int, []scan.Issue) {
	score := 100
	var issues []scan.Issue
	check := func(value float64, table []threshold, sev scan.Severity, code, format string) {
		for _, t := range table {
			if value > t.over {
				score -= t.penalty
				issues = append(issues, scan.Issue{
					Category: scan.CategoryPerformance,
					Severity: sev,
					Code:     code,
					Message:  fmt.Sprintf(format, value),
				})
				return
			}
		}
	}
	check(float64(in.ContentBytes), sizePenalties, scan.SeverityWarning, "large_page", "page HTML is %.0f bytes")
	check(float64(in.LoadMS), loadPenalties, scan.SeverityWarning, "slow_load", "page took %.0f ms to load")
	check(float64(in.Extraction.ScriptCount), scriptPenalties, scan.SeverityInfo, "many_scripts", "page loads %.0f scripts")
	check(float64(in.Extraction.StylesheetCount), stylesheetPenalties, scan.SeverityInfo, "many_stylesheets", "page loads %.0f stylesheets")
	check(float64(in.Extraction.ImagesCount), imagePenalties, scan.SeverityInfo, "many_images", "page has %.0f images")
	return clamp(score), issues
}

func appendElements(issues []scan.Issue, sev scan.Severity, code, msg string, elements []string) []scan.Issue {
	for _, el := range elements {
		issues = append(issues, scan.Issue{
			Category: scan.CategoryAccessibility,
			Severity: sev,
			Code:     code,
			Message:  msg,
			Element:  el,
		})
	}
	return issues
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	r := float64(n) / float64(d)
	if r > 1 {
		return 1
	}
	return r
}

func clamp(score int) int {
	return min(max(score, 0), 100)
}

func roundDiv(total, n int) int {
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(total) / float64(n)))
}
