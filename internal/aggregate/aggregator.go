// Package aggregate combines per-page analyses into the job result.
package aggregate

import (
	"math"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Result is the job-level summary written on completion.
type Result struct {
	OverallScore   int
	CategoryScores map[string]int
	Issues         scan.IssueCounts
	PagesAnalyzed  int
}

// Aggregate averages scores over analyzed pages. Pages without an overall
// score do not count. With nothing analyzed the score is 0 and the breakdown empty.
func Aggregate(pages []scan.Page, scanType scan.ScanType) Result {
	res := Result{CategoryScores: map[string]int{}}
	sums := map[string]int{}
	counts := map[string]int{}
	overall := 0

	for _, p := range pages {
		if p.OverallScore == nil {
			continue
		}
		res.PagesAnalyzed++
		overall += *p.OverallScore
		for _, category := range scanType.Categories() {
			if score, ok := p.CategoryScores[category]; ok {
				sums[category] += score
				counts[category]++
			}
		}
		for _, is := range p.Issues {
			res.Issues.Total++
			switch is.Severity {
			case scan.SeverityCritical:
				res.Issues.Critical++
			case scan.SeverityWarning:
				res.Issues.Warning++
			default:
				res.Issues.Info++
			}
		}
	}

	if res.PagesAnalyzed == 0 {
		return res
	}
	res.OverallScore = mean(overall, res.PagesAnalyzed)
	for category, sum := range sums {
		res.CategoryScores[category] = mean(sum, counts[category])
	}
	return res
}

func mean(sum, n int) int {
	return int(math.Round(float64(sum) / float64(n)))
}
