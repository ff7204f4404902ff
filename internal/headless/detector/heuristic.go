// Package detector decides when a plain fetch must be re-rendered in a headless browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Heuristic promotes pages that look like client-rendered shells.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold defaults to 2KiB.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
}

// ShouldPromote reports whether resp needs a headless render.
func (h *Heuristic) ShouldPromote(resp scan.FetchResponse) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless {
		return false
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	small := len(body) < h.BodyLengthThreshold
	if small && scriptCoverage(body) >= 25 {
		return true
	}
	// A short page with scripts but no anchors is usually a shell that builds its nav in JS.
	if small && len(resp.Links) == 0 && bytes.Contains(bytes.ToLower(body), []byte("<script")) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage returns the percentage of the document inside <script> elements.
func scriptCoverage(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
