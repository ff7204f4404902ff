// Package extract parses page HTML into structured audit findings with goquery.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Length windows for search snippets.
const (
	TitleMin       = 30
	TitleMax       = 70
	DescriptionMin = 120
	DescriptionMax = 160
)

// maxElementLen bounds the element snippets kept in findings.
const maxElementLen = 120

// Extractor implements scan.Extractor.
type Extractor struct{}

var _ scan.Extractor = Extractor{}

// New returns an Extractor.
func New() Extractor {
	return Extractor{}
}

// Extract parses html served from pageURL.
func (Extractor) Extract(ctx context.Context, pageURL string, html []byte) (scan.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return scan.Extraction{}, fmt.Errorf("extract %s: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return scan.Extraction{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}

	ex := scan.Extraction{
		Title:           collapse(doc.Find("head title").First().Text()),
		MetaDescription: metaContent(doc, "description"),
		Viewport:        metaContent(doc, "viewport"),
		Headings:        map[string][]string{},
		ImagesCount:     doc.Find("img").Length(),
		ScriptCount:     doc.Find("script").Length(),
		StylesheetCount: doc.Find(`link[rel="stylesheet"], style`).Length(),
	}
	if ex.Title == "" {
		ex.Title = collapse(doc.Find("title").First().Text())
	}
	ex.CanonicalURL, _ = doc.Find(`link[rel="canonical"]`).First().Attr("href")
	ex.CanonicalURL = strings.TrimSpace(ex.CanonicalURL)
	ex.Lang, _ = doc.Find("html").First().Attr("lang")
	ex.Lang = strings.TrimSpace(ex.Lang)

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		level := goquery.NodeName(s)
		text := collapse(s.Text())
		ex.Headings[level] = append(ex.Headings[level], text)
		if text == "" && !hasLabel(s) {
			ex.EmptyHeadings = append(ex.EmptyHeadings, snippet(s))
		}
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("alt"); !ok {
			ex.ImagesMissingAlt = append(ex.ImagesMissingAlt, snippet(s))
		}
	})

	labelled := labelTargets(doc)
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		if t, _ := s.Attr("type"); strings.EqualFold(t, "hidden") || strings.EqualFold(t, "submit") || strings.EqualFold(t, "button") {
			return
		}
		if id, ok := s.Attr("id"); ok && labelled[id] {
			return
		}
		if hasLabel(s) || s.ParentsFiltered("label").Length() > 0 {
			return
		}
		ex.InputsMissingLabel = append(ex.InputsMissingLabel, snippet(s))
	})

	doc.Find(`button, input[type="submit"], input[type="button"]`).Each(func(_ int, s *goquery.Selection) {
		if collapse(s.Text()) != "" || hasLabel(s) {
			return
		}
		if v, _ := s.Attr("value"); strings.TrimSpace(v) != "" {
			return
		}
		ex.ButtonsMissingLabel = append(ex.ButtonsMissingLabel, snippet(s))
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if collapse(s.Text()) != "" || hasLabel(s) {
			return
		}
		if alt, _ := s.Find("img[alt]").First().Attr("alt"); strings.TrimSpace(alt) != "" {
			return
		}
		ex.LinksMissingLabel = append(ex.LinksMissingLabel, snippet(s))
	})

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	ex.WordCount = len(strings.Fields(body.Text()))

	ex.Issues = metadataIssues(ex, doc.Find("h1").Length())
	return ex, nil
}

func metadataIssues(ex scan.Extraction, h1Count int) []scan.Issue {
	var issues []scan.Issue
	add := func(sev scan.Severity, code, msg string) {
		issues = append(issues, scan.Issue{Category: scan.CategorySEO, Severity: sev, Code: code, Message: msg})
	}

	switch n := utf8.RuneCountInString(ex.Title); {
	case n == 0:
		add(scan.SeverityCritical, "missing_title", "page has no <title>")
	case n < TitleMin:
		add(scan.SeverityWarning, "title_too_short", fmt.Sprintf("title is %d characters, recommended %d-%d", n, TitleMin, TitleMax))
	case n > TitleMax:
		add(scan.SeverityWarning, "title_too_long", fmt.Sprintf("title is %d characters, recommended %d-%d", n, TitleMin, TitleMax))
	}

	switch n := utf8.RuneCountInString(ex.MetaDescription); {
	case n == 0:
		add(scan.SeverityCritical, "missing_meta_description", "page has no meta description")
	case n < DescriptionMin:
		add(scan.SeverityWarning, "meta_description_too_short", fmt.Sprintf("meta description is %d characters, recommended %d-%d", n, DescriptionMin, DescriptionMax))
	case n > DescriptionMax:
		add(scan.SeverityWarning, "meta_description_too_long", fmt.Sprintf("meta description is %d characters, recommended %d-%d", n, DescriptionMin, DescriptionMax))
	}

	switch {
	case h1Count == 0:
		add(scan.SeverityWarning, "missing_h1", "page has no <h1>")
	case h1Count > 1:
		add(scan.SeverityInfo, "multiple_h1", fmt.Sprintf("page has %d <h1> elements", h1Count))
	}
	if ex.CanonicalURL == "" {
		add(scan.SeverityInfo, "missing_canonical", "page has no canonical link")
	}
	if ex.Viewport == "" {
		add(scan.SeverityWarning, "missing_viewport", "page has no viewport meta tag")
	}
	if ex.Lang == "" {
		add(scan.SeverityInfo, "missing_lang", "<html> has no lang attribute")
	}
	return issues
}

func metaContent(doc *goquery.Document, name string) string {
	var out string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if n, _ := s.Attr("name"); strings.EqualFold(strings.TrimSpace(n), name) {
			out, _ = s.Attr("content")
			return false
		}
		return true
	})
	return collapse(out)
}

func labelTargets(doc *goquery.Document) map[string]bool {
	out := make(map[string]bool)
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		if id, _ := s.Attr("for"); id != "" {
			out[id] = true
		}
	})
	return out
}

func hasLabel(s *goquery.Selection) bool {
	for _, attr := range []string{"aria-label", "aria-labelledby", "title"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func snippet(s *goquery.Selection) string {
	html, err := goquery.OuterHtml(s)
	if err != nil {
		return goquery.NodeName(s)
	}
	html = collapse(html)
	if len(html) > maxElementLen {
		cut := maxElementLen
		for cut > 0 && !utf8.RuneStart(html[cut]) {
			cut--
		}
		html = html[:cut] + "..."
	}
	return html
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
