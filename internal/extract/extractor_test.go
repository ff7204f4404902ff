package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-audit/internal/scan"
)

const goodPage = `<!doctype html>
<html lang="en">
<head>
  <title>Acme Widgets - Industrial widgets since 1952</title>
  <meta name="description" content="Acme builds industrial widgets for factories, labs and workshops. Browse the catalogue, compare models and request a quote online today.">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="canonical" href="https://acme.test/">
  <link rel="stylesheet" href="/site.css">
  <script src="/app.js"></script>
</head>
<body>
  <h1>Acme Widgets</h1>
  <h2>Catalogue</h2>
  <img src="/w.png" alt="A widget">
  <form>
    <label for="email">Email</label><input id="email" type="email">
    <label>Name <input type="text"></label>
    <input type="hidden" name="csrf">
    <button type="submit">Send</button>
  </form>
  <a href="/about">About us</a>
  <script>var x = "not words";</script>
</body>
</html>`

const badPage = `<html>
<head><title>Hi</title></head>
<body>
  <h2></h2>
  <img src="/a.png"><img src="/b.png" alt="">
  <input type="text" name="q">
  <button></button>
  <button aria-label="Close"></button>
  <a href="/x"></a>
  <a href="/y"><img src="/i.png" alt="Home"></a>
</body>
</html>`

func issueCodes(ex scan.Extraction) []string {
	out := make([]string, 0, len(ex.Issues))
	for _, is := range ex.Issues {
		out = append(out, is.Code)
	}
	return out
}

func TestExtractGoodPage(t *testing.T) {
	t.Parallel()

	ex, err := New().Extract(context.Background(), "https://acme.test/", []byte(goodPage))
	require.NoError(t, err)
	require.Equal(t, "Acme Widgets - Industrial widgets since 1952", ex.Title)
	require.Equal(t, "https://acme.test/", ex.CanonicalURL)
	require.Equal(t, "en", ex.Lang)
	require.NotEmpty(t, ex.Viewport)
	require.Equal(t, []string{"Acme Widgets"}, ex.Headings["h1"])
	require.Equal(t, 2, ex.HeadingCount())
	require.Equal(t, 1, ex.ImagesCount)
	require.Empty(t, ex.ImagesMissingAlt)
	require.Empty(t, ex.InputsMissingLabel)
	require.Empty(t, ex.ButtonsMissingLabel)
	require.Empty(t, ex.LinksMissingLabel)
	require.Equal(t, 2, ex.ScriptCount)
	require.Equal(t, 1, ex.StylesheetCount)
	require.Empty(t, ex.Issues, "unexpected issues: %v", issueCodes(ex))
	require.Equal(t, 8, ex.WordCount)
}

func TestExtractBadPage(t *testing.T) {
	t.Parallel()

	ex, err := New().Extract(context.Background(), "https://bad.test/", []byte(badPage))
	require.NoError(t, err)
	require.Len(t, ex.ImagesMissingAlt, 1)
	require.Equal(t, 3, ex.ImagesCount)
	require.Len(t, ex.InputsMissingLabel, 1)
	require.Len(t, ex.ButtonsMissingLabel, 1)
	require.Len(t, ex.LinksMissingLabel, 1)
	require.Len(t, ex.EmptyHeadings, 1)
	require.ElementsMatch(t, []string{
		"title_too_short", "missing_meta_description", "missing_h1",
		"missing_canonical", "missing_viewport", "missing_lang",
	}, issueCodes(ex))
	for _, is := range ex.Issues {
		if is.Code == "missing_meta_description" {
			require.Equal(t, scan.SeverityCritical, is.Severity)
		}
	}
}

func TestMetadataLengthWindows(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title, desc string
		want        []string
	}{
		{"", "", []string{"missing_title", "missing_meta_description"}},
		{strings.Repeat("t", 71), strings.Repeat("d", 161), []string{"title_too_long", "meta_description_too_long"}},
		{strings.Repeat("t", 30), strings.Repeat("d", 119), []string{"meta_description_too_short"}},
		{strings.Repeat("t", 70), strings.Repeat("d", 120), nil},
	}
	for _, tc := range cases {
		ex := scan.Extraction{Title: tc.title, MetaDescription: tc.desc, CanonicalURL: "x", Viewport: "x", Lang: "en"}
		got := issueCodes(scan.Extraction{Issues: metadataIssues(ex, 1)})
		if tc.want == nil {
			require.Empty(t, got)
			continue
		}
		require.Equal(t, tc.want, got)
	}
}

func TestExtractHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Extract(ctx, "https://x.test/", []byte(goodPage))
	require.ErrorIs(t, err, context.Canceled)
}
