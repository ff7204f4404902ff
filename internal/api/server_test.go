package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/pipeline"
	queueMemory "github.com/JakeFAU/site-audit/internal/queue/memory"
	"github.com/JakeFAU/site-audit/internal/scan"
	"github.com/JakeFAU/site-audit/internal/selection"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
)

const testAPIKey = "secret"

type stubDiscoverer struct {
	urls []string
	err  error
}

func (d stubDiscoverer) Discover(context.Context, string, int) ([]string, error) {
	return d.urls, d.err
}

type apiFixture struct {
	store  *memory.JobStore
	broker *queueMemory.Broker
	server *Server
}

func newAPIFixture(t *testing.T, disc stubDiscoverer, cfg config.Config, checks ...ReadinessCheck) *apiFixture {
	t.Helper()
	store := memory.NewJobStore()
	broker := queueMemory.NewBroker(queueMemory.Config{QueueDepth: 16}, nil)
	orch, err := pipeline.New(pipeline.Deps{
		Store:      store,
		Broker:     broker,
		Discoverer: disc,
		Selector:   selection.New(nil, time.Second, nil),
	}, pipeline.Config{MaxPages: 15, TopN: 10}, nil)
	require.NoError(t, err)
	if cfg.Auth.APIKey == "" {
		cfg.Auth.APIKey = testAPIKey
	}
	return &apiFixture{
		store:  store,
		broker: broker,
		server: NewServer(orch, store, nil, cfg, zap.NewNop(), checks...),
	}
}

func (f *apiFixture) do(t *testing.T, method, target string, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *apiFixture) startJob(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/scan/start-async", `{"url":"example.com","scan_type":"full"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[startScanResponse](t, rec).JobID
}

func TestStartScanQueuesJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	rec := f.do(t, http.MethodPost, "/scan/start-async", `{"url":"example.com"}`, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	resp := decode[startScanResponse](t, rec)
	require.Equal(t, scan.StatusQueued, resp.Status)
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, 1, f.broker.Pending(scan.PhaseOrchestration.Queue()))

	job, err := f.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/", job.Target.URL)
}

func TestStartScanValidation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	for _, body := range []string{
		`{invalid`,
		`{"url":""}`,
		`{"url":"ftp://example.com"}`,
		`{"url":"example.com","scan_type":"deep"}`,
	} {
		rec := f.do(t, http.MethodPost, "/scan/start-async", body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.NotEmpty(t, decode[map[string]string](t, rec)["error"])
	}
	require.Zero(t, f.broker.Pending(scan.PhaseOrchestration.Queue()))
}

func TestStatusProjection(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	jobID := f.startJob(t)

	rec := f.do(t, http.MethodGet, "/scan/"+jobID+"/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[map[string]any](t, rec)
	require.Equal(t, jobID, view["job_id"])
	require.Equal(t, "queued", view["status"])
	require.Equal(t, "Queued", view["status_label"])
	require.EqualValues(t, 0, view["progress_percent"])
	require.EqualValues(t, 0, view["pages_discovered"])
	require.NotContains(t, view, "error_message")

	discovered := 4
	progress := 15
	_, err := f.store.TransitionJob(context.Background(), jobID, scan.StatusDiscovering,
		scan.JobPatch{PagesDiscovered: &discovered, ProgressPercent: &progress})
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/scan/"+jobID+"/status", "", nil)
	view = decode[map[string]any](t, rec)
	require.EqualValues(t, 15, view["progress_percent"])
	require.EqualValues(t, 4, view["pages_discovered"])
}

func TestUnknownJobIs404(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	for _, target := range []string{
		"/scan/not-a-uuid/status",
		"/scan/0190c3a8-7b2e-7cc1-9b4a-3f1d2e5a6b7c/status",
		"/scan/0190c3a8-7b2e-7cc1-9b4a-3f1d2e5a6b7c/results",
	} {
		rec := f.do(t, http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusNotFound, rec.Code, target)
	}
	rec := f.do(t, http.MethodPost, "/scan/0190c3a8-7b2e-7cc1-9b4a-3f1d2e5a6b7c/cancel", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResultsNotReady(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	jobID := f.startJob(t)

	rec := f.do(t, http.MethodGet, "/scan/"+jobID+"/results", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, map[string]string{"error": "results not ready", "status": "queued"}, decode[map[string]string](t, rec))
}

func TestResultsAfterCompletion(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	jobID := f.startJob(t)
	ctx := context.Background()

	require.NoError(t, f.store.ReplacePages(ctx, jobID, []scan.Page{
		{URL: "https://example.com/", Order: 0, Rank: 2},
		{URL: "https://example.com/about", Order: 1, Rank: 1},
		{URL: "https://example.com/tag/x", Order: 2},
	}))
	score := 80
	require.NoError(t, f.store.UpdatePage(ctx, jobID, scan.Page{
		URL: "https://example.com/about", Order: 1, Rank: 1, StatusCode: 200,
		Extraction:   &scan.Extraction{Title: "About"},
		OverallScore: &score,
		Issues:       []scan.Issue{{Category: scan.CategorySEO, Severity: scan.SeverityWarning, Code: "missing_h1"}},
	}))
	analyzed := 1
	issues := scan.IssueCounts{Total: 1, Warning: 1}
	_, err := f.store.TransitionJob(ctx, jobID, scan.StatusCompleted, scan.JobPatch{
		OverallScore:   &score,
		CategoryScores: map[string]int{scan.CategorySEO: 80},
		Issues:         &issues,
		PagesScanned:   &analyzed,
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/scan/"+jobID+"/results", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[resultsView](t, rec)
	require.Equal(t, scan.StatusCompleted, view.Status)
	require.Equal(t, "https://example.com/", view.URL)
	require.Equal(t, 80, view.OverallScore)
	require.Equal(t, map[string]int{"seo": 80}, view.ScoreBreakdown)
	require.Equal(t, 1, view.TotalIssues)
	require.Equal(t, 1, view.WarningIssues)
	require.Equal(t, 1, view.PagesAnalyzed)
	require.NotNil(t, view.CompletedAt)
	require.Len(t, view.Pages, 2)
	require.Equal(t, "https://example.com/about", view.Pages[0].URL)
	require.Equal(t, "About", view.Pages[0].Title)
	require.Equal(t, 2, view.Pages[1].Rank)
	require.Empty(t, view.Pages[1].Issues)
}

func TestCancelScan(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{})
	jobID := f.startJob(t)

	rec := f.do(t, http.MethodPost, "/scan/"+jobID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[statusView](t, rec)
	require.Equal(t, scan.StatusFailed, view.Status)
	require.Equal(t, pipeline.CancelMessage, view.ErrorMessage)

	rec = f.do(t, http.MethodPost, "/scan/"+jobID+"/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "failed", decode[map[string]string](t, rec)["status"])
}

func TestDiscoverURLsRequiresAPIKey(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{urls: []string{"https://example.com/"}}, config.Config{})
	body := `{"url":"https://example.com"}`

	rec := f.do(t, http.MethodPost, "/scan/discovery/discover-urls", body, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/scan/discovery/discover-urls", body, http.Header{"X-Api-Key": {"wrong"}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/scan/discovery/discover-urls", body, http.Header{"X-Api-Key": {testAPIKey}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/scan/discovery/discover-urls?api_key="+testAPIKey, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDiscoverURLsResult(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{urls: []string{
		"https://example.com/",
		"https://example.com/about",
		"https://example.com/contact",
	}}, config.Config{})

	rec := f.do(t, http.MethodPost, "/scan/discovery/discover-urls?api_key="+testAPIKey, `{"url":"example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[pipeline.DiscoveryResult](t, rec)
	require.Equal(t, "https://example.com/", res.BaseURL)
	require.Equal(t, 3, res.DiscoveredCount)
	require.Equal(t, []scan.RankedURL{
		{URL: "https://example.com/", Rank: 1},
		{URL: "https://example.com/about", Rank: 2},
		{URL: "https://example.com/contact", Rank: 3},
	}, res.ImportantURLs)
	require.Equal(t, "Discovered 3 pages and selected 3 important pages", res.Message)
}

func TestDiscoverURLsEmptySite(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{err: scan.ErrDiscoveryFailed}, config.Config{})
	rec := f.do(t, http.MethodPost, "/scan/discovery/discover-urls?api_key="+testAPIKey, `{"url":"down.example"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[map[string]any](t, rec)
	require.EqualValues(t, 0, res["discovered_count"])
	require.Equal(t, []any{}, res["important_urls"])
	require.NotEmpty(t, res["message"])
}

func TestDiscoverURLsInfraErrorIs500(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{err: errors.New("dns broken")}, config.Config{})
	rec := f.do(t, http.MethodPost, "/scan/discovery/discover-urls?api_key="+testAPIKey, `{"url":"example.com"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal server error", decode[map[string]string](t, rec)["error"])
}

func TestAuthEnabledProtectsScanRoutes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, stubDiscoverer{}, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: testAPIKey}})

	rec := f.do(t, http.MethodPost, "/scan/start-async", `{"url":"example.com"}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/scan/start-async", `{"url":"example.com"}`, http.Header{"X-Api-Key": {testAPIKey}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpointsAndMetrics(t *testing.T) {
	t.Parallel()

	healthy := newAPIFixture(t, stubDiscoverer{}, config.Config{},
		ReadinessCheck{Name: "store", Check: func(context.Context) error { return nil }})
	rec := healthy.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	broken := newAPIFixture(t, stubDiscoverer{}, config.Config{},
		ReadinessCheck{Name: "broker", Check: func(context.Context) error { return errors.New("unreachable") }})
	rec = broken.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "broker")

	healthy.do(t, http.MethodGet, "/healthz", "", nil)
	rec = healthy.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "siteaudit_http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "abc", seen)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
