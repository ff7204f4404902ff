package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-audit/internal/aggregate"
	"github.com/JakeFAU/site-audit/internal/hash/sha256"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/scan"
)

func (o *Orchestrator) enter(ctx context.Context, job scan.Job, phase scan.Phase) error {
	if _, err := o.deps.Store.TransitionJob(ctx, job.ID, phase.Status(), scan.JobPatch{}); err != nil {
		return fmt.Errorf("enter %s: %w", phase, err)
	}
	return nil
}

func (o *Orchestrator) orchestrate(ctx context.Context, job scan.Job, params scan.TaskParams) error {
	if err := o.enter(ctx, job, scan.PhaseOrchestration); err != nil {
		return err
	}
	return o.next(ctx, job.ID, scan.PhaseOrchestration, params)
}

func (o *Orchestrator) discover(ctx context.Context, job scan.Job, params scan.TaskParams) error {
	if err := o.enter(ctx, job, scan.PhaseDiscovery); err != nil {
		return err
	}
	if o.deps.Discoverer == nil {
		return fatal(scan.PhaseDiscovery, errNotConfigured)
	}
	urls, err := o.deps.Discoverer.Discover(ctx, params.URL, params.MaxPages)
	if err != nil {
		if errors.Is(err, scan.ErrDiscoveryFailed) {
			return fatal(scan.PhaseDiscovery, err)
		}
		return fmt.Errorf("discover %s: %w", params.URL, err)
	}

	pages := make([]scan.Page, len(urls))
	for i, u := range urls {
		pages[i] = scan.Page{URL: u, Order: i}
	}
	if err := o.deps.Store.ReplacePages(ctx, job.ID, pages); err != nil {
		return fmt.Errorf("store discovered pages: %w", err)
	}
	discovered := len(pages)
	if _, err := o.deps.Store.UpdateJob(ctx, job.ID, scan.JobPatch{PagesDiscovered: &discovered}); err != nil {
		return fmt.Errorf("record discovery: %w", err)
	}
	o.logger.Info("discovery complete", zap.String("job_id", job.ID), zap.Int("pages", discovered))
	return o.next(ctx, job.ID, scan.PhaseDiscovery, params)
}

func (o *Orchestrator) selectPages(ctx context.Context, job scan.Job, params scan.TaskParams) error {
	if err := o.enter(ctx, job, scan.PhaseSelection); err != nil {
		return err
	}
	if o.deps.Selector == nil {
		return fatal(scan.PhaseSelection, errNotConfigured)
	}
	pages, err := o.deps.Store.ListPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	urls := make([]string, len(pages))
	for i, p := range pages {
		urls[i] = p.URL
	}
	sel, err := o.deps.Selector.Select(ctx, urls, params.TopN)
	if err != nil {
		return fmt.Errorf("select pages: %w", err)
	}

	ranks := make(map[string]int, len(sel.URLs))
	for _, r := range sel.URLs {
		ranks[r.URL] = r.Rank
	}
	for i := range pages {
		pages[i].Rank = ranks[pages[i].URL]
	}
	if err := o.deps.Store.ReplacePages(ctx, job.ID, pages); err != nil {
		return fmt.Errorf("store selection: %w", err)
	}
	selected := len(sel.URLs)
	if _, err := o.deps.Store.UpdateJob(ctx, job.ID, scan.JobPatch{PagesSelected: &selected}); err != nil {
		return fmt.Errorf("record selection: %w", err)
	}
	o.logger.Info("selection complete",
		zap.String("job_id", job.ID),
		zap.Int("selected", selected),
		zap.Bool("degraded", sel.Degraded),
		zap.String("reason", sel.Reason),
	)
	return o.next(ctx, job.ID, scan.PhaseSelection, params)
}

func (o *Orchestrator) scrape(ctx context.Context, job scan.Job, params scan.TaskParams) error {
	if err := o.enter(ctx, job, scan.PhaseScraping); err != nil {
		return err
	}
	if o.deps.Scraper == nil || o.deps.Blobs == nil || o.deps.Hasher == nil {
		return fatal(scan.PhaseScraping, errNotConfigured)
	}
	scraped, err := o.eachPage(ctx, job.ID, scan.PhaseScraping, scan.Page.Selected, func(ctx context.Context, page scan.Page) (scan.Page, error) {
		res, err := o.deps.Scraper.Scrape(ctx, page.URL)
		if err != nil {
			return page, err
		}
		digest, err := o.deps.Hasher.Hash(res.Body)
		if err != nil {
			return page, fmt.Errorf("hash body: %w", err)
		}
		uri, err := o.deps.Blobs.PutObject(ctx, sha256.BlobPath(o.cfg.BlobPrefix, job.ID, digest), o.cfg.ContentType, res.Body)
		if err != nil {
			return page, fmt.Errorf("store html: %w", err)
		}
		page.StatusCode = res.StatusCode
		page.FinalURL = res.FinalURL
		page.BlobURI = uri
		page.ContentHash = digest
		page.ContentBytes = len(res.Body)
		page.LoadMS = res.Duration.Milliseconds()
		page.Rendered = res.Rendered
		if res.StatusCode >= http.StatusBadRequest {
			return page, fmt.Errorf("http status %d", res.StatusCode)
		}
		return page, nil
	})
	if err != nil {
		return err
	}
	if _, err := o.deps.Store.UpdateJob(ctx, job.ID, scan.JobPatch{PagesScanned: &scraped}); err != nil {
		return fmt.Errorf("record scraping: %w", err)
	}
	return o.next(ctx, job.ID, scan.PhaseScraping, params)
}

func (o *Orchestrator) extract(ctx context.Context, job scan.Job, params scan.TaskParams) error {
	if err := o.enter(ctx, job, scan.PhaseExtraction); err != nil {
		return err
	}
	if o.deps.Extractor == nil || o.deps.Blobs == nil {
		return fatal(scan.PhaseExtraction, errNotConfigured)
	}
	_, err := o.eachPage(ctx, job.ID, scan.PhaseExtraction, scan.Page.Scraped, func(ctx context.Context, page scan.Page) (scan.Page, error) {
		html, err := o.deps.Blobs.GetObject(ctx, page.BlobURI)
		if err != nil {
			return page, fmt.Errorf("load html: %w", err)
		}
		ex, err := o.deps.Extractor.Extract(ctx, page.URL, html)
		if err != nil {
			return page, err
		}
		page.Extraction = &ex
		return page, nil
	})
	if err != nil {
		return err
	}
	return o.next(ctx, job.ID, scan.PhaseExtraction, params)
}

func (o *Orchestrator) analyze(ctx context.Context, job scan.Job, params scan.TaskParams) error {
	if err := o.enter(ctx, job, scan.PhaseAnalysis); err != nil {
		return err
	}
	if o.deps.Analyzer == nil {
		return fatal(scan.PhaseAnalysis, errNotConfigured)
	}
	extracted := func(p scan.Page) bool { return p.Scraped() && p.Extraction != nil }
	_, err := o.eachPage(ctx, job.ID, scan.PhaseAnalysis, extracted, func(ctx context.Context, page scan.Page) (scan.Page, error) {
		res, err := o.deps.Analyzer.Analyze(ctx, scan.AnalysisInput{
			URL:          page.URL,
			ScanType:     params.ScanType,
			Extraction:   *page.Extraction,
			ContentBytes: page.ContentBytes,
			LoadMS:       page.LoadMS,
		})
		if err != nil {
			return page, err
		}
		now := o.deps.Clock.Now()
		score := res.OverallScore
		page.OverallScore = &score
		page.CategoryScores = res.CategoryScores
		page.Issues = res.Issues
		page.ScannedAt = &now
		return page, nil
	})
	if err != nil {
		return err
	}
	return o.next(ctx, job.ID, scan.PhaseAnalysis, params)
}

func (o *Orchestrator) aggregate(ctx context.Context, job scan.Job) error {
	if err := o.enter(ctx, job, scan.PhaseAggregation); err != nil {
		return err
	}
	pages, err := o.deps.Store.ListPages(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	res := aggregate.Aggregate(pages, job.Target.ScanType)
	_, err = o.deps.Store.TransitionJob(ctx, job.ID, scan.StatusCompleted, scan.JobPatch{
		OverallScore:   &res.OverallScore,
		CategoryScores: res.CategoryScores,
		Issues:         &res.Issues,
		PagesScanned:   &res.PagesAnalyzed,
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	metrics.ObserveJob(string(scan.StatusCompleted))
	o.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("overall_score", res.OverallScore),
		zap.Int("pages_analyzed", res.PagesAnalyzed),
	)
	return nil
}

// eachPage runs fn over the pages matching want with bounded concurrency and
// stores each result. A page error marks that page and the phase continues.
// It returns the number of pages that succeeded.
func (o *Orchestrator) eachPage(
	ctx context.Context,
	jobID string,
	phase scan.Phase,
	want func(scan.Page) bool,
	fn func(context.Context, scan.Page) (scan.Page, error),
) (int, error) {
	pages, err := o.deps.Store.ListPages(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}

	results := make([]bool, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PageConcurrency)
	for i, page := range pages {
		if !want(page) {
			continue
		}
		g.Go(func() error {
			updated, err := fn(gctx, page)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				updated.Error = fmt.Sprintf("%s: %v", phase, err)
				metrics.ObservePhasePage(string(phase), "error")
				o.logger.Warn("page failed",
					zap.String("job_id", jobID),
					zap.String("phase", string(phase)),
					zap.String("url", page.URL),
					zap.Error(err),
				)
			} else {
				updated.Error = ""
				results[i] = true
				metrics.ObservePhasePage(string(phase), "ok")
			}
			if err := o.deps.Store.UpdatePage(gctx, jobID, updated); err != nil {
				return fmt.Errorf("store page %s: %w", page.URL, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	ok := 0
	for _, r := range results {
		if r {
			ok++
		}
	}
	return ok, nil
}
