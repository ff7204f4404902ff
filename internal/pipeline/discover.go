package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// DiscoveryResult is the outcome of a synchronous discover-and-select run.
type DiscoveryResult struct {
	BaseURL         string           `json:"base_url"`
	DiscoveredCount int              `json:"discovered_count"`
	ImportantURLs   []scan.RankedURL `json:"important_urls"`
	Degraded        bool             `json:"degraded,omitempty"`
	Message         string           `json:"message"`
}

// DiscoverAndSelect crawls rawURL and ranks the result without creating a job.
// A site that cannot be crawled yields an empty result, not an error.
func (o *Orchestrator) DiscoverAndSelect(ctx context.Context, rawURL string) (DiscoveryResult, error) {
	base, err := scan.ParseTarget(rawURL)
	if err != nil {
		return DiscoveryResult{}, err
	}
	if o.deps.Discoverer == nil || o.deps.Selector == nil {
		return DiscoveryResult{}, fmt.Errorf("discover urls: %w", errNotConfigured)
	}
	res := DiscoveryResult{BaseURL: base, ImportantURLs: []scan.RankedURL{}}

	urls, err := o.deps.Discoverer.Discover(ctx, base, o.cfg.MaxPages)
	if err != nil {
		if errors.Is(err, scan.ErrDiscoveryFailed) {
			o.logger.Warn("discovery found nothing", zap.String("url", base), zap.Error(err))
			res.Message = "No pages could be discovered at " + base
			return res, nil
		}
		return DiscoveryResult{}, fmt.Errorf("discover urls: %w", err)
	}
	res.DiscoveredCount = len(urls)

	sel, err := o.deps.Selector.Select(ctx, urls, o.cfg.TopN)
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("select urls: %w", err)
	}
	res.ImportantURLs = sel.URLs
	res.Degraded = sel.Degraded
	res.Message = fmt.Sprintf("Discovered %d pages and selected %d important pages", res.DiscoveredCount, len(sel.URLs))
	if sel.Degraded {
		res.Message += " using keyword ranking"
	}
	return res, nil
}
