// Package discovery walks a site breadth-first to collect same-origin page URLs.
package discovery

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/scan"
)

// DefaultMaxPages caps a crawl when the caller passes no limit.
const DefaultMaxPages = 15

// Discoverer runs the bounded BFS. It holds no per-crawl state and is safe for concurrent use.
type Discoverer struct {
	fetcher scan.LinkFetcher
	logger  *zap.Logger
}

// New builds a Discoverer.
func New(fetcher scan.LinkFetcher, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{fetcher: fetcher, logger: logger}
}

// Discover returns up to maxPages URLs on baseURL's scheme and host, in visit order.
// An unreachable base URL yields scan.ErrDiscoveryFailed.
func (d *Discoverer) Discover(ctx context.Context, baseURL string, maxPages int) ([]string, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	start, err := scan.NormalizeURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrDiscoveryFailed, err)
	}
	base, err := url.Parse(start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scan.ErrDiscoveryFailed, err)
	}

	logger := d.logger.With(zap.String("base_url", start))
	frontier := []string{start}
	seen := map[string]struct{}{start: {}}
	visited := make([]string, 0, maxPages)

	for len(frontier) > 0 && len(visited) < maxPages {
		if err := ctx.Err(); err != nil {
			return visited, fmt.Errorf("discover %s: %w", start, err)
		}
		current := frontier[0]
		frontier = frontier[1:]

		page, err := d.fetcher.FetchLinks(ctx, current)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return visited, fmt.Errorf("discover %s: %w", start, ctxErr)
			}
			metrics.ObserveDiscoveryPage("error")
			if current == start {
				return nil, fmt.Errorf("%w: %s: %v", scan.ErrDiscoveryFailed, start, err)
			}
			logger.Warn("discovery degraded", zap.String("url", current), zap.Error(err))
			continue
		}
		if current == start && page.StatusCode >= 400 {
			metrics.ObserveDiscoveryPage("error")
			return nil, fmt.Errorf("%w: %s returned status %d", scan.ErrDiscoveryFailed, start, page.StatusCode)
		}
		metrics.ObserveDiscoveryPage("ok")
		visited = append(visited, current)

		for _, link := range page.Links {
			candidate, ok := acceptLink(base, link)
			if !ok {
				continue
			}
			if _, dup := seen[candidate]; dup {
				continue
			}
			seen[candidate] = struct{}{}
			frontier = append(frontier, candidate)
		}
	}

	logger.Info("discovery finished", zap.Int("pages", len(visited)), zap.Int("frontier_left", len(frontier)))
	return visited, nil
}

// acceptLink normalizes link and reports whether discovery should follow it.
func acceptLink(base *url.URL, link string) (string, bool) {
	normalized, err := scan.NormalizeURL(link)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !scan.SameOrigin(base, u) || scan.IsAssetURL(u) {
		return "", false
	}
	return normalized, true
}
