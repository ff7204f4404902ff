// Package selection picks the pages worth auditing out of a discovery result.
package selection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/scan"
)

// DefaultTopN is the selection size when the caller passes no limit.
const DefaultTopN = 10

// Fallback reasons recorded on degraded selections.
const (
	ReasonNotConfigured = "not_configured"
	ReasonTimeout       = "timeout"
	ReasonUnavailable   = "unavailable"
	ReasonMalformed     = "malformed"
)

// Selection is the ranked subset chosen for auditing.
type Selection struct {
	URLs     []scan.RankedURL `json:"urls"`
	Degraded bool             `json:"degraded"`
	Reason   string           `json:"reason,omitempty"`
}

// Selector ranks through a scan.Ranker and falls back to the keyword heuristic.
type Selector struct {
	ranker  scan.Ranker
	timeout time.Duration
	logger  *zap.Logger
}

// New builds a Selector. A nil ranker always uses the heuristic.
func New(ranker scan.Ranker, timeout time.Duration, logger *zap.Logger) *Selector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{ranker: ranker, timeout: timeout, logger: logger}
}

// Select returns at most topN of urls ranked from 1. It only fails when ctx is done.
func (s *Selector) Select(ctx context.Context, urls []string, topN int) (Selection, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}
	candidates := dedupe(urls)
	if len(candidates) <= topN {
		return Selection{URLs: assignRanks(candidates)}, nil
	}
	if s.ranker == nil {
		return s.fallback(candidates, topN, ReasonNotConfigured, nil), nil
	}

	rankCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ranked, err := s.ranker.Rank(rankCtx, candidates, topN)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Selection{}, fmt.Errorf("select pages: %w", ctxErr)
	}
	if err != nil {
		return s.fallback(candidates, topN, reasonFor(err, rankCtx), err), nil
	}

	valid := restrict(ranked, candidates, topN)
	if len(valid) == 0 {
		return s.fallback(candidates, topN, ReasonMalformed, scan.ErrRankerMalformed), nil
	}
	return Selection{URLs: assignRanks(valid)}, nil
}

func (s *Selector) fallback(candidates []string, topN int, reason string, cause error) Selection {
	metrics.ObserveSelectionFallback(reason)
	fields := []zap.Field{zap.String("reason", reason), zap.Int("candidates", len(candidates))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Warn("selection degraded", fields...)
	return Selection{URLs: assignRanks(Heuristic(candidates, topN)), Degraded: true, Reason: reason}
}

func reasonFor(err error, rankCtx context.Context) string {
	switch {
	case errors.Is(err, scan.ErrRankerTimeout), errors.Is(rankCtx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, scan.ErrRankerMalformed):
		return ReasonMalformed
	default:
		return ReasonUnavailable
	}
}

// restrict keeps ranked URLs that appear in candidates, once each, up to topN.
func restrict(ranked, candidates []string, topN int) []string {
	allowed := make(map[string]struct{}, len(candidates))
	for _, u := range candidates {
		allowed[u] = struct{}{}
	}
	seen := make(map[string]struct{}, len(ranked))
	out := make([]string, 0, topN)
	for _, u := range ranked {
		if len(out) == topN {
			break
		}
		if _, ok := allowed[u]; !ok {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func assignRanks(urls []string) []scan.RankedURL {
	out := make([]scan.RankedURL, len(urls))
	for i, u := range urls {
		out[i] = scan.RankedURL{URL: u, Rank: i + 1}
	}
	return out
}
