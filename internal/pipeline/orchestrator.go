// Package pipeline drives scan jobs through their phases. Every phase runs as a
// broker task and hands off to the next phase by publishing a new task.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/scan"
	"github.com/JakeFAU/site-audit/internal/selection"
)

// CancelMessage is the error message recorded on canceled jobs.
const CancelMessage = "canceled"

var errNotConfigured = errors.New("collaborator not configured")

// Discoverer crawls a site for candidate pages.
type Discoverer interface {
	Discover(ctx context.Context, baseURL string, maxPages int) ([]string, error)
}

// Selector picks the pages to audit.
type Selector interface {
	Select(ctx context.Context, urls []string, topN int) (selection.Selection, error)
}

// Deps are the collaborators an Orchestrator calls. Store and Broker are
// required; a missing collaborator fails the phase that needs it.
type Deps struct {
	Store      scan.JobStore
	Broker     scan.Broker
	Discoverer Discoverer
	Selector   Selector
	Scraper    scan.Scraper
	Blobs      scan.BlobStore
	Hasher     scan.Hasher
	Extractor  scan.Extractor
	Analyzer   scan.Analyzer
	IDs        scan.IDGenerator
	Clock      scan.Clock
}

// Config holds pipeline limits.
type Config struct {
	MaxPages        int
	TopN            int
	PageConcurrency int
	DefaultScanType scan.ScanType
	BlobPrefix      string
	ContentType     string
}

// Orchestrator implements scan.TaskHandler for every phase queue.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

var (
	_ scan.TaskHandler       = (*Orchestrator)(nil)
	_ scan.DeadLetterHandler = (*Orchestrator)(nil)
)

// New builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if deps.Broker == nil {
		return nil, errors.New("pipeline: broker is required")
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = scan.SystemClock{}
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 15
	}
	if cfg.TopN <= 0 {
		cfg.TopN = selection.DefaultTopN
	}
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 4
	}
	if !cfg.DefaultScanType.Valid() {
		cfg.DefaultScanType = scan.ScanTypeFull
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "pages"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger}, nil
}

// Submit validates target, creates the job and queues its orchestration task.
func (o *Orchestrator) Submit(ctx context.Context, target scan.Target) (scan.Job, error) {
	normalized, err := scan.ParseTarget(target.URL)
	if err != nil {
		return scan.Job{}, err
	}
	target.URL = normalized
	if target.ScanType == "" {
		target.ScanType = o.cfg.DefaultScanType
	}
	if !target.ScanType.Valid() {
		return scan.Job{}, &scan.ValidationError{Field: "scan_type", Reason: fmt.Sprintf("unknown scan type %q", target.ScanType)}
	}

	jobID, err := o.deps.Store.CreateJob(ctx, target)
	if err != nil {
		return scan.Job{}, fmt.Errorf("create job: %w", err)
	}
	params := scan.TaskParams{
		URL:      target.URL,
		ScanType: target.ScanType,
		MaxPages: o.cfg.MaxPages,
		TopN:     o.cfg.TopN,
	}
	if err := o.publish(ctx, jobID, scan.PhaseOrchestration, params); err != nil {
		o.fail(context.WithoutCancel(ctx), jobID, scan.PhaseOrchestration, err)
		return scan.Job{}, err
	}
	o.logger.Info("job submitted", zap.String("job_id", jobID), zap.String("url", target.URL), zap.String("scan_type", string(target.ScanType)))
	return o.deps.Store.GetJob(ctx, jobID)
}

// Cancel fails a running job and revokes its queued tasks when the broker supports it.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (scan.Job, error) {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return scan.Job{}, err
	}
	if job.Status.Terminal() {
		return job, scan.InvalidTransition(job.Status, scan.StatusFailed)
	}
	msg := CancelMessage
	job, err = o.deps.Store.TransitionJob(ctx, jobID, scan.StatusFailed, scan.JobPatch{ErrorMessage: &msg})
	if err != nil {
		return scan.Job{}, err
	}
	metrics.ObserveJob(string(scan.StatusFailed))
	if revoker, ok := o.deps.Broker.(scan.Revoker); ok {
		if err := revoker.Revoke(ctx, jobID); err != nil {
			o.logger.Warn("revoke tasks failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	o.logger.Info("job canceled", zap.String("job_id", jobID))
	return job, nil
}

// HandleTask runs one phase. A returned error means the broker should redeliver;
// phase failures are recorded on the job instead.
func (o *Orchestrator) HandleTask(ctx context.Context, task scan.Task) error {
	logger := o.logger.With(zap.String("job_id", task.JobID), zap.String("phase", string(task.Phase)))
	job, err := o.deps.Store.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			logger.Warn("dropping task for unknown job")
			return nil
		}
		return fmt.Errorf("load job %s: %w", task.JobID, err)
	}
	if job.Status.Terminal() {
		logger.Debug("skipping task for terminal job", zap.String("status", string(job.Status)))
		return nil
	}

	err = o.runPhase(ctx, job, task)
	switch {
	case err == nil:
		return nil
	case errors.Is(context.Cause(ctx), scan.ErrTimeLimit):
		o.fail(context.WithoutCancel(ctx), job.ID, task.Phase, scan.ErrTimeLimit)
		return nil
	case errors.Is(err, scan.ErrInvalidTransition):
		logger.Info("dropping stale task", zap.Error(err))
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s phase interrupted: %w", task.Phase, err)
	}

	var phaseErr *scan.PhaseError
	if errors.As(err, &phaseErr) {
		o.fail(ctx, job.ID, phaseErr.Phase, phaseErr.Err)
		return nil
	}
	return err
}

// HandleDeadLetter fails the job once the broker stops redelivering its task.
func (o *Orchestrator) HandleDeadLetter(ctx context.Context, task scan.Task, cause error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	o.fail(context.WithoutCancel(ctx), task.JobID, task.Phase, fmt.Errorf("delivery attempts exhausted: %w", cause))
}

func (o *Orchestrator) runPhase(ctx context.Context, job scan.Job, task scan.Task) error {
	params := o.paramsFor(job, task)
	switch task.Phase {
	case scan.PhaseOrchestration:
		return o.orchestrate(ctx, job, params)
	case scan.PhaseDiscovery:
		return o.discover(ctx, job, params)
	case scan.PhaseSelection:
		return o.selectPages(ctx, job, params)
	case scan.PhaseScraping:
		return o.scrape(ctx, job, params)
	case scan.PhaseExtraction:
		return o.extract(ctx, job, params)
	case scan.PhaseAnalysis:
		return o.analyze(ctx, job, params)
	case scan.PhaseAggregation:
		return o.aggregate(ctx, job)
	default:
		return &scan.PhaseError{Phase: task.Phase, Err: fmt.Errorf("unknown phase %q", task.Phase)}
	}
}

// paramsFor fills task parameters the message left out from the job and config.
func (o *Orchestrator) paramsFor(job scan.Job, task scan.Task) scan.TaskParams {
	p := task.Params
	if p.URL == "" {
		p.URL = job.Target.URL
	}
	if !p.ScanType.Valid() {
		p.ScanType = job.Target.ScanType
	}
	if !p.ScanType.Valid() {
		p.ScanType = o.cfg.DefaultScanType
	}
	if p.MaxPages <= 0 {
		p.MaxPages = o.cfg.MaxPages
	}
	if p.TopN <= 0 {
		p.TopN = o.cfg.TopN
	}
	return p
}

func (o *Orchestrator) publish(ctx context.Context, jobID string, phase scan.Phase, params scan.TaskParams) error {
	taskID, err := o.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	task := scan.Task{
		ID:         taskID,
		JobID:      jobID,
		Phase:      phase,
		Attempt:    1,
		EnqueuedAt: o.deps.Clock.Now(),
		Params:     params,
	}
	if err := o.deps.Broker.Publish(ctx, task.Queue(), task); err != nil {
		return fmt.Errorf("publish %s task: %w", phase, err)
	}
	return nil
}

func (o *Orchestrator) next(ctx context.Context, jobID string, phase scan.Phase, params scan.TaskParams) error {
	nextPhase, ok := phase.Next()
	if !ok {
		return nil
	}
	return o.publish(ctx, jobID, nextPhase, params)
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, phase scan.Phase, cause error) {
	msg := (&scan.PhaseError{Phase: phase, Err: cause}).Error()
	logger := o.logger.With(zap.String("job_id", jobID), zap.String("phase", string(phase)))
	if _, err := o.deps.Store.TransitionJob(ctx, jobID, scan.StatusFailed, scan.JobPatch{ErrorMessage: &msg}); err != nil {
		if !errors.Is(err, scan.ErrInvalidTransition) && !errors.Is(err, scan.ErrNotFound) {
			logger.Error("record job failure", zap.Error(err))
		}
		return
	}
	metrics.ObserveJob(string(scan.StatusFailed))
	logger.Error("job failed", zap.String("error_message", msg))
}

func fatal(phase scan.Phase, err error) error {
	return &scan.PhaseError{Phase: phase, Err: err}
}
