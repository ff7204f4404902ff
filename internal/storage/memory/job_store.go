// Package memory provides in-memory job and blob stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/scan"
)

// JobStore keeps jobs and pages in maps guarded by a single mutex, so every
// write is atomic per job.
type JobStore struct {
	mu    sync.RWMutex
	ids   scan.IDGenerator
	clock scan.Clock
	jobs  map[string]scan.Job
	pages map[string][]scan.Page
}

// Option customizes a JobStore.
type Option func(*JobStore)

// WithClock overrides the wall clock.
func WithClock(c scan.Clock) Option {
	return func(s *JobStore) { s.clock = c }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(g scan.IDGenerator) Option {
	return func(s *JobStore) { s.ids = g }
}

// NewJobStore constructs a JobStore.
func NewJobStore(opts ...Option) *JobStore {
	s := &JobStore{
		ids:   uuid.Generator{},
		clock: scan.SystemClock{},
		jobs:  make(map[string]scan.Job),
		pages: make(map[string][]scan.Page),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores a new job in queued status and returns its id.
func (s *JobStore) CreateJob(_ context.Context, target scan.Target) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return "", fmt.Errorf("job %s already exists", id)
	}
	s.jobs[id] = scan.Job{
		ID:          id,
		Target:      target,
		Status:      scan.StatusQueued,
		CurrentStep: scan.StatusQueued.Label(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

// GetJob fetches a job by id.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scan.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, scan.ErrNotFound
	}
	return scan.CloneJob(job), nil
}

// UpdateJob merges patch into a non-terminal job without changing its status.
func (s *JobStore) UpdateJob(_ context.Context, jobID string, patch scan.JobPatch) (scan.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, scan.ErrNotFound
	}
	if job.Status.Terminal() {
		return scan.Job{}, fmt.Errorf("%w: job is %s", scan.ErrInvalidTransition, job.Status)
	}
	patch.Apply(&job)
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return scan.CloneJob(job), nil
}

// TransitionJob moves the job to status to and applies patch in the same write.
func (s *JobStore) TransitionJob(_ context.Context, jobID string, to scan.Status, patch scan.JobPatch) (scan.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, scan.ErrNotFound
	}
	if !scan.CanTransition(job.Status, to) {
		return scan.Job{}, scan.InvalidTransition(job.Status, to)
	}

	now := s.clock.Now()
	job.Status = to
	job.CurrentStep = to.Label()
	if p, ok := to.Progress(); ok && p > job.ProgressPercent {
		job.ProgressPercent = p
	}
	patch.Apply(&job)
	if to != scan.StatusQueued && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() {
		done := now
		job.CompletedAt = &done
	}
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return scan.CloneJob(job), nil
}

// ReplacePages swaps the full page set for a non-terminal job.
func (s *JobStore) ReplacePages(_ context.Context, jobID string, pages []scan.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(jobID); err != nil {
		return err
	}
	out := make([]scan.Page, len(pages))
	for i, p := range pages {
		out[i] = scan.ClonePage(p)
	}
	s.pages[jobID] = out
	return nil
}

// UpdatePage overwrites the stored page with the same URL.
func (s *JobStore) UpdatePage(_ context.Context, jobID string, page scan.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(jobID); err != nil {
		return err
	}
	pages := s.pages[jobID]
	for i := range pages {
		if pages[i].URL == page.URL {
			pages[i] = scan.ClonePage(page)
			return nil
		}
	}
	return fmt.Errorf("page %s: %w", page.URL, scan.ErrNotFound)
}

// writable must be called with mu held.
func (s *JobStore) writable(jobID string) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.ErrNotFound
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", scan.ErrInvalidTransition, job.Status)
	}
	return nil
}

// ListPages returns the job's pages in discovery order.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]scan.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, scan.ErrNotFound
	}
	pages := s.pages[jobID]
	out := make([]scan.Page, len(pages))
	for i, p := range pages {
		out[i] = scan.ClonePage(p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter scan.JobFilter) ([]scan.Job, error) {
	s.mu.RLock()
	matched := make([]scan.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Matches(job) {
			matched = append(matched, scan.CloneJob(job))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	filter = filter.Normalize()
	if filter.Offset >= len(matched) {
		return []scan.Job{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
