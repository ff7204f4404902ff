package progress

import (
	"context"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Store wraps a scan.JobStore and emits an Event after each successful job
// update or transition.
type Store struct {
	scan.JobStore
	emitter Emitter
}

var _ scan.JobStore = (*Store)(nil)

// NewStore decorates inner. A nil emitter makes Store a pass-through.
func NewStore(inner scan.JobStore, emitter Emitter) *Store {
	return &Store{JobStore: inner, emitter: emitter}
}

// UpdateJob applies patch and emits the resulting snapshot.
func (s *Store) UpdateJob(ctx context.Context, jobID string, patch scan.JobPatch) (scan.Job, error) {
	job, err := s.JobStore.UpdateJob(ctx, jobID, patch)
	if err == nil {
		s.emit(job)
	}
	return job, err
}

// TransitionJob moves the job to a new status and emits the resulting snapshot.
func (s *Store) TransitionJob(ctx context.Context, jobID string, to scan.Status, patch scan.JobPatch) (scan.Job, error) {
	job, err := s.JobStore.TransitionJob(ctx, jobID, to, patch)
	if err == nil {
		s.emit(job)
	}
	return job, err
}

func (s *Store) emit(job scan.Job) {
	if s.emitter != nil {
		s.emitter.Emit(FromJob(job))
	}
}
