package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// Event is a snapshot of a job's progress taken right after a store write.
type Event struct {
	JobID           string
	Status          scan.Status
	ProgressPercent int
	CurrentStep     string
	Counters        scan.JobCounters
	ErrorMessage    string
	UpdatedAt       time.Time
}

// FromJob snapshots job.
func FromJob(job scan.Job) Event {
	return Event{
		JobID:           job.ID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		CurrentStep:     job.CurrentStep,
		Counters:        job.Counters,
		ErrorMessage:    job.ErrorMessage,
		UpdatedAt:       job.UpdatedAt,
	}
}

// Final reports whether no further events will follow for the job.
func (e Event) Final() bool {
	return e.Status.Terminal()
}

// Validate performs lightweight sanity checks before the event is queued.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("progress: job id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("progress: unknown status %q", e.Status)
	}
	if e.ProgressPercent < 0 || e.ProgressPercent > 100 {
		return fmt.Errorf("progress: percent %d out of range", e.ProgressPercent)
	}
	return nil
}
