package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a write targets a status the job cannot reach,
	// or when the job is already terminal.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDiscoveryFailed means the base URL could not be fetched at all.
	ErrDiscoveryFailed = errors.New("discovery failed")
	// ErrRankerTimeout means the ranking service did not answer in time.
	ErrRankerTimeout = errors.New("ranking service timeout")
	// ErrRankerUnavailable means the ranking service returned an error.
	ErrRankerUnavailable = errors.New("ranking service unavailable")
	// ErrRankerMalformed means the ranking service output could not be used.
	ErrRankerMalformed = errors.New("ranking service returned malformed output")
	// ErrTimeLimit marks a task that ran past its time limit.
	ErrTimeLimit = errors.New("task exceeded time limit")
)

// ValidationError reports a bad client request. No job is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// PhaseError is a fatal failure of one pipeline phase.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// InvalidTransition builds an ErrInvalidTransition with the offending statuses.
func InvalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
