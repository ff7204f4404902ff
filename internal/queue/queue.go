// Package queue holds the task wire format shared by every broker implementation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/site-audit/internal/scan"
)

// ErrClosed is returned when publishing to a closed broker.
var ErrClosed = errors.New("broker closed")

// Encode serializes a task for the wire.
func Encode(task scan.Task) ([]byte, error) {
	if task.JobID == "" {
		return nil, fmt.Errorf("task job_id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

// Decode parses a task and checks that it names a known phase.
func Decode(data []byte) (scan.Task, error) {
	var task scan.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return scan.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if task.JobID == "" {
		return scan.Task{}, fmt.Errorf("decode task: job_id is missing")
	}
	phase, err := scan.ParsePhase(string(task.Phase))
	if err != nil {
		return scan.Task{}, fmt.Errorf("decode task: %w", err)
	}
	task.Phase = phase
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	return task, nil
}

// DeadLetter hands an exhausted task to handler when it implements
// scan.DeadLetterHandler and reports whether it did.
func DeadLetter(ctx context.Context, handler scan.TaskHandler, task scan.Task, cause error) bool {
	dl, ok := handler.(scan.DeadLetterHandler)
	if !ok {
		return false
	}
	dl.HandleDeadLetter(ctx, task, cause)
	return true
}
