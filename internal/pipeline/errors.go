package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any NotFoundError.
	ErrNotFound = errors.New("pipeline not found")
	// ErrDuplicateActive is returned by Init for a task that already has an active pipeline.
	ErrDuplicateActive = errors.New("pipeline already active")
	// ErrTerminal is returned when transitioning a completed or failed pipeline.
	ErrTerminal = errors.New("pipeline already terminal")
)

// NotFoundError is returned by mutations on an unknown task ID.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipeline %s not found", e.TaskID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StaleWorkerMessage is the error recorded when the watchdog fails a pipeline.
const StaleWorkerMessage = "Terminated by watchdog: task became unresponsive"

// StaleWorkerError is recorded on pipelines whose worker stopped heartbeating.
type StaleWorkerError struct {
	// Silence is how long the worker had been quiet.
	Silence string
}

func (e *StaleWorkerError) Error() string {
	if e.Silence == "" {
		return StaleWorkerMessage
	}
	return fmt.Sprintf("%s (no heartbeat for %s)", StaleWorkerMessage, e.Silence)
}
