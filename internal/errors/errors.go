package errors

import (
	"errors"
	"fmt"
)

// Standard error types that can be used for error checking
var (
	// ErrMalformedTask is returned when an inbound payload is not a valid task message
	ErrMalformedTask = errors.New("malformed task")

	// ErrDuplicateTask is returned when a task id was already accepted by this node
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrQueueFull is returned when the admission queue has no free slot
	ErrQueueFull = errors.New("queue full")

	// ErrTransportUnavailable is returned when the pub/sub substrate cannot be reached
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNotFound is returned when a requested task result doesn't exist
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a task result would move backwards
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAgentStopped is returned when work is offered to a stopped agent
	ErrAgentStopped = errors.New("agent stopped")

	// ErrInvalidConfig is returned when the configuration fails validation
	ErrInvalidConfig = errors.New("invalid configuration")
)

// TaskError represents an error related to a single task
type TaskError struct {
	Op      string // Operation that failed (e.g., "Parse", "Admit", "Record")
	TaskID  string // ID of the task (if known)
	Message string // Human-readable error message
	Err     error  // Underlying error
}

// Error implements the error interface
func (e *TaskError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: task %s: %s: %v", e.Op, e.TaskID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is implements the errors.Is interface
func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a new TaskError
func NewTaskError(op, taskID, message string, err error) *TaskError {
	return &TaskError{
		Op:      op,
		TaskID:  taskID,
		Message: message,
		Err:     err,
	}
}

// IsMalformed returns true if the error or its cause is a malformed task error
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedTask)
}

// IsDuplicate returns true if the error or its cause is a duplicate task error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateTask)
}

// IsQueueFull returns true if the error or its cause is a queue full error
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull)
}

// IsTransportUnavailable returns true if the error or its cause is a transport error
func IsTransportUnavailable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}

// IsNotFound returns true if the error or its cause is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidTransition returns true if the error or its cause is an invalid transition error
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
