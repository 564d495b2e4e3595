package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task executed by this node.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"   // Admitted, waiting for a worker
	StatusRunning   TaskStatus = "running"   // Child process launched
	StatusSucceeded TaskStatus = "succeeded" // Exited with code 0
	StatusFailed    TaskStatus = "failed"    // Non-zero exit, launch error or rejected at admission
	StatusTimedOut  TaskStatus = "timed_out" // Killed after the wall-clock limit or the shutdown grace period
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusTimedOut}

// ParseTaskStatus converts a user-supplied filter into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

func (s TaskStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle
// moving forward. Skipping a step is allowed (pending -> failed), going back
// or leaving a terminal status is not.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// TaskResult is the outcome record of one accepted task.
type TaskResult struct {
	TaskID     string     `json:"task_id"`
	InternalID string     `json:"internal_id"`
	Status     TaskStatus `json:"status"`
	ReceivedAt time.Time  `json:"received_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// NewPendingResult creates the initial record for an admitted task.
func NewPendingResult(task *Task) TaskResult {
	return TaskResult{
		TaskID:     task.ID,
		InternalID: task.InternalID,
		Status:     StatusPending,
		ReceivedAt: task.ReceivedAt,
	}
}

// Duration returns the wall-clock execution time, or zero while not finished.
func (r TaskResult) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// String returns a human-readable one-line summary.
func (r TaskResult) String() string {
	s := fmt.Sprintf("%s [%s]", r.TaskID, r.Status)
	if r.ExitCode != nil {
		s += fmt.Sprintf(" exit=%d", *r.ExitCode)
	}
	if r.Reason != "" {
		s += " reason=" + r.Reason
	}
	return s
}

// TaskFilter narrows a history listing. A nil Status matches every task.
type TaskFilter struct {
	Status *TaskStatus
}

// Matches reports whether r passes the filter.
func (f TaskFilter) Matches(r TaskResult) bool {
	return f.Status == nil || r.Status == *f.Status
}

// PtrTime returns a pointer to t.
func PtrTime(t time.Time) *time.Time {
	return &t
}

// PtrInt returns a pointer to i.
func PtrInt(i int) *int {
	return &i
}
