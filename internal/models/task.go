package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskMessage is the wire format peers publish on the task topic.
// Both fields are mandatory; any other field makes the message malformed.
type TaskMessage struct {
	TaskID      string `json:"task_id"`
	Instruction string `json:"instruction"`
}

// Task represents a unit of work accepted by this node's intake.
// A Task is never modified after NewTask returns it.
type Task struct {
	// ID is chosen by the submitter and is not guaranteed to be unique across the mesh.
	ID string `json:"task_id"`
	// InternalID is assigned locally and tells apart two accepted deliveries
	// that reuse the same ID once it has left the dedup window.
	InternalID  string    `json:"internal_id"`
	Instruction string    `json:"instruction"`
	ReceivedAt  time.Time `json:"received_at"`
}

// NewTask builds a Task from a validated message.
func NewTask(msg TaskMessage, receivedAt time.Time) *Task {
	return &Task{
		ID:          msg.TaskID,
		InternalID:  uuid.New().String(),
		Instruction: msg.Instruction,
		ReceivedAt:  receivedAt.UTC(),
	}
}
