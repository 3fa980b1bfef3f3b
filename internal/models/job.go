package models

import (
	"time"
)

// Job status values persisted in Postgres. Transitions are monotonic:
// PENDING -> PROCESSING -> COMPLETED | FAILED. The terminal states absorb
// any later transition attempt, which is what makes duplicate queue
// deliveries safe.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// TaskProcessDocument is the single task type carried on the queue.
const TaskProcessDocument = "process_document"

// Job is the persistent record of one submitted document's lifecycle.
type Job struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	ObjectKey     string    `json:"object_key"`
	OriginalName  string    `json:"original_name"`
	Status        string    `json:"status"`
	ExtractedText *string   `json:"extracted_text,omitempty"`
	LastError     *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Task is the ephemeral queue message pointing at a Job. It carries no
// derived data, so a redelivered task is always re-resolved against the
// document store rather than trusted on its own.
type Task struct {
	Task      string `json:"task"`
	JobID     string `json:"job_id"`
	ObjectKey string `json:"object_key"`
	OwnerID   string `json:"owner_id"`
}

// NewTask builds the queue message for a job.
func NewTask(job Job) Task {
	return Task{
		Task:      TaskProcessDocument,
		JobID:     job.ID,
		ObjectKey: job.ObjectKey,
		OwnerID:   job.OwnerID,
	}
}
