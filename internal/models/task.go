package models

import "time"

// TaskState is the lifecycle of one ingestion as reported by /status.
type TaskState string

const (
	TaskPending  TaskState = "pending"
	TaskComplete TaskState = "complete"
	TaskFailed   TaskState = "failed"
	TaskNotFound TaskState = "not_found"
)

// TaskRecord tracks an ingestion from submission until its index is installed or it fails.
type TaskRecord struct {
	JobID       string      `json:"job_id"`
	SessionID   string      `json:"session_id"`
	UserID      int64       `json:"user_id"`
	ContentType ContentType `json:"content_type"`
	State       TaskState   `json:"state"`
	Error       string      `json:"error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskStatus is what /status reports for a session id.
type TaskStatus struct {
	State TaskState `json:"status"`
	Error string    `json:"error,omitempty"`
}
