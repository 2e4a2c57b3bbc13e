package models

import "time"

// TaskKind partitions the job queue; each kind has its own worker pool.
type TaskKind string

const (
	TaskCheck        TaskKind = "check"
	TaskBooking      TaskKind = "booking"
	TaskNotification TaskKind = "notification"
)

// TaskKinds lists every kind in a stable order.
var TaskKinds = []TaskKind{TaskCheck, TaskBooking, TaskNotification}

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusRetry     = "retry"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Task is a persisted unit of queued work.
type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Key         string     `json:"key"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
