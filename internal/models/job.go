package models

import (
	"time"
)

// Queue names consumed by the worker pools. Each queue gets its own bounded
// concurrency (see config.QueueConcurrency).
const (
	QueuePipeline = "pipeline"
	QueueEvents   = "events"
	QueueSync     = "sync"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusActive     = "active"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusDeadLetter = "dead_lettered"
)

// Job represents a queued unit of work persisted in Postgres. The Redis
// queue carries only job IDs; the payload lives here. Attempts counts
// deliveries, including the final successful one.
type Job struct {
	ID             string         `json:"id"`
	Queue          string         `json:"queue"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
