package models

import (
	"time"
)

// SyncStatus values for reconciliation attempts.
const (
	SyncPending    = "pending"
	SyncProcessing = "processing"
	SyncSuccess    = "success"
	SyncFailed     = "failed"
	SyncRetrying   = "retrying"
)

// SyncAttempt is one append-only audit row for an idempotent external
// reconciliation action. AttemptCount never decreases for a given
// resource/action pair.
type SyncAttempt struct {
	ID           string         `json:"id"`
	ResourceID   string         `json:"resource_id"`
	SyncType     string         `json:"sync_type"`
	Action       string         `json:"action"`
	Status       string         `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	Error        *string        `json:"error,omitempty"`
	ErrorType    *string        `json:"error_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}
