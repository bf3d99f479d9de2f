package models

import (
	"time"
)

// RunStatus enumerates pipeline run states. A run is immutable once it
// reaches success or failed.
const (
	RunPending = "pending"
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// StageSpec is one ordered unit of work within a run. Commands are opaque
// to the orchestration core; the runner decides what they mean.
type StageSpec struct {
	Name     string   `json:"name" yaml:"name"`
	Commands []string `json:"commands" yaml:"commands"`
}

// PipelineRun is the persisted record of one pipeline execution.
type PipelineRun struct {
	ID         string      `json:"id"`
	PipelineID string      `json:"pipeline_id"`
	ProjectID  string      `json:"project_id"`
	Stages     []StageSpec `json:"stages"`
	Status     string      `json:"status"`
	Error      *string     `json:"error,omitempty"`
	Progress   int         `json:"progress"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// ProgressRecord is the tracker snapshot for a run. It lives in Redis with
// a TTL and is the authoritative live-progress source.
type ProgressRecord struct {
	RunID     string    `json:"run_id"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event types published on the bus.
const (
	EventRunStatus   = "run.status"
	EventRunProgress = "run.progress"
	EventRunLog      = "run.log"
)

// Event is the bus payload. Delivery is best-effort; nothing may depend on
// an event having been received.
type Event struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Progress  int    `json:"progress,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// StatusChannel is the per-run channel carrying status and progress events.
func StatusChannel(runID string) string { return "run:" + runID + ":status" }

// LogChannel is the per-run channel carrying stage log lines.
func LogChannel(runID string) string { return "run:" + runID + ":logs" }

// ProjectChannel aggregates run events for a whole project.
func ProjectChannel(projectID string) string { return "project:" + projectID + ":runs" }
