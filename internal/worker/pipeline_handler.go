package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"flowci/internal/artifacts"
	"flowci/internal/bus"
	"flowci/internal/models"
	"flowci/internal/progress"
	"flowci/internal/runner"
	"flowci/internal/telemetry"
)

// RunStore is the slice of persistence the pipeline handler needs.
type RunStore interface {
	GetRun(ctx context.Context, id string) (models.PipelineRun, error)
	MarkRunRunning(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id, status string, progress int, runErr *string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// PipelineHandler executes a run's stages sequentially. Progress only moves
// forward: each completed stage advances it to round((i+1)/n*100), a failed
// stage freezes it at the last completed stage's value. A stage exiting
// non-zero is a business outcome and terminal for the run; only
// infrastructure errors (store, context) bubble up retryable.
type PipelineHandler struct {
	store    RunStore
	tracker  *progress.Tracker
	bus      *bus.EventBus
	runner   runner.StageRunner
	uploader artifacts.Uploader
}

func NewPipelineHandler(store RunStore, tracker *progress.Tracker, b *bus.EventBus, r runner.StageRunner, uploader artifacts.Uploader) *PipelineHandler {
	return &PipelineHandler{store: store, tracker: tracker, bus: b, runner: r, uploader: uploader}
}

// Handle is the "pipeline" queue handler. It is safe under re-delivery: a
// run already terminal is acked without re-execution.
func (h *PipelineHandler) Handle(ctx context.Context, job models.Job) error {
	runID, _ := job.Payload["run_id"].(string)
	if runID == "" {
		return Terminal(fmt.Errorf("job %s has no run_id", job.ID))
	}

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status == models.RunSuccess || run.Status == models.RunFailed {
		log.Printf("pipeline: run %s already %s, skipping re-delivery", runID, run.Status)
		return nil
	}

	if err := h.store.MarkRunRunning(ctx, runID); err != nil {
		return fmt.Errorf("mark run %s running: %w", runID, err)
	}
	if _, err := h.tracker.Update(ctx, runID, 0, "run started"); err != nil {
		log.Printf("pipeline: progress init %s: %v", runID, err)
	}
	h.publishStatus(ctx, run, models.RunRunning, 0, "run started")

	total := len(run.Stages)
	completedPct := 0

	for i, stage := range run.Stages {
		// Cancellation is only honored on stage boundaries; an in-flight
		// stage always runs to completion or timeout.
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run %s interrupted before stage %s: %w", runID, stage.Name, err)
		}

		h.publishStatus(ctx, run, models.RunRunning, completedPct, fmt.Sprintf("stage %s started", stage.Name))

		res := h.runner.Run(ctx, stage)
		telemetry.StagesExecuted.Inc()
		h.publishLogs(ctx, run, stage.Name, res.LogLines)
		artifacts.UploadAsync(ctx, h.uploader, runID+"/"+stage.Name+".log", []byte(strings.Join(res.LogLines, "\n")))

		if !res.Success {
			failMsg := fmt.Sprintf("stage %s failed: %s", stage.Name, res.Error)
			h.publishStatus(ctx, run, models.RunFailed, completedPct, failMsg)
			if err := h.store.AppendAudit(ctx, job.ID, "stage_failed", failMsg); err != nil {
				log.Printf("pipeline: audit %s: %v", job.ID, err)
			}
			if err := h.store.FinishRun(ctx, runID, models.RunFailed, completedPct, &failMsg); err != nil {
				return fmt.Errorf("finish run %s: %w", runID, err)
			}
			telemetry.RunsTotal.WithLabelValues(models.RunFailed).Inc()
			return Terminal(fmt.Errorf("run %s: %s", runID, failMsg))
		}

		completedPct = int(math.Round(float64(i+1) / float64(total) * 100))
		if _, err := h.tracker.Update(ctx, runID, completedPct, fmt.Sprintf("stage %s completed", stage.Name)); err != nil {
			log.Printf("pipeline: progress %s: %v", runID, err)
		}
		h.publishProgress(ctx, run, completedPct, fmt.Sprintf("stage %s completed", stage.Name))
	}

	if err := h.store.FinishRun(ctx, runID, models.RunSuccess, 100, nil); err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	h.publishStatus(ctx, run, models.RunSuccess, 100, "run complete")
	telemetry.RunsTotal.WithLabelValues(models.RunSuccess).Inc()
	return nil
}

func (h *PipelineHandler) publishStatus(ctx context.Context, run models.PipelineRun, status string, pct int, message string) {
	h.bus.Publish(ctx, models.StatusChannel(run.ID), models.Event{
		Type:      models.EventRunStatus,
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Status:    status,
		Progress:  pct,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *PipelineHandler) publishProgress(ctx context.Context, run models.PipelineRun, pct int, message string) {
	h.bus.Publish(ctx, models.StatusChannel(run.ID), models.Event{
		Type:      models.EventRunProgress,
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Status:    models.RunRunning,
		Progress:  pct,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *PipelineHandler) publishLogs(ctx context.Context, run models.PipelineRun, stageName string, lines []string) {
	for _, line := range lines {
		h.bus.Publish(ctx, models.LogChannel(run.ID), models.Event{
			Type:      models.EventRunLog,
			RunID:     run.ID,
			ProjectID: run.ProjectID,
			Message:   stageName + ": " + line,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}
