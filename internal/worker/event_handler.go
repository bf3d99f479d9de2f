package worker

import (
	"context"
	"fmt"
	"time"

	"flowci/internal/bus"
	"flowci/internal/models"
)

// EventHandler is the "events" queue handler. It fans durable notification
// jobs out to the project aggregate channel, so dashboards watching a whole
// project see every run's lifecycle without subscribing per run. The queue
// gives the notification durability the bus alone lacks; delivery to
// subscribers stays best-effort.
type EventHandler struct {
	bus *bus.EventBus
}

func NewEventHandler(b *bus.EventBus) *EventHandler {
	return &EventHandler{bus: b}
}

func (h *EventHandler) Handle(ctx context.Context, job models.Job) error {
	projectID, _ := job.Payload["project_id"].(string)
	if projectID == "" {
		return Terminal(fmt.Errorf("job %s has no project_id", job.ID))
	}

	evType, _ := job.Payload["type"].(string)
	if evType == "" {
		evType = models.EventRunStatus
	}
	runID, _ := job.Payload["run_id"].(string)
	status, _ := job.Payload["status"].(string)
	message, _ := job.Payload["message"].(string)
	pct := 0
	if f, ok := job.Payload["progress"].(float64); ok {
		pct = int(f)
	}

	h.bus.Publish(ctx, models.ProjectChannel(projectID), models.Event{
		Type:      evType,
		RunID:     runID,
		ProjectID: projectID,
		Status:    status,
		Progress:  pct,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}
