package syncledger

import (
	"context"
	"fmt"
	"log"

	"flowci/internal/models"
	"flowci/internal/telemetry"
	"flowci/internal/worker"
)

// AttemptStore is the slice of persistence the ledger needs.
type AttemptStore interface {
	InsertSyncAttempt(ctx context.Context, a models.SyncAttempt) (models.SyncAttempt, error)
	CompleteSyncAttempt(ctx context.Context, id, status string, attemptErr, errType *string) error
	LatestAttemptCount(ctx context.Context, resourceID, action string) (int, error)
	PruneSyncAttempts(ctx context.Context, resourceID string, keep int) (int64, error)
}

// ReconcileFunc performs one idempotent reconciliation of a resource against
// an external system. It must tolerate being re-run after a partial failure.
type ReconcileFunc func(ctx context.Context, resourceID string, metadata map[string]any) error

// Ledger executes reconciliation actions and records every attempt as an
// append-only row. It caps attempts per resource/action pair independently
// of the queue's retry budget, and classifies failures so non-retryable
// ones stop immediately.
type Ledger struct {
	store       AttemptStore
	maxAttempts int
	keep        int
	actions     map[string]ReconcileFunc
}

func NewLedger(store AttemptStore, maxAttempts, keep int) *Ledger {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if keep <= 0 {
		keep = 100
	}
	return &Ledger{
		store:       store,
		maxAttempts: maxAttempts,
		keep:        keep,
		actions:     make(map[string]ReconcileFunc),
	}
}

// RegisterAction binds a reconcile function to an action name. Must be
// called before the ledger starts handling jobs.
func (l *Ledger) RegisterAction(action string, fn ReconcileFunc) {
	l.actions[action] = fn
}

// Handle is the "sync" queue handler. Payload fields: resource_id, sync_type,
// action, metadata.
func (l *Ledger) Handle(ctx context.Context, job models.Job) error {
	resourceID, _ := job.Payload["resource_id"].(string)
	action, _ := job.Payload["action"].(string)
	if resourceID == "" || action == "" {
		return worker.Terminal(fmt.Errorf("job %s missing resource_id or action", job.ID))
	}
	syncType, _ := job.Payload["sync_type"].(string)
	if syncType == "" {
		syncType = "generic"
	}
	metadata, _ := job.Payload["metadata"].(map[string]any)

	fn, ok := l.actions[action]
	if !ok {
		return worker.Terminal(fmt.Errorf("no reconciler registered for action %q", action))
	}

	count, err := l.store.LatestAttemptCount(ctx, resourceID, action)
	if err != nil {
		return fmt.Errorf("count attempts for %s/%s: %w", resourceID, action, err)
	}
	if count >= l.maxAttempts {
		return worker.Terminal(fmt.Errorf("resource %s action %s exhausted %d attempts", resourceID, action, count))
	}

	attempt, err := l.store.InsertSyncAttempt(ctx, models.SyncAttempt{
		ResourceID: resourceID,
		SyncType:   syncType,
		Action:     action,
		Status:     models.SyncProcessing,
		Metadata:   metadata,
	})
	if err != nil {
		return fmt.Errorf("record attempt for %s/%s: %w", resourceID, action, err)
	}

	reconcileErr := fn(ctx, resourceID, metadata)
	if reconcileErr == nil {
		if err := l.store.CompleteSyncAttempt(ctx, attempt.ID, models.SyncSuccess, nil, nil); err != nil {
			log.Printf("sync: complete attempt %s: %v", attempt.ID, err)
		}
		telemetry.SyncAttempts.WithLabelValues(models.SyncSuccess).Inc()
		if n, err := l.store.PruneSyncAttempts(ctx, resourceID, l.keep); err != nil {
			log.Printf("sync: prune %s: %v", resourceID, err)
		} else if n > 0 {
			log.Printf("sync: pruned %d old attempts for %s", n, resourceID)
		}
		return nil
	}

	errType := Classify(reconcileErr)
	errMsg := reconcileErr.Error()

	if !Retryable(errType) {
		if err := l.store.CompleteSyncAttempt(ctx, attempt.ID, models.SyncFailed, &errMsg, &errType); err != nil {
			log.Printf("sync: complete attempt %s: %v", attempt.ID, err)
		}
		telemetry.SyncAttempts.WithLabelValues(models.SyncFailed).Inc()
		return worker.Terminal(fmt.Errorf("resource %s action %s: %s error needs manual resolution: %w",
			resourceID, action, errType, reconcileErr))
	}

	// Out of attempts: record the terminal failure here so the ledger shows
	// it even though the queue also dead-letters the job.
	if attempt.AttemptCount >= l.maxAttempts {
		if err := l.store.CompleteSyncAttempt(ctx, attempt.ID, models.SyncFailed, &errMsg, &errType); err != nil {
			log.Printf("sync: complete attempt %s: %v", attempt.ID, err)
		}
		telemetry.SyncAttempts.WithLabelValues(models.SyncFailed).Inc()
		return worker.Terminal(fmt.Errorf("resource %s action %s failed after %d attempts: %w",
			resourceID, action, attempt.AttemptCount, reconcileErr))
	}

	if err := l.store.CompleteSyncAttempt(ctx, attempt.ID, models.SyncRetrying, &errMsg, &errType); err != nil {
		log.Printf("sync: complete attempt %s: %v", attempt.ID, err)
	}
	telemetry.SyncAttempts.WithLabelValues(models.SyncRetrying).Inc()
	return fmt.Errorf("resource %s action %s attempt %d (%s): %w",
		resourceID, action, attempt.AttemptCount, errType, reconcileErr)
}
