package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"flowci/internal/bus"
	"flowci/internal/config"
	"flowci/internal/models"
	"flowci/internal/pipeline"
	"flowci/internal/progress"
	"flowci/internal/queue"
	"flowci/internal/ratelimit"
	"flowci/internal/store"
	"flowci/internal/telemetry"
)

// Store is the slice of persistence the API needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobCancelled(ctx context.Context, id string) error
	CreateRun(ctx context.Context, run models.PipelineRun) (models.PipelineRun, error)
	GetRun(ctx context.Context, id string) (models.PipelineRun, error)
	ListRunsByProject(ctx context.Context, projectID string, limit int) ([]models.PipelineRun, error)
	ListSyncAttempts(ctx context.Context, resourceID string, limit int) ([]models.SyncAttempt, error)
}

// Server exposes run triggering, inspection and live streaming over HTTP.
type Server struct {
	cfg     config.Config
	store   Store
	queue   *queue.RedisQueue
	tracker *progress.Tracker
	bus     *bus.EventBus
	limiter *ratelimit.TokenBucket
}

func NewServer(cfg config.Config, st Store, q *queue.RedisQueue, tracker *progress.Tracker, b *bus.EventBus, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, queue: q, tracker: tracker, bus: b, limiter: limiter}
}

// Router builds the chi mux with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/progress", s.handleGetProgress)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/projects/{id}/runs", s.handleListRuns)

		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)

		r.Post("/sync", s.handleCreateSync)
		r.Get("/sync/{resourceID}/attempts", s.handleListSyncAttempts)

		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunRequest struct {
	PipelineID     string             `json:"pipeline_id"`
	ProjectID      string             `json:"project_id"`
	Stages         []models.StageSpec `json:"stages,omitempty"`
	PipelineYAML   string             `json:"pipeline_yaml,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// handleCreateRun validates the pipeline shape, persists a pending run and
// enqueues its execution job. Accepted runs return 202; the caller follows
// progress via /runs/{id}/events or polling.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if req.PipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipeline_id is required")
		return
	}

	stages := req.Stages
	if req.PipelineYAML != "" {
		def, err := pipeline.Parse([]byte(req.PipelineYAML))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		stages = def.Stages
	} else if err := pipeline.Validate(stages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A duplicate trigger resolves here, before it consumes rate budget or
	// creates a run row nothing will execute.
	if req.IdempotencyKey != "" {
		existing, found, err := s.store.FindByIdempotencyKey(r.Context(), req.IdempotencyKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve idempotency key")
			return
		}
		if found {
			s.writeDeduplicated(w, r, existing)
			return
		}
	}

	// Triggers draw one token per stage, so long pipelines spend more of
	// their project's budget.
	allowed, _, err := s.limiter.AllowN(r.Context(), ratelimit.ProjectKey(req.ProjectID), len(stages))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded for project")
		return
	}

	run, err := s.store.CreateRun(r.Context(), models.PipelineRun{
		PipelineID: req.PipelineID,
		ProjectID:  req.ProjectID,
		Stages:     stages,
	})
	if err != nil {
		log.Printf("api: create run: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Queue: models.QueuePipeline,
		Payload: map[string]any{
			"run_id":      run.ID,
			"pipeline_id": run.PipelineID,
			"project_id":  run.ProjectID,
		},
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          time.Now(),
		MaxAttempts:    s.cfg.MaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		log.Printf("api: create run job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}
	if reused {
		// Lost the race against a concurrent trigger with the same key.
		s.writeDeduplicated(w, r, job)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID, job.Queue, job.NextRunAt); err != nil {
		log.Printf("api: enqueue run job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{"run": run, "job_id": job.ID})
}

// writeDeduplicated answers a duplicate trigger with the original run.
func (s *Server) writeDeduplicated(w http.ResponseWriter, r *http.Request, job models.Job) {
	if origID, ok := job.Payload["run_id"].(string); ok && origID != "" {
		if orig, err := s.store.GetRun(r.Context(), origID); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"run": orig, "job_id": job.ID, "deduplicated": true})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "deduplicated": true})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleGetProgress serves the live tracker snapshot, falling back to the
// persisted run record once the tracker entry has expired.
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	rec, err := s.tracker.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "progress unavailable")
		return
	}
	if rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, models.ProgressRecord{
		RunID:    run.ID,
		Progress: run.Progress,
		Message:  run.Status,
	})
}

// handleRunEvents streams run events over SSE. The current snapshot is sent
// first, then the live subscription; the bus has no replay, so this ordering
// is what keeps a late subscriber from missing the current state.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events := s.bus.Subscribe(ctx, models.StatusChannel(runID), models.LogChannel(runID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Snapshot before live events.
	if rec, err := s.tracker.Get(ctx, runID); err == nil && rec != nil {
		writeSSE(w, models.Event{
			Type:      models.EventRunProgress,
			RunID:     runID,
			Progress:  rec.Progress,
			Message:   rec.Message,
			Timestamp: rec.UpdatedAt.UnixMilli(),
		})
	} else if run, err := s.store.GetRun(ctx, runID); err == nil {
		writeSSE(w, models.Event{
			Type:      models.EventRunStatus,
			RunID:     runID,
			Status:    run.Status,
			Progress:  run.Progress,
			Timestamp: time.Now().UnixMilli(),
		})
	}
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRunsByProject(r.Context(), chi.URLParam(r, "id"), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type createJobRequest struct {
	Queue          string         `json:"queue"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	RunAt          *time.Time     `json:"run_at,omitempty"`
	MaxAttempts    int            `json:"max_attempts,omitempty"`
}

// handleCreateJob is the generic enqueue endpoint for queues without a
// dedicated surface, e.g. durable project notifications on "events".
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Queue == "" {
		writeError(w, http.StatusBadRequest, "queue is required")
		return
	}
	runAt := time.Now()
	if req.RunAt != nil {
		runAt = *req.RunAt
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	job, reused, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Queue:          req.Queue,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		MaxAttempts:    maxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		log.Printf("api: create job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if reused {
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "deduplicated": true})
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Queue, job.NextRunAt); err != nil {
		log.Printf("api: enqueue job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// handleCancelJob removes a queued or scheduled job. A job already being
// processed finishes its current stage boundary check and stops there.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := s.store.MarkJobCancelled(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		log.Printf("api: queue cancel %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

type createSyncRequest struct {
	ResourceID string         `json:"resource_id"`
	SyncType   string         `json:"sync_type"`
	Action     string         `json:"action"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// handleCreateSync enqueues a reconciliation job on the "sync" queue.
func (s *Server) handleCreateSync(w http.ResponseWriter, r *http.Request) {
	var req createSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ResourceID == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "resource_id and action are required")
		return
	}

	payload := map[string]any{
		"resource_id": req.ResourceID,
		"sync_type":   req.SyncType,
		"action":      req.Action,
	}
	if req.Metadata != nil {
		payload["metadata"] = req.Metadata
	}

	job, _, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Queue:          models.QueueSync,
		Payload:        payload,
		RunAt:          time.Now(),
		MaxAttempts:    s.cfg.SyncMaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		log.Printf("api: create sync job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create sync job")
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Queue, job.NextRunAt); err != nil {
		log.Printf("api: enqueue sync job: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue sync job")
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handleListSyncAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.store.ListSyncAttempts(r.Context(), chi.URLParam(r, "resourceID"), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []models.SyncAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read DLQ")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_ids": ids})
}

func writeSSE(w http.ResponseWriter, ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
