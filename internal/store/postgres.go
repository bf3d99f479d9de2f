package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowci/internal/models"
)

// Store wraps pgxpool for Postgres persistence. The worker hot path only
// writes terminal records and audit rows here; live state lives in Redis.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Queue          string
	Payload        map[string]any
	IdempotencyKey string
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// CreateJob inserts a job row, honoring idempotency if provided.
// It returns the job, and a boolean indicating if an existing job was reused
// via idempotency.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Queue == "" {
		return models.Job{}, false, errors.New("queue is required")
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, queue, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, p.Queue, payloadJSON, models.StatusQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Queue:          p.Queue,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		NextRunAt:      p.RunAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue, payload, status, attempts, max_attempts, next_run_at, last_error, idempotency_key, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text
	var idem pgtype.Text

	if err := row.Scan(&job.ID, &job.Queue, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

// UpdateJobStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// MarkJobSucceeded transitions a job to succeeded.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusSucceeded)
	return err
}

// MarkJobFailed sets a terminal failed state without dead-lettering, used
// for business failures that must not be retried.
func (s *Store) MarkJobFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// MarkJobCancelled sets status cancelled and clears any last error.
func (s *Store) MarkJobCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// MarkJobDeadLetter flags a job as dead_lettered.
func (s *Store) MarkJobDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
	return err
}

// UpdateJobAttempts updates attempts and next_run_at after a failure.
func (s *Store) UpdateJobAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// CreateRun inserts a pending pipeline run.
func (s *Store) CreateRun(ctx context.Context, run models.PipelineRun) (models.PipelineRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = models.RunPending
	run.CreatedAt = time.Now().UTC()

	stagesJSON, err := json.Marshal(run.Stages)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("marshal stages: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, project_id, stages, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, run.ID, run.PipelineID, run.ProjectID, stagesJSON, run.Status, run.CreatedAt)
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun fetches a pipeline run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.PipelineRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, project_id, stages, status, error, progress, started_at, finished_at, created_at
		FROM pipeline_runs WHERE id = $1
	`, id)

	var run models.PipelineRun
	var stagesJSON []byte
	var errText pgtype.Text
	var started, finished pgtype.Timestamptz

	if err := row.Scan(&run.ID, &run.PipelineID, &run.ProjectID, &stagesJSON, &run.Status, &errText, &run.Progress, &started, &finished, &run.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PipelineRun{}, fmt.Errorf("run not found: %w", err)
		}
		return models.PipelineRun{}, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
		return models.PipelineRun{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	run.Error = textPtr(errText)
	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finished)
	return run, nil
}

// MarkRunRunning records the run start. Only pending runs transition, so a
// re-delivered job cannot restamp a run that already moved on.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.RunRunning, models.RunPending)
	return err
}

// FinishRun writes the terminal record exactly once: a run that is already
// terminal is left untouched.
func (s *Store) FinishRun(ctx context.Context, id, status string, progress int, runErr *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status = $2, progress = $3, error = $4, finished_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, status, progress, runErr, models.RunSuccess, models.RunFailed)
	return err
}

// ListRunsByProject returns the most recent runs for a project.
func (s *Store) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, pipeline_id, project_id, stages, status, error, progress, started_at, finished_at, created_at
		FROM pipeline_runs WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.PipelineRun
	for rows.Next() {
		var run models.PipelineRun
		var stagesJSON []byte
		var errText pgtype.Text
		var started, finished pgtype.Timestamptz
		if err := rows.Scan(&run.ID, &run.PipelineID, &run.ProjectID, &stagesJSON, &run.Status, &errText, &run.Progress, &started, &finished, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages: %w", err)
		}
		run.Error = textPtr(errText)
		run.StartedAt = timePtr(started)
		run.FinishedAt = timePtr(finished)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertSyncAttempt appends a reconciliation attempt row and returns its id.
// attempt_count continues from the highest recorded count for the
// resource/action pair, so it never decreases.
func (s *Store) InsertSyncAttempt(ctx context.Context, a models.SyncAttempt) (models.SyncAttempt, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return models.SyncAttempt{}, fmt.Errorf("marshal metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO sync_attempts (id, resource_id, sync_type, action, status, attempt_count, error, error_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(attempt_count), 0) + 1 FROM sync_attempts WHERE resource_id = $2 AND action = $4),
			$6, $7, $8, $9)
		RETURNING attempt_count
	`, a.ID, a.ResourceID, a.SyncType, a.Action, a.Status, a.Error, a.ErrorType, metaJSON, a.CreatedAt).Scan(&a.AttemptCount)
	if err != nil {
		return models.SyncAttempt{}, fmt.Errorf("insert sync attempt: %w", err)
	}
	return a, nil
}

// CompleteSyncAttempt finalizes an attempt row.
func (s *Store) CompleteSyncAttempt(ctx context.Context, id, status string, attemptErr, errType *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_attempts SET status = $2, error = $3, error_type = $4, completed_at = NOW()
		WHERE id = $1
	`, id, status, attemptErr, errType)
	return err
}

// LatestAttemptCount returns the highest recorded attempt count for a
// resource/action pair, zero when none exist.
func (s *Store) LatestAttemptCount(ctx context.Context, resourceID, action string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt_count), 0) FROM sync_attempts WHERE resource_id = $1 AND action = $2
	`, resourceID, action).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sync attempts: %w", err)
	}
	return n, nil
}

// ListSyncAttempts returns the most recent attempts for a resource.
func (s *Store) ListSyncAttempts(ctx context.Context, resourceID string, limit int) ([]models.SyncAttempt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, resource_id, sync_type, action, status, attempt_count, error, error_type, metadata, created_at, completed_at
		FROM sync_attempts WHERE resource_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.SyncAttempt
	for rows.Next() {
		var a models.SyncAttempt
		var errText, typeText pgtype.Text
		var metaJSON []byte
		var completed pgtype.Timestamptz
		if err := rows.Scan(&a.ID, &a.ResourceID, &a.SyncType, &a.Action, &a.Status, &a.AttemptCount, &errText, &typeText, &metaJSON, &a.CreatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan sync attempt: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		a.Error = textPtr(errText)
		a.ErrorType = textPtr(typeText)
		a.CompletedAt = timePtr(completed)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// PruneSyncAttempts keeps only the most recent keep rows per resource.
// It returns how many rows were deleted.
func (s *Store) PruneSyncAttempts(ctx context.Context, resourceID string, keep int) (int64, error) {
	if keep <= 0 {
		keep = 100
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_attempts
		WHERE resource_id = $1 AND id NOT IN (
			SELECT id FROM sync_attempts WHERE resource_id = $1
			ORDER BY created_at DESC LIMIT $2
		)
	`, resourceID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune sync attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
