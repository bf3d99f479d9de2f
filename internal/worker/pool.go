package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"flowci/internal/config"
	"flowci/internal/models"
	"flowci/internal/queue"
	"flowci/internal/telemetry"
)

// Handler processes one job. A nil return acks the job; an error wrapped
// with Terminal records a permanent failure; any other error schedules a
// retry with backoff until attempts run out, then dead-letters.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the slice of persistence the pool needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	MarkJobSucceeded(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string, lastError string) error
	MarkJobDeadLetter(ctx context.Context, id string, lastError string) error
	UpdateJobAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Pool runs a fixed number of worker slots per queue. Concurrency is bounded
// by construction: each slot is one goroutine holding at most one leased job,
// so a queue configured at N never has more than N jobs of that type active.
type Pool struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    JobStore
	handlers map[string]Handler
	wg       sync.WaitGroup
}

func NewPool(cfg config.Config, q *queue.RedisQueue, store JobStore) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    store,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a queue name. Must be called before Run.
func (p *Pool) RegisterHandler(queueName string, h Handler) {
	p.handlers[queueName] = h
}

// Run starts the maintenance loop and all worker slots, then blocks until
// ctx is cancelled and every slot has drained its in-flight job.
func (p *Pool) Run(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.maintenanceLoop(ctx)
	}()

	for queueName := range p.handlers {
		n := p.cfg.QueueConcurrency[queueName]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			p.wg.Add(1)
			go func(queueName string, slot int) {
				defer p.wg.Done()
				p.slotLoop(ctx, queueName, slot)
			}(queueName, i)
		}
		log.Printf("worker: queue %s running with %d slots", queueName, n)
	}

	<-ctx.Done()
	p.wg.Wait()
	log.Printf("worker: all slots drained")
}

// maintenanceLoop promotes due scheduled jobs, reclaims expired leases and
// samples queue depth. Any running worker performs this; the operations are
// safe under concurrent maintainers.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch := int64(p.cfg.ScheduledBatchSize)
		if n, err := p.queue.PromoteScheduled(ctx, time.Now(), batch); err != nil {
			log.Printf("worker: promote scheduled: %v", err)
		} else if n > 0 {
			log.Printf("worker: promoted %d scheduled jobs", n)
		}

		if ids, err := p.queue.RequeueExpired(ctx, time.Now(), batch); err != nil {
			log.Printf("worker: requeue expired: %v", err)
		} else if len(ids) > 0 {
			log.Printf("worker: reclaimed %d expired leases", len(ids))
		}

		for queueName := range p.handlers {
			if depth, err := p.queue.ReadyDepth(ctx, queueName); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(queueName).Set(float64(depth))
			}
		}
	}
}

func (p *Pool) slotLoop(ctx context.Context, queueName string, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx, queueName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker[%s/%d]: dequeue: %v", queueName, slot, err)
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if jobID == "" {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}

		p.process(ctx, queueName, slot, jobID)
	}
}

// process runs one leased job end to end. Store writes after the handler use
// a detached context so a shutdown mid-job still records the outcome.
func (p *Pool) process(ctx context.Context, queueName string, slot int, jobID string) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Leave the lease in place; it expires and the job is retried.
		log.Printf("worker[%s/%d]: load job %s: %v", queueName, slot, jobID, err)
		return
	}

	if job.Status == models.StatusCancelled {
		if err := p.queue.Ack(ctx, jobID); err != nil {
			log.Printf("worker[%s/%d]: ack cancelled %s: %v", queueName, slot, jobID, err)
		}
		return
	}

	// Attempts counts deliveries, the final successful one included, so a
	// job that fails twice and then succeeds records three attempts.
	job.Attempts++
	if err := p.store.UpdateJobStatus(ctx, jobID, models.StatusActive, job.Attempts, job.NextRunAt, nil); err != nil {
		log.Printf("worker[%s/%d]: mark active %s: %v", queueName, slot, jobID, err)
	}

	handlerCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(handlerCtx, jobID)

	handler := p.handlers[queueName]
	handlerErr := handler(handlerCtx, job)
	stopHeartbeat()

	// Outcome recording must survive shutdown.
	doneCtx := context.WithoutCancel(ctx)

	switch {
	case handlerErr == nil:
		p.ack(doneCtx, queueName, slot, jobID)
		if err := p.store.MarkJobSucceeded(doneCtx, jobID); err != nil {
			log.Printf("worker[%s/%d]: mark succeeded %s: %v", queueName, slot, jobID, err)
		}
		telemetry.JobSuccess.Inc()

	case IsTerminal(handlerErr):
		p.ack(doneCtx, queueName, slot, jobID)
		if err := p.store.MarkJobFailed(doneCtx, jobID, handlerErr.Error()); err != nil {
			log.Printf("worker[%s/%d]: mark failed %s: %v", queueName, slot, jobID, err)
		}
		telemetry.JobFailures.Inc()

	default:
		p.retryOrDeadLetter(doneCtx, queueName, slot, job, handlerErr)
	}
}

func (p *Pool) retryOrDeadLetter(ctx context.Context, queueName string, slot int, job models.Job, handlerErr error) {
	// The current delivery is already counted in job.Attempts.
	attempts := job.Attempts
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}

	if attempts >= maxAttempts {
		p.ack(ctx, queueName, slot, job.ID)
		if err := p.queue.DLQPush(ctx, job.ID); err != nil {
			log.Printf("worker[%s/%d]: dlq push %s: %v", queueName, slot, job.ID, err)
		}
		if err := p.store.MarkJobDeadLetter(ctx, job.ID, handlerErr.Error()); err != nil {
			log.Printf("worker[%s/%d]: mark dead letter %s: %v", queueName, slot, job.ID, err)
		}
		if err := p.store.AppendAudit(ctx, job.ID, "dead_lettered",
			fmt.Sprintf("exhausted %d attempts: %v", attempts, handlerErr)); err != nil {
			log.Printf("worker[%s/%d]: audit %s: %v", queueName, slot, job.ID, err)
		}
		telemetry.JobDeadLetter.Inc()
		log.Printf("worker[%s/%d]: job %s dead-lettered after %d attempts: %v", queueName, slot, job.ID, attempts, handlerErr)
		return
	}

	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(delay)

	p.ack(ctx, queueName, slot, job.ID)
	if err := p.store.UpdateJobAttempts(ctx, job.ID, attempts, nextRun, handlerErr.Error()); err != nil {
		log.Printf("worker[%s/%d]: record attempt %s: %v", queueName, slot, job.ID, err)
	}
	if err := p.queue.Schedule(ctx, job.ID, queueName, nextRun); err != nil {
		log.Printf("worker[%s/%d]: schedule retry %s: %v", queueName, slot, job.ID, err)
	}
	telemetry.JobFailures.Inc()
	log.Printf("worker[%s/%d]: job %s attempt %d/%d failed, retry in %s: %v",
		queueName, slot, job.ID, attempts, maxAttempts, delay.Round(time.Millisecond), handlerErr)
}

func (p *Pool) ack(ctx context.Context, queueName string, slot int, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		log.Printf("worker[%s/%d]: ack %s: %v", queueName, slot, jobID, err)
	}
}

// heartbeat keeps extending the lease while the handler runs, so a job
// longer than the visibility timeout is not re-delivered mid-flight.
func (p *Pool) heartbeat(ctx context.Context, jobID string) {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				log.Printf("worker: extend lease %s: %v", jobID, err)
			}
		}
	}
}

// backoffWithJitter doubles the delay per attempt, capped at max, with up to
// 20% random jitter to spread retry storms.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	jitter := d * 0.2 * rand.Float64()
	return time.Duration(d + jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
