package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"flowci/internal/config"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueueWithClient(client, config.Config{VisibilityTimeout: 30 * time.Second})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "pipeline", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx, "pipeline")
	if err != nil || depth != 1 {
		t.Fatalf("depth=%d err=%v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx, "pipeline")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}

	// Leased, so invisible to other consumers.
	id, err = q.DequeueWithLease(ctx, "pipeline")
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got %q err=%v", id, err)
	}

	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-p", "pipeline", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-s", "sync", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx, "sync")
	if err != nil || id != "job-s" {
		t.Fatalf("sync dequeue got %q err=%v", id, err)
	}
	id, err = q.DequeueWithLease(ctx, "pipeline")
	if err != nil || id != "job-p" {
		t.Fatalf("pipeline dequeue got %q err=%v", id, err)
	}
}

func TestLeaseExclusivityUnderContention(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	const jobs = 50
	for i := 0; i < jobs; i++ {
		if err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), "pipeline", time.Now()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				id, err := q.DequeueWithLease(ctx, "pipeline")
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if id == "" {
					return
				}
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct jobs, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s delivered %d times", id, n)
		}
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "pipeline", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx, "pipeline"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Not yet expired.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no expired leases, got %v", ids)
	}

	// Past the lease deadline it comes back on the same queue.
	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 reclaimed, got %v", ids)
	}

	id, err := q.DequeueWithLease(ctx, "pipeline")
	if err != nil || id != "job-1" {
		t.Fatalf("expected reclaimed job dequeued, got %q err=%v", id, err)
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Enqueue(ctx, "job-1", "sync", runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, err := q.DequeueWithLease(ctx, "sync")
	if err != nil || id != "" {
		t.Fatalf("scheduled job should not be ready, got %q err=%v", id, err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing promoted, got n=%d err=%v", n, err)
	}

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("expected one promoted, got n=%d err=%v", n, err)
	}

	id, err = q.DequeueWithLease(ctx, "sync")
	if err != nil || id != "job-1" {
		t.Fatalf("expected promoted job, got %q err=%v", id, err)
	}
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", "pipeline", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	id, err := q.DequeueWithLease(ctx, "pipeline")
	if err != nil || id != "" {
		t.Fatalf("cancelled job still dequeued: %q err=%v", id, err)
	}

	if err := q.Enqueue(ctx, "job-2", "pipeline", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}
	if err := q.Cancel(ctx, "job-2"); err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}
	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || n != 0 {
		t.Fatalf("cancelled scheduled job promoted: n=%d err=%v", n, err)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.DLQPush(ctx, "job-1"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	if err := q.DLQPush(ctx, "job-2"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	ids, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 dead-lettered jobs, got %v", ids)
	}
}
