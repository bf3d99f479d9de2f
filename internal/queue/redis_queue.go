package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"flowci/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled jobs in Redis.
// Each job type has its own ready list; the in-flight zset is shared and
// scored by lease deadline, so an unacked job becomes visible again once
// its lease expires.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient wraps an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *RedisQueue) readyKey(queueName string) string {
	return fmt.Sprintf("queue:ready:%s", queueName)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set or its ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, queueName string, runAt time.Time) error {
	if queueName == "" {
		queueName = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "queue", queueName)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(queueName), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution,
// typically a retry with backoff.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, queueName string, runAt time.Time) error {
	if queueName == "" {
		queueName = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "queue", queueName)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready queues. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(q.queueFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the named ready queue and places it into
// inflight with a visibility deadline. The pop and lease are one atomic
// script, so at most one worker ever holds a given job.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queueName string) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(queueName), q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs so
// another worker can pick them up. Handlers must tolerate the re-delivery.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(q.queueFor(ctx, id)), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight tracking.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	queueName := q.queueFor(ctx, jobID)
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey(queueName), 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the named ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(queueName)).Result()
}

func (q *RedisQueue) queueFor(ctx context.Context, jobID string) string {
	queueName, err := q.client.HGet(ctx, q.metaKey(jobID), "queue").Result()
	if err != nil || queueName == "" {
		return "default"
	}
	return queueName
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
