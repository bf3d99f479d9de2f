package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"flowci/internal/models"
)

// Tracker is the authoritative live-progress store for runs. Progress for a
// run id never decreases: the compare-and-set runs server-side in one Lua
// script, so racing publishers (a stale worker after a lease timeout and its
// successor) cannot lose updates. Records carry a TTL and expire on their
// own after the run is terminal.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTracker wraps a Redis client. ttl bounds how long a record outlives its
// last update.
func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Tracker{client: client, ttl: ttl}
}

func key(runID string) string {
	return "progress:run:" + runID
}

// Update stores {progress, message} for the run unless the incoming value is
// lower than the stored one, in which case nothing changes and Update
// returns false.
func (t *Tracker) Update(ctx context.Context, runID string, progress int, message string) (bool, error) {
	if progress < 0 || progress > 100 {
		return false, fmt.Errorf("progress %d out of range", progress)
	}
	res, err := updateScript.Run(ctx, t.client, []string{key(runID)},
		progress, message, time.Now().UnixMilli(), t.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("progress update: %w", err)
	}
	return res == 1, nil
}

// Get returns the current snapshot, or (nil, nil) when no record exists.
func (t *Tracker) Get(ctx context.Context, runID string) (*models.ProgressRecord, error) {
	vals, err := t.client.HGetAll(ctx, key(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("progress get: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	p, _ := strconv.Atoi(vals["progress"])
	ms, _ := strconv.ParseInt(vals["updated_ms"], 10, 64)
	return &models.ProgressRecord{
		RunID:     runID,
		Progress:  p,
		Message:   vals["message"],
		UpdatedAt: time.UnixMilli(ms),
	}, nil
}

// Clear drops the record immediately instead of waiting for the TTL.
func (t *Tracker) Clear(ctx context.Context, runID string) error {
	return t.client.Del(ctx, key(runID)).Err()
}

var updateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'progress')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'message', ARGV[2], 'updated_ms', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)
