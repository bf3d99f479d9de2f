package progress

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client, time.Hour)
}

func TestTrackerMonotonicUpdates(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	ok, err := tr.Update(ctx, "run-1", 33, "build completed")
	if err != nil || !ok {
		t.Fatalf("first update: ok=%v err=%v", ok, err)
	}
	ok, err = tr.Update(ctx, "run-1", 67, "test completed")
	if err != nil || !ok {
		t.Fatalf("second update: ok=%v err=%v", ok, err)
	}

	rec, err := tr.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Progress != 67 || rec.Message != "test completed" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestTrackerRejectsRegression(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	if _, err := tr.Update(ctx, "run-1", 60, "stage three"); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A stale publisher racing in with a lower value must lose, and the
	// stored message must stay with the winning value.
	ok, err := tr.Update(ctx, "run-1", 40, "stage two")
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if ok {
		t.Fatalf("expected stale update to be rejected")
	}

	rec, err := tr.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Progress != 60 || rec.Message != "stage three" {
		t.Fatalf("record changed by rejected update: %+v", rec)
	}
}

func TestTrackerEqualValueOverwritesMessage(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	if _, err := tr.Update(ctx, "run-1", 50, "first"); err != nil {
		t.Fatalf("update: %v", err)
	}
	ok, err := tr.Update(ctx, "run-1", 50, "second")
	if err != nil || !ok {
		t.Fatalf("equal update: ok=%v err=%v", ok, err)
	}
	rec, _ := tr.Get(ctx, "run-1")
	if rec.Message != "second" {
		t.Fatalf("expected equal-value update to refresh message, got %q", rec.Message)
	}
}

func TestTrackerValidatesRange(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	if _, err := tr.Update(ctx, "run-1", -1, ""); err == nil {
		t.Fatalf("expected error for negative progress")
	}
	if _, err := tr.Update(ctx, "run-1", 101, ""); err == nil {
		t.Fatalf("expected error for progress over 100")
	}
}

func TestTrackerGetMissingAndClear(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)

	rec, err := tr.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for unknown run, got %+v", rec)
	}

	if _, err := tr.Update(ctx, "run-1", 10, "x"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tr.Clear(ctx, "run-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec, _ = tr.Get(ctx, "run-1")
	if rec != nil {
		t.Fatalf("expected record cleared, got %+v", rec)
	}
}
