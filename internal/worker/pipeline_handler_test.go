package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"flowci/internal/bus"
	"flowci/internal/models"
	"flowci/internal/progress"
	"flowci/internal/runner"
)

type fakeRunStore struct {
	mu     sync.Mutex
	runs   map[string]*models.PipelineRun
	audits []models.AuditLog
}

func newFakeRunStore(runs ...models.PipelineRun) *fakeRunStore {
	s := &fakeRunStore{runs: make(map[string]*models.PipelineRun)}
	for i := range runs {
		r := runs[i]
		s.runs[r.ID] = &r
	}
	return s
}

func (s *fakeRunStore) GetRun(_ context.Context, id string) (models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return models.PipelineRun{}, errors.New("run not found")
	}
	return *r, nil
}

func (s *fakeRunStore) MarkRunRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok && r.Status == models.RunPending {
		r.Status = models.RunRunning
	}
	return nil
}

func (s *fakeRunStore) FinishRun(_ context.Context, id, status string, progress int, runErr *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil
	}
	if r.Status == models.RunSuccess || r.Status == models.RunFailed {
		return nil
	}
	r.Status = status
	r.Progress = progress
	r.Error = runErr
	return nil
}

func (s *fakeRunStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, models.AuditLog{JobID: jobID, Event: event, Detail: detail})
	return nil
}

func (s *fakeRunStore) run(id string) models.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.runs[id]
}

// scriptedRunner fails the named stage, succeeds everything else.
type scriptedRunner struct {
	mu       sync.Mutex
	failOn   string
	ranNames []string
}

func (r *scriptedRunner) Run(_ context.Context, stage models.StageSpec) runner.Result {
	r.mu.Lock()
	r.ranNames = append(r.ranNames, stage.Name)
	r.mu.Unlock()
	if stage.Name == r.failOn {
		return runner.Result{Success: false, LogLines: []string{stage.Name + " output"}, Error: "exit status 1"}
	}
	return runner.Result{Success: true, LogLines: []string{stage.Name + " output"}}
}

func (r *scriptedRunner) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ranNames...)
}

func newHandlerFixture(t *testing.T, store RunStore, stageRunner runner.StageRunner) (*PipelineHandler, *progress.Tracker, *bus.EventBus) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracker := progress.NewTracker(client, time.Hour)
	eventBus := bus.New(client)
	h := NewPipelineHandler(store, tracker, eventBus, stageRunner, nil)
	return h, tracker, eventBus
}

func threeStageRun() models.PipelineRun {
	return models.PipelineRun{
		ID:         "run-1",
		PipelineID: "pipe-1",
		ProjectID:  "proj-1",
		Status:     models.RunPending,
		Stages: []models.StageSpec{
			{Name: "build", Commands: []string{"make build"}},
			{Name: "test", Commands: []string{"make test"}},
			{Name: "deploy", Commands: []string{"make deploy"}},
		},
	}
}

func TestPipelineHandlerSuccessProgression(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := newFakeRunStore(threeStageRun())
	sr := &scriptedRunner{}
	h, tracker, eventBus := newHandlerFixture(t, store, sr)

	events := eventBus.Subscribe(ctx, models.StatusChannel("run-1"))
	time.Sleep(50 * time.Millisecond)

	job := models.Job{ID: "job-1", Queue: models.QueuePipeline, Payload: map[string]any{"run_id": "run-1"}}
	if err := h.Handle(ctx, job); err != nil {
		t.Fatalf("handle: %v", err)
	}

	run := store.run("run-1")
	if run.Status != models.RunSuccess || run.Progress != 100 {
		t.Fatalf("unexpected run state: status=%s progress=%d", run.Status, run.Progress)
	}

	rec, err := tracker.Get(ctx, "run-1")
	if err != nil || rec == nil {
		t.Fatalf("tracker get: rec=%v err=%v", rec, err)
	}
	if rec.Progress != 100 {
		t.Fatalf("expected tracker at 100, got %d", rec.Progress)
	}

	// Collect the published progress sequence; it must be 33, 67, 100 in order.
	var pcts []int
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			if ev.Type == models.EventRunProgress {
				pcts = append(pcts, ev.Progress)
			}
			if ev.Type == models.EventRunStatus && ev.Status == models.RunSuccess {
				break collect
			}
		case <-deadline:
			break collect
		}
	}
	want := []int{33, 67, 100}
	if len(pcts) != len(want) {
		t.Fatalf("expected progress events %v, got %v", want, pcts)
	}
	for i := range want {
		if pcts[i] != want[i] {
			t.Fatalf("expected progress events %v, got %v", want, pcts)
		}
	}
}

func TestPipelineHandlerStageFailureFreezesProgress(t *testing.T) {
	ctx := context.Background()
	store := newFakeRunStore(threeStageRun())
	sr := &scriptedRunner{failOn: "test"}
	h, tracker, _ := newHandlerFixture(t, store, sr)

	job := models.Job{ID: "job-1", Queue: models.QueuePipeline, Payload: map[string]any{"run_id": "run-1"}}
	err := h.Handle(ctx, job)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsTerminal(err) {
		t.Fatalf("stage failure must be terminal, got %v", err)
	}

	names := sr.names()
	if len(names) != 2 || names[1] != "test" {
		t.Fatalf("expected execution to stop at failing stage, ran %v", names)
	}

	run := store.run("run-1")
	if run.Status != models.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	if run.Progress != 33 {
		t.Fatalf("expected progress frozen at 33, got %d", run.Progress)
	}
	if run.Error == nil || !strings.Contains(*run.Error, "test") {
		t.Fatalf("expected error naming the failed stage, got %v", run.Error)
	}

	rec, _ := tracker.Get(ctx, "run-1")
	if rec == nil || rec.Progress != 33 {
		t.Fatalf("expected tracker frozen at 33, got %+v", rec)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	failures := 0
	for _, a := range store.audits {
		if a.Event == "stage_failed" {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one stage_failed audit row, got %d", failures)
	}
}

func TestPipelineHandlerSkipsTerminalRun(t *testing.T) {
	run := threeStageRun()
	run.Status = models.RunSuccess
	store := newFakeRunStore(run)
	sr := &scriptedRunner{}
	h, _, _ := newHandlerFixture(t, store, sr)

	job := models.Job{ID: "job-1", Payload: map[string]any{"run_id": "run-1"}}
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("re-delivery of finished run must ack cleanly: %v", err)
	}
	if len(sr.names()) != 0 {
		t.Fatalf("finished run must not re-execute, ran %v", sr.names())
	}
}

func TestPipelineHandlerMissingRunID(t *testing.T) {
	store := newFakeRunStore()
	h, _, _ := newHandlerFixture(t, store, &scriptedRunner{})

	err := h.Handle(context.Background(), models.Job{ID: "job-1", Payload: map[string]any{}})
	if err == nil || !IsTerminal(err) {
		t.Fatalf("missing run_id must be terminal, got %v", err)
	}
}

func TestPipelineHandlerStopsBetweenStagesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newFakeRunStore(threeStageRun())

	// Cancel after the first stage completes.
	sr := &cancelAfterFirstRunner{cancel: cancel}
	h, _, _ := newHandlerFixture(t, store, sr)

	job := models.Job{ID: "job-1", Payload: map[string]any{"run_id": "run-1"}}
	err := h.Handle(ctx, job)
	if err == nil || IsTerminal(err) {
		t.Fatalf("interruption must be retryable, got %v", err)
	}
	if sr.calls != 1 {
		t.Fatalf("expected exactly one stage before stopping, got %d", sr.calls)
	}
}

type cancelAfterFirstRunner struct {
	cancel context.CancelFunc
	calls  int
}

func (r *cancelAfterFirstRunner) Run(_ context.Context, stage models.StageSpec) runner.Result {
	r.calls++
	r.cancel()
	return runner.Result{Success: true, LogLines: []string{stage.Name}}
}
