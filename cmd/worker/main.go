package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"flowci/internal/artifacts"
	"flowci/internal/bus"
	"flowci/internal/config"
	"flowci/internal/models"
	"flowci/internal/progress"
	"flowci/internal/queue"
	"flowci/internal/runner"
	"flowci/internal/store"
	"flowci/internal/syncledger"
	"flowci/internal/telemetry"
	"flowci/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("worker: store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("worker: migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.NewRedisQueueWithClient(rdb, cfg)
	tracker := progress.NewTracker(rdb, cfg.ProgressTTL)
	eventBus := bus.New(rdb)

	uploader, err := artifacts.New(ctx, cfg)
	if err != nil {
		log.Fatalf("worker: artifacts: %v", err)
	}

	shell := runner.NewShellRunner(cfg.StageTimeout)
	pipelineHandler := worker.NewPipelineHandler(st, tracker, eventBus, shell, uploader)
	eventHandler := worker.NewEventHandler(eventBus)

	ledger := syncledger.NewLedger(st, cfg.SyncMaxAttempts, cfg.SyncKeepAttempts)
	// Reconciliation via caller-supplied idempotent script; the command comes
	// from the job's metadata.
	ledger.RegisterAction("script", func(ctx context.Context, resourceID string, metadata map[string]any) error {
		command, _ := metadata["command"].(string)
		if command == "" {
			return fmt.Errorf("resource %s: metadata has no command", resourceID)
		}
		res := shell.Run(ctx, models.StageSpec{Name: "sync", Commands: []string{command}})
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	})

	pool := worker.NewPool(cfg, q, st)
	pool.RegisterHandler(models.QueuePipeline, pipelineHandler.Handle)
	pool.RegisterHandler(models.QueueEvents, eventHandler.Handle)
	pool.RegisterHandler(models.QueueSync, ledger.Handle)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Printf("worker: metrics on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("worker: metrics serve: %v", err)
		}
	}()

	log.Printf("worker: starting pools")
	pool.Run(ctx)

	if err := metricsServer.Close(); err != nil {
		log.Printf("worker: metrics close: %v", err)
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Printf("worker: health write: %v", err)
		}
	})
	return mux
}
