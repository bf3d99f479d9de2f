package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"flowci/internal/api"
	"flowci/internal/bus"
	"flowci/internal/config"
	"flowci/internal/progress"
	"flowci/internal/queue"
	"flowci/internal/ratelimit"
	"flowci/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("api: store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("api: migrate: %v", err)
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
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.NewServer(cfg, st, q, tracker, eventBus, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("api: listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("api: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("api: shutdown: %v", err)
	}
}
