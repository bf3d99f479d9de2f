package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_rate_limit_rejects_total", Help: "Run triggers rejected by rate limiter"})
	JobSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_jobs_completed_total", Help: "Jobs completed successfully"})
	JobFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_jobs_failed_total", Help: "Jobs that failed and will retry"})
	JobDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_jobs_dead_letter_total", Help: "Jobs moved to DLQ"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "flowci_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "flowci_jobs_inflight", Help: "Jobs currently leased"})
	RunsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowci_runs_total", Help: "Pipeline runs by terminal status"}, []string{"status"})
	StagesExecuted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_stages_executed_total", Help: "Pipeline stages executed"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "flowci_events_published_total", Help: "Events published on the bus"})
	SyncAttempts     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "flowci_sync_attempts_total", Help: "Reconciliation attempts by status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			JobSuccess,
			JobFailures,
			JobDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			RunsTotal,
			StagesExecuted,
			EventsPublished,
			SyncAttempts,
		)
	})
	return promhttp.Handler()
}
