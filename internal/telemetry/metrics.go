package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsHandled        = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_events_total", Help: "Inbound events admitted to orchestration"})
	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_duplicates_total", Help: "Triggers suppressed by the dedup cache"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Commands rejected by the rate limiter"})
	LockDenials          = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_lock_denials_total", Help: "Events dropped because the resource lock was held"})
	LockWaitTimeouts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_lock_wait_timeouts_total", Help: "Lock waits that elapsed without acquisition"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_completed_total", Help: "Jobs that finished successfully"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_failed_total", Help: "Jobs that ended in failure"})
	JobsSkipped          = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_jobs_skipped_total", Help: "Jobs skipped or deleted as irrelevant"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_jobs_inflight", Help: "Jobs currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsHandled,
			DuplicatesSuppressed,
			RateLimitRejects,
			LockDenials,
			LockWaitTimeouts,
			JobsCompleted,
			JobsFailed,
			JobsSkipped,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
