package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsSucceeded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_succeeded_total", Help: "Jobs that confirmed the claimed identifier"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_retried_total", Help: "Jobs requeued for another attempt"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	JobsDiscarded     = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_jobs_discarded_total", Help: "Outcomes discarded because job ownership was lost"})
	SiblingsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_siblings_cancelled_total", Help: "Duplicate jobs cancelled after a sibling success"})
	StaleRequeued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_stale_requeued_total", Help: "Stuck RUNNING jobs returned to PENDING by the watchdog"})
	NotifySuppressed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_notifications_suppressed_total", Help: "Failure notifications suppressed by a sibling success"})
	IntakeJobs        = prometheus.NewCounter(prometheus.CounterOpts{Name: "validation_intake_jobs_total", Help: "Jobs enqueued by the intake webhook"})
	PendingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "validation_jobs_pending", Help: "Claimable jobs in the store"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "validation_jobs_inflight", Help: "Jobs currently held by this worker"})
	LookupDuration    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "validation_lookup_seconds",
		Help:    "Wall-clock duration of registry lookups",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsDiscarded,
			SiblingsCancelled,
			StaleRequeued,
			NotifySuppressed,
			IntakeJobs,
			PendingGauge,
			InFlightGauge,
			LookupDuration,
		)
	})
	return promhttp.Handler()
}
