package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_quota_rejects_total", Help: "Requests rejected by quota enforcement"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_jobs_retried_total", Help: "Jobs that failed and were rescheduled"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_jobs_dead_letter_total", Help: "Jobs moved to dead letter"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_jobs_reclaimed_total", Help: "Stale running jobs returned to pending"})
	Deliveries       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_webhook_deliveries_total", Help: "Webhook delivery attempts by outcome"}, []string{"outcome"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Pending jobs currently due"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_jobs_inflight", Help: "Jobs currently claimed by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			QuotaRejects,
			JobsCompleted,
			JobsRetried,
			JobsDeadLetter,
			JobsReclaimed,
			Deliveries,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
