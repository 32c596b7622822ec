package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsScheduled   = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_posts_scheduled_total", Help: "Posts accepted and enqueued for publishing"})
	PublishSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_published_total", Help: "Posts published successfully"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_publish_attempts_failed_total", Help: "Publish attempts that failed"})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_retries_scheduled_total", Help: "Failed attempts re-enqueued with backoff"})
	JobsExhausted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_jobs_exhausted_total", Help: "Jobs that hit the retry ceiling"})
	JobsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_jobs_dropped_total", Help: "Malformed jobs dropped without retry"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postflow_queue_depth", Help: "Jobs waiting in the delay queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postflow_jobs_inflight", Help: "Jobs currently leased by executors"})
	QueueModeGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postflow_queue_fallback_mode", Help: "1 when the queue is running on the non-durable in-memory fallback"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsScheduled,
			PublishSuccess,
			PublishFailures,
			RetriesScheduled,
			JobsExhausted,
			JobsDropped,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			QueueModeGauge,
		)
	})
	return promhttp.Handler()
}
