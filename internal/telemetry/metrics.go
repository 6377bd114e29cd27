package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SnapshotsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "snapshots_submitted_total", Help: "Snapshots accepted for rendering"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "submissions_rate_limited_total", Help: "Submissions rejected by the rate limiter"})
	RendersCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_completed_total", Help: "Render jobs that produced a screenshot"})
	RenderRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_retries_total", Help: "Render attempts that failed and were rescheduled"})
	RendersFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_failed_total", Help: "Render jobs that exhausted their attempts"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_depth", Help: "Jobs waiting to be rendered"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renders_inflight", Help: "Render jobs currently executing"})
	PoolBusyGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "renderer_pool_busy_slots", Help: "Renderer pool slots currently in use"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SnapshotsSubmitted,
			RateLimitRejects,
			RendersCompleted,
			RenderRetries,
			RendersFailed,
			QueueDepthGauge,
			InFlightGauge,
			PoolBusyGauge,
		)
	})
	return promhttp.Handler()
}
