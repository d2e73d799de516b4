package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ProcessGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "engine_processes", Help: "Engine processes currently registered"})
	SpawnFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_spawn_failures_total", Help: "Engine spawns that failed (capacity or launch)"})
	ProcessesReaped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_processes_reaped_total", Help: "Idle engine processes reclaimed by the reaper"})
	CommandsTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_commands_total", Help: "Commands dispatched to engine processes"})
	CommandFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_command_failures_total", Help: "Commands that failed or timed out"})
	CommandDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "engine_command_duration_seconds", Help: "Engine command round-trip time", Buckets: prometheus.DefBuckets})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_completed_total", Help: "Rendering jobs that reached completed"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_failed_total", Help: "Rendering jobs that reached failed"})
	TierFallbacks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_tier_fallbacks_total", Help: "Render tier attempts that fell through to the next tier"})
	JobsInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_jobs_inflight", Help: "Rendering jobs currently processing"})
	WSConnections     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ws_connections", Help: "Open WebSocket connections"})
	WSDeliveries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ws_deliveries_total", Help: "Messages delivered over WebSocket"})
	WSRetriesQueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ws_retries_queued_total", Help: "Messages queued for redelivery after a failed send"})
	WSMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "ws_messages_dropped_total", Help: "Messages dropped after expiry or retry exhaustion"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the per-session rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ProcessGauge,
			SpawnFailures,
			ProcessesReaped,
			CommandsTotal,
			CommandFailures,
			CommandDuration,
			JobsCompleted,
			JobsFailed,
			TierFallbacks,
			JobsInFlight,
			WSConnections,
			WSDeliveries,
			WSRetriesQueued,
			WSMessagesDropped,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
