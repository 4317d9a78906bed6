package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FactoryMetrics gauges, refreshed by Collector from the aggregate
	// read model.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_active_workers",
			Help: "Number of workers currently active (starting or running)",
		},
	)

	QueuedItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_queued_items",
			Help: "Number of work items waiting to be dispatched",
		},
	)

	CompletedToday = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_completed_today",
			Help: "Work items completed since UTC midnight",
		},
	)

	FailedToday = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_failed_today",
			Help: "Work items failed since UTC midnight",
		},
	)

	IterationsToday = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_iterations_today",
			Help: "Agent iterations recorded against the daily budget",
		},
	)

	DailyBudget = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_daily_budget",
			Help: "Configured daily iteration budget",
		},
	)

	AvgCompletionSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_avg_completion_time_seconds",
			Help: "Average seconds from creation to completion for completed items",
		},
	)

	SuccessRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_success_rate",
			Help: "Fraction of terminal work items that completed rather than failed",
		},
	)

	FleetHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_fleet_healthy",
			Help: "1 if the spawn gate is open, 0 otherwise",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Supervisory loop metrics
	SpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_spawns_total",
			Help: "Total number of workers spawned",
		},
	)

	SpawnFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_spawn_failures_total",
			Help: "Total number of worker spawn attempts that failed",
		},
	)

	ReapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forge_reaps_total",
			Help: "Total number of workers killed for a stale heartbeat",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forge_dispatch_latency_seconds",
			Help:    "Time taken for one supervisory loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveWorkers,
		QueuedItems,
		CompletedToday,
		FailedToday,
		IterationsToday,
		DailyBudget,
		AvgCompletionSeconds,
		SuccessRate,
		FleetHealthy,
		APIRequestsTotal,
		APIRequestDuration,
		SpawnsTotal,
		SpawnFailuresTotal,
		ReapsTotal,
		DispatchLatency,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
