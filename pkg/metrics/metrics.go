package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hakuriver_nodes_total",
			Help: "Total number of registered nodes by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hakuriver_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hakuriver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_scheduling_latency_seconds",
			Help:    "Time taken for one scheduler pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hakuriver_tasks_scheduled_total",
			Help: "Total number of tasks successfully placed",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_tasks_failed_total",
			Help: "Total number of tasks that ended in failed/killed_oom/lost",
		},
		[]string{"reason"},
	)

	// Liveness monitor metrics
	LivenessSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_liveness_sweep_duration_seconds",
			Help:    "Time taken for one liveness sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hakuriver_nodes_marked_offline_total",
			Help: "Total number of times a node was marked offline for missing its liveness window",
		},
	)

	// Runner backend metrics
	ExecutionUnitCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hakuriver_execution_unit_create_duration_seconds",
			Help:    "Time taken to create an execution unit (container or scoped process) in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// Environment registry metrics
	EnvironmentSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hakuriver_environment_sync_duration_seconds",
			Help:    "Time taken to sync a prepared environment artifact to a node in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"environment"},
	)

	// Tunnel proxy metrics
	TunnelConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hakuriver_tunnel_connections_active",
			Help: "Number of tunnel connections currently being spliced",
		},
	)

	TunnelConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_tunnel_connections_total",
			Help: "Total number of tunnel connections by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(LivenessSweepDuration)
	prometheus.MustRegister(NodesMarkedOffline)
	prometheus.MustRegister(ExecutionUnitCreateDuration)
	prometheus.MustRegister(EnvironmentSyncDuration)
	prometheus.MustRegister(TunnelConnectionsActive)
	prometheus.MustRegister(TunnelConnectionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
