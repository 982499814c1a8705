package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	StepsTotal          *prometheus.CounterVec
	StepDuration        prometheus.Histogram
	QueueDepth          prometheus.Gauge
	PagesExplored       prometheus.Counter
	ReconnectsTotal     prometheus.Counter
	CommandTimeouts     prometheus.Counter
)

func Init() {
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exploration_steps_total",
			Help: "Total number of exploration steps.",
		},
		[]string{"status"}, // status: success, failure, duplicate
	)

	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exploration_step_duration_seconds",
			Help:    "Duration of single exploration steps.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontier_queue_depth",
			Help: "Current number of items in the exploration frontier.",
		},
	)

	PagesExplored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pages_explored_total",
			Help: "Total number of pages successfully explored.",
		},
	)

	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "browser_reconnects_total",
			Help: "Total number of browser channel reconnection attempts.",
		},
	)

	CommandTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "browser_command_timeouts_total",
			Help: "Total number of browser commands that timed out.",
		},
	)
}
