// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by kind and terminal status (success, or the error kind).
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sd_jobs_total",
			Help: "Total number of jobs that reached a terminal outcome.",
		},
		[]string{"kind", "status"},
	)

	// JobDuration observes how long a job took on its worker.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sd_job_duration_seconds",
			Help:    "Wall time of a single job execution.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{"kind"},
	)

	// QueueDepth is the number of jobs enqueued but not yet acknowledged.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sd_queue_depth",
			Help: "Jobs enqueued but not yet acknowledged.",
		},
	)

	// ActiveWorkers is the number of endpoint workers currently running.
	ActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sd_active_workers",
			Help: "Endpoint workers currently running. 1 per running worker.",
		},
		[]string{"endpoint"},
	)

	// BackendRequestsTotal counts calls to the generation API.
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sd_backend_requests_total",
			Help: "Total number of requests sent to generation backends.",
		},
		[]string{"endpoint", "operation", "code"},
	)

	// BackendRequestDuration observes round-trip time of generation API calls.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sd_backend_request_duration_seconds",
			Help:    "Round-trip time of generation API calls.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		},
		[]string{"endpoint", "operation"},
	)
)
