package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geogate"

var (
	// Verifications counts final verification decisions.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Verification decisions by outcome and reason.",
	}, []string{"outcome", "reason"})

	// VerifyDuration records end-to-end verification latency.
	VerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "verify_duration_seconds",
		Help:      "Verification latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// RateLimitChecks counts rate limiter results.
	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_checks_total",
		Help:      "Rate limiter checks by result.",
	}, []string{"result"})

	// TrackerWrites counts access tracker writes.
	TrackerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tracker_writes_total",
		Help:      "Access tracker writes by status.",
	}, []string{"status"})

	// FencesCreated counts issued geofences.
	FencesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fences_created_total",
		Help:      "Geofences created.",
	})

	// FencesDeleted counts removed geofences.
	FencesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fences_deleted_total",
		Help:      "Geofences deleted.",
	})

	// FencesActive is the number of fences currently stored.
	FencesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fences_active",
		Help:      "Geofences currently stored in bbolt.",
	})

	// Notifications counts webhook notification jobs by status.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification jobs by status.",
	}, []string{"status"})

	// NotifyQueueDepth tracks current notification channel length.
	NotifyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notify_queue_depth",
		Help:      "Current notification job buffer depth.",
	})

	// HTTPRequests counts API requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests by route and status code.",
	}, []string{"route", "code"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// JanitorPruned counts entries removed by the janitor.
	JanitorPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_pruned_total",
		Help:      "Entries pruned by the janitor.",
	}, []string{"kind"})
)
