package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the offline sync core

var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fieldsync_queue_depth",
			Help: "Queued mutations by priority label",
		},
		[]string{"label"},
	)

	SyncAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_sync_attempts_total",
			Help: "Sync attempts by outcome",
		},
		[]string{"entity_kind", "outcome"}, // outcome: applied|conflict|retry|terminal|rejected
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldsync_sync_duration_seconds",
			Help:    "Wall time of one sync attempt including upstream calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"entity_kind"},
	)

	ConflictsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_conflicts_open",
			Help: "Conflicts currently pending resolution",
		},
	)

	ConflictsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_conflicts_detected_total",
			Help: "Conflicts detected by type and severity",
		},
		[]string{"type", "severity"},
	)

	OptimisticUpdatesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldsync_optimistic_updates_active",
			Help: "Optimistic updates currently tracked",
		},
	)

	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_rollbacks_total",
			Help: "Optimistic updates rolled back",
		},
	)
)
