package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries counts webhook attempts by outcome (success/retrying/failure)
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_deliveries_total",
		Help: "Total number of webhook delivery attempts",
	}, []string{"system", "status"})

	// DeliveryDuration measures one outbound webhook round trip
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_delivery_duration_seconds",
		Help:    "Duration of a single webhook delivery in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"system"})

	// BatchDuration measures how long an upload or download phase takes for one system
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_batch_duration_seconds",
		Help:    "Duration of a per-system sync phase in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// BatchSize tracks the number of records handled in each batch
	BatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_batch_size",
		Help:    "Number of records handled per batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000},
	}, []string{"direction"})

	// RecordedChanges counts outbox captures; collapsed replays are labelled separately
	RecordedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_changes_recorded_total",
		Help: "Total number of local changes captured into the outbox",
	}, []string{"entity_type", "result"})

	// DownloadedChanges counts remote changes by what happened to them
	// (applied/conflict/skipped/error)
	DownloadedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_downloaded_changes_total",
		Help: "Total number of remote changes processed",
	}, []string{"system", "result"})

	// LeaseRejections counts sync runs refused because another run held the lease
	LeaseRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_lease_rejections_total",
		Help: "Total number of sync runs rejected by an active lease",
	}, []string{"direction"})

	// OutboxBacklog is the number of pending/delivering change records.
	// This is the primary indicator of upload lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_outbox_backlog",
		Help: "Current number of pending/delivering change records",
	})

	// FailedRecords tracks records that exhausted their delivery attempts.
	// If this number grows, an operator has to retry them
	FailedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_failed_records",
		Help: "Current number of change records in failed state",
	})

	// PendingConflicts tracks conflicts waiting for a resolution
	PendingConflicts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_pending_conflicts",
		Help: "Current number of unresolved sync conflicts",
	})

	// RabbitMQReconnections counts how many times the service had to restore the broker link
	RabbitMQReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})

	// HealthStatus provides a binary 0/1 signal for the broker link
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_broker_healthy",
		Help: "Current health of the RabbitMQ link (1 for healthy, 0 for unhealthy)",
	})
)
