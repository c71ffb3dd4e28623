package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LegacyApplyDuration tracks how long writing a remote change into Firebird takes
	// We use larger buckets because Firebird 2.5 on HDDs can be slow
	LegacyApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_legacy_apply_duration_seconds",
		Help:    "Time taken to apply a remote change to the legacy database",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status", "table", "operation"}) // status: success, fatal_error, transient_error

	// LegacyApplyRetries tracks how many times we had to retry internally due to locks
	LegacyApplyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_legacy_lock_retries_total",
		Help: "Number of internal retries triggered by Firebird locks/deadlocks",
	}, []string{"table"})

	// CollectedChanges counts rows moved from the Firebird outbox into the sync outbox
	CollectedChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_collected_changes_total",
		Help: "Total number of legacy outbox rows collected",
	}, []string{"table", "result"})

	// TriggersConsumed counts sync requests received from the broker
	TriggersConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_triggers_consumed_total",
		Help: "Total number of sync trigger messages consumed",
	}, []string{"kind", "status"})
)
