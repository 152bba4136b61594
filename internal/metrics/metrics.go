package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stage counters and histograms, partitioned by network where the
// value differs per network.

var (
	// Intake
	IntakeEntriesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "intake",
		Name:      "entries_read_total",
		Help:      "Total feed entries read from the stream",
	}, []string{"network"})

	IntakeEntriesAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "intake",
		Name:      "entries_acked_total",
		Help:      "Total feed entries acknowledged after commit",
	}, []string{"network"})

	IntakeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "intake",
		Name:      "errors_total",
		Help:      "Total intake errors (entry left pending for redelivery)",
	}, []string{"network"})

	// Ingester
	IngesterPayloadsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "payloads_processed_total",
		Help:      "Total feed payloads committed",
	}, []string{"network"})

	IngesterBlocksApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "blocks_applied_total",
		Help:      "Total new blocks persisted",
	}, []string{"network"})

	IngesterBlocksRestored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "blocks_restored_total",
		Help:      "Total previously rolled back blocks restored by a re-apply",
	}, []string{"network"})

	IngesterBlocksDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "blocks_duplicate_total",
		Help:      "Total apply events skipped as already processed",
	}, []string{"network"})

	IngesterBlocksRolledBack = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "blocks_rolled_back_total",
		Help:      "Total blocks soft-deleted by rollback events",
	}, []string{"network"})

	IngesterTxMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "transactions_malformed_total",
		Help:      "Total transactions skipped due to unparseable payload data",
	}, []string{"network"})

	IngesterEventsUnknown = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "events_unknown_total",
		Help:      "Total receipt events dropped due to unrecognized wire type",
	}, []string{"network"})

	IngesterNotificationsInvalidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "notifications_invalidated_total",
		Help:      "Total notifications invalidated by rollbacks",
	}, []string{"network"})

	IngesterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "errors_total",
		Help:      "Total payload transactions rolled back due to errors",
	}, []string{"network"})

	IngesterPayloadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "monitor",
		Subsystem: "ingester",
		Name:      "payload_duration_seconds",
		Help:      "Payload processing duration (DB transaction)",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"network"})

	// Rule index
	RuleIndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "rules",
		Name:      "index_size",
		Help:      "Number of active rules in the current index",
	})

	RuleIndexRebuildsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "rules",
		Name:      "index_rebuilds_total",
		Help:      "Total successful rule index rebuilds",
	})

	RuleIndexAgeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "rules",
		Name:      "index_age_seconds",
		Help:      "Age of the current rule index snapshot",
	})

	// Rule engine
	EngineRulesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "engine",
		Name:      "rules_triggered_total",
		Help:      "Total rule triggers that won the cooldown update",
	}, []string{"rule_type"})

	EngineCooldownSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "engine",
		Name:      "cooldown_skips_total",
		Help:      "Total matches suppressed by an active cooldown",
	}, []string{"rule_type"})

	EngineNotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "engine",
		Name:      "notifications_created_total",
		Help:      "Total pending notifications created",
	}, []string{"channel"})

	EngineRuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "engine",
		Name:      "rule_errors_total",
		Help:      "Total per-rule evaluation errors (skipped, batch continued)",
	}, []string{"rule_type"})

	// Dispatcher
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Total delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"})

	DispatchSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "dispatch",
		Name:      "sent_total",
		Help:      "Total notifications delivered",
	}, []string{"channel"})

	DispatchDeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "dispatch",
		Name:      "dead_letters_total",
		Help:      "Total notifications recorded as dead letters",
	}, []string{"channel"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "monitor",
		Subsystem: "dispatch",
		Name:      "attempt_duration_seconds",
		Help:      "Delivery attempt duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"channel"})
)
