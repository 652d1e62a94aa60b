// Package metrics holds the Prometheus collectors for the ledger engines.
// Collectors register on the default registry and are exposed by the API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RewardsIssued counts reward transactions by source (course_completion, registration, ...).
	RewardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rewards_issued_total",
		Help: "Reward transactions recorded, by source.",
	}, []string{"source"})

	// RewardsDeduplicated counts reward requests answered with the idempotent no-op.
	RewardsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rewards_deduplicated_total",
		Help: "Reward requests that were already satisfied.",
	}, []string{"source"})

	// Redemptions counts redemption attempts by outcome.
	Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_redemptions_total",
		Help: "Redemption attempts, by outcome.",
	}, []string{"outcome"})

	// Cancellations counts redemption cancellations by outcome.
	Cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_redemption_cancellations_total",
		Help: "Redemption cancellations, by outcome.",
	}, []string{"outcome"})

	// Compensations counts compensating actions taken after a mid-sequence failure.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Compensating actions, by action and result.",
	}, []string{"action", "result"})

	// StockOperations counts stock mutations by operation and outcome.
	StockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_stock_operations_total",
		Help: "Inventory stock operations, by operation and outcome.",
	}, []string{"op", "outcome"})

	// MirrorOutcomes counts blockchain mirror attempts by outcome (confirmed, failed, unavailable, timeout).
	MirrorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_mirror_outcomes_total",
		Help: "Blockchain mirror attempts, by outcome.",
	}, []string{"outcome"})

	MirrorLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_mirror_duration_seconds",
		Help:    "Time from mirror dispatch to chain receipt or failure.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)
