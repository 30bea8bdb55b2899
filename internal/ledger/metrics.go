package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// selectionWeight is the current sampling weight per candidate.
	// Labels: provider, model, task_type
	selectionWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cognitd",
			Subsystem: "ledger",
			Name:      "selection_weight",
			Help:      "Current selection weight of a candidate for a task type",
		},
		[]string{"provider", "model", "task_type"},
	)

	// avgReward is the EMA reward per candidate.
	avgReward = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cognitd",
			Subsystem: "ledger",
			Name:      "avg_reward",
			Help:      "Exponential moving average of the reward of a candidate for a task type",
		},
		[]string{"provider", "model", "task_type"},
	)

	updatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cognitd",
			Subsystem: "ledger",
			Name:      "updates_total",
			Help:      "Total number of ledger updates applied",
		},
		[]string{"provider", "model", "task_type"},
	)
)
