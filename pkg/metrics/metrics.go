package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KillSwitchActivations counts activations by trigger type (manual/automatic).
	KillSwitchActivations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_killswitch_activations_total",
		Help: "Number of kill switch activations",
	}, []string{"trigger_type"})

	// KillSwitchDeactivations counts successful deactivations.
	KillSwitchDeactivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_killswitch_deactivations_total",
		Help: "Number of kill switch deactivations",
	})

	// AutoTriggerEvaluations counts risk events evaluated against auto triggers.
	AutoTriggerEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_auto_trigger_evaluations_total",
		Help: "Risk event evaluations by outcome (fired/passed)",
	}, []string{"outcome"})

	// OrdersBlocked counts submissions rejected because the kill switch was active.
	OrdersBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeguard_orders_blocked_total",
		Help: "Order submissions blocked by an active kill switch",
	})

	// IdempotentHits counts submissions answered from a prior result instead of
	// a fresh exchange call.
	IdempotentHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_idempotent_hits_total",
		Help: "Idempotent responses served by source (order_store/ledger/exchange)",
	}, []string{"source"})

	// SubmissionFailures counts failed submissions by reason.
	SubmissionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeguard_submission_failures_total",
		Help: "Order submission failures by reason",
	}, []string{"reason"})
)
