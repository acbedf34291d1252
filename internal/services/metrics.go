// Package services – engine metrics
//
// Prometheus collectors for the background loops. Label cardinality is kept
// deliberately small: reconciliation outcomes are the three normalized
// buckets, everything else is a plain counter.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// followupsFired counts one-shot followup messages actually sent.
	followupsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_followups_fired_total",
		Help: "Total number of followup messages sent.",
	})

	// followupsSkipped counts due entries dropped by a guard instead of fired.
	followupsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_followups_skipped_total",
		Help: "Total number of due followups skipped, by guard reason.",
	}, []string{"reason"})

	// checkoutsCreated counts checkout sessions opened at the gateway.
	checkoutsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_checkouts_created_total",
		Help: "Total number of checkout sessions created.",
	})

	// paymentsReconciled counts reconciliation passes by normalized outcome
	// (ok / pending / failed).
	paymentsReconciled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_payments_reconciled_total",
		Help: "Total number of payment reconciliations, by outcome.",
	}, []string{"outcome"})

	// deliveriesSent counts access deliveries that reached a subject.
	deliveriesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_deliveries_sent_total",
		Help: "Total number of access deliveries sent.",
	})

	// retryDropped counts retry items discarded after exhausting attempts.
	retryDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_retry_dropped_total",
		Help: "Total number of retry items dropped after the attempt cap.",
	})
)

func init() {
	prometheus.MustRegister(
		followupsFired, followupsSkipped, checkoutsCreated,
		paymentsReconciled, deliveriesSent, retryDropped,
	)
}
