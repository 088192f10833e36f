package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Domain counters, registered on the default registry and served by the
// same /metrics listener as the HTTP middleware metrics.
var (
	spendDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ledger",
		Name:      "spend_decisions_total",
		Help:      "Spend attempts partitioned by outcome.",
	}, []string{"outcome"})

	pointsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "ledger",
		Name:      "points_expired_total",
		Help:      "Points retired by batch expiry reconciliation.",
	})

	paymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "ledger",
		Name:      "payment_events_total",
		Help:      "Gateway events partitioned by type and outcome.",
	}, []string{"type", "outcome"})
)

// ObserveSpend records one spend decision. Outcome is one of
// "granted", "granted_free_trial", or the denial reason.
func ObserveSpend(outcome string) {
	spendDecisions.WithLabelValues(outcome).Inc()
}

// ObserveExpiredPoints records credit retired by the reconciler.
func ObserveExpiredPoints(points int64) {
	if points > 0 {
		pointsExpired.Add(float64(points))
	}
}

// ObservePaymentEvent records one processed gateway event. Outcome is
// "applied", a skip reason, or "error".
func ObservePaymentEvent(eventType, outcome string) {
	paymentEvents.WithLabelValues(eventType, outcome).Inc()
}
