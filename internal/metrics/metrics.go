/**
 * @description
 * Operational metrics for the PSP core, following the promauto registration
 * pattern used for HTTP metrics elsewhere in this monorepo, but applied here
 * to library operations instead of HTTP handlers since this core has no
 * HTTP surface of its own.
 *
 * @dependencies
 * - github.com/prometheus/client_golang/prometheus
 * - github.com/prometheus/client_golang/prometheus/promauto
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// New builds the metric vectors for namespace, matching the donor's
// per-service metrics-namespace convention (each service prefixes its own
// counters so they don't collide when scraped from a shared registry).
func New(namespace string) *Metrics {
	return &Metrics{
		GateOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_gate_outcomes_total",
			Help:      "Funding gate evaluations by gate type and outcome.",
		}, []string{"gate_type", "outcome"}),
		ReservationDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_denials_total",
			Help:      "Reservation creation attempts rejected by validation.",
		}, []string{"reserve_type"}),
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Domain events appended to the durable log, by type.",
		}, []string{"event_type"}),
		ReconcileRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_records_total",
			Help:      "Settlement records processed during reconciliation, by rail and match result.",
		}, []string{"rail", "result"}),
		SubmissionAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_attempts_total",
			Help:      "Payment instruction submission attempts, by instruction purpose and acceptance.",
		}, []string{"purpose", "accepted"}),
	}
}

// Metrics groups every counter the facade and its composed services
// increment. A nil *Metrics is safe to call methods on — every method
// below no-ops when the receiver is nil, so tests and callers that don't
// care about metrics never have to construct one.
type Metrics struct {
	GateOutcomes       *prometheus.CounterVec
	ReservationDenials *prometheus.CounterVec
	EventsAppended     *prometheus.CounterVec
	ReconcileRecords   *prometheus.CounterVec
	SubmissionAttempts *prometheus.CounterVec
}

func (m *Metrics) ObserveGateOutcome(gateType, outcome string) {
	if m == nil {
		return
	}
	m.GateOutcomes.WithLabelValues(gateType, outcome).Inc()
}

func (m *Metrics) ObserveReservationDenial(reserveType string) {
	if m == nil {
		return
	}
	m.ReservationDenials.WithLabelValues(reserveType).Inc()
}

func (m *Metrics) ObserveEventAppended(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveReconcileRecord(rail, result string) {
	if m == nil {
		return
	}
	m.ReconcileRecords.WithLabelValues(rail, result).Inc()
}

func (m *Metrics) ObserveSubmissionAttempt(purpose string, accepted bool) {
	if m == nil {
		return
	}
	acceptedLabel := "false"
	if accepted {
		acceptedLabel = "true"
	}
	m.SubmissionAttempts.WithLabelValues(purpose, acceptedLabel).Inc()
}
