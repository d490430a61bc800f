package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveGateOutcome_IncrementsLabeledCounter(t *testing.T) {
	m := New("psp_test_gate")
	m.ObserveGateOutcome("commit", "pass")
	m.ObserveGateOutcome("commit", "pass")
	m.ObserveGateOutcome("pay", "hard_fail")

	if got := testutil.ToFloat64(m.GateOutcomes.WithLabelValues("commit", "pass")); got != 2 {
		t.Fatalf("expected 2 commit/pass observations, got %v", got)
	}
	if got := testutil.ToFloat64(m.GateOutcomes.WithLabelValues("pay", "hard_fail")); got != 1 {
		t.Fatalf("expected 1 pay/hard_fail observation, got %v", got)
	}
}

func TestObserveSubmissionAttempt_LabelsByAcceptance(t *testing.T) {
	m := New("psp_test_submission")
	m.ObserveSubmissionAttempt("employee_net", true)
	m.ObserveSubmissionAttempt("employee_net", false)

	if got := testutil.ToFloat64(m.SubmissionAttempts.WithLabelValues("employee_net", "true")); got != 1 {
		t.Fatalf("expected 1 accepted observation, got %v", got)
	}
	if got := testutil.ToFloat64(m.SubmissionAttempts.WithLabelValues("employee_net", "false")); got != 1 {
		t.Fatalf("expected 1 rejected observation, got %v", got)
	}
}

func TestNilMetrics_MethodsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveGateOutcome("commit", "pass")
	m.ObserveReservationDenial("tax")
	m.ObserveEventAppended("funding.blocked")
	m.ObserveReconcileRecord("ach", "matched")
	m.ObserveSubmissionAttempt("employee_net", true)
}
