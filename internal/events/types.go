// Package events defines the closed set of domain events the PSP core emits,
// the durable event log they are appended to, and the RabbitMQ fan-out used
// to notify external subscribers. The Postgres log is the system of record;
// RabbitMQ delivery is best-effort and never blocks or fails an append.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Category groups event types for routing-key construction and subscriber
// filtering.
type Category string

const (
	CategoryFunding        Category = "funding"
	CategoryPayment        Category = "payment"
	CategoryLedger         Category = "ledger"
	CategorySettlement     Category = "settlement"
	CategoryLiability      Category = "liability"
	CategoryReconciliation Category = "reconciliation"
	CategoryReservation    Category = "reservation"
)

// Type is the closed set of event type names. New event kinds must be added
// here before anything can emit them.
type Type string

const (
	TypeFundingRequested          Type = "funding.requested"
	TypeFundingApproved           Type = "funding.approved"
	TypeFundingBlocked            Type = "funding.blocked"
	TypeFundingInsufficientFunds  Type = "funding.insufficient_funds"
	TypePaymentInstructionCreated Type = "payment.instruction_created"
	TypePaymentSubmitted          Type = "payment.submitted"
	TypePaymentAccepted           Type = "payment.accepted"
	TypePaymentSettled            Type = "payment.settled"
	TypePaymentFailed             Type = "payment.failed"
	TypePaymentReturned           Type = "payment.returned"
	TypePaymentCanceled           Type = "payment.canceled"
	TypeLedgerEntryPosted         Type = "ledger.entry_posted"
	TypeLedgerEntryReversed       Type = "ledger.entry_reversed"
	TypeSettlementReceived        Type = "settlement.received"
	TypeSettlementMatched         Type = "settlement.matched"
	TypeSettlementUnmatched       Type = "settlement.unmatched"
	TypeSettlementStatusChanged   Type = "settlement.status_changed"
	TypeLiabilityClassified       Type = "liability.classified"
	TypeLiabilityRecoveryStarted  Type = "liability.recovery_started"
	TypeLiabilityRecovered        Type = "liability.recovered"
	TypeLiabilityWrittenOff       Type = "liability.written_off"
	TypeReconciliationStarted     Type = "reconciliation.started"
	TypeReconciliationCompleted   Type = "reconciliation.completed"
	TypeReconciliationFailed      Type = "reconciliation.failed"
	TypeReservationCreated        Type = "reservation.created"
	// TypeReservationReleased covers both terminal resolutions of a
	// reservation; the payload's "consumed" flag distinguishes funds actually
	// spent (settlement) from a hold simply freed (cancellation).
	TypeReservationReleased Type = "reservation.released"
)

// categoryOf returns the routing category for a type, derived from the
// dotted prefix rather than kept as a second parallel table.
func categoryOf(t Type) Category {
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return Category(t[:i])
		}
	}
	return Category(t)
}

// Event is a single durable domain event. Payload carries type-specific
// fields as a JSON-serializable map rather than one Go struct per type,
// mirroring the closed Type vocabulary above without needing a type switch
// at every call site that only wants to append and forward.
type Event struct {
	ID            uuid.UUID      `json:"event_id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	Type          Type           `json:"event_type"`
	Category      Category       `json:"category"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	CausationID   *uuid.UUID     `json:"causation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// New builds an Event with a fresh ID and category derived from t. If
// correlationID is the zero UUID, the event's own ID is used as its
// correlation root, matching the original system's default-to-self rule for
// the first event in a causal chain.
func New(tenantID uuid.UUID, t Type, correlationID uuid.UUID, causationID *uuid.UUID, payload map[string]any) Event {
	id := uuid.New()
	corr := correlationID
	if corr == uuid.Nil {
		corr = id
	}
	return Event{
		ID:            id,
		TenantID:      tenantID,
		Type:          t,
		Category:      categoryOf(t),
		CorrelationID: corr,
		CausationID:   causationID,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}
}
