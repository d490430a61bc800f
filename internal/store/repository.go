/**
 * @description
 * This file defines the Repository interface, the single contract every PSP
 * core service depends on for persistence. Keeping it as an interface lets
 * ledger, gate, orchestrator, reconciler, and liability services be tested
 * against stub implementations rather than a live Postgres instance.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: Identifiers.
 * - github.com/shopspring/decimal: Money.
 * - internal/domain: Entity shapes.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
)

// Repository is the persistence contract for the whole PSP core.
type Repository interface {
	// WithTx runs fn against a Repository scoped to a single transaction, so
	// a caller that must perform several writes atomically (e.g. reversing a
	// ledger entry) gets one commit or one rollback instead of several
	// independently auto-committed statements. fn's return error rolls the
	// transaction back; a nil return commits it.
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	// Ledger accounts
	GetOrCreateAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType domain.AccountType, currency string) (uuid.UUID, error)

	// Ledger entries
	InsertLedgerEntry(ctx context.Context, params InsertLedgerEntryParams) (id uuid.UUID, isNew bool, err error)
	GetLedgerEntryByID(ctx context.Context, tenantID, entryID uuid.UUID) (*domain.LedgerEntry, error)
	MarkLedgerEntryReversed(ctx context.Context, tenantID, entryID, reversalID uuid.UUID) (bool, error)
	SumCredits(ctx context.Context, tenantID, accountID uuid.UUID) (decimal.Decimal, error)
	SumDebits(ctx context.Context, tenantID, accountID uuid.UUID) (decimal.Decimal, error)

	// Reservations
	CreateReservation(ctx context.Context, r *domain.Reservation) (uuid.UUID, error)
	ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) (bool, error)
	SumActiveReservationsForLegalEntity(ctx context.Context, tenantID, legalEntityID uuid.UUID) (decimal.Decimal, error)
	FindActiveReservationBySource(ctx context.Context, tenantID uuid.UUID, sourceType, sourceID string, reserveType domain.ReserveType) (*domain.Reservation, error)

	// Funding gate evaluations
	InsertGateEvaluation(ctx context.Context, e *domain.FundingGateEvaluation) (id uuid.UUID, isNew bool, err error)
	GetGateEvaluationByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.FundingGateEvaluation, error)
	FindGateEvaluationByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*domain.FundingGateEvaluation, error)

	// Payroll totals feed the funding gate's requirement computation; these
	// read from payroll tables the PSP core does not own the schema of.
	PayrollTotals(ctx context.Context, payRunID uuid.UUID) (PayrollTotals, error)
	RecentAverageNetPay(ctx context.Context, tenantID, legalEntityID, excludePayRunID uuid.UUID, lookback int) (avg decimal.Decimal, hasData bool, err error)

	// Payment instructions
	InsertPaymentInstruction(ctx context.Context, instr *domain.PaymentInstruction) (id uuid.UUID, isNew bool, err error)
	GetPaymentInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*domain.PaymentInstruction, error)
	UpdateInstructionStatus(ctx context.Context, tenantID, instructionID uuid.UUID, from, to domain.InstructionStatus) (bool, error)
	UpdateInstructionLiability(ctx context.Context, tenantID, instructionID uuid.UUID, params InstructionLiabilityParams) error
	ListInstructionsForSubmission(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.PaymentInstruction, error)
	// CountOpenInstructionsForPayRun counts instructions of purpose within
	// payRunID that have not yet reached a terminal status. The batch-level
	// reservation backing that purpose can only be released or consumed once
	// this reaches zero.
	CountOpenInstructionsForPayRun(ctx context.Context, tenantID, payRunID uuid.UUID, purpose string) (int, error)

	// Payment attempts
	InsertPaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) (id uuid.UUID, isNew bool, err error)
	FindAttemptByProviderRequestID(ctx context.Context, provider, providerRequestID string) (*domain.PaymentAttempt, error)
	FindLatestAttemptForInstruction(ctx context.Context, instructionID uuid.UUID) (*domain.PaymentAttempt, error)

	// Settlement events
	FindSettlementEvent(ctx context.Context, bankAccountID uuid.UUID, externalTraceID string) (*domain.SettlementEvent, error)
	InsertSettlementEvent(ctx context.Context, e *domain.SettlementEvent) (id uuid.UUID, isNew bool, err error)
	UpdateSettlementStatus(ctx context.Context, eventID uuid.UUID, from, to domain.SettlementStatus, effectiveDate time.Time) (bool, error)
	FindAttemptByTraceID(ctx context.Context, traceID string, tenantID *uuid.UUID) (*domain.PaymentAttempt, *domain.PaymentInstruction, error)
	ListCandidateAttemptsForMatch(ctx context.Context, tenantID uuid.UUID, direction domain.Direction, amount decimal.Decimal, currency string) ([]CandidateAttempt, error)
	CreateSettlementLink(ctx context.Context, settlementEventID, ledgerEntryID uuid.UUID) (bool, error)
	FindLedgerEntryForSettlement(ctx context.Context, settlementEventID uuid.UUID) (*domain.LedgerEntry, error)
	ListUnmatchedSettlements(ctx context.Context) ([]domain.SettlementEvent, error)

	// Liability
	InsertLiabilityEvent(ctx context.Context, e *domain.LiabilityEvent) (id uuid.UUID, isNew bool, err error)
	UpdateLiabilityRecoveryStatus(ctx context.Context, tenantID, eventID uuid.UUID, params LiabilityRecoveryUpdateParams) error
	LookupReturnCode(ctx context.Context, rail, code string) (*domain.ReturnCodeReference, error)
	ListPendingLiabilities(ctx context.Context, tenantID uuid.UUID, party domain.LiabilityParty) ([]domain.LiabilityEvent, error)
	LiabilitySummary(ctx context.Context, tenantID uuid.UUID) ([]LiabilitySummaryRow, error)
}

// InsertLedgerEntryParams is the all-fields DTO for a new posting; kept
// separate from domain.LedgerEntry so callers never need to fill in fields
// (ID, PostedAt, ReversedBy) the store itself is responsible for.
type InsertLedgerEntryParams struct {
	TenantID        uuid.UUID
	LegalEntityID   uuid.UUID
	EntryType       string
	DebitAccountID  uuid.UUID
	CreditAccountID uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	SourceType      string
	SourceID        string
	CorrelationID   uuid.UUID
	IdempotencyKey  string
	Metadata        map[string]any
	IsReversal      bool
}

// InstructionLiabilityParams carries the liability fields written directly
// onto a payment_instruction row after classification.
type InstructionLiabilityParams struct {
	ErrorOrigin     *string
	LiabilityParty  *string
	RecoveryPath    *string
	LiabilityAmount *decimal.Decimal
	LiabilityNotes  *string
}

// LiabilityRecoveryUpdateParams is the dynamic-field update DTO for
// progressing a liability event's recovery. Nil fields are left unchanged.
type LiabilityRecoveryUpdateParams struct {
	RecoveryStatus *domain.RecoveryStatus
	RecoveryAmount *decimal.Decimal
}

// CandidateAttempt is a submitted-or-accepted attempt considered as a
// fallback match for a settlement record that didn't resolve by
// (provider, provider_request_id). Scoring happens in the reconciler; this
// carries only the fields the scoring function reads.
type CandidateAttempt struct {
	AttemptID               uuid.UUID
	InstructionID           uuid.UUID
	TenantID                uuid.UUID
	LegalEntityID           uuid.UUID
	Provider                string
	ProviderRequestID       string
	PayeeRefID              string
	RequestedSettlementDate *time.Time
}

// LiabilitySummaryRow is one row of the liability-party aggregate report.
type LiabilitySummaryRow struct {
	LiabilityParty domain.LiabilityParty
	RecoveryStatus domain.RecoveryStatus
	Count          int64
	TotalLoss      decimal.Decimal
}

// PayrollTotals is the raw amount breakdown a pay run produces, before any
// funding-model requirement zeroing is applied.
type PayrollTotals struct {
	NetPay     decimal.Decimal
	Taxes      decimal.Decimal
	ThirdParty decimal.Decimal
}
