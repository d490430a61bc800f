// Package domain holds the entity shapes and closed status vocabularies
// shared by every PSP core component. Nothing here talks to storage or
// the network; it is the vocabulary the rest of the module is written in.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType is the closed set of ledger account buckets.
type AccountType string

const (
	AccountClientFundingClearing  AccountType = "client_funding_clearing"
	AccountClientNetPayPayable    AccountType = "client_net_pay_payable"
	AccountClientTaxImpoundPayable AccountType = "client_tax_impound_payable"
	AccountClientThirdPartyPayable AccountType = "client_third_party_payable"
	AccountPSPSettlementClearing  AccountType = "psp_settlement_clearing"
	AccountPSPFeesRevenue         AccountType = "psp_fees_revenue"
)

// AccountStatus is the ledger account lifecycle.
type AccountStatus string

const (
	AccountActive AccountStatus = "active"
	AccountClosed AccountStatus = "closed"
)

// LedgerAccount is a logical money bucket unique per (tenant, legal entity, type, currency).
type LedgerAccount struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	LegalEntityID uuid.UUID
	Type          AccountType
	Currency      string
	Status        AccountStatus
	CreatedAt     time.Time
}

// LedgerEntry is the append-only double-entry posting record.
type LedgerEntry struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	LegalEntityID    uuid.UUID
	DebitAccountID   uuid.UUID
	CreditAccountID  uuid.UUID
	Amount           decimal.Decimal
	Currency         string
	EntryType        string
	SourceType       string
	SourceID         string
	CorrelationID    uuid.UUID
	IdempotencyKey   string
	Metadata         map[string]any
	PostedAt         time.Time
	ReversedBy       *uuid.UUID
	IsReversal       bool
}

// ReserveType is the closed set of reservation purposes.
type ReserveType string

const (
	ReserveNetPay      ReserveType = "net_pay"
	ReserveTax         ReserveType = "tax"
	ReserveThirdParty  ReserveType = "third_party"
	ReserveFees        ReserveType = "fees"
)

// ReservationStatus is the one-way reservation lifecycle.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationConsumed ReservationStatus = "consumed"
)

// Reservation holds funds against a legal entity without moving money.
// It is scoped to the legal entity rather than a single ledger account,
// matching how the funding gate subtracts the entity's total active
// reservations from its client_funding_clearing balance.
type Reservation struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	LegalEntityID uuid.UUID
	ReserveType   ReserveType
	Amount        decimal.Decimal
	Status        ReservationStatus
	SourceType    string
	SourceID      string
	CorrelationID uuid.UUID
	CreatedAt     time.Time
	ReleasedAt    *time.Time
}

// FundingModel is the client's rule for when funds arrive relative to payment.
type FundingModel string

const (
	FundingPrefundAll         FundingModel = "prefund_all"
	FundingNetOnly            FundingModel = "net_only"
	FundingNetAndThirdParty   FundingModel = "net_and_third_party"
	FundingSplitSchedule      FundingModel = "split_schedule"
)

// GateType distinguishes commit-time from pay-time funding decisions.
type GateType string

const (
	GateCommit GateType = "commit"
	GatePay    GateType = "pay"
)

// GateOutcome is the closed set of funding gate decisions.
type GateOutcome string

const (
	GatePass     GateOutcome = "pass"
	GateSoftFail GateOutcome = "soft_fail"
	GateHardFail GateOutcome = "hard_fail"
)

// GateReason is one machine-readable line in a gate evaluation.
type GateReason struct {
	Code      string
	Message   string
	Shortfall *decimal.Decimal
	Severity  string
}

// FundingGateEvaluation is the immutable audit record produced by a gate check.
type FundingGateEvaluation struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	LegalEntityID   uuid.UUID
	GateType        GateType
	Outcome         GateOutcome
	RequiredAmount  decimal.Decimal
	AvailableAmount decimal.Decimal
	Reasons         []GateReason
	IdempotencyKey  string
	CreatedAt       time.Time
}

// InstructionStatus is the payment instruction state machine's closed vertex set.
type InstructionStatus string

const (
	InstructionCreated   InstructionStatus = "created"
	InstructionQueued    InstructionStatus = "queued"
	InstructionSubmitted InstructionStatus = "submitted"
	InstructionAccepted  InstructionStatus = "accepted"
	InstructionSettled   InstructionStatus = "settled"
	InstructionFailed    InstructionStatus = "failed"
	InstructionCanceled  InstructionStatus = "canceled"
	InstructionReturned  InstructionStatus = "returned"
	InstructionReversed  InstructionStatus = "reversed"
)

// InstructionTransitions is the single source of truth for legal forward
// edges in the instruction state machine; both the in-process guard and
// the storage-boundary guard read this table.
var InstructionTransitions = map[InstructionStatus][]InstructionStatus{
	InstructionCreated:   {InstructionQueued},
	InstructionQueued:    {InstructionSubmitted, InstructionCanceled},
	InstructionSubmitted: {InstructionAccepted, InstructionFailed, InstructionCanceled},
	InstructionAccepted:  {InstructionSettled, InstructionFailed, InstructionReturned, InstructionReversed, InstructionCanceled},
	InstructionSettled:   {InstructionReturned, InstructionReversed},
}

// CanTransition reports whether from -> to is a legal forward edge.
func CanTransition(from, to InstructionStatus) bool {
	for _, next := range InstructionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PayeeType is the closed set of instruction payees.
type PayeeType string

const (
	PayeeEmployee PayeeType = "employee"
	PayeeAgency   PayeeType = "agency"
	PayeeProvider PayeeType = "provider"
	PayeeClient   PayeeType = "client"
)

// Direction is inbound (funds pulled to the PSP) or outbound (funds paid out).
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// PaymentInstruction is the durable business intent to move money.
type PaymentInstruction struct {
	ID                      uuid.UUID
	TenantID                uuid.UUID
	LegalEntityID           uuid.UUID
	Purpose                 string
	Direction               Direction
	Amount                  decimal.Decimal
	Currency                string
	PayeeType               PayeeType
	PayeeRefID              string
	RequestedSettlementDate *time.Time
	Status                  InstructionStatus
	IdempotencyKey          string
	SourceType              string
	SourceID                string
	// PayRunID links an instruction back to the batch-level reservation that
	// backs its purpose; zero for instructions created outside a pay run.
	// funding_debit has no backing reservation type, so a pay run's
	// funding_debit carries a PayRunID that reservation resolution ignores.
	PayRunID                uuid.UUID
	Metadata                map[string]any
	ErrorOrigin             *string
	LiabilityParty          *string
	RecoveryPath            *string
	LiabilityAmount         *decimal.Decimal
	LiabilityNotes          *string
	CreatedAt               time.Time
}

// AttemptStatus is the closed set of payment attempt outcomes.
type AttemptStatus string

const (
	AttemptSubmitted AttemptStatus = "submitted"
	AttemptAccepted  AttemptStatus = "accepted"
	AttemptFailed    AttemptStatus = "failed"
)

// PaymentAttempt is a single rail-specific submission of an instruction.
type PaymentAttempt struct {
	ID                   uuid.UUID
	InstructionID        uuid.UUID
	Rail                 string
	Provider             string
	ProviderRequestID    string
	Status               AttemptStatus
	RequestPayload       map[string]any
	CreatedAt            time.Time
}

// SettlementStatus is the closed set of external settlement truth states.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementAccepted  SettlementStatus = "accepted"
	SettlementSettled   SettlementStatus = "settled"
	SettlementFailed    SettlementStatus = "failed"
	SettlementReturned  SettlementStatus = "returned"
	SettlementRejected  SettlementStatus = "rejected"
	SettlementCanceled  SettlementStatus = "canceled"
	SettlementReversed  SettlementStatus = "reversed"
)

// SettlementTransitions mirrors InstructionTransitions for settlement events.
var SettlementTransitions = map[SettlementStatus][]SettlementStatus{
	SettlementPending:   {SettlementSubmitted, SettlementCanceled},
	SettlementSubmitted: {SettlementAccepted},
	SettlementAccepted:  {SettlementSettled, SettlementReturned, SettlementRejected},
	SettlementSettled:   {SettlementReturned, SettlementReversed},
}

// CanTransitionSettlement reports whether from -> to is a legal forward
// edge for a settlement event, mirroring CanTransition.
func CanTransitionSettlement(from, to SettlementStatus) bool {
	for _, next := range SettlementTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SettlementEvent is external bank/processor truth about a movement of funds.
type SettlementEvent struct {
	ID               uuid.UUID
	BankAccountID    uuid.UUID
	Rail             string
	Direction        Direction
	Amount           decimal.Decimal
	Currency         string
	Status           SettlementStatus
	ExternalTraceID  string
	ReturnCode       *string
	ReturnReason     *string
	EffectiveDate    time.Time
	RawPayload       map[string]any
	CreatedAt        time.Time
}

// SettlementLink is a weak, lookup-only relation between a settlement event
// and the ledger entries it produced.
type SettlementLink struct {
	SettlementEventID uuid.UUID
	LedgerEntryID     uuid.UUID
}

// ErrorOrigin classifies where a failure originated.
type ErrorOrigin string

const (
	OriginClient        ErrorOrigin = "client"
	OriginPayrollEngine ErrorOrigin = "payroll_engine"
	OriginProvider      ErrorOrigin = "provider"
	OriginBank          ErrorOrigin = "bank"
	OriginRecipient     ErrorOrigin = "recipient"
	OriginUnknown       ErrorOrigin = "unknown"
)

// LiabilityParty is who bears financial responsibility for a loss.
type LiabilityParty string

const (
	LiabilityEmployer  LiabilityParty = "employer"
	LiabilityPSP       LiabilityParty = "psp"
	LiabilityProcessor LiabilityParty = "processor"
	LiabilityShared    LiabilityParty = "shared"
	LiabilityPending   LiabilityParty = "pending"
)

// RecoveryPath is how a loss will be recovered, if at all.
type RecoveryPath string

const (
	RecoveryOffsetFuture RecoveryPath = "offset_future"
	RecoveryClawback     RecoveryPath = "clawback"
	RecoveryWriteOff     RecoveryPath = "write_off"
	RecoveryInsurance    RecoveryPath = "insurance"
	RecoveryDispute      RecoveryPath = "dispute"
	RecoveryNone         RecoveryPath = "none"
)

// RecoveryStatus tracks progress recovering an attributed loss.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryPartial    RecoveryStatus = "partial"
	RecoveryComplete   RecoveryStatus = "complete"
	RecoveryFailed     RecoveryStatus = "failed"
	RecoveryWrittenOff RecoveryStatus = "written_off"
)

// LiabilityEvent records who eats a loss and how it is (or isn't) recovered.
type LiabilityEvent struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	LegalEntityID       uuid.UUID
	SourceType          string
	SourceID            string
	ErrorOrigin         ErrorOrigin
	LiabilityParty      LiabilityParty
	LossAmount          decimal.Decimal
	RecoveryPath        RecoveryPath
	RecoveryStatus      RecoveryStatus
	RecoveryAmount      decimal.Decimal
	DeterminationReason string
	IdempotencyKey      string
	CreatedAt           time.Time
	ResolvedAt          *time.Time
}

// ReturnCodeReference is the seeded (rail, code) -> default classification table.
type ReturnCodeReference struct {
	Rail                  string
	Code                  string
	DefaultErrorOrigin    ErrorOrigin
	DefaultLiabilityParty LiabilityParty
	IsRecoverable         bool
	Description           string
}
