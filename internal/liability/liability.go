// Package liability answers who eats a loss when a payment fails or a
// settlement returns: it classifies a rail return code against a seeded
// reference table, records an append-only decision, and tracks recovery
// progress against that decision without ever reopening it.
package liability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// repeatFailureEscalation is the threshold at which a repeated failure for
// the same source is escalated to the employer regardless of the return
// code's default classification, mirroring the original's repeat-failure
// override.
const repeatFailureEscalation = 3

// Classification is the recommended attribution for a return code, before
// it is persisted as a LiabilityEvent.
type Classification struct {
	ErrorOrigin         domain.ErrorOrigin
	LiabilityParty      domain.LiabilityParty
	RecoveryPath        domain.RecoveryPath
	LossAmount          decimal.Decimal
	DeterminationReason string
	IsRecoverable       bool
}

// ClassifyParams is the input to Classify.
type ClassifyParams struct {
	Rail           string
	ReturnCode     string
	Amount         decimal.Decimal
	RepeatFailures int
	OurDataError   bool
	OurErrorDetail string
}

// Attributor classifies return codes and records liability events.
type Attributor struct {
	repo     store.Repository
	recorder *events.Recorder
	logger   *slog.Logger
}

func New(repo store.Repository, recorder *events.Recorder, logger *slog.Logger) *Attributor {
	return &Attributor{repo: repo, recorder: recorder, logger: logger}
}

// record appends a domain event and logs a durable-append failure instead of
// discarding it; the liability decision it describes has already been
// persisted by the time this runs.
func (a *Attributor) record(ctx context.Context, e events.Event) {
	if err := a.recorder.Record(ctx, e); err != nil {
		a.logger.Warn("record event failed", "event_type", e.Type, "error", err)
	}
}

// Classify looks up (rail, return_code) in the seeded reference table and
// applies context-aware overrides. An unrecognized code defaults to
// {origin=unknown, party=pending, path=none} rather than guessing, and is
// flagged for manual review by that same pending state.
func (a *Attributor) Classify(ctx context.Context, p ClassifyParams) (Classification, error) {
	ref, err := a.repo.LookupReturnCode(ctx, p.Rail, p.ReturnCode)
	var origin domain.ErrorOrigin
	var party domain.LiabilityParty
	var recoverable bool
	var reason string
	var unknownCode bool

	if err == nil {
		origin = ref.DefaultErrorOrigin
		party = ref.DefaultLiabilityParty
		recoverable = ref.IsRecoverable
		reason = fmt.Sprintf("return code %s: %s", p.ReturnCode, ref.Description)
	} else if errors.Is(err, store.ErrReturnCodeNotFound) {
		origin = domain.OriginUnknown
		party = domain.LiabilityPending
		recoverable = false
		unknownCode = true
		reason = fmt.Sprintf("unknown return code %s: requires investigation", p.ReturnCode)
	} else {
		return Classification{}, fmt.Errorf("lookup return code: %w", err)
	}

	if p.RepeatFailures >= repeatFailureEscalation {
		party = domain.LiabilityEmployer
		reason += " (repeated failures; employer must update payment info)"
	}
	if p.OurDataError {
		origin = domain.OriginPayrollEngine
		party = domain.LiabilityPSP
		reason = "payroll engine data handling error: " + p.OurErrorDetail
	}

	var path domain.RecoveryPath
	switch {
	case party == domain.LiabilityEmployer && recoverable:
		path = domain.RecoveryOffsetFuture
	case party == domain.LiabilityPSP:
		path = domain.RecoveryWriteOff
	case party == domain.LiabilityPending && unknownCode:
		path = domain.RecoveryNone
	case party == domain.LiabilityPending:
		path = domain.RecoveryDispute
	default:
		path = domain.RecoveryNone
	}

	return Classification{
		ErrorOrigin: origin, LiabilityParty: party, RecoveryPath: path,
		LossAmount: p.Amount, DeterminationReason: reason, IsRecoverable: recoverable,
	}, nil
}

// RecordParams is the input to Record.
type RecordParams struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	SourceType     string
	SourceID       string
	Classification Classification
	IdempotencyKey string
}

// Record persists a Classification as an append-only LiabilityEvent and
// emits LiabilityClassified. Retrying with the same idempotency key returns
// the original event rather than duplicating it — the decision, once made,
// is never edited, only ever superseded by a new (recorded) determination.
func (a *Attributor) Record(ctx context.Context, p RecordParams) (uuid.UUID, error) {
	id, isNew, err := a.repo.InsertLiabilityEvent(ctx, &domain.LiabilityEvent{
		TenantID: p.TenantID, LegalEntityID: p.LegalEntityID,
		SourceType: p.SourceType, SourceID: p.SourceID,
		ErrorOrigin: p.Classification.ErrorOrigin, LiabilityParty: p.Classification.LiabilityParty,
		LossAmount: p.Classification.LossAmount, RecoveryPath: p.Classification.RecoveryPath,
		RecoveryStatus:      domain.RecoveryPending,
		DeterminationReason: p.Classification.DeterminationReason,
		IdempotencyKey:      p.IdempotencyKey,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("record liability event: %w", err)
	}
	if isNew {
		a.record(ctx, events.New(p.TenantID, events.TypeLiabilityClassified, uuid.Nil, nil, map[string]any{
			"liability_event_id": id.String(), "source_type": p.SourceType, "source_id": p.SourceID,
			"liability_party": string(p.Classification.LiabilityParty),
		}))
	}
	return id, nil
}

// UpdateInstructionLiability writes the classification directly onto a
// payment_instruction row, giving callers a fast liability read without a
// join against liability_event for the common case (the instruction detail
// view).
func (a *Attributor) UpdateInstructionLiability(ctx context.Context, tenantID, instructionID uuid.UUID, c Classification) error {
	origin := string(c.ErrorOrigin)
	party := string(c.LiabilityParty)
	path := string(c.RecoveryPath)
	return a.repo.UpdateInstructionLiability(ctx, tenantID, instructionID, store.InstructionLiabilityParams{
		ErrorOrigin: &origin, LiabilityParty: &party, RecoveryPath: &path,
		LiabilityAmount: &c.LossAmount, LiabilityNotes: &c.DeterminationReason,
	})
}

// AdvanceRecovery moves a liability event's recovery forward. It refuses only
// a move back to pending, matching the one-way progress the original enforces
// implicitly by never re-opening a resolved event; it does not check the
// event's current status, so a completed, written-off, or failed recovery is
// not guarded against a further update.
func (a *Attributor) AdvanceRecovery(ctx context.Context, tenantID, eventID uuid.UUID, newStatus domain.RecoveryStatus, recoveryAmount *decimal.Decimal) error {
	if newStatus == domain.RecoveryPending {
		return &pspx.ValidationError{Field: "recovery_status", Message: "cannot advance recovery back to pending"}
	}
	return a.repo.UpdateLiabilityRecoveryStatus(ctx, tenantID, eventID, store.LiabilityRecoveryUpdateParams{
		RecoveryStatus: &newStatus, RecoveryAmount: recoveryAmount,
	})
}

// Pending lists liability events still awaiting or in the middle of
// recovery for a given responsible party.
func (a *Attributor) Pending(ctx context.Context, tenantID uuid.UUID, party domain.LiabilityParty) ([]domain.LiabilityEvent, error) {
	return a.repo.ListPendingLiabilities(ctx, tenantID, party)
}

// Summary aggregates loss and recovery totals by party and recovery status,
// the same two-dimensional rollup the original's get_liability_summary
// produces, minus the legal-entity-scoped variant (callers filter tenant
// results themselves; the core exposes one tenant-wide view).
func (a *Attributor) Summary(ctx context.Context, tenantID uuid.UUID) ([]store.LiabilitySummaryRow, error) {
	return a.repo.LiabilitySummary(ctx, tenantID)
}
