// Package reconciler ingests external settlement truth (bank/processor
// settlement feeds) and reconciles it against submitted payment attempts:
// idempotent ingest, exact-then-fallback matching, ledger posting on match,
// and reversal-plus-liability-classification when a settled record later
// returns.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/ledger"
	"github.com/mcp-tool-shop/payroll-engine/internal/liability"
	"github.com/mcp-tool-shop/payroll-engine/internal/orchestrator"
	"github.com/mcp-tool-shop/payroll-engine/internal/providers"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// railPriority mirrors the orchestrator's rail preference order, used here
// only to label a settlement feed with the rail the reporting provider
// actually runs, not to choose one.
var railPriority = []providers.Rail{providers.RailFedNow, providers.RailRTP, providers.RailACH, providers.RailWire}

// settlementToInstructionStatus maps external settlement truth onto the
// instruction status it drives. A settlement going from settled to returned
// or reversed advances the instruction to returned — a reversed settlement
// is still, from the instruction's point of view, money that came back.
var settlementToInstructionStatus = map[domain.SettlementStatus]domain.InstructionStatus{
	domain.SettlementAccepted: domain.InstructionAccepted,
	domain.SettlementSettled:  domain.InstructionSettled,
	domain.SettlementFailed:   domain.InstructionFailed,
	domain.SettlementReturned: domain.InstructionReturned,
	domain.SettlementReversed: domain.InstructionReturned,
}

// IngestResult summarizes one ingest pass. RecordsMatched includes both
// exact and fallback matches; RecordsUnmatched are parked for manual review
// rather than guessed. Errors accumulate per-record so one bad record
// doesn't abort the whole feed.
type IngestResult struct {
	RecordsProcessed int
	RecordsMatched   int
	RecordsUnmatched int
	Errors           []error
}

// Reconciler matches settlement events to payment attempts and drives the
// instructions they belong to forward.
type Reconciler struct {
	repo     store.Repository
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	liab     *liability.Attributor
	recorder *events.Recorder
	logger   *slog.Logger
}

func New(repo store.Repository, orch *orchestrator.Orchestrator, ldg *ledger.Ledger, liab *liability.Attributor, recorder *events.Recorder, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, orch: orch, ledger: ldg, liab: liab, recorder: recorder, logger: logger}
}

// record appends a domain event and logs a durable-append failure instead of
// discarding it; the state change it describes has already been persisted.
func (r *Reconciler) record(ctx context.Context, e events.Event) {
	if err := r.recorder.Record(ctx, e); err != nil {
		r.logger.Warn("record event failed", "event_type", e.Type, "error", err)
	}
}

// Run pulls a settlement feed from provider for date and ingests it. It is
// the entry point a scheduled job calls once per business day per bank
// account; ingestSettlementFeed on the facade calls Ingest directly for
// out-of-band or manually supplied feeds.
func (r *Reconciler) Run(ctx context.Context, tenantID, bankAccountID uuid.UUID, provider providers.Provider, date time.Time) (IngestResult, error) {
	records, err := provider.Reconcile(ctx, date)
	if err != nil {
		return IngestResult{}, fmt.Errorf("pull settlement feed: %w", err)
	}
	return r.Ingest(ctx, tenantID, bankAccountID, ReportingRail(provider), records)
}

// ReportingRail labels a feed by the highest-priority rail its provider
// supports, matching the orchestrator's own tie-break order. A feed always
// comes from one rail's own provider, so ties never actually arise here.
// Exported so a single webhook callback, which never goes through Run, can
// label its one-record ingest the same way a full reconcile pass would.
func ReportingRail(p providers.Provider) string {
	caps := p.Capabilities()
	for _, rail := range railPriority {
		for _, supported := range caps.SupportedRails {
			if supported == rail {
				return string(rail)
			}
		}
	}
	return "internal"
}

// Ingest processes a settlement feed against the database. Every step is
// idempotent: replaying the same feed twice, in whole or in part, produces
// the same final state and never double-posts a ledger entry.
func (r *Reconciler) Ingest(ctx context.Context, tenantID, bankAccountID uuid.UUID, rail string, records []providers.SettlementRecord) (IngestResult, error) {
	var result IngestResult
	for _, rec := range records {
		result.RecordsProcessed++
		matched, err := r.ingestOne(ctx, tenantID, bankAccountID, rail, rec)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("trace %s: %w", rec.ExternalTraceID, err))
			continue
		}
		if matched {
			result.RecordsMatched++
		} else {
			result.RecordsUnmatched++
		}
	}
	return result, nil
}

func (r *Reconciler) ingestOne(ctx context.Context, tenantID, bankAccountID uuid.UUID, rail string, rec providers.SettlementRecord) (bool, error) {
	existing, err := r.repo.FindSettlementEvent(ctx, bankAccountID, rec.ExternalTraceID)
	switch {
	case err == nil:
		if existing.Status == rec.Status {
			// identical replay of an already-ingested record; nothing to do
			return existing.Status == domain.SettlementSettled || existing.Status == domain.SettlementAccepted, nil
		}
		return r.handleStatusChange(ctx, tenantID, existing, rec.Status)
	case errors.Is(err, store.ErrSettlementEventNotFound):
		return r.ingestNew(ctx, tenantID, bankAccountID, rail, rec)
	default:
		return false, fmt.Errorf("find settlement event: %w", err)
	}
}

func (r *Reconciler) ingestNew(ctx context.Context, tenantID, bankAccountID uuid.UUID, rail string, rec providers.SettlementRecord) (bool, error) {
	effectiveDate := time.Now().UTC()
	if rec.EffectiveDate != nil {
		effectiveDate = *rec.EffectiveDate
	}
	eventID, isNew, err := r.repo.InsertSettlementEvent(ctx, &domain.SettlementEvent{
		BankAccountID: bankAccountID, Rail: rail, Direction: rec.Direction,
		Amount: rec.Amount, Currency: rec.Currency, Status: rec.Status,
		ExternalTraceID: rec.ExternalTraceID, ReturnCode: rec.ReturnCode,
		EffectiveDate: effectiveDate, RawPayload: rec.RawPayload,
	})
	if err != nil {
		return false, fmt.Errorf("insert settlement event: %w", err)
	}
	if !isNew {
		// lost the insert race to a concurrent ingest of the same feed; the
		// winner already ran matchAndLink for this trace id.
		return true, nil
	}

	r.record(ctx, events.New(tenantID, events.TypeSettlementReceived, eventID, nil, map[string]any{
		"external_trace_id": rec.ExternalTraceID, "status": string(rec.Status),
	}))

	return r.matchAndLink(ctx, tenantID, eventID, rec)
}

func (r *Reconciler) matchAndLink(ctx context.Context, tenantID, eventID uuid.UUID, rec providers.SettlementRecord) (bool, error) {
	instr, matchedByTrace, err := r.resolveInstruction(ctx, tenantID, rec)
	if err != nil {
		return false, err
	}
	if instr == nil {
		r.record(ctx, events.New(tenantID, events.TypeSettlementUnmatched, eventID, nil, map[string]any{
			"external_trace_id": rec.ExternalTraceID, "amount": rec.Amount.String(), "currency": rec.Currency,
		}))
		return false, nil
	}

	newStatus, ok := settlementToInstructionStatus[rec.Status]
	if ok && domain.CanTransition(instr.Status, newStatus) {
		if _, err := r.repo.UpdateInstructionStatus(ctx, tenantID, instr.ID, instr.Status, newStatus); err != nil {
			return false, fmt.Errorf("advance instruction on match: %w", err)
		}
		instr.Status = newStatus
	}

	r.record(ctx, events.New(tenantID, events.TypeSettlementMatched, eventID, nil, map[string]any{
		"instruction_id": instr.ID.String(), "matched_by_trace": matchedByTrace,
	}))

	if rec.Status == domain.SettlementSettled {
		entryID, err := r.orch.MarkSettled(ctx, instr)
		if err != nil {
			return false, fmt.Errorf("post settlement ledger entry: %w", err)
		}
		if entryID != uuid.Nil {
			if _, err := r.repo.CreateSettlementLink(ctx, eventID, entryID); err != nil {
				return false, fmt.Errorf("link settlement to ledger entry: %w", err)
			}
		}
	}

	return true, nil
}

// resolveInstruction finds the instruction a settlement record belongs to,
// first by exact (provider, provider_request_id) match, then by scored
// fallback among same-tenant candidates awaiting settlement.
func (r *Reconciler) resolveInstruction(ctx context.Context, tenantID uuid.UUID, rec providers.SettlementRecord) (*domain.PaymentInstruction, bool, error) {
	_, instr, err := r.repo.FindAttemptByTraceID(ctx, rec.ExternalTraceID, &tenantID)
	switch {
	case err == nil:
		return instr, true, nil
	case !errors.Is(err, store.ErrAttemptNotFound):
		return nil, false, fmt.Errorf("find attempt by trace id: %w", err)
	}

	candidates, err := r.repo.ListCandidateAttemptsForMatch(ctx, tenantID, rec.Direction, rec.Amount, rec.Currency)
	if err != nil {
		return nil, false, fmt.Errorf("list candidate attempts: %w", err)
	}
	winner, ok := bestMatch(rec, candidates)
	if !ok {
		return nil, false, nil
	}
	instr, err = r.repo.GetPaymentInstruction(ctx, tenantID, winner.InstructionID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch fallback-matched instruction: %w", err)
	}
	return instr, false, nil
}

// handleStatusChange reacts to a replayed feed reporting a different status
// for an already-ingested settlement event. Only a settled record later
// turning into a return or reversal triggers a reaction; every other status
// change is recorded as new truth without further side effects.
func (r *Reconciler) handleStatusChange(ctx context.Context, tenantID uuid.UUID, existing *domain.SettlementEvent, newStatus domain.SettlementStatus) (bool, error) {
	originalStatus := existing.Status
	if !domain.CanTransitionSettlement(originalStatus, newStatus) {
		return false, fmt.Errorf("settlement status %s cannot transition to %s", originalStatus, newStatus)
	}
	if _, err := r.repo.UpdateSettlementStatus(ctx, existing.ID, originalStatus, newStatus, existing.EffectiveDate); err != nil {
		return false, fmt.Errorf("update settlement status: %w", err)
	}
	r.record(ctx, events.New(tenantID, events.TypeSettlementStatusChanged, existing.ID, nil, map[string]any{
		"from": string(originalStatus), "to": string(newStatus),
	}))

	if originalStatus != domain.SettlementSettled ||
		(newStatus != domain.SettlementReturned && newStatus != domain.SettlementReversed) {
		return true, nil
	}

	instr, err := r.instructionForSettlement(ctx, tenantID, existing)
	if err != nil {
		return false, err
	}
	if instr == nil {
		return true, nil
	}

	entry, err := r.repo.FindLedgerEntryForSettlement(ctx, existing.ID)
	if err == nil {
		if _, err := r.ledger.Reverse(ctx, instr.TenantID, instr.LegalEntityID, entry.ID,
			"settlement_reversal_"+existing.ID.String(),
			fmt.Sprintf("settlement status changed from %s to %s", domain.SettlementSettled, newStatus)); err != nil {
			return false, fmt.Errorf("reverse settlement ledger entry: %w", err)
		}
	} else if !errors.Is(err, store.ErrLedgerEntryNotFound) {
		return false, fmt.Errorf("find settlement ledger entry: %w", err)
	}

	if domain.CanTransition(instr.Status, domain.InstructionReturned) {
		if _, err := r.repo.UpdateInstructionStatus(ctx, tenantID, instr.ID, instr.Status, domain.InstructionReturned); err != nil {
			return false, fmt.Errorf("advance instruction to returned: %w", err)
		}
		instr.Status = domain.InstructionReturned
		r.record(ctx, events.New(tenantID, events.TypePaymentReturned, existing.ID, nil, map[string]any{
			"instruction_id": instr.ID.String(), "settlement_event_id": existing.ID.String(),
		}))
	}

	if err := r.classifyReturn(ctx, tenantID, instr, existing); err != nil {
		return false, err
	}
	return true, nil
}

// classifyReturn attributes liability for a settlement that reversed after
// settling. A missing return code still gets a determination — an
// unattributed loss is worse than a low-confidence one flagged for review.
func (r *Reconciler) classifyReturn(ctx context.Context, tenantID uuid.UUID, instr *domain.PaymentInstruction, event *domain.SettlementEvent) error {
	code := ""
	if event.ReturnCode != nil {
		code = *event.ReturnCode
	}
	classification, err := r.liab.Classify(ctx, liability.ClassifyParams{
		Rail: event.Rail, ReturnCode: code, Amount: instr.Amount,
	})
	if err != nil {
		return fmt.Errorf("classify liability: %w", err)
	}
	if _, err := r.liab.Record(ctx, liability.RecordParams{
		TenantID: tenantID, LegalEntityID: instr.LegalEntityID,
		SourceType: "payment_instruction", SourceID: instr.ID.String(),
		Classification: classification, IdempotencyKey: "liability_" + instr.ID.String(),
	}); err != nil {
		return fmt.Errorf("record liability event: %w", err)
	}
	return r.liab.UpdateInstructionLiability(ctx, tenantID, instr.ID, classification)
}

// instructionForSettlement recovers the instruction a settlement event was
// linked to, by re-running the same trace-id lookup that matched it the
// first time. The link table only records the ledger entry, not the
// instruction, so this is the cheapest correct way back.
func (r *Reconciler) instructionForSettlement(ctx context.Context, tenantID uuid.UUID, event *domain.SettlementEvent) (*domain.PaymentInstruction, error) {
	_, instr, err := r.repo.FindAttemptByTraceID(ctx, event.ExternalTraceID, &tenantID)
	if errors.Is(err, store.ErrAttemptNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find instruction for settlement: %w", err)
	}
	return instr, nil
}
