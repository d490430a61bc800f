// Package orchestrator drives the payment instruction lifecycle: creating
// intent, submitting it to a rail provider, tracking attempts, and applying
// the guarded status transitions that make replay and cancellation safe.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/ledger"
	"github.com/mcp-tool-shop/payroll-engine/internal/lock"
	"github.com/mcp-tool-shop/payroll-engine/internal/providers"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
	"github.com/mcp-tool-shop/payroll-engine/internal/reservation"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// railPriority is the fallback rail choice when a single provider is
// configured (the common embedding case): the provider's own capabilities
// decide which rails are even available, but among the rails a provider
// supports this is the tie-break order.
var railPriority = []providers.Rail{providers.RailFedNow, providers.RailRTP, providers.RailACH, providers.RailWire}

// pullCapableRails is the closed set of rails that can pull funds inbound.
// FedNow and RTP settle credit-push only; a debit pull has to go over ACH or
// wire, mirroring the original system's ach_debit/ach_credit capability gate.
var pullCapableRails = map[providers.Rail]bool{
	providers.RailACH:   true,
	providers.RailWire:  true,
	providers.RailCheck: true,
}

// reserveTypeForPurpose maps an instruction purpose to the reservation
// component that backs it. funding_debit pulls money in rather than
// spending a hold, so it has no reserve type.
func reserveTypeForPurpose(purpose string) (domain.ReserveType, bool) {
	switch purpose {
	case "employee_net":
		return domain.ReserveNetPay, true
	case "tax_remit":
		return domain.ReserveTax, true
	case "third_party":
		return domain.ReserveThirdParty, true
	default:
		return "", false
	}
}

const (
	maxSubmitAttempts = 5
	backoffBase       = 500 * time.Millisecond
)

// InstructionResult is the outcome of creating (or replaying the creation
// of) a payment instruction.
type InstructionResult struct {
	InstructionID uuid.UUID
	WasDuplicate  bool
	Status        domain.InstructionStatus
}

// SubmissionResult is the outcome of submitting an instruction to a provider.
type SubmissionResult struct {
	InstructionID     uuid.UUID
	AttemptID         *uuid.UUID
	ProviderRequestID string
	Accepted          bool
	Message           string
}

// CreateParams is the shared shape behind every create-instruction wrapper.
type CreateParams struct {
	TenantID                uuid.UUID
	LegalEntityID           uuid.UUID
	PayRunID                uuid.UUID
	Purpose                 string
	Direction               domain.Direction
	PayeeType               domain.PayeeType
	PayeeRefID              string
	SourceType              string
	SourceID                string
	Amount                  decimal.Decimal
	Currency                string
	IdempotencyKey          string
	RequestedSettlementDate *time.Time
	Metadata                map[string]any
}

// SubmitParams is the input to Submit. PayGateIdempotencyKey names the pay
// gate evaluation that must have passed for this instruction's batch — the
// orchestrator refuses to submit without it, since it is structurally
// impossible to disburse without a pay-gate pass.
type SubmitParams struct {
	TenantID             uuid.UUID
	InstructionID        uuid.UUID
	PayGateIdempotencyKey string
}

// Orchestrator coordinates instruction creation, submission, and cancellation.
type Orchestrator struct {
	repo              store.Repository
	ledger            *ledger.Ledger
	locker            lock.Locker
	recorder          *events.Recorder
	logger            *slog.Logger
	reservations      *reservation.Manager
	providers         []providers.Provider
	maxSubmitAttempts int
	backoffBase       time.Duration
}

func New(repo store.Repository, ldg *ledger.Ledger, locker lock.Locker, recorder *events.Recorder, logger *slog.Logger, provs ...providers.Provider) *Orchestrator {
	return &Orchestrator{
		repo: repo, ledger: ldg, locker: locker, recorder: recorder, logger: logger, providers: provs,
		maxSubmitAttempts: maxSubmitAttempts, backoffBase: backoffBase,
	}
}

// record appends a domain event and logs, rather than swallows, a durable
// append failure — the side effect it describes has already happened, so
// the record is best-effort, but a failure to log it would erase the only
// trace it left behind.
func (o *Orchestrator) record(ctx context.Context, e events.Event) {
	if err := o.recorder.Record(ctx, e); err != nil {
		o.logger.Warn("record event failed", "event_type", e.Type, "error", err)
	}
}

// SetReservations wires the reservation manager the orchestrator resolves
// batch-level reservations through once no instruction of a component is
// still open. Resolution runs when an instruction settles (MarkSettled) or is
// canceled (Cancel); a failed instruction counts as closed but does not
// itself trigger resolution. An Orchestrator with none attached skips
// reservation resolution entirely, which is what every existing stub-backed
// test exercises.
func (o *Orchestrator) SetReservations(m *reservation.Manager) {
	o.reservations = m
}

// SetRetryPolicy overrides the default submit-retry attempt count and base
// backoff delay, letting a deployment tune provider retry behavior through
// configuration instead of a rebuild. Values below 1 (attempts) or 0
// (delay) are ignored, leaving the compiled-in default in place.
func (o *Orchestrator) SetRetryPolicy(maxAttempts int, baseDelay time.Duration) {
	if maxAttempts >= 1 {
		o.maxSubmitAttempts = maxAttempts
	}
	if baseDelay > 0 {
		o.backoffBase = baseDelay
	}
}

// payRunID is uuid.Nil for callers (tests, ad hoc instruction creation)
// outside a pay run batch; a reservation-backed purpose with no PayRunID
// simply never has its batch reservation resolved, matching the pre-batch
// behavior of leaving reservations for CommitPayrollBatch's own lifecycle.
func (o *Orchestrator) CreateEmployeeNetInstruction(ctx context.Context, tenantID, legalEntityID, employeeID, payStatementID uuid.UUID, amount decimal.Decimal, idempotencyKey string, rsd *time.Time, metadata map[string]any, payRunID ...uuid.UUID) (InstructionResult, error) {
	return o.createInstruction(ctx, CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID, PayRunID: firstPayRun(payRunID),
		Purpose: "employee_net", Direction: domain.DirectionOutbound,
		PayeeType: domain.PayeeEmployee, PayeeRefID: employeeID.String(),
		SourceType: "pay_statement", SourceID: payStatementID.String(),
		Amount: amount, Currency: "USD", IdempotencyKey: idempotencyKey,
		RequestedSettlementDate: rsd, Metadata: metadata,
	})
}

func (o *Orchestrator) CreateTaxInstruction(ctx context.Context, tenantID, legalEntityID, taxAgencyID, taxLiabilityID uuid.UUID, amount decimal.Decimal, idempotencyKey string, rsd *time.Time, metadata map[string]any, payRunID ...uuid.UUID) (InstructionResult, error) {
	return o.createInstruction(ctx, CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID, PayRunID: firstPayRun(payRunID),
		Purpose: "tax_remit", Direction: domain.DirectionOutbound,
		PayeeType: domain.PayeeAgency, PayeeRefID: taxAgencyID.String(),
		SourceType: "tax_liability", SourceID: taxLiabilityID.String(),
		Amount: amount, Currency: "USD", IdempotencyKey: idempotencyKey,
		RequestedSettlementDate: rsd, Metadata: metadata,
	})
}

func (o *Orchestrator) CreateThirdPartyInstruction(ctx context.Context, tenantID, legalEntityID, providerID, obligationID uuid.UUID, amount decimal.Decimal, idempotencyKey string, rsd *time.Time, metadata map[string]any, payRunID ...uuid.UUID) (InstructionResult, error) {
	return o.createInstruction(ctx, CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID, PayRunID: firstPayRun(payRunID),
		Purpose: "third_party", Direction: domain.DirectionOutbound,
		PayeeType: domain.PayeeProvider, PayeeRefID: providerID.String(),
		SourceType: "third_party_obligation", SourceID: obligationID.String(),
		Amount: amount, Currency: "USD", IdempotencyKey: idempotencyKey,
		RequestedSettlementDate: rsd, Metadata: metadata,
	})
}

func (o *Orchestrator) CreateFundingDebitInstruction(ctx context.Context, tenantID, legalEntityID, clientID, fundingRequestID uuid.UUID, amount decimal.Decimal, idempotencyKey string, rsd *time.Time, metadata map[string]any, payRunID ...uuid.UUID) (InstructionResult, error) {
	return o.createInstruction(ctx, CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID, PayRunID: firstPayRun(payRunID),
		Purpose: "funding_debit", Direction: domain.DirectionInbound,
		PayeeType: domain.PayeeClient, PayeeRefID: clientID.String(),
		SourceType: "funding_request", SourceID: fundingRequestID.String(),
		Amount: amount, Currency: "USD", IdempotencyKey: idempotencyKey,
		RequestedSettlementDate: rsd, Metadata: metadata,
	})
}

// firstPayRun returns the first value of a variadic payRunID argument, or
// uuid.Nil if the caller didn't pass one.
func firstPayRun(payRunID []uuid.UUID) uuid.UUID {
	if len(payRunID) == 0 {
		return uuid.Nil
	}
	return payRunID[0]
}

func (o *Orchestrator) createInstruction(ctx context.Context, p CreateParams) (InstructionResult, error) {
	if p.Amount.Sign() <= 0 {
		return InstructionResult{}, &pspx.ValidationError{Field: "amount", Message: "must be positive"}
	}

	instr := &domain.PaymentInstruction{
		TenantID: p.TenantID, LegalEntityID: p.LegalEntityID, PayRunID: p.PayRunID, Purpose: p.Purpose,
		Direction: p.Direction, Amount: p.Amount, Currency: p.Currency,
		PayeeType: p.PayeeType, PayeeRefID: p.PayeeRefID,
		RequestedSettlementDate: p.RequestedSettlementDate, Status: domain.InstructionCreated,
		IdempotencyKey: p.IdempotencyKey, SourceType: p.SourceType, SourceID: p.SourceID,
		Metadata: p.Metadata,
	}

	id, isNew, err := o.repo.InsertPaymentInstruction(ctx, instr)
	if err != nil {
		return InstructionResult{}, fmt.Errorf("create instruction: %w", err)
	}

	if !isNew {
		existing, err := o.repo.GetPaymentInstruction(ctx, p.TenantID, id)
		if err != nil {
			return InstructionResult{}, fmt.Errorf("fetch existing instruction after conflict: %w", err)
		}
		return InstructionResult{InstructionID: id, WasDuplicate: true, Status: existing.Status}, nil
	}

	o.record(ctx, events.New(p.TenantID, events.TypePaymentInstructionCreated, uuid.Nil, nil, map[string]any{
		"instruction_id": id.String(), "purpose": p.Purpose, "amount": p.Amount.String(),
	}))

	return InstructionResult{InstructionID: id, WasDuplicate: false, Status: domain.InstructionCreated}, nil
}

// Submit chooses a rail provider, submits the instruction, records the
// attempt, and advances the instruction's status. It refuses to run unless
// a pay-gate evaluation for PayGateIdempotencyKey has persisted with
// outcome pass.
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (SubmissionResult, error) {
	release, err := o.locker.Acquire(ctx, "instruction:"+p.InstructionID.String())
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("acquire instruction lock: %w", err)
	}
	defer release(ctx)

	instr, err := o.repo.GetPaymentInstruction(ctx, p.TenantID, p.InstructionID)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("fetch instruction: %w", err)
	}
	if instr.Status != domain.InstructionCreated && instr.Status != domain.InstructionQueued {
		return SubmissionResult{}, &pspx.ConflictError{Kind: pspx.ConflictStatusTransition, Message: fmt.Sprintf("cannot submit instruction in status %s", instr.Status)}
	}

	gate, err := o.repo.FindGateEvaluationByKey(ctx, p.TenantID, p.PayGateIdempotencyKey)
	if errors.Is(err, store.ErrGateEvaluationNotFound) {
		return SubmissionResult{}, &pspx.InsufficientError{Message: "no pay gate evaluation found for this batch; cannot disburse"}
	}
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("check pay gate: %w", err)
	}
	if gate.Outcome != domain.GatePass {
		return SubmissionResult{}, &pspx.InsufficientError{Message: fmt.Sprintf("pay gate outcome is %s, not pass; cannot disburse", gate.Outcome)}
	}

	if instr.Status == domain.InstructionCreated {
		ok, err := o.repo.UpdateInstructionStatus(ctx, p.TenantID, instr.ID, domain.InstructionCreated, domain.InstructionQueued)
		if err != nil {
			return SubmissionResult{}, fmt.Errorf("queue instruction: %w", err)
		}
		if !ok {
			return SubmissionResult{}, &pspx.ConflictError{Kind: pspx.ConflictStatusTransition, Message: "instruction status changed concurrently"}
		}
	}

	provider, rail := o.selectProvider(instr.Direction, instr.Amount)
	if provider == nil {
		return SubmissionResult{}, &pspx.ValidationError{Field: "provider", Message: "no configured provider supports a usable rail within its per-transaction limit"}
	}

	input := providers.SubmitInput{
		InstructionID: instr.ID.String(), IdempotencyKey: instr.IdempotencyKey,
		Amount: instr.Amount, Currency: instr.Currency, Direction: instr.Direction,
		PayeeType: instr.PayeeType, PayeeRefID: instr.PayeeRefID,
		RequestedSettlementDate: instr.RequestedSettlementDate, Metadata: instr.Metadata,
	}

	submitResult, submitErr := o.submitWithRetry(ctx, provider, input)
	if submitErr != nil {
		if ok, err := o.repo.UpdateInstructionStatus(ctx, p.TenantID, instr.ID, domain.InstructionQueued, domain.InstructionSubmitted); err == nil && ok {
			o.repo.UpdateInstructionStatus(ctx, p.TenantID, instr.ID, domain.InstructionSubmitted, domain.InstructionFailed)
		}
		o.record(ctx, events.New(p.TenantID, events.TypePaymentFailed, uuid.Nil, nil, map[string]any{
			"instruction_id": instr.ID.String(), "error": submitErr.Error(),
		}))
		return SubmissionResult{}, fmt.Errorf("submit to provider: %w", submitErr)
	}

	attemptStatus := domain.AttemptFailed
	switch submitResult.Status {
	case domain.AttemptAccepted:
		attemptStatus = domain.AttemptAccepted
	case domain.AttemptSubmitted:
		attemptStatus = domain.AttemptSubmitted
	}
	attemptID, _, err := o.repo.InsertPaymentAttempt(ctx, &domain.PaymentAttempt{
		InstructionID: instr.ID, Rail: string(rail), Provider: provider.Name(),
		ProviderRequestID: submitResult.ProviderRequestID, Status: attemptStatus,
		RequestPayload: instr.Metadata,
	})
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("record attempt: %w", err)
	}

	if ok, err := o.repo.UpdateInstructionStatus(ctx, p.TenantID, instr.ID, domain.InstructionQueued, domain.InstructionSubmitted); err != nil {
		return SubmissionResult{}, fmt.Errorf("mark instruction submitted: %w", err)
	} else if ok {
		o.record(ctx, events.New(p.TenantID, events.TypePaymentSubmitted, uuid.Nil, nil, map[string]any{
			"instruction_id": instr.ID.String(), "provider_request_id": submitResult.ProviderRequestID,
		}))
	}

	switch submitResult.Status {
	case domain.AttemptAccepted:
		if ok, err := o.repo.UpdateInstructionStatus(ctx, p.TenantID, instr.ID, domain.InstructionSubmitted, domain.InstructionAccepted); err == nil && ok {
			o.record(ctx, events.New(p.TenantID, events.TypePaymentAccepted, uuid.Nil, nil, map[string]any{
				"instruction_id": instr.ID.String(),
			}))
			if instr.Purpose == "employee_net" {
				if err := o.recordPaymentInitiatedEntry(ctx, instr); err != nil {
					return SubmissionResult{}, fmt.Errorf("record payment initiated ledger entry: %w", err)
				}
			}
		}
	case domain.AttemptSubmitted:
		// Genuinely pending: the provider took the submission but hasn't
		// confirmed it yet. The instruction stays at submitted; a later
		// settlement feed or webhook is what advances it from here, not
		// this call.
	default:
		if ok, err := o.repo.UpdateInstructionStatus(ctx, p.TenantID, instr.ID, domain.InstructionSubmitted, domain.InstructionFailed); err == nil && ok {
			o.record(ctx, events.New(p.TenantID, events.TypePaymentFailed, uuid.Nil, nil, map[string]any{
				"instruction_id": instr.ID.String(), "message": submitResult.Message,
			}))
		}
	}

	return SubmissionResult{
		InstructionID: instr.ID, AttemptID: &attemptID,
		ProviderRequestID: submitResult.ProviderRequestID,
		Accepted:          submitResult.Status == domain.AttemptAccepted,
		Message:           submitResult.Message,
	}, nil
}

// submitWithRetry retries a submission while the provider classifies the
// failure as retryable, backing off exponentially (base 500ms, factor 2)
// up to maxSubmitAttempts.
func (o *Orchestrator) submitWithRetry(ctx context.Context, provider providers.Provider, input providers.SubmitInput) (providers.SubmitResult, error) {
	var lastErr error
	delay := o.backoffBase
	for attempt := 1; attempt <= o.maxSubmitAttempts; attempt++ {
		result, err := provider.Submit(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !providers.Classify(err) || attempt == o.maxSubmitAttempts {
			return providers.SubmitResult{}, err
		}
		select {
		case <-ctx.Done():
			return providers.SubmitResult{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return providers.SubmitResult{}, lastErr
}

func (o *Orchestrator) recordPaymentInitiatedEntry(ctx context.Context, instr *domain.PaymentInstruction) error {
	netPayAccount, err := o.ledger.GetOrCreateAccount(ctx, instr.TenantID, instr.LegalEntityID, domain.AccountClientNetPayPayable, instr.Currency)
	if err != nil {
		return err
	}
	settlementAccount, err := o.ledger.GetOrCreateAccount(ctx, instr.TenantID, instr.LegalEntityID, domain.AccountPSPSettlementClearing, instr.Currency)
	if err != nil {
		return err
	}

	_, err = o.ledger.Post(ctx, ledger.PostEntryParams{
		TenantID: instr.TenantID, LegalEntityID: instr.LegalEntityID,
		IdempotencyKey: "payment_init_" + instr.ID.String(), EntryType: "employee_payment_initiated",
		DebitAccountID: netPayAccount, CreditAccountID: settlementAccount,
		Amount: instr.Amount, Currency: instr.Currency,
		SourceType: "payment_instruction", SourceID: instr.ID.String(),
	})
	return err
}

// MarkSettled records the ledger entry that follows an instruction reaching
// settled: settlement clearing is debited (the obligation is discharged)
// and funding clearing is credited (the client's prefunded balance absorbs
// it). Called by the reconciler once it advances an instruction to settled.
// It returns the posted entry's ID (uuid.Nil for the employee_net-only
// no-op case) so the caller can link a settlement event to it.
func (o *Orchestrator) MarkSettled(ctx context.Context, instr *domain.PaymentInstruction) (uuid.UUID, error) {
	var entryID uuid.UUID
	if instr.Purpose == "employee_net" {
		settlementAccount, err := o.ledger.GetOrCreateAccount(ctx, instr.TenantID, instr.LegalEntityID, domain.AccountPSPSettlementClearing, instr.Currency)
		if err != nil {
			return uuid.Nil, err
		}
		fundingAccount, err := o.ledger.GetOrCreateAccount(ctx, instr.TenantID, instr.LegalEntityID, domain.AccountClientFundingClearing, instr.Currency)
		if err != nil {
			return uuid.Nil, err
		}
		result, err := o.ledger.Post(ctx, ledger.PostEntryParams{
			TenantID: instr.TenantID, LegalEntityID: instr.LegalEntityID,
			IdempotencyKey: "payment_settled_" + instr.ID.String(), EntryType: "employee_payment_settled",
			DebitAccountID: settlementAccount, CreditAccountID: fundingAccount,
			Amount: instr.Amount, Currency: instr.Currency,
			SourceType: "payment_instruction", SourceID: instr.ID.String(),
		})
		if err != nil {
			return uuid.Nil, err
		}
		entryID = result.EntryID
	}

	o.record(ctx, events.New(instr.TenantID, events.TypePaymentSettled, uuid.Nil, nil, map[string]any{
		"instruction_id": instr.ID.String(), "purpose": instr.Purpose,
	}))

	if err := o.settleReservation(ctx, instr, true); err != nil {
		return entryID, fmt.Errorf("consume batch reservation: %w", err)
	}
	return entryID, nil
}

// settleReservation resolves the batch-level reservation backing instr's
// purpose once every instruction of that purpose within instr.PayRunID has
// reached a terminal status. It is a no-op when no reservation manager is
// wired, the instruction wasn't created as part of a pay run, or its purpose
// isn't reservation-backed (funding_debit pulls funds in, it never spends a
// hold) — every existing stub-backed test leaves reservations unset and
// never trips this.
func (o *Orchestrator) settleReservation(ctx context.Context, instr *domain.PaymentInstruction, consumed bool) error {
	if o.reservations == nil || instr.PayRunID == uuid.Nil {
		return nil
	}
	reserveType, ok := reserveTypeForPurpose(instr.Purpose)
	if !ok {
		return nil
	}

	release, err := o.locker.Acquire(ctx, "reservation:"+instr.PayRunID.String()+":"+string(reserveType))
	if err != nil {
		return fmt.Errorf("acquire reservation lock: %w", err)
	}
	defer release(ctx)

	open, err := o.repo.CountOpenInstructionsForPayRun(ctx, instr.TenantID, instr.PayRunID, instr.Purpose)
	if err != nil {
		return fmt.Errorf("count open instructions for pay run: %w", err)
	}
	if open > 0 {
		return nil
	}

	res, err := o.repo.FindActiveReservationBySource(ctx, instr.TenantID, "pay_run", instr.PayRunID.String(), reserveType)
	if errors.Is(err, store.ErrReservationNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find reservation for pay run: %w", err)
	}

	var resolved bool
	if consumed {
		resolved, err = o.reservations.Consume(ctx, instr.TenantID, res.ID)
	} else {
		resolved, err = o.reservations.Release(ctx, instr.TenantID, res.ID)
	}
	if err != nil {
		return fmt.Errorf("resolve reservation: %w", err)
	}
	if resolved {
		o.record(ctx, events.New(instr.TenantID, events.TypeReservationReleased, uuid.Nil, nil, map[string]any{
			"reservation_id": res.ID.String(), "pay_run_id": instr.PayRunID.String(),
			"reserve_type": string(reserveType), "consumed": consumed,
		}))
	}
	return nil
}

// Cancel cancels an instruction from queued, submitted, or accepted, asking
// the provider to cancel the underlying submission when one was made. A
// provider refusal (e.g. FedNow's settle-instantly-can't-cancel rule) leaves
// the instruction in its current status rather than forcing a cancellation
// the rail never actually honored.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, instructionID uuid.UUID) (bool, error) {
	release, err := o.locker.Acquire(ctx, "instruction:"+instructionID.String())
	if err != nil {
		return false, fmt.Errorf("acquire instruction lock: %w", err)
	}
	defer release(ctx)

	instr, err := o.repo.GetPaymentInstruction(ctx, tenantID, instructionID)
	if err != nil {
		return false, fmt.Errorf("fetch instruction: %w", err)
	}
	if !domain.CanTransition(instr.Status, domain.InstructionCanceled) {
		return false, &pspx.ConflictError{Kind: pspx.ConflictStatusTransition, Message: fmt.Sprintf("cannot cancel instruction in status %s", instr.Status)}
	}

	if instr.Status == domain.InstructionSubmitted || instr.Status == domain.InstructionAccepted {
		attempt, err := o.repo.FindLatestAttemptForInstruction(ctx, instructionID)
		if err != nil && !errors.Is(err, store.ErrAttemptNotFound) {
			return false, fmt.Errorf("find attempt for cancel: %w", err)
		}
		if attempt != nil {
			for _, p := range o.providers {
				if p.Name() != attempt.Provider {
					continue
				}
				result, err := p.Cancel(ctx, attempt.ProviderRequestID)
				if err != nil {
					return false, fmt.Errorf("provider cancel: %w", err)
				}
				if !result.Success {
					return false, &pspx.ConflictError{Kind: pspx.ConflictStatusTransition, Message: result.Message}
				}
				break
			}
		}
	}

	ok, err := o.repo.UpdateInstructionStatus(ctx, tenantID, instructionID, instr.Status, domain.InstructionCanceled)
	if err != nil {
		return false, fmt.Errorf("mark instruction canceled: %w", err)
	}
	if ok {
		o.record(ctx, events.New(tenantID, events.TypePaymentCanceled, uuid.Nil, nil, map[string]any{
			"instruction_id": instructionID.String(),
		}))
		instr.Status = domain.InstructionCanceled
		if err := o.settleReservation(ctx, instr, false); err != nil {
			return true, fmt.Errorf("release batch reservation: %w", err)
		}
	}
	return ok, nil
}

// selectProvider degrades to the configured providers' own capability order
// when only one is registered; with more than one, FedNow beats RTP beats
// ACH beats Wire for identical suitability. An inbound (pull) instruction
// only considers rails in pullCapableRails, and a rail whose Capabilities
// cap MaxPerTxn below amount is skipped entirely rather than attempted and
// left to fail at the provider. If no rail qualifies, it falls back to the
// first registered provider on the ACH rail without checking that
// provider's rails or limits; it returns nil only when no provider is
// registered.
func (o *Orchestrator) selectProvider(direction domain.Direction, amount decimal.Decimal) (providers.Provider, providers.Rail) {
	for _, rail := range railPriority {
		if direction == domain.DirectionInbound && !pullCapableRails[rail] {
			continue
		}
		for _, p := range o.providers {
			caps := p.Capabilities()
			for _, supported := range caps.SupportedRails {
				if supported != rail {
					continue
				}
				if max, ok := maxPerTxnForRail(caps, rail); ok && amount.GreaterThan(max) {
					continue
				}
				return p, rail
			}
		}
	}
	if len(o.providers) > 0 {
		return o.providers[0], providers.RailACH
	}
	return nil, ""
}

// maxPerTxnForRail resolves the per-transaction ceiling that applies to
// rail from a Capabilities.MaxPerTxn map. Providers key sub-limits by
// variant rather than by rail alone (ACH's "ach_same_day"/"ach_standard"
// both prefix-match "ach"), so this matches by prefix and returns the
// highest matching limit: an instruction that fits under any variant of
// the rail is not rejected for one variant's tighter limit.
func maxPerTxnForRail(caps providers.Capabilities, rail providers.Rail) (decimal.Decimal, bool) {
	prefix := string(rail)
	var max decimal.Decimal
	found := false
	for key, limit := range caps.MaxPerTxn {
		if key != prefix && !strings.HasPrefix(key, prefix) {
			continue
		}
		if !found || limit.GreaterThan(max) {
			max = limit
			found = true
		}
	}
	return max, found
}

// ListForSubmission returns instructions queued and ready to be submitted.
func (o *Orchestrator) ListForSubmission(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.PaymentInstruction, error) {
	return o.repo.ListInstructionsForSubmission(ctx, tenantID, limit)
}
