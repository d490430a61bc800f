// Package psp is the library entry point external callers use to drive the
// payroll PSP core. It composes the funding gate, reservation manager,
// ledger, orchestrator, reconciler, and liability attributor behind six
// operations and owns the advisory locking none of those services acquire
// for themselves: a per-batch lock around gate evaluation plus reservation
// creation, and a per-instruction lock the orchestrator already holds
// internally during Submit and Cancel.
package psp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/fundinggate"
	"github.com/mcp-tool-shop/payroll-engine/internal/ledger"
	"github.com/mcp-tool-shop/payroll-engine/internal/liability"
	"github.com/mcp-tool-shop/payroll-engine/internal/lock"
	"github.com/mcp-tool-shop/payroll-engine/internal/metrics"
	"github.com/mcp-tool-shop/payroll-engine/internal/orchestrator"
	"github.com/mcp-tool-shop/payroll-engine/internal/providers"
	"github.com/mcp-tool-shop/payroll-engine/internal/reconciler"
	"github.com/mcp-tool-shop/payroll-engine/internal/reservation"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// Facade is the single object integrators call the core through. Internal
// services (Ledger, Reservations, Gates, Orchestrator, Reconciler,
// Liability) are reachable for tests and the reconcile job but are not
// meant to be called directly by a payroll engine integration.
type Facade struct {
	repo         store.Repository
	log          events.Log
	recorder     *events.Recorder
	logger       *slog.Logger
	locker       lock.Locker
	metrics      *metrics.Metrics
	Ledger       *ledger.Ledger
	Reservations *reservation.Manager
	Gates        *fundinggate.Evaluator
	Orchestrator *orchestrator.Orchestrator
	Reconciler   *reconciler.Reconciler
	Liability    *liability.Attributor
}

// SetMetrics attaches a metrics sink the facade increments on every gate
// evaluation and submission attempt. Optional: a Facade with no metrics
// attached behaves identically, just without the counters.
func (f *Facade) SetMetrics(m *metrics.Metrics) {
	f.metrics = m
}

// New builds a Facade from a repository, the durable event log and
// publisher, the advisory locker, and every rail provider configured for
// this deployment. It constructs every internal service itself so callers
// never have to know the composition order.
func New(repo store.Repository, log events.Log, publisher events.Publisher, locker lock.Locker, logger *slog.Logger, provs ...providers.Provider) *Facade {
	recorder := events.NewRecorder(log, publisher, logger)
	ldg := ledger.New(repo, recorder, logger)
	res := reservation.New(repo)
	orch := orchestrator.New(repo, ldg, locker, recorder, logger, provs...)
	orch.SetReservations(res)
	liab := liability.New(repo, recorder, logger)
	return &Facade{
		repo:         repo,
		log:          log,
		recorder:     recorder,
		logger:       logger,
		locker:       locker,
		Ledger:       ldg,
		Reservations: res,
		Gates:        fundinggate.New(repo),
		Orchestrator: orch,
		Reconciler:   reconciler.New(repo, orch, ldg, liab, recorder, logger),
		Liability:    liab,
	}
}

// record appends a domain event and logs a durable-append failure instead of
// discarding it; the state change it describes has already been persisted.
func (f *Facade) record(ctx context.Context, e events.Event) {
	if err := f.recorder.Record(ctx, e); err != nil {
		f.logger.Warn("record event failed", "event_type", e.Type, "error", err)
	}
}

// CommitBatchParams is the input to CommitPayrollBatch.
type CommitBatchParams struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	PayRunID       uuid.UUID
	FundingModel   domain.FundingModel
	Policy         fundinggate.Policy
	IdempotencyKey string
}

// CommitBatchResult is what CommitPayrollBatch returns.
type CommitBatchResult struct {
	Evaluation     domain.FundingGateEvaluation
	ReservationIDs []uuid.UUID
}

// CommitPayrollBatch evaluates the commit gate for a pay run and, if it
// doesn't hard-fail, reserves the funding-model-adjusted amount breakdown
// against the legal entity so a second concurrent batch can't double-spend
// the same clearing balance before either pays out. Gate evaluation and
// reservation creation share one per-batch lock, matching the resource
// model's rule that the two never run unsynchronized against each other.
func (f *Facade) CommitPayrollBatch(ctx context.Context, p CommitBatchParams) (CommitBatchResult, error) {
	release, err := f.locker.Acquire(ctx, "batch:"+p.PayRunID.String())
	if err != nil {
		return CommitBatchResult{}, fmt.Errorf("acquire batch lock: %w", err)
	}
	defer release(ctx)

	eval, err := f.Gates.EvaluateCommitGate(ctx, fundinggate.CommitParams{
		TenantID: p.TenantID, LegalEntityID: p.LegalEntityID, PayRunID: p.PayRunID,
		FundingModel: p.FundingModel, IdempotencyKey: p.IdempotencyKey, Policy: p.Policy,
	})
	if err != nil {
		return CommitBatchResult{}, fmt.Errorf("evaluate commit gate: %w", err)
	}
	f.metrics.ObserveGateOutcome(string(domain.GateCommit), string(eval.Outcome))
	if eval.Outcome == domain.GateHardFail {
		f.record(ctx, events.New(p.TenantID, events.TypeFundingBlocked, uuid.Nil, nil, map[string]any{
			"pay_run_id": p.PayRunID.String(), "gate_type": string(domain.GateCommit),
		}))
		return CommitBatchResult{Evaluation: eval}, nil
	}

	totals, err := f.repo.PayrollTotals(ctx, p.PayRunID)
	if err != nil {
		return CommitBatchResult{}, fmt.Errorf("fetch payroll totals for reservation: %w", err)
	}

	// Reservations are scoped by legal entity, not by pay run, so two batches
	// for the same legal entity committing concurrently must serialize here
	// too, or both could read the same pre-reservation available balance.
	releaseEntity, err := f.locker.Acquire(ctx, "legal_entity:"+p.LegalEntityID.String())
	if err != nil {
		return CommitBatchResult{}, fmt.Errorf("acquire legal entity lock: %w", err)
	}
	defer releaseEntity(ctx)

	ids, err := f.reserveComponents(ctx, p.TenantID, p.LegalEntityID, p.PayRunID, p.FundingModel, totals)
	if err != nil {
		return CommitBatchResult{}, err
	}

	return CommitBatchResult{Evaluation: eval, ReservationIDs: ids}, nil
}

// reserveComponents holds the same funding-model-adjusted amounts the gate
// just required covered, mirroring fundinggate's own requirement zeroing so
// the reservation breakdown never disagrees with what was actually checked.
func (f *Facade) reserveComponents(ctx context.Context, tenantID, legalEntityID, payRunID uuid.UUID, model domain.FundingModel, totals store.PayrollTotals) ([]uuid.UUID, error) {
	type component struct {
		reserveType domain.ReserveType
		amount      decimal.Decimal
	}
	components := []component{{domain.ReserveNetPay, totals.NetPay}}
	if model == domain.FundingPrefundAll || model == domain.FundingSplitSchedule {
		components = append(components, component{domain.ReserveTax, totals.Taxes})
	}
	if model != domain.FundingNetOnly {
		components = append(components, component{domain.ReserveThirdParty, totals.ThirdParty})
	}

	var ids []uuid.UUID
	for _, c := range components {
		if c.amount.Sign() <= 0 {
			continue
		}
		id, err := f.Reservations.Create(ctx, reservation.CreateParams{
			TenantID: tenantID, LegalEntityID: legalEntityID,
			ReserveType: c.reserveType, Amount: c.amount,
			SourceType: "pay_run", SourceID: payRunID.String(),
		})
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", c.reserveType, err)
		}
		f.record(ctx, events.New(tenantID, events.TypeReservationCreated, uuid.Nil, nil, map[string]any{
			"reservation_id": id.String(), "pay_run_id": payRunID.String(),
			"reserve_type": string(c.reserveType), "amount": c.amount.String(),
		}))
		ids = append(ids, id)
	}
	return ids, nil
}

// InstructionRequest is one payment the caller wants created and submitted
// as part of executing a pay run. Purpose selects which orchestrator
// wrapper creates it and therefore which payee type and direction it gets.
type InstructionRequest struct {
	Purpose                 string
	PayeeRefID              uuid.UUID
	ObligationID            uuid.UUID
	Amount                  decimal.Decimal
	IdempotencyKey          string
	RequestedSettlementDate *time.Time
	Metadata                map[string]any
}

// ExecutePaymentsParams is the input to ExecutePayments.
type ExecutePaymentsParams struct {
	TenantID              uuid.UUID
	LegalEntityID         uuid.UUID
	PayRunID              uuid.UUID
	PayGateIdempotencyKey string
	Instructions          []InstructionRequest
}

// SubmissionOutcome pairs one requested instruction with what happened when
// the facade tried to create and submit it.
type SubmissionOutcome struct {
	Request InstructionRequest
	Result  orchestrator.SubmissionResult
	Err     error
}

// ExecutePaymentsResult is what ExecutePayments returns.
type ExecutePaymentsResult struct {
	Evaluation domain.FundingGateEvaluation
	Blocked    bool
	Outcomes   []SubmissionOutcome
}

// ExecutePayments evaluates the pay gate for a pay run and, only on a pass,
// creates and submits every requested instruction. A hard-fail produces no
// instructions, no attempts, and no ledger movement — just a FundingBlocked
// event — so a blocked batch can be safely retried once funded rather than
// leaving partial disbursements behind.
func (f *Facade) ExecutePayments(ctx context.Context, p ExecutePaymentsParams) (ExecutePaymentsResult, error) {
	release, err := f.locker.Acquire(ctx, "batch:"+p.PayRunID.String())
	if err != nil {
		return ExecutePaymentsResult{}, fmt.Errorf("acquire batch lock: %w", err)
	}
	defer release(ctx)

	eval, err := f.Gates.EvaluatePayGate(ctx, fundinggate.PayParams{
		TenantID: p.TenantID, LegalEntityID: p.LegalEntityID, PayRunID: p.PayRunID,
		IdempotencyKey: p.PayGateIdempotencyKey,
	})
	if err != nil {
		return ExecutePaymentsResult{}, fmt.Errorf("evaluate pay gate: %w", err)
	}
	f.metrics.ObserveGateOutcome(string(domain.GatePay), string(eval.Outcome))
	if eval.Outcome != domain.GatePass {
		f.record(ctx, events.New(p.TenantID, events.TypeFundingBlocked, uuid.Nil, nil, map[string]any{
			"pay_run_id": p.PayRunID.String(), "gate_type": string(domain.GatePay),
		}))
		return ExecutePaymentsResult{Evaluation: eval, Blocked: true}, nil
	}

	outcomes := make([]SubmissionOutcome, 0, len(p.Instructions))
	for _, req := range p.Instructions {
		instrID, err := f.createInstruction(ctx, p.TenantID, p.LegalEntityID, p.PayRunID, req)
		if err != nil {
			outcomes = append(outcomes, SubmissionOutcome{Request: req, Err: err})
			continue
		}
		result, err := f.Orchestrator.Submit(ctx, orchestrator.SubmitParams{
			TenantID: p.TenantID, InstructionID: instrID, PayGateIdempotencyKey: p.PayGateIdempotencyKey,
		})
		f.metrics.ObserveSubmissionAttempt(req.Purpose, result.Accepted)
		outcomes = append(outcomes, SubmissionOutcome{Request: req, Result: result, Err: err})
	}

	return ExecutePaymentsResult{Evaluation: eval, Outcomes: outcomes}, nil
}

func (f *Facade) createInstruction(ctx context.Context, tenantID, legalEntityID, payRunID uuid.UUID, req InstructionRequest) (uuid.UUID, error) {
	switch req.Purpose {
	case "employee_net":
		res, err := f.Orchestrator.CreateEmployeeNetInstruction(ctx, tenantID, legalEntityID, req.PayeeRefID, req.ObligationID, req.Amount, req.IdempotencyKey, req.RequestedSettlementDate, req.Metadata, payRunID)
		return res.InstructionID, err
	case "tax_remit":
		res, err := f.Orchestrator.CreateTaxInstruction(ctx, tenantID, legalEntityID, req.PayeeRefID, req.ObligationID, req.Amount, req.IdempotencyKey, req.RequestedSettlementDate, req.Metadata, payRunID)
		return res.InstructionID, err
	case "third_party":
		res, err := f.Orchestrator.CreateThirdPartyInstruction(ctx, tenantID, legalEntityID, req.PayeeRefID, req.ObligationID, req.Amount, req.IdempotencyKey, req.RequestedSettlementDate, req.Metadata, payRunID)
		return res.InstructionID, err
	case "funding_debit":
		res, err := f.Orchestrator.CreateFundingDebitInstruction(ctx, tenantID, legalEntityID, req.PayeeRefID, req.ObligationID, req.Amount, req.IdempotencyKey, req.RequestedSettlementDate, req.Metadata, payRunID)
		return res.InstructionID, err
	default:
		return uuid.Nil, fmt.Errorf("unknown instruction purpose: %s", req.Purpose)
	}
}

// IngestSettlementFeed pulls and reconciles a provider's settlement feed for
// date. It is the synchronous counterpart to the scheduled reconcile job:
// both ultimately call Reconciler.Run, so a manually triggered catch-up run
// behaves identically to the cron-driven one.
func (f *Facade) IngestSettlementFeed(ctx context.Context, tenantID, bankAccountID uuid.UUID, provider providers.Provider, date time.Time) (reconciler.IngestResult, error) {
	result, err := f.Reconciler.Run(ctx, tenantID, bankAccountID, provider, date)
	f.observeReconcile(provider, result)
	return result, err
}

// HandleProviderCallback verifies and parses a single webhook delivery and
// ingests it as a one-record settlement feed, so a real-time callback and a
// batch reconcile pass drive the exact same matching and ledger logic.
func (f *Facade) HandleProviderCallback(ctx context.Context, tenantID, bankAccountID uuid.UUID, provider providers.Provider, body []byte, headers http.Header) (reconciler.IngestResult, error) {
	rec, err := provider.ParseWebhook(body, headers)
	if err != nil {
		return reconciler.IngestResult{}, fmt.Errorf("parse provider callback: %w", err)
	}
	result, err := f.Reconciler.Ingest(ctx, tenantID, bankAccountID, reconciler.ReportingRail(provider), []providers.SettlementRecord{*rec})
	f.observeReconcile(provider, result)
	return result, err
}

func (f *Facade) observeReconcile(provider providers.Provider, result reconciler.IngestResult) {
	rail := reconciler.ReportingRail(provider)
	for i := 0; i < result.RecordsMatched; i++ {
		f.metrics.ObserveReconcileRecord(rail, "matched")
	}
	for i := 0; i < result.RecordsUnmatched; i++ {
		f.metrics.ObserveReconcileRecord(rail, "unmatched")
	}
}

// GetBalance returns the available/reserved balance snapshot for one ledger
// account, following the ledger's own lock-free-read design: balances are
// summed from posted entries at read time rather than maintained as a
// running counter.
func (f *Facade) GetBalance(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType domain.AccountType, currency string) (ledger.Balance, error) {
	accountID, err := f.Ledger.GetOrCreateAccount(ctx, tenantID, legalEntityID, accountType, currency)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("resolve account: %w", err)
	}
	balance, err := f.Ledger.Balance(ctx, tenantID, legalEntityID, accountID)
	if err != nil {
		return ledger.Balance{}, err
	}
	balance.Currency = currency
	return balance, nil
}

// ReplayEvents returns up to limit events for tenantID after afterID, the
// read path a subscriber uses to catch up on missed RabbitMQ deliveries
// from the durable log rather than treating a dropped message as data loss.
func (f *Facade) ReplayEvents(ctx context.Context, tenantID, afterID uuid.UUID, limit int) ([]events.Event, error) {
	return f.log.GetSince(ctx, tenantID, afterID, limit)
}
