package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/ledger"
	"github.com/mcp-tool-shop/payroll-engine/internal/providers"
	"github.com/mcp-tool-shop/payroll-engine/internal/reservation"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

type orchRepoStub struct {
	store.Repository

	instructions map[uuid.UUID]*domain.PaymentInstruction
	byKey        map[string]uuid.UUID
	attempts     map[string]*domain.PaymentAttempt
	gates        map[string]*domain.FundingGateEvaluation
	reservations map[uuid.UUID]*domain.Reservation
	credits      decimal.Decimal
}

func newOrchRepoStub() *orchRepoStub {
	return &orchRepoStub{
		instructions: map[uuid.UUID]*domain.PaymentInstruction{},
		byKey:        map[string]uuid.UUID{},
		attempts:     map[string]*domain.PaymentAttempt{},
		gates:        map[string]*domain.FundingGateEvaluation{},
		reservations: map[uuid.UUID]*domain.Reservation{},
	}
}

func (s *orchRepoStub) GetOrCreateAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType domain.AccountType, currency string) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (s *orchRepoStub) InsertLedgerEntry(ctx context.Context, p store.InsertLedgerEntryParams) (uuid.UUID, bool, error) {
	return uuid.New(), true, nil
}

func (s *orchRepoStub) GetLedgerEntryByID(ctx context.Context, tenantID, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	return &domain.LedgerEntry{ID: entryID}, nil
}

func (s *orchRepoStub) SumCredits(ctx context.Context, tenantID, accountID uuid.UUID) (decimal.Decimal, error) {
	return s.credits, nil
}

func (s *orchRepoStub) SumDebits(ctx context.Context, tenantID, accountID uuid.UUID) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *orchRepoStub) FindGateEvaluationByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*domain.FundingGateEvaluation, error) {
	if g, ok := s.gates[idempotencyKey]; ok {
		return g, nil
	}
	return nil, store.ErrGateEvaluationNotFound
}

func (s *orchRepoStub) InsertPaymentInstruction(ctx context.Context, instr *domain.PaymentInstruction) (uuid.UUID, bool, error) {
	if id, ok := s.byKey[instr.IdempotencyKey]; ok {
		return id, false, nil
	}
	instr.ID = uuid.New()
	cp := *instr
	s.instructions[instr.ID] = &cp
	s.byKey[instr.IdempotencyKey] = instr.ID
	return instr.ID, true, nil
}

func (s *orchRepoStub) GetPaymentInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*domain.PaymentInstruction, error) {
	if instr, ok := s.instructions[instructionID]; ok {
		return instr, nil
	}
	return nil, store.ErrInstructionNotFound
}

func (s *orchRepoStub) UpdateInstructionStatus(ctx context.Context, tenantID, instructionID uuid.UUID, from, to domain.InstructionStatus) (bool, error) {
	instr, ok := s.instructions[instructionID]
	if !ok || instr.Status != from {
		return false, nil
	}
	instr.Status = to
	return true, nil
}

func (s *orchRepoStub) InsertPaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) (uuid.UUID, bool, error) {
	key := a.Provider + "|" + a.ProviderRequestID
	if existing, ok := s.attempts[key]; ok {
		return existing.ID, false, nil
	}
	a.ID = uuid.New()
	cp := *a
	s.attempts[key] = &cp
	return a.ID, true, nil
}

func (s *orchRepoStub) FindLatestAttemptForInstruction(ctx context.Context, instructionID uuid.UUID) (*domain.PaymentAttempt, error) {
	for _, a := range s.attempts {
		if a.InstructionID == instructionID {
			return a, nil
		}
	}
	return nil, store.ErrAttemptNotFound
}

func (s *orchRepoStub) CountOpenInstructionsForPayRun(ctx context.Context, tenantID, payRunID uuid.UUID, purpose string) (int, error) {
	count := 0
	for _, instr := range s.instructions {
		if instr.PayRunID != payRunID || instr.Purpose != purpose {
			continue
		}
		switch instr.Status {
		case domain.InstructionSettled, domain.InstructionFailed, domain.InstructionCanceled,
			domain.InstructionReturned, domain.InstructionReversed:
		default:
			count++
		}
	}
	return count, nil
}

func (s *orchRepoStub) CreateReservation(ctx context.Context, r *domain.Reservation) (uuid.UUID, error) {
	r.ID = uuid.New()
	r.Status = domain.ReservationActive
	cp := *r
	s.reservations[r.ID] = &cp
	return r.ID, nil
}

func (s *orchRepoStub) FindActiveReservationBySource(ctx context.Context, tenantID uuid.UUID, sourceType, sourceID string, reserveType domain.ReserveType) (*domain.Reservation, error) {
	for _, r := range s.reservations {
		if r.TenantID == tenantID && r.SourceType == sourceType && r.SourceID == sourceID &&
			r.ReserveType == reserveType && r.Status == domain.ReservationActive {
			return r, nil
		}
	}
	return nil, store.ErrReservationNotFound
}

func (s *orchRepoStub) ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) (bool, error) {
	r, ok := s.reservations[reservationID]
	if !ok || r.Status != domain.ReservationActive {
		return false, nil
	}
	if consumed {
		r.Status = domain.ReservationConsumed
	} else {
		r.Status = domain.ReservationReleased
	}
	return true, nil
}

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type noopLog struct{}

func (noopLog) Append(ctx context.Context, e events.Event) error { return nil }
func (noopLog) GetSince(ctx context.Context, tenantID uuid.UUID, afterID uuid.UUID, limit int) ([]events.Event, error) {
	return nil, nil
}
func (noopLog) SubscriberPosition(ctx context.Context, subscriberName string) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (noopLog) AdvanceSubscriber(ctx context.Context, subscriberName string, eventID uuid.UUID) error {
	return nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, e events.Event) error { return nil }
func (noopPublisher) Close()                                            {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecorder() *events.Recorder {
	return events.NewRecorder(noopLog{}, noopPublisher{}, testLogger())
}

func newTestOrchestrator(repo store.Repository, provs ...providers.Provider) *Orchestrator {
	return New(repo, ledger.New(repo, testRecorder(), testLogger()), noopLocker{}, testRecorder(), testLogger(), provs...)
}

func TestCreateEmployeeNetInstruction_IsIdempotent(t *testing.T) {
	repo := newOrchRepoStub()
	o := newTestOrchestrator(repo)

	first, err := o.CreateEmployeeNetInstruction(context.Background(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-1", nil, nil)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if first.WasDuplicate {
		t.Fatal("expected first create to not be a duplicate")
	}

	second, err := o.CreateEmployeeNetInstruction(context.Background(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), decimal.NewFromInt(9999), "emp-net-1", nil, nil)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if !second.WasDuplicate || second.InstructionID != first.InstructionID {
		t.Fatal("expected replay to return the original instruction")
	}
}

func TestSubmit_RefusesWithoutPayGatePass(t *testing.T) {
	repo := newOrchRepoStub()
	o := newTestOrchestrator(repo, providers.NewAchProvider(true, "secret"))

	created, err := o.CreateEmployeeNetInstruction(context.Background(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-2", nil, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	_, err = o.Submit(context.Background(), SubmitParams{
		TenantID: repo.instructions[created.InstructionID].TenantID, InstructionID: created.InstructionID,
		PayGateIdempotencyKey: "pay_gate:missing",
	})
	if err == nil {
		t.Fatal("expected submit to fail without a passing pay gate evaluation")
	}
}

func TestSubmit_AcceptedAdvancesInstructionToAccepted(t *testing.T) {
	repo := newOrchRepoStub()
	tenantID, legalEntityID := uuid.New(), uuid.New()
	o := newTestOrchestrator(repo, providers.NewAchProvider(true, "secret"))

	created, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, legalEntityID, uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-3", nil, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	repo.gates["pay_gate:batch1"] = &domain.FundingGateEvaluation{Outcome: domain.GatePass}

	result, err := o.Submit(context.Background(), SubmitParams{TenantID: tenantID, InstructionID: created.InstructionID, PayGateIdempotencyKey: "pay_gate:batch1"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance, got message %q", result.Message)
	}
	if repo.instructions[created.InstructionID].Status != domain.InstructionAccepted {
		t.Fatalf("expected instruction accepted, got %s", repo.instructions[created.InstructionID].Status)
	}
}

func TestSubmit_IsIdempotentOnReplay(t *testing.T) {
	repo := newOrchRepoStub()
	tenantID, legalEntityID := uuid.New(), uuid.New()
	o := newTestOrchestrator(repo, providers.NewAchProvider(true, "secret"))

	created, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, legalEntityID, uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-4", nil, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	repo.gates["pay_gate:batch2"] = &domain.FundingGateEvaluation{Outcome: domain.GatePass}

	first, err := o.Submit(context.Background(), SubmitParams{TenantID: tenantID, InstructionID: created.InstructionID, PayGateIdempotencyKey: "pay_gate:batch2"})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	// Force the instruction back to created to simulate a caller that
	// retried submit before observing the first response; the attempt
	// table dedupes on (provider, provider_request_id) either way.
	repo.instructions[created.InstructionID].Status = domain.InstructionCreated

	second, err := o.Submit(context.Background(), SubmitParams{TenantID: tenantID, InstructionID: created.InstructionID, PayGateIdempotencyKey: "pay_gate:batch2"})
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if second.ProviderRequestID != first.ProviderRequestID {
		t.Fatal("expected the same provider_request_id on replay")
	}
}

func TestCancel_RefusesFromTerminalStatus(t *testing.T) {
	repo := newOrchRepoStub()
	o := newTestOrchestrator(repo, providers.NewAchProvider(true, "secret"))

	tenantID := uuid.New()
	created, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, uuid.New(), uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-5", nil, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	repo.instructions[created.InstructionID].Status = domain.InstructionSettled

	_, err = o.Cancel(context.Background(), tenantID, created.InstructionID)
	if err == nil {
		t.Fatal("expected cancel from settled to fail")
	}
}

func TestSelectProvider_PrefersFedNowOverACH(t *testing.T) {
	repo := newOrchRepoStub()
	ach := providers.NewAchProvider(true, "secret")
	fednow := providers.NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	o := newTestOrchestrator(repo, ach, fednow)

	provider, rail := o.selectProvider(domain.DirectionOutbound, decimal.NewFromInt(1000))
	if rail != providers.RailFedNow || provider.Name() != "fednow_stub" {
		t.Fatalf("expected fednow to win the tie-break, got rail=%s provider=%s", rail, provider.Name())
	}
}

func TestSelectProvider_SkipsRailBelowAmountLimit(t *testing.T) {
	repo := newOrchRepoStub()
	fednow := providers.NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	ach := providers.NewAchProvider(true, "secret")
	o := newTestOrchestrator(repo, fednow, ach)

	provider, rail := o.selectProvider(domain.DirectionOutbound, decimal.NewFromInt(1000000))
	if rail != providers.RailACH || provider.Name() != ach.Name() {
		t.Fatalf("expected ach once amount exceeds fednow's per-txn cap, got rail=%s provider=%s", rail, provider.Name())
	}
}

func TestSelectProvider_InboundSkipsPushOnlyRails(t *testing.T) {
	repo := newOrchRepoStub()
	fednow := providers.NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	ach := providers.NewAchProvider(true, "secret")
	o := newTestOrchestrator(repo, fednow, ach)

	provider, rail := o.selectProvider(domain.DirectionInbound, decimal.NewFromInt(1000))
	if rail != providers.RailACH || provider.Name() != ach.Name() {
		t.Fatalf("expected ach for an inbound pull, got rail=%s provider=%s", rail, provider.Name())
	}
}

func newTestOrchestratorWithReservations(repo store.Repository, res *reservation.Manager, provs ...providers.Provider) *Orchestrator {
	o := New(repo, ledger.New(repo, testRecorder(), testLogger()), noopLocker{}, testRecorder(), testLogger(), provs...)
	o.SetReservations(res)
	return o
}

func TestMarkSettled_ConsumesReservationOnceBatchClosed(t *testing.T) {
	repo := newOrchRepoStub()
	res := reservation.New(repo)
	o := newTestOrchestratorWithReservations(repo, res, providers.NewAchProvider(true, "secret"))

	tenantID, legalEntityID, payRunID := uuid.New(), uuid.New(), uuid.New()
	reservationID, err := res.Create(context.Background(), reservation.CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID,
		ReserveType: domain.ReserveNetPay, Amount: decimal.NewFromInt(1000),
		SourceType: "pay_run", SourceID: payRunID.String(),
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	created, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, legalEntityID, uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-batch-1", nil, nil, payRunID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	instr := repo.instructions[created.InstructionID]
	instr.Status = domain.InstructionSettled

	if _, err := o.MarkSettled(context.Background(), instr); err != nil {
		t.Fatalf("mark settled failed: %v", err)
	}

	if repo.reservations[reservationID].Status != domain.ReservationConsumed {
		t.Fatalf("expected reservation consumed, got %s", repo.reservations[reservationID].Status)
	}
}

func TestMarkSettled_LeavesReservationActiveWhileSiblingInstructionsOpen(t *testing.T) {
	repo := newOrchRepoStub()
	res := reservation.New(repo)
	o := newTestOrchestratorWithReservations(repo, res, providers.NewAchProvider(true, "secret"))

	tenantID, legalEntityID, payRunID := uuid.New(), uuid.New(), uuid.New()
	reservationID, err := res.Create(context.Background(), reservation.CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID,
		ReserveType: domain.ReserveNetPay, Amount: decimal.NewFromInt(2000),
		SourceType: "pay_run", SourceID: payRunID.String(),
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	first, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, legalEntityID, uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-batch-2", nil, nil, payRunID)
	if err != nil {
		t.Fatalf("create first failed: %v", err)
	}
	if _, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, legalEntityID, uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-batch-3", nil, nil, payRunID); err != nil {
		t.Fatalf("create second failed: %v", err)
	}

	firstInstr := repo.instructions[first.InstructionID]
	firstInstr.Status = domain.InstructionSettled
	if _, err := o.MarkSettled(context.Background(), firstInstr); err != nil {
		t.Fatalf("mark settled failed: %v", err)
	}

	if repo.reservations[reservationID].Status != domain.ReservationActive {
		t.Fatalf("expected reservation to remain active with a sibling instruction still open, got %s", repo.reservations[reservationID].Status)
	}
}

func TestCancel_ReleasesReservationOnceBatchClosed(t *testing.T) {
	repo := newOrchRepoStub()
	res := reservation.New(repo)
	o := newTestOrchestratorWithReservations(repo, res, providers.NewAchProvider(true, "secret"))

	tenantID, legalEntityID, payRunID := uuid.New(), uuid.New(), uuid.New()
	reservationID, err := res.Create(context.Background(), reservation.CreateParams{
		TenantID: tenantID, LegalEntityID: legalEntityID,
		ReserveType: domain.ReserveNetPay, Amount: decimal.NewFromInt(1000),
		SourceType: "pay_run", SourceID: payRunID.String(),
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	created, err := o.CreateEmployeeNetInstruction(context.Background(), tenantID, legalEntityID, uuid.New(), uuid.New(), decimal.NewFromInt(1000), "emp-net-batch-4", nil, nil, payRunID)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	repo.instructions[created.InstructionID].Status = domain.InstructionQueued

	if _, err := o.Cancel(context.Background(), tenantID, created.InstructionID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if repo.reservations[reservationID].Status != domain.ReservationReleased {
		t.Fatalf("expected reservation released, got %s", repo.reservations[reservationID].Status)
	}
}

