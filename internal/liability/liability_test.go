package liability

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

type liabilityRepoStub struct {
	store.Repository

	refs   map[string]*domain.ReturnCodeReference
	events map[string]*domain.LiabilityEvent
}

func newLiabilityRepoStub() *liabilityRepoStub {
	return &liabilityRepoStub{
		refs:   map[string]*domain.ReturnCodeReference{},
		events: map[string]*domain.LiabilityEvent{},
	}
}

func (s *liabilityRepoStub) LookupReturnCode(ctx context.Context, rail, code string) (*domain.ReturnCodeReference, error) {
	if r, ok := s.refs[rail+"|"+code]; ok {
		return r, nil
	}
	return nil, store.ErrReturnCodeNotFound
}

func (s *liabilityRepoStub) InsertLiabilityEvent(ctx context.Context, e *domain.LiabilityEvent) (uuid.UUID, bool, error) {
	if e.IdempotencyKey != "" {
		if existing, ok := s.events[e.IdempotencyKey]; ok {
			return existing.ID, false, nil
		}
	}
	e.ID = uuid.New()
	cp := *e
	if e.IdempotencyKey != "" {
		s.events[e.IdempotencyKey] = &cp
	}
	return e.ID, true, nil
}

func (s *liabilityRepoStub) UpdateInstructionLiability(ctx context.Context, tenantID, instructionID uuid.UUID, params store.InstructionLiabilityParams) error {
	return nil
}

type noopLog struct{}

func (noopLog) Append(ctx context.Context, e events.Event) error { return nil }
func (noopLog) GetSince(ctx context.Context, tenantID uuid.UUID, afterID uuid.UUID, limit int) ([]events.Event, error) {
	return nil, nil
}
func (noopLog) SubscriberPosition(ctx context.Context, subscriber string) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (noopLog) AdvanceSubscriber(ctx context.Context, subscriber string, eventID uuid.UUID) error {
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

func TestClassify_KnownReturnCodeUsesReferenceTable(t *testing.T) {
	repo := newLiabilityRepoStub()
	repo.refs["ach|R01"] = &domain.ReturnCodeReference{
		Rail: "ach", Code: "R01",
		DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityEmployer,
		IsRecoverable: true, Description: "Insufficient funds",
	}
	a := New(repo, testRecorder(), testLogger())

	c, err := a.Classify(context.Background(), ClassifyParams{Rail: "ach", ReturnCode: "R01", Amount: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.ErrorOrigin != domain.OriginRecipient || c.LiabilityParty != domain.LiabilityEmployer {
		t.Fatalf("unexpected classification: %+v", c)
	}
	if c.RecoveryPath != domain.RecoveryOffsetFuture {
		t.Fatalf("expected offset_future recovery path for recoverable employer liability, got %v", c.RecoveryPath)
	}
}

func TestClassify_UnknownReturnCodeDefaultsToUnknownPending(t *testing.T) {
	repo := newLiabilityRepoStub()
	a := New(repo, testRecorder(), testLogger())

	c, err := a.Classify(context.Background(), ClassifyParams{Rail: "ach", ReturnCode: "R99", Amount: decimal.NewFromInt(50)})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.ErrorOrigin != domain.OriginUnknown || c.LiabilityParty != domain.LiabilityPending {
		t.Fatalf("expected unknown/pending default, got %+v", c)
	}
	if c.RecoveryPath != domain.RecoveryNone {
		t.Fatalf("expected none recovery path for an unknown code, got %v", c.RecoveryPath)
	}
}

func TestClassify_RepeatFailuresEscalateToEmployer(t *testing.T) {
	repo := newLiabilityRepoStub()
	repo.refs["ach|R03"] = &domain.ReturnCodeReference{
		Rail: "ach", Code: "R03",
		DefaultErrorOrigin: domain.OriginBank, DefaultLiabilityParty: domain.LiabilityProcessor,
	}
	a := New(repo, testRecorder(), testLogger())

	c, err := a.Classify(context.Background(), ClassifyParams{Rail: "ach", ReturnCode: "R03", RepeatFailures: 3})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.LiabilityParty != domain.LiabilityEmployer {
		t.Fatalf("expected escalation to employer after repeat failures, got %v", c.LiabilityParty)
	}
}

func TestClassify_OurDataErrorOverridesToPayrollEngine(t *testing.T) {
	repo := newLiabilityRepoStub()
	repo.refs["ach|R01"] = &domain.ReturnCodeReference{
		Rail: "ach", Code: "R01",
		DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityEmployer,
	}
	a := New(repo, testRecorder(), testLogger())

	c, err := a.Classify(context.Background(), ClassifyParams{
		Rail: "ach", ReturnCode: "R01", OurDataError: true, OurErrorDetail: "wrong routing number on file",
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if c.ErrorOrigin != domain.OriginPayrollEngine || c.LiabilityParty != domain.LiabilityPSP {
		t.Fatalf("expected payroll_engine/psp override, got %+v", c)
	}
	if c.RecoveryPath != domain.RecoveryWriteOff {
		t.Fatalf("expected write_off recovery path for psp liability, got %v", c.RecoveryPath)
	}
}

func TestRecord_IsIdempotentOnRetry(t *testing.T) {
	repo := newLiabilityRepoStub()
	a := New(repo, testRecorder(), testLogger())
	tenantID := uuid.New()

	classification := Classification{ErrorOrigin: domain.OriginUnknown, LiabilityParty: domain.LiabilityPending}
	params := RecordParams{
		TenantID: tenantID, SourceType: "settlement_return", SourceID: "trace-1",
		Classification: classification, IdempotencyKey: "liability_trace-1",
	}

	id1, err := a.Record(context.Background(), params)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	id2, err := a.Record(context.Background(), params)
	if err != nil {
		t.Fatalf("Record retry: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent replay to return the same event id, got %s and %s", id1, id2)
	}
}

func TestAdvanceRecovery_RefusesRegressionToPending(t *testing.T) {
	repo := newLiabilityRepoStub()
	a := New(repo, testRecorder(), testLogger())

	err := a.AdvanceRecovery(context.Background(), uuid.New(), uuid.New(), domain.RecoveryPending, nil)
	if err == nil {
		t.Fatal("expected error advancing recovery back to pending")
	}
}
