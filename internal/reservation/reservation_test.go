package reservation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

type reservationRepoStub struct {
	store.Repository

	created      *domain.Reservation
	releaseCalls int
	consumed     bool
	releaseOK    bool
	activeSum    decimal.Decimal
}

func (s *reservationRepoStub) CreateReservation(ctx context.Context, r *domain.Reservation) (uuid.UUID, error) {
	s.created = r
	return uuid.New(), nil
}

func (s *reservationRepoStub) ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) (bool, error) {
	s.releaseCalls++
	s.consumed = consumed
	return s.releaseOK, nil
}

func (s *reservationRepoStub) SumActiveReservationsForLegalEntity(ctx context.Context, tenantID, legalEntityID uuid.UUID) (decimal.Decimal, error) {
	return s.activeSum, nil
}

func TestCreate_RejectsNonPositiveAmount(t *testing.T) {
	repo := &reservationRepoStub{}
	m := New(repo)
	_, err := m.Create(context.Background(), CreateParams{
		TenantID: uuid.New(), ReserveType: domain.ReserveNetPay, Amount: decimal.Zero,
	})
	var verr *pspx.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreate_RejectsInvalidReserveType(t *testing.T) {
	repo := &reservationRepoStub{}
	m := New(repo)
	_, err := m.Create(context.Background(), CreateParams{
		TenantID: uuid.New(), ReserveType: domain.ReserveType("bogus"), Amount: decimal.NewFromInt(100),
	})
	var verr *pspx.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreate_PassesThroughValidReservation(t *testing.T) {
	repo := &reservationRepoStub{}
	m := New(repo)
	legalEntityID := uuid.New()
	_, err := m.Create(context.Background(), CreateParams{
		TenantID: uuid.New(), LegalEntityID: legalEntityID,
		ReserveType: domain.ReserveTax, Amount: decimal.NewFromInt(250),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if repo.created.LegalEntityID != legalEntityID {
		t.Fatal("expected legal entity id to be passed through")
	}
}

func TestConsume_SetsConsumedFlag(t *testing.T) {
	repo := &reservationRepoStub{releaseOK: true}
	m := New(repo)
	ok, err := m.Consume(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to report success")
	}
	if !repo.consumed {
		t.Fatal("expected consumed=true to be passed to repository")
	}
}

func TestRelease_ClearsConsumedFlag(t *testing.T) {
	repo := &reservationRepoStub{releaseOK: true}
	m := New(repo)
	if _, err := m.Release(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if repo.consumed {
		t.Fatal("expected consumed=false to be passed to repository")
	}
}
