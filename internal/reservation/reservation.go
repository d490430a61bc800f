// Package reservation manages holds against a legal entity's ledger
// balance that reduce what's available for further commitments without
// moving any money. A reservation is always in exactly one of three states
// and moves through them one way: active -> released or active -> consumed.
package reservation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// Manager creates and resolves reservations.
type Manager struct {
	repo store.Repository
}

func New(repo store.Repository) *Manager {
	return &Manager{repo: repo}
}

var validReserveTypes = map[domain.ReserveType]bool{
	domain.ReserveNetPay:     true,
	domain.ReserveTax:        true,
	domain.ReserveThirdParty: true,
	domain.ReserveFees:       true,
}

// CreateParams is the input to Create.
type CreateParams struct {
	TenantID      uuid.UUID
	LegalEntityID uuid.UUID
	ReserveType   domain.ReserveType
	Amount        decimal.Decimal
	SourceType    string
	SourceID      string
	CorrelationID uuid.UUID
}

// Create holds Amount against the legal entity. Reservations are not
// deduplicated by idempotency key — callers that must not double-reserve
// on retry are expected to check ActiveSum before calling, mirroring the
// original system's design.
func (m *Manager) Create(ctx context.Context, p CreateParams) (uuid.UUID, error) {
	if p.Amount.Sign() <= 0 {
		return uuid.Nil, &pspx.ValidationError{Field: "amount", Message: "reservation amount must be positive"}
	}
	if !validReserveTypes[p.ReserveType] {
		return uuid.Nil, &pspx.ValidationError{Field: "reserve_type", Message: fmt.Sprintf("invalid reserve type: %s", p.ReserveType)}
	}

	id, err := m.repo.CreateReservation(ctx, &domain.Reservation{
		TenantID:      p.TenantID,
		LegalEntityID: p.LegalEntityID,
		ReserveType:   p.ReserveType,
		Amount:        p.Amount,
		SourceType:    p.SourceType,
		SourceID:      p.SourceID,
		CorrelationID: p.CorrelationID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create reservation: %w", err)
	}
	return id, nil
}

// Release marks an active reservation released, freeing the held amount
// without moving any money. Returns false if the reservation was already
// released or consumed, which callers treat as a no-op rather than an error.
func (m *Manager) Release(ctx context.Context, tenantID, reservationID uuid.UUID) (bool, error) {
	return m.repo.ReleaseReservation(ctx, tenantID, reservationID, false)
}

// Consume marks an active reservation consumed, meaning the funds it held
// were actually spent (e.g. the payment it backed reached settled).
func (m *Manager) Consume(ctx context.Context, tenantID, reservationID uuid.UUID) (bool, error) {
	return m.repo.ReleaseReservation(ctx, tenantID, reservationID, true)
}

// ActiveSum returns the total currently reserved for a legal entity.
func (m *Manager) ActiveSum(ctx context.Context, tenantID, legalEntityID uuid.UUID) (decimal.Decimal, error) {
	return m.repo.SumActiveReservationsForLegalEntity(ctx, tenantID, legalEntityID)
}
