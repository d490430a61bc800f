// Package ledger implements the append-only double-entry posting engine:
// every movement of money is a debit/credit pair, corrections are new
// reversal rows rather than edits, and idempotency keys make replay safe.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/events"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// Balance is available (credits minus debits) and reserved for a ledger
// account, following the original system's Balance shape.
type Balance struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Currency  string
}

// Unreserved is available minus reserved.
func (b Balance) Unreserved() decimal.Decimal {
	return b.Available.Sub(b.Reserved)
}

// PostResult mirrors the original PostResult: callers must branch on IsNew,
// never assume a non-error return means a new posting happened.
type PostResult struct {
	EntryID   uuid.UUID
	IsNew     bool
	EntryType string
}

// PostEntryParams is the input to Post.
type PostEntryParams struct {
	TenantID        uuid.UUID
	LegalEntityID   uuid.UUID
	IdempotencyKey  string
	EntryType       string
	DebitAccountID  uuid.UUID
	CreditAccountID uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	SourceType      string
	SourceID        string
	CorrelationID   uuid.UUID
	Metadata        map[string]any
}

// Ledger posts and reverses double-entry ledger entries and computes
// account balances.
type Ledger struct {
	repo     store.Repository
	recorder *events.Recorder
	logger   *slog.Logger
}

func New(repo store.Repository, recorder *events.Recorder, logger *slog.Logger) *Ledger {
	return &Ledger{repo: repo, recorder: recorder, logger: logger}
}

// Post inserts a double-entry posting. Amount must be strictly positive;
// direction is expressed entirely by which account is debited and which is
// credited, never by sign. Emits LedgerEntryPosted once, on the posting that
// actually creates the row — a replayed idempotency key posts nothing new
// and emits nothing.
func (l *Ledger) Post(ctx context.Context, p PostEntryParams) (PostResult, error) {
	result, err := postWith(ctx, l.repo, p)
	if err != nil {
		return result, err
	}
	if result.IsNew {
		l.emitPosted(ctx, p.TenantID, p.CorrelationID, result)
	}
	return result, nil
}

// emitPosted records LedgerEntryPosted. A durable-append failure is logged,
// not returned: the entry itself is already committed, and refusing to
// return it to the caller over a missed event would be worse than the event
// gap itself.
func (l *Ledger) emitPosted(ctx context.Context, tenantID, correlationID uuid.UUID, result PostResult) {
	if err := l.recorder.Record(ctx, events.New(tenantID, events.TypeLedgerEntryPosted, correlationID, nil, map[string]any{
		"entry_id": result.EntryID.String(), "entry_type": result.EntryType,
	})); err != nil {
		l.logger.Warn("record ledger entry posted event failed", "entry_id", result.EntryID, "error", err)
	}
}

// postWith is Post's body against an arbitrary Repository, so Reverse can
// run it against a transaction-scoped repository instead of l.repo.
func postWith(ctx context.Context, repo store.Repository, p PostEntryParams) (PostResult, error) {
	if p.Amount.Sign() <= 0 {
		return PostResult{}, &pspx.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if p.IdempotencyKey == "" {
		return PostResult{}, &pspx.ValidationError{Field: "idempotency_key", Message: "must not be empty"}
	}

	id, isNew, err := repo.InsertLedgerEntry(ctx, store.InsertLedgerEntryParams{
		TenantID:        p.TenantID,
		LegalEntityID:   p.LegalEntityID,
		EntryType:       p.EntryType,
		DebitAccountID:  p.DebitAccountID,
		CreditAccountID: p.CreditAccountID,
		Amount:          p.Amount,
		Currency:        p.Currency,
		SourceType:      p.SourceType,
		SourceID:        p.SourceID,
		CorrelationID:   p.CorrelationID,
		IdempotencyKey:  p.IdempotencyKey,
		Metadata:        p.Metadata,
	})
	if err != nil {
		return PostResult{}, fmt.Errorf("post ledger entry: %w", err)
	}

	entryType := p.EntryType
	if !isNew {
		existing, err := repo.GetLedgerEntryByID(ctx, p.TenantID, id)
		if err != nil {
			return PostResult{}, fmt.Errorf("fetch existing entry after conflict: %w", err)
		}
		entryType = existing.EntryType
	}

	return PostResult{EntryID: id, IsNew: isNew, EntryType: entryType}, nil
}

// Reverse posts a reversal of originalEntryID with debit/credit swapped. It
// refuses to reverse an entry that already has a reversal pointer set, since
// reversal is a one-way, one-time fact — never mutate the original, never
// reverse a reversal transitively through this call. The fetch, the reversal
// insert, and the original's reversed_by update all run inside one
// transaction, so a crash between steps can never leave an orphaned reversal
// entry pointing at an original that still looks unreversed.
func (l *Ledger) Reverse(ctx context.Context, tenantID, legalEntityID, originalEntryID uuid.UUID, idempotencyKey, reason string) (PostResult, error) {
	var (
		result           PostResult
		correlationID    uuid.UUID
		reversedOriginal bool
	)
	err := l.repo.WithTx(ctx, func(tx store.Repository) error {
		original, err := tx.GetLedgerEntryByID(ctx, tenantID, originalEntryID)
		if err != nil {
			return fmt.Errorf("fetch original entry: %w", err)
		}
		if original.ReversedBy != nil {
			return pspx.ErrAlreadyReversed
		}
		correlationID = original.CorrelationID

		result, err = postWith(ctx, tx, PostEntryParams{
			TenantID:        tenantID,
			LegalEntityID:   legalEntityID,
			IdempotencyKey:  idempotencyKey,
			EntryType:       "reversal",
			DebitAccountID:  original.CreditAccountID,
			CreditAccountID: original.DebitAccountID,
			Amount:          original.Amount,
			Currency:        original.Currency,
			SourceType:      "psp_ledger_entry",
			SourceID:        originalEntryID.String(),
			CorrelationID:   original.CorrelationID,
			Metadata: map[string]any{
				"reason":        reason,
				"reverses":      originalEntryID.String(),
				"original_type": original.EntryType,
			},
		})
		if err != nil {
			return err
		}

		if result.IsNew {
			ok, err := tx.MarkLedgerEntryReversed(ctx, tenantID, originalEntryID, result.EntryID)
			if err != nil {
				return fmt.Errorf("mark original entry reversed: %w", err)
			}
			if !ok {
				// Another concurrent reversal won the race; returning an error
				// rolls this transaction back, discarding the reversal entry we
				// just posted, and the pointer stays with the reversal that set it.
				return pspx.ErrAlreadyReversed
			}
			reversedOriginal = true
		}
		return nil
	})
	if err != nil {
		return PostResult{}, err
	}
	if result.IsNew {
		l.emitPosted(ctx, tenantID, correlationID, result)
	}
	if reversedOriginal {
		if err := l.recorder.Record(ctx, events.New(tenantID, events.TypeLedgerEntryReversed, correlationID, nil, map[string]any{
			"original_entry_id": originalEntryID.String(), "reversal_entry_id": result.EntryID.String(), "reason": reason,
		})); err != nil {
			l.logger.Warn("record ledger entry reversed event failed", "original_entry_id", originalEntryID, "error", err)
		}
	}
	return result, nil
}

// Balance computes available (credits minus debits) for accountID and
// reserved (sum of active reservations) for the legal entity it belongs to.
func (l *Ledger) Balance(ctx context.Context, tenantID, legalEntityID, accountID uuid.UUID) (Balance, error) {
	credits, err := l.repo.SumCredits(ctx, tenantID, accountID)
	if err != nil {
		return Balance{}, err
	}
	debits, err := l.repo.SumDebits(ctx, tenantID, accountID)
	if err != nil {
		return Balance{}, err
	}
	reserved, err := l.repo.SumActiveReservationsForLegalEntity(ctx, tenantID, legalEntityID)
	if err != nil {
		return Balance{}, err
	}

	return Balance{
		Available: credits.Sub(debits),
		Reserved:  reserved,
	}, nil
}

// GetOrCreateAccount resolves the ledger account id for the given bucket,
// creating it on first use.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType domain.AccountType, currency string) (uuid.UUID, error) {
	return l.repo.GetOrCreateAccount(ctx, tenantID, legalEntityID, accountType, currency)
}
