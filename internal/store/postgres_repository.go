/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository
 * interface. It contains the SQL for ledger accounts and entries,
 * reservations, funding gate evaluations, payment instructions and
 * attempts, settlement events, and liability tracking.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Money.
 * - internal/domain: Domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
)

var (
	ErrAccountNotFound            = errors.New("ledger account not found")
	ErrLedgerEntryNotFound        = errors.New("ledger entry not found")
	ErrInstructionNotFound        = errors.New("payment instruction not found")
	ErrAttemptNotFound            = errors.New("payment attempt not found")
	ErrSettlementEventNotFound    = errors.New("settlement event not found")
	ErrReturnCodeNotFound         = errors.New("return code reference not found")
	ErrGateEvaluationNotFound     = errors.New("funding gate evaluation not found")
	ErrReservationNotFound        = errors.New("reservation not found")
	ErrPostFailedUnexpectedly     = errors.New("insert reported no conflict and returned no row")
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so every query method
// below runs identically whether it's auto-committing against the pool or
// scoped to a transaction WithTx opened.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the Postgres implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   dbtx
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: db, db: db}
}

// WithTx opens a transaction with RepeatableRead isolation, hands fn a
// Repository scoped to it, and commits on a nil return or rolls back
// otherwise. Nesting (calling WithTx again on the scoped Repository) reuses
// the same transaction rather than opening a second one.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		// Already inside a transaction: run fn against the same scope
		// instead of trying to open a nested one.
		return fn(r)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetOrCreateAccount inserts the (tenant, legal entity, type, currency)
// account if it doesn't exist, then returns its id either way.
func (r *PostgresRepository) GetOrCreateAccount(ctx context.Context, tenantID, legalEntityID uuid.UUID, accountType domain.AccountType, currency string) (uuid.UUID, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO psp_ledger_account (tenant_id, legal_entity_id, account_type, currency, status)
		VALUES ($1, $2, $3, $4, 'active')
		ON CONFLICT (tenant_id, legal_entity_id, account_type, currency) DO NOTHING
	`, tenantID, legalEntityID, accountType, currency)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert ledger account: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		SELECT id FROM psp_ledger_account
		WHERE tenant_id = $1 AND legal_entity_id = $2 AND account_type = $3 AND currency = $4
	`, tenantID, legalEntityID, accountType, currency).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("fetch ledger account: %w", err)
	}
	return id, nil
}

// InsertLedgerEntry performs the idempotent-insert pattern: try to insert,
// and on a (tenant_id, idempotency_key) conflict fetch and return the entry
// that already exists rather than erroring.
func (r *PostgresRepository) InsertLedgerEntry(ctx context.Context, p InsertLedgerEntryParams) (uuid.UUID, bool, error) {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal ledger entry metadata: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO psp_ledger_entry (
			tenant_id, legal_entity_id, entry_type, debit_account_id, credit_account_id,
			amount, currency, source_type, source_id, correlation_id, idempotency_key,
			metadata, is_reversal, posted_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, now())
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		RETURNING id
	`, p.TenantID, p.LegalEntityID, p.EntryType, p.DebitAccountID, p.CreditAccountID,
		p.Amount, p.Currency, p.SourceType, p.SourceID, p.CorrelationID, p.IdempotencyKey,
		metadataJSON, p.IsReversal).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT id FROM psp_ledger_entry WHERE tenant_id = $1 AND idempotency_key = $2
	`, p.TenantID, p.IdempotencyKey).Scan(&id)
	if err == pgx.ErrNoRows {
		return uuid.Nil, false, ErrPostFailedUnexpectedly
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetch existing ledger entry: %w", err)
	}
	return id, false, nil
}

func (r *PostgresRepository) GetLedgerEntryByID(ctx context.Context, tenantID, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var metadata []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, legal_entity_id, debit_account_id, credit_account_id, amount, currency,
			entry_type, source_type, source_id, correlation_id, idempotency_key, metadata, posted_at,
			reversed_by, is_reversal
		FROM psp_ledger_entry
		WHERE id = $1 AND tenant_id = $2
	`, entryID, tenantID).Scan(
		&e.ID, &e.TenantID, &e.LegalEntityID, &e.DebitAccountID, &e.CreditAccountID, &e.Amount, &e.Currency,
		&e.EntryType, &e.SourceType, &e.SourceID, &e.CorrelationID, &e.IdempotencyKey, &metadata, &e.PostedAt,
		&e.ReversedBy, &e.IsReversal,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal ledger entry metadata: %w", err)
		}
	}
	return &e, nil
}

// MarkLedgerEntryReversed guards the one-way pointer set with a WHERE clause
// so a concurrent double-reversal never overwrites the first reversal id.
func (r *PostgresRepository) MarkLedgerEntryReversed(ctx context.Context, tenantID, entryID, reversalID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE psp_ledger_entry
		SET reversed_by = $1
		WHERE id = $2 AND tenant_id = $3 AND reversed_by IS NULL
	`, reversalID, entryID, tenantID)
	if err != nil {
		return false, fmt.Errorf("mark ledger entry reversed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) SumCredits(ctx context.Context, tenantID, accountID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM psp_ledger_entry WHERE tenant_id = $1 AND credit_account_id = $2
	`, tenantID, accountID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum credits: %w", err)
	}
	return sum, nil
}

func (r *PostgresRepository) SumDebits(ctx context.Context, tenantID, accountID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM psp_ledger_entry WHERE tenant_id = $1 AND debit_account_id = $2
	`, tenantID, accountID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum debits: %w", err)
	}
	return sum, nil
}

func (r *PostgresRepository) CreateReservation(ctx context.Context, res *domain.Reservation) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		INSERT INTO psp_reservation (
			tenant_id, legal_entity_id, reserve_type, amount, status, source_type, source_id, correlation_id, created_at
		)
		VALUES ($1,$2,$3,$4,'active',$5,$6,$7, now())
		RETURNING id
	`, res.TenantID, res.LegalEntityID, res.ReserveType, res.Amount, res.SourceType, res.SourceID, res.CorrelationID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create reservation: %w", err)
	}
	return id, nil
}

// ReleaseReservation guards the transition with `status = 'active'` so a
// reservation already released or consumed cannot be double-released.
func (r *PostgresRepository) ReleaseReservation(ctx context.Context, tenantID, reservationID uuid.UUID, consumed bool) (bool, error) {
	newStatus := domain.ReservationReleased
	if consumed {
		newStatus = domain.ReservationConsumed
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE psp_reservation
		SET status = $1, released_at = now()
		WHERE id = $2 AND tenant_id = $3 AND status = 'active'
	`, newStatus, reservationID, tenantID)
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) SumActiveReservationsForLegalEntity(ctx context.Context, tenantID, legalEntityID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM psp_reservation
		WHERE tenant_id = $1 AND legal_entity_id = $2 AND status = 'active'
	`, tenantID, legalEntityID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum active reservations: %w", err)
	}
	return sum, nil
}

// FindActiveReservationBySource looks up the batch-level reservation a
// pay run's component created, so the orchestrator can resolve it once every
// instruction that component backs reaches a terminal status.
func (r *PostgresRepository) FindActiveReservationBySource(ctx context.Context, tenantID uuid.UUID, sourceType, sourceID string, reserveType domain.ReserveType) (*domain.Reservation, error) {
	var res domain.Reservation
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, legal_entity_id, reserve_type, amount, status, source_type, source_id,
			correlation_id, created_at, released_at
		FROM psp_reservation
		WHERE tenant_id = $1 AND source_type = $2 AND source_id = $3 AND reserve_type = $4 AND status = 'active'
	`, tenantID, sourceType, sourceID, reserveType).Scan(
		&res.ID, &res.TenantID, &res.LegalEntityID, &res.ReserveType, &res.Amount, &res.Status,
		&res.SourceType, &res.SourceID, &res.CorrelationID, &res.CreatedAt, &res.ReleasedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active reservation by source: %w", err)
	}
	return &res, nil
}

func (r *PostgresRepository) InsertGateEvaluation(ctx context.Context, e *domain.FundingGateEvaluation) (uuid.UUID, bool, error) {
	reasonsJSON, err := json.Marshal(e.Reasons)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal gate reasons: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO psp_funding_gate_evaluation (
			tenant_id, legal_entity_id, gate_type, outcome, required_amount, available_amount,
			reasons, idempotency_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, e.TenantID, e.LegalEntityID, e.GateType, e.Outcome, e.RequiredAmount, e.AvailableAmount,
		reasonsJSON, e.IdempotencyKey).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("insert gate evaluation: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT id FROM psp_funding_gate_evaluation WHERE tenant_id = $1 AND idempotency_key = $2
	`, e.TenantID, e.IdempotencyKey).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetch existing gate evaluation: %w", err)
	}
	return id, false, nil
}

// GetGateEvaluationByID refetches a persisted evaluation after an idempotent
// insert reports a conflict, mirroring the ledger's post-then-refetch pattern.
func (r *PostgresRepository) GetGateEvaluationByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.FundingGateEvaluation, error) {
	var e domain.FundingGateEvaluation
	var reasons []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, legal_entity_id, gate_type, outcome, required_amount, available_amount,
			reasons, idempotency_key, created_at
		FROM psp_funding_gate_evaluation
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&e.ID, &e.TenantID, &e.LegalEntityID, &e.GateType, &e.Outcome, &e.RequiredAmount,
		&e.AvailableAmount, &reasons, &e.IdempotencyKey, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrGateEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gate evaluation: %w", err)
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &e.Reasons); err != nil {
			return nil, fmt.Errorf("unmarshal gate reasons: %w", err)
		}
	}
	return &e, nil
}

// FindGateEvaluationByKey looks up a previously persisted evaluation by its
// idempotency key so a repeated commit/pay attempt returns the original
// decision instead of recomputing it.
func (r *PostgresRepository) FindGateEvaluationByKey(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (*domain.FundingGateEvaluation, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT id FROM psp_funding_gate_evaluation WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, idempotencyKey).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, ErrGateEvaluationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find gate evaluation by key: %w", err)
	}
	return r.GetGateEvaluationByID(ctx, tenantID, id)
}

// PayrollTotals sums a pay run's net pay, employer taxes, and third-party
// remittances straight from the payroll schema the PSP core reads but does
// not own.
func (r *PostgresRepository) PayrollTotals(ctx context.Context, payRunID uuid.UUID) (PayrollTotals, error) {
	var totals PayrollTotals
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(ps.net_pay), 0)
		FROM pay_statement ps
		JOIN pay_run_employee pre ON pre.pay_run_employee_id = ps.pay_run_employee_id
		WHERE pre.pay_run_id = $1
	`, payRunID).Scan(&totals.NetPay)
	if err != nil {
		return PayrollTotals{}, fmt.Errorf("sum net pay: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(pli.amount), 0)
		FROM pay_line_item pli
		JOIN pay_statement ps ON ps.pay_statement_id = pli.pay_statement_id
		JOIN pay_run_employee pre ON pre.pay_run_employee_id = ps.pay_run_employee_id
		WHERE pre.pay_run_id = $1 AND pli.category = 'employer_tax'
	`, payRunID).Scan(&totals.Taxes)
	if err != nil {
		return PayrollTotals{}, fmt.Errorf("sum employer taxes: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(pli.amount), 0)
		FROM pay_line_item pli
		JOIN pay_statement ps ON ps.pay_statement_id = pli.pay_statement_id
		JOIN pay_run_employee pre ON pre.pay_run_employee_id = ps.pay_run_employee_id
		WHERE pre.pay_run_id = $1 AND pli.category = 'deduction' AND pli.is_third_party_remit = true
	`, payRunID).Scan(&totals.ThirdParty)
	if err != nil {
		return PayrollTotals{}, fmt.Errorf("sum third party remittances: %w", err)
	}

	return totals, nil
}

// RecentAverageNetPay averages net pay across the legal entity's last
// `lookback` paid pay runs (excluding the one currently being evaluated),
// used by the commit gate's spike check. hasData is false when there is no
// history to compare against, in which case the spike check is skipped.
func (r *PostgresRepository) RecentAverageNetPay(ctx context.Context, tenantID, legalEntityID, excludePayRunID uuid.UUID, lookback int) (decimal.Decimal, bool, error) {
	var avg *decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT AVG(total_amount) FROM (
			SELECT SUM(ps.net_pay) AS total_amount
			FROM pay_statement ps
			JOIN pay_run_employee pre ON pre.pay_run_employee_id = ps.pay_run_employee_id
			JOIN pay_run pr ON pr.pay_run_id = pre.pay_run_id
			WHERE pr.tenant_id = $1 AND pr.legal_entity_id = $2
				AND pr.status = 'paid' AND pr.pay_run_id != $3
			GROUP BY pr.pay_run_id
			ORDER BY pr.check_date DESC
			LIMIT $4
		) recent
	`, tenantID, legalEntityID, excludePayRunID, lookback).Scan(&avg)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("recent average net pay: %w", err)
	}
	if avg == nil {
		return decimal.Zero, false, nil
	}
	return *avg, true, nil
}

func (r *PostgresRepository) InsertPaymentInstruction(ctx context.Context, instr *domain.PaymentInstruction) (uuid.UUID, bool, error) {
	metadataJSON, err := json.Marshal(instr.Metadata)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal instruction metadata: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO payment_instruction (
			tenant_id, legal_entity_id, purpose, direction, amount, currency, payee_type, payee_ref_id,
			requested_settlement_date, status, idempotency_key, source_type, source_id, pay_run_id, metadata, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15, now())
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		RETURNING id
	`, instr.TenantID, instr.LegalEntityID, instr.Purpose, instr.Direction, instr.Amount, instr.Currency,
		instr.PayeeType, instr.PayeeRefID, instr.RequestedSettlementDate, instr.Status, instr.IdempotencyKey,
		instr.SourceType, instr.SourceID, instr.PayRunID, metadataJSON).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("insert payment instruction: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT id FROM payment_instruction WHERE tenant_id = $1 AND idempotency_key = $2
	`, instr.TenantID, instr.IdempotencyKey).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetch existing payment instruction: %w", err)
	}
	return id, false, nil
}

func (r *PostgresRepository) GetPaymentInstruction(ctx context.Context, tenantID, instructionID uuid.UUID) (*domain.PaymentInstruction, error) {
	var instr domain.PaymentInstruction
	var metadata []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, legal_entity_id, purpose, direction, amount, currency, payee_type, payee_ref_id,
			requested_settlement_date, status, idempotency_key, source_type, source_id, pay_run_id, metadata,
			error_origin, liability_party, recovery_path, liability_amount, liability_notes, created_at
		FROM payment_instruction
		WHERE id = $1 AND tenant_id = $2
	`, instructionID, tenantID).Scan(
		&instr.ID, &instr.TenantID, &instr.LegalEntityID, &instr.Purpose, &instr.Direction, &instr.Amount,
		&instr.Currency, &instr.PayeeType, &instr.PayeeRefID, &instr.RequestedSettlementDate, &instr.Status,
		&instr.IdempotencyKey, &instr.SourceType, &instr.SourceID, &instr.PayRunID, &metadata,
		&instr.ErrorOrigin, &instr.LiabilityParty, &instr.RecoveryPath, &instr.LiabilityAmount, &instr.LiabilityNotes,
		&instr.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrInstructionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment instruction: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &instr.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal instruction metadata: %w", err)
		}
	}
	return &instr, nil
}

// UpdateInstructionStatus is the guarded single-statement transition: the
// WHERE clause enforces the from-state, so two concurrent callers racing to
// apply different transitions can never both succeed.
func (r *PostgresRepository) UpdateInstructionStatus(ctx context.Context, tenantID, instructionID uuid.UUID, from, to domain.InstructionStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_instruction
		SET status = $1
		WHERE id = $2 AND tenant_id = $3 AND status = $4
	`, to, instructionID, tenantID, from)
	if err != nil {
		return false, fmt.Errorf("update instruction status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) UpdateInstructionLiability(ctx context.Context, tenantID, instructionID uuid.UUID, p InstructionLiabilityParams) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_instruction
		SET error_origin = $1, liability_party = $2, recovery_path = $3, liability_amount = $4, liability_notes = $5
		WHERE id = $6 AND tenant_id = $7
	`, p.ErrorOrigin, p.LiabilityParty, p.RecoveryPath, p.LiabilityAmount, p.LiabilityNotes, instructionID, tenantID)
	if err != nil {
		return fmt.Errorf("update instruction liability: %w", err)
	}
	return nil
}

// CountOpenInstructionsForPayRun counts instructions of purpose within
// payRunID still in a non-terminal status, used to detect the last
// instruction of a batch component so its reservation can be resolved.
func (r *PostgresRepository) CountOpenInstructionsForPayRun(ctx context.Context, tenantID, payRunID uuid.UUID, purpose string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM payment_instruction
		WHERE tenant_id = $1 AND pay_run_id = $2 AND purpose = $3
			AND status NOT IN ('settled', 'failed', 'canceled', 'returned', 'reversed')
	`, tenantID, payRunID, purpose).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open instructions for pay run: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) ListInstructionsForSubmission(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.PaymentInstruction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, legal_entity_id, purpose, direction, amount, currency, payee_type, payee_ref_id,
			requested_settlement_date, status, idempotency_key, source_type, source_id, created_at
		FROM payment_instruction
		WHERE tenant_id = $1 AND status = 'queued'
		ORDER BY created_at
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list instructions for submission: %w", err)
	}
	defer rows.Close()

	var out []domain.PaymentInstruction
	for rows.Next() {
		var instr domain.PaymentInstruction
		if err := rows.Scan(&instr.ID, &instr.TenantID, &instr.LegalEntityID, &instr.Purpose, &instr.Direction,
			&instr.Amount, &instr.Currency, &instr.PayeeType, &instr.PayeeRefID, &instr.RequestedSettlementDate,
			&instr.Status, &instr.IdempotencyKey, &instr.SourceType, &instr.SourceID, &instr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, instr)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertPaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) (uuid.UUID, bool, error) {
	payloadJSON, err := json.Marshal(a.RequestPayload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal attempt payload: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO payment_attempt (instruction_id, rail, provider, provider_request_id, status, request_payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())
		ON CONFLICT (provider, provider_request_id) DO NOTHING
		RETURNING id
	`, a.InstructionID, a.Rail, a.Provider, a.ProviderRequestID, a.Status, payloadJSON).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("insert payment attempt: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT id FROM payment_attempt WHERE provider = $1 AND provider_request_id = $2
	`, a.Provider, a.ProviderRequestID).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetch existing payment attempt: %w", err)
	}
	return id, false, nil
}

// FindLatestAttemptForInstruction returns the most recent attempt for an
// instruction, used by cancel to recover the provider_request_id needed to
// ask the rail adapter to cancel a submission it already accepted.
func (r *PostgresRepository) FindLatestAttemptForInstruction(ctx context.Context, instructionID uuid.UUID) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	var payload []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, instruction_id, rail, provider, provider_request_id, status, request_payload, created_at
		FROM payment_attempt
		WHERE instruction_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, instructionID).Scan(&a.ID, &a.InstructionID, &a.Rail, &a.Provider, &a.ProviderRequestID,
		&a.Status, &payload, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find latest attempt for instruction: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.RequestPayload); err != nil {
			return nil, fmt.Errorf("unmarshal attempt payload: %w", err)
		}
	}
	return &a, nil
}

func (r *PostgresRepository) FindAttemptByProviderRequestID(ctx context.Context, provider, providerRequestID string) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	var payload []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, instruction_id, rail, provider, provider_request_id, status, request_payload, created_at
		FROM payment_attempt
		WHERE provider = $1 AND provider_request_id = $2
	`, provider, providerRequestID).Scan(&a.ID, &a.InstructionID, &a.Rail, &a.Provider, &a.ProviderRequestID,
		&a.Status, &payload, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find attempt: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.RequestPayload); err != nil {
			return nil, fmt.Errorf("unmarshal attempt payload: %w", err)
		}
	}
	return &a, nil
}

func (r *PostgresRepository) FindSettlementEvent(ctx context.Context, bankAccountID uuid.UUID, externalTraceID string) (*domain.SettlementEvent, error) {
	var e domain.SettlementEvent
	var raw []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, bank_account_id, rail, direction, amount, currency, status, external_trace_id,
			return_code, return_reason, effective_date, raw_payload, created_at
		FROM psp_settlement_event
		WHERE bank_account_id = $1 AND external_trace_id = $2
	`, bankAccountID, externalTraceID).Scan(&e.ID, &e.BankAccountID, &e.Rail, &e.Direction, &e.Amount, &e.Currency,
		&e.Status, &e.ExternalTraceID, &e.ReturnCode, &e.ReturnReason, &e.EffectiveDate, &raw, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrSettlementEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find settlement event: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.RawPayload); err != nil {
			return nil, fmt.Errorf("unmarshal settlement raw payload: %w", err)
		}
	}
	return &e, nil
}

func (r *PostgresRepository) InsertSettlementEvent(ctx context.Context, e *domain.SettlementEvent) (uuid.UUID, bool, error) {
	rawJSON, err := json.Marshal(e.RawPayload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshal settlement raw payload: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, `
		INSERT INTO psp_settlement_event (
			bank_account_id, rail, direction, amount, currency, status, external_trace_id,
			return_code, return_reason, effective_date, raw_payload, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
		ON CONFLICT (bank_account_id, external_trace_id) DO NOTHING
		RETURNING id
	`, e.BankAccountID, e.Rail, e.Direction, e.Amount, e.Currency, e.Status, e.ExternalTraceID,
		e.ReturnCode, e.ReturnReason, e.EffectiveDate, rawJSON).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("insert settlement event: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT id FROM psp_settlement_event WHERE bank_account_id = $1 AND external_trace_id = $2
	`, e.BankAccountID, e.ExternalTraceID).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetch existing settlement event: %w", err)
	}
	return id, false, nil
}

func (r *PostgresRepository) UpdateSettlementStatus(ctx context.Context, eventID uuid.UUID, from, to domain.SettlementStatus, effectiveDate time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE psp_settlement_event
		SET status = $1, effective_date = $2
		WHERE id = $3 AND status = $4
	`, to, effectiveDate, eventID, from)
	if err != nil {
		return false, fmt.Errorf("update settlement status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) FindAttemptByTraceID(ctx context.Context, traceID string, tenantID *uuid.UUID) (*domain.PaymentAttempt, *domain.PaymentInstruction, error) {
	query := `
		SELECT pa.id, pa.instruction_id, pa.rail, pa.provider, pa.provider_request_id, pa.status, pa.created_at,
			pi.id, pi.tenant_id, pi.legal_entity_id, pi.purpose, pi.direction, pi.amount, pi.currency,
			pi.payee_type, pi.payee_ref_id, pi.status, pi.created_at
		FROM payment_attempt pa
		JOIN payment_instruction pi ON pi.id = pa.instruction_id
		WHERE pa.provider_request_id = $1
	`
	args := []any{traceID}
	if tenantID != nil {
		query += " AND pi.tenant_id = $2"
		args = append(args, *tenantID)
	}

	var a domain.PaymentAttempt
	var instr domain.PaymentInstruction
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&a.ID, &a.InstructionID, &a.Rail, &a.Provider, &a.ProviderRequestID, &a.Status, &a.CreatedAt,
		&instr.ID, &instr.TenantID, &instr.LegalEntityID, &instr.Purpose, &instr.Direction, &instr.Amount,
		&instr.Currency, &instr.PayeeType, &instr.PayeeRefID, &instr.Status, &instr.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find attempt by trace id: %w", err)
	}
	return &a, &instr, nil
}

// ListCandidateAttemptsForMatch narrows to same-tenant, same-direction,
// exact-amount-and-currency attempts still awaiting settlement (submitted or
// accepted); the reconciler scores the returned set on date proximity and
// payee match rather than the store doing fuzzy matching in SQL.
func (r *PostgresRepository) ListCandidateAttemptsForMatch(ctx context.Context, tenantID uuid.UUID, direction domain.Direction, amount decimal.Decimal, currency string) ([]CandidateAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT pa.id, pa.instruction_id, pi.tenant_id, pi.legal_entity_id, pa.provider, pa.provider_request_id,
			pi.payee_ref_id, pi.requested_settlement_date
		FROM payment_attempt pa
		JOIN payment_instruction pi ON pi.id = pa.instruction_id
		WHERE pi.tenant_id = $1 AND pi.direction = $2 AND pi.amount = $3 AND pi.currency = $4
			AND pi.status IN ('submitted', 'accepted')
	`, tenantID, direction, amount, currency)
	if err != nil {
		return nil, fmt.Errorf("list candidate attempts for match: %w", err)
	}
	defer rows.Close()

	var out []CandidateAttempt
	for rows.Next() {
		var c CandidateAttempt
		if err := rows.Scan(&c.AttemptID, &c.InstructionID, &c.TenantID, &c.LegalEntityID, &c.Provider,
			&c.ProviderRequestID, &c.PayeeRefID, &c.RequestedSettlementDate); err != nil {
			return nil, fmt.Errorf("scan candidate attempt: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateSettlementLink is a plain insert guarded by a unique constraint on
// settlement_event_id, so a settlement can only ever link to one ledger
// entry; a second attempt reports "not created" rather than erroring.
func (r *PostgresRepository) CreateSettlementLink(ctx context.Context, settlementEventID, ledgerEntryID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO psp_settlement_link (settlement_event_id, ledger_entry_id)
		VALUES ($1, $2)
		ON CONFLICT (settlement_event_id) DO NOTHING
	`, settlementEventID, ledgerEntryID)
	if err != nil {
		return false, fmt.Errorf("create settlement link: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) FindLedgerEntryForSettlement(ctx context.Context, settlementEventID uuid.UUID) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var metadata []byte
	err := r.db.QueryRow(ctx, `
		SELECT le.id, le.tenant_id, le.legal_entity_id, le.debit_account_id, le.credit_account_id, le.amount,
			le.currency, le.entry_type, le.source_type, le.source_id, le.correlation_id, le.idempotency_key,
			le.metadata, le.posted_at, le.reversed_by, le.is_reversal
		FROM psp_settlement_link sl
		JOIN psp_ledger_entry le ON le.id = sl.ledger_entry_id
		WHERE sl.settlement_event_id = $1
	`, settlementEventID).Scan(
		&e.ID, &e.TenantID, &e.LegalEntityID, &e.DebitAccountID, &e.CreditAccountID, &e.Amount,
		&e.Currency, &e.EntryType, &e.SourceType, &e.SourceID, &e.CorrelationID, &e.IdempotencyKey,
		&metadata, &e.PostedAt, &e.ReversedBy, &e.IsReversal,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry for settlement: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal ledger entry metadata: %w", err)
		}
	}
	return &e, nil
}

func (r *PostgresRepository) ListUnmatchedSettlements(ctx context.Context) ([]domain.SettlementEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT se.id, se.bank_account_id, se.rail, se.direction, se.amount, se.currency, se.status,
			se.external_trace_id, se.return_code, se.return_reason, se.effective_date, se.created_at
		FROM psp_settlement_event se
		LEFT JOIN psp_settlement_link sl ON sl.settlement_event_id = se.id
		WHERE sl.settlement_event_id IS NULL
		ORDER BY se.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list unmatched settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementEvent
	for rows.Next() {
		var e domain.SettlementEvent
		if err := rows.Scan(&e.ID, &e.BankAccountID, &e.Rail, &e.Direction, &e.Amount, &e.Currency, &e.Status,
			&e.ExternalTraceID, &e.ReturnCode, &e.ReturnReason, &e.EffectiveDate, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan unmatched settlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertLiabilityEvent follows the same idempotent-insert-with-nullable-key
// pattern as gate evaluations: idempotency_key is optional here because not
// every liability determination is triggered by a replayable external event.
func (r *PostgresRepository) InsertLiabilityEvent(ctx context.Context, e *domain.LiabilityEvent) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		INSERT INTO psp_liability_event (
			tenant_id, legal_entity_id, source_type, source_id, error_origin, liability_party,
			loss_amount, recovery_path, recovery_status, recovery_amount, determination_reason,
			idempotency_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now())
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, e.TenantID, e.LegalEntityID, e.SourceType, e.SourceID, e.ErrorOrigin, e.LiabilityParty,
		e.LossAmount, e.RecoveryPath, e.RecoveryStatus, e.RecoveryAmount, e.DeterminationReason,
		e.IdempotencyKey).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, false, fmt.Errorf("insert liability event: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT id FROM psp_liability_event WHERE tenant_id = $1 AND idempotency_key = $2
	`, e.TenantID, e.IdempotencyKey).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("fetch existing liability event: %w", err)
	}
	return id, false, nil
}

// isTerminalRecoveryStatus reports whether a recovery status marks a
// liability event as resolved, at which point resolved_at is stamped.
func isTerminalRecoveryStatus(status domain.RecoveryStatus) bool {
	switch status {
	case domain.RecoveryComplete, domain.RecoveryWrittenOff, domain.RecoveryFailed:
		return true
	default:
		return false
	}
}

func (r *PostgresRepository) UpdateLiabilityRecoveryStatus(ctx context.Context, tenantID, eventID uuid.UUID, p LiabilityRecoveryUpdateParams) error {
	resolvedAt := (*time.Time)(nil)
	if p.RecoveryStatus != nil && isTerminalRecoveryStatus(*p.RecoveryStatus) {
		now := time.Now().UTC()
		resolvedAt = &now
	}

	_, err := r.db.Exec(ctx, `
		UPDATE psp_liability_event
		SET recovery_status = COALESCE($1, recovery_status),
			recovery_amount = COALESCE($2, recovery_amount),
			resolved_at = COALESCE($3, resolved_at)
		WHERE id = $4 AND tenant_id = $5
	`, p.RecoveryStatus, p.RecoveryAmount, resolvedAt, eventID, tenantID)
	if err != nil {
		return fmt.Errorf("update liability recovery status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LookupReturnCode(ctx context.Context, rail, code string) (*domain.ReturnCodeReference, error) {
	var ref domain.ReturnCodeReference
	err := r.db.QueryRow(ctx, `
		SELECT rail, code, default_error_origin, default_liability_party, is_recoverable, description
		FROM return_code_reference
		WHERE rail = $1 AND code = $2
	`, rail, code).Scan(&ref.Rail, &ref.Code, &ref.DefaultErrorOrigin, &ref.DefaultLiabilityParty,
		&ref.IsRecoverable, &ref.Description)
	if err == pgx.ErrNoRows {
		return nil, ErrReturnCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup return code: %w", err)
	}
	return &ref, nil
}

func (r *PostgresRepository) ListPendingLiabilities(ctx context.Context, tenantID uuid.UUID, party domain.LiabilityParty) ([]domain.LiabilityEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, legal_entity_id, source_type, source_id, error_origin, liability_party,
			loss_amount, recovery_path, recovery_status, recovery_amount, determination_reason,
			idempotency_key, created_at, resolved_at
		FROM psp_liability_event
		WHERE tenant_id = $1 AND liability_party = $2 AND recovery_status NOT IN ('complete', 'written_off', 'failed')
		ORDER BY created_at
	`, tenantID, party)
	if err != nil {
		return nil, fmt.Errorf("list pending liabilities: %w", err)
	}
	defer rows.Close()

	var out []domain.LiabilityEvent
	for rows.Next() {
		var e domain.LiabilityEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.LegalEntityID, &e.SourceType, &e.SourceID, &e.ErrorOrigin,
			&e.LiabilityParty, &e.LossAmount, &e.RecoveryPath, &e.RecoveryStatus, &e.RecoveryAmount,
			&e.DeterminationReason, &e.IdempotencyKey, &e.CreatedAt, &e.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan liability event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) LiabilitySummary(ctx context.Context, tenantID uuid.UUID) ([]LiabilitySummaryRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT liability_party, recovery_status, COUNT(*), COALESCE(SUM(loss_amount), 0)
		FROM psp_liability_event
		WHERE tenant_id = $1
		GROUP BY liability_party, recovery_status
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("liability summary: %w", err)
	}
	defer rows.Close()

	var out []LiabilitySummaryRow
	for rows.Next() {
		var row LiabilitySummaryRow
		if err := rows.Scan(&row.LiabilityParty, &row.RecoveryStatus, &row.Count, &row.TotalLoss); err != nil {
			return nil, fmt.Errorf("scan liability summary row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
