// Package fundinggate evaluates whether a pay run has enough money behind it
// to commit and, later, to actually pay. Two decision procedures share one
// shape: compute what's required, compute what's available, compare, and
// persist the decision so a retried evaluation replays rather than reruns.
package fundinggate

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
	"github.com/mcp-tool-shop/payroll-engine/internal/store"
)

// spikeLookback is how many recent paid pay runs the commit gate averages
// against when checking for an unusually large payroll.
const spikeLookback = 6

// spikeThreshold is the multiple of the trailing average net pay above which
// a pay run is flagged as a spike.
var spikeThreshold = decimal.NewFromFloat(1.5)

// Policy is the client's configured strictness for the commit gate.
type Policy string

const (
	PolicyStrict Policy = "strict"
	PolicyHybrid Policy = "hybrid"
)

// requirement is the funding-model-adjusted amount breakdown a pay run needs
// covered before it can be committed or paid.
type requirement struct {
	NetPay     decimal.Decimal
	Taxes      decimal.Decimal
	ThirdParty decimal.Decimal
	Fees       decimal.Decimal
}

func (r requirement) total() decimal.Decimal {
	return r.NetPay.Add(r.Taxes).Add(r.ThirdParty).Add(r.Fees)
}

// Evaluator runs the commit gate and pay gate against a pay run.
type Evaluator struct {
	repo store.Repository
}

func New(repo store.Repository) *Evaluator {
	return &Evaluator{repo: repo}
}

// CommitParams is the input to EvaluateCommitGate.
type CommitParams struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	PayRunID       uuid.UUID
	FundingModel   domain.FundingModel
	IdempotencyKey string
	Policy         Policy
}

// EvaluateCommitGate decides whether a pay run may be marked committed.
// Under PolicyStrict a non-pass outcome is hard_fail and blocks commit;
// under PolicyHybrid it is soft_fail, which allows commit but leaves the pay
// gate as the only thing standing between the batch and disbursement.
func (e *Evaluator) EvaluateCommitGate(ctx context.Context, p CommitParams) (domain.FundingGateEvaluation, error) {
	if existing, ok, err := e.existingEvaluation(ctx, p.TenantID, p.IdempotencyKey); err != nil {
		return domain.FundingGateEvaluation{}, err
	} else if ok {
		return existing, nil
	}

	req, err := e.computeRequirement(ctx, p.PayRunID, p.FundingModel)
	if err != nil {
		return domain.FundingGateEvaluation{}, err
	}

	available, err := e.clearingBalance(ctx, p.TenantID, p.LegalEntityID, false)
	if err != nil {
		return domain.FundingGateEvaluation{}, err
	}

	required := req.total()
	var reasons []domain.GateReason
	if available.LessThan(required) {
		shortfall := required.Sub(available)
		reasons = append(reasons, domain.GateReason{
			Code:      "insufficient_funds",
			Message:   fmt.Sprintf("Funding not received. Required %s USD, available %s USD.", required, available),
			Shortfall: &shortfall,
		})
	}

	spikeReason, err := e.checkSpike(ctx, p.TenantID, p.LegalEntityID, p.PayRunID, req.NetPay)
	if err != nil {
		return domain.FundingGateEvaluation{}, err
	}
	if spikeReason != nil {
		reasons = append(reasons, *spikeReason)
	}

	outcome := domain.GatePass
	if len(reasons) > 0 {
		if p.Policy == PolicyHybrid {
			outcome = domain.GateSoftFail
		} else {
			outcome = domain.GateHardFail
		}
	}

	return e.persist(ctx, domain.FundingGateEvaluation{
		TenantID:        p.TenantID,
		LegalEntityID:   p.LegalEntityID,
		GateType:        domain.GateCommit,
		Outcome:         outcome,
		RequiredAmount:  required,
		AvailableAmount: available,
		Reasons:         reasons,
		IdempotencyKey:  p.IdempotencyKey,
	})
}

// PayParams is the input to EvaluatePayGate.
type PayParams struct {
	TenantID       uuid.UUID
	LegalEntityID  uuid.UUID
	PayRunID       uuid.UUID
	IdempotencyKey string
}

// EvaluatePayGate decides whether a pay run may actually be disbursed. It is
// always strict and always requires the full prefund_all amount regardless
// of the client's configured funding model, and its availability figure is
// net of every active reservation on the clearing account: this is the last
// check before money moves, so it is never permissive.
func (e *Evaluator) EvaluatePayGate(ctx context.Context, p PayParams) (domain.FundingGateEvaluation, error) {
	if existing, ok, err := e.existingEvaluation(ctx, p.TenantID, p.IdempotencyKey); err != nil {
		return domain.FundingGateEvaluation{}, err
	} else if ok {
		return existing, nil
	}

	req, err := e.computeRequirement(ctx, p.PayRunID, domain.FundingPrefundAll)
	if err != nil {
		return domain.FundingGateEvaluation{}, err
	}

	available, err := e.clearingBalance(ctx, p.TenantID, p.LegalEntityID, true)
	if err != nil {
		return domain.FundingGateEvaluation{}, err
	}

	required := req.total()
	var reasons []domain.GateReason
	if available.LessThan(required) {
		shortfall := required.Sub(available)
		reasons = append(reasons, domain.GateReason{
			Code:      "insufficient_funds",
			Message:   fmt.Sprintf("Cannot disburse. Required %s USD, available %s USD.", required, available),
			Shortfall: &shortfall,
		})
	}

	outcome := domain.GatePass
	if len(reasons) > 0 {
		outcome = domain.GateHardFail
	}

	return e.persist(ctx, domain.FundingGateEvaluation{
		TenantID:        p.TenantID,
		LegalEntityID:   p.LegalEntityID,
		GateType:        domain.GatePay,
		Outcome:         outcome,
		RequiredAmount:  required,
		AvailableAmount: available,
		Reasons:         reasons,
		IdempotencyKey:  p.IdempotencyKey,
	})
}

func (e *Evaluator) existingEvaluation(ctx context.Context, tenantID uuid.UUID, idempotencyKey string) (domain.FundingGateEvaluation, bool, error) {
	existing, err := e.repo.FindGateEvaluationByKey(ctx, tenantID, idempotencyKey)
	if err == store.ErrGateEvaluationNotFound {
		return domain.FundingGateEvaluation{}, false, nil
	}
	if err != nil {
		return domain.FundingGateEvaluation{}, false, fmt.Errorf("look up existing gate evaluation: %w", err)
	}
	return *existing, true, nil
}

// computeRequirement pulls the pay run's raw amount breakdown and zeroes out
// the components the funding model doesn't require up front. prefund_all and
// split_schedule require everything; fees are never populated by payroll
// totals today, so they stay zero for every model until a fee schedule feeds
// this computation.
func (e *Evaluator) computeRequirement(ctx context.Context, payRunID uuid.UUID, model domain.FundingModel) (requirement, error) {
	totals, err := e.repo.PayrollTotals(ctx, payRunID)
	if err != nil {
		return requirement{}, fmt.Errorf("compute funding requirement: %w", err)
	}

	req := requirement{NetPay: totals.NetPay, Taxes: totals.Taxes, ThirdParty: totals.ThirdParty}
	switch model {
	case domain.FundingNetOnly:
		req.Taxes = decimal.Zero
		req.ThirdParty = decimal.Zero
	case domain.FundingNetAndThirdParty:
		req.Taxes = decimal.Zero
	case domain.FundingPrefundAll, domain.FundingSplitSchedule:
		// require everything as computed
	default:
		return requirement{}, &pspx.ValidationError{Field: "funding_model", Message: fmt.Sprintf("unknown funding model: %s", model)}
	}
	return req, nil
}

// clearingBalance resolves the legal entity's client_funding_clearing
// account and returns its available balance, optionally net of active
// reservations.
func (e *Evaluator) clearingBalance(ctx context.Context, tenantID, legalEntityID uuid.UUID, includeReservations bool) (decimal.Decimal, error) {
	accountID, err := e.repo.GetOrCreateAccount(ctx, tenantID, legalEntityID, domain.AccountClientFundingClearing, "USD")
	if err != nil {
		return decimal.Zero, fmt.Errorf("resolve clearing account: %w", err)
	}

	credits, err := e.repo.SumCredits(ctx, tenantID, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum clearing credits: %w", err)
	}
	debits, err := e.repo.SumDebits(ctx, tenantID, accountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum clearing debits: %w", err)
	}
	available := credits.Sub(debits)

	if includeReservations {
		reserved, err := e.repo.SumActiveReservationsForLegalEntity(ctx, tenantID, legalEntityID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("sum active reservations: %w", err)
		}
		available = available.Sub(reserved)
	}

	return available, nil
}

// checkSpike flags a pay run whose net pay is more than 1.5x the trailing
// average of the legal entity's last six paid pay runs. A warning-severity
// reason still blocks a pass outcome; it only decides whether the resulting
// non-pass is soft or hard.
func (e *Evaluator) checkSpike(ctx context.Context, tenantID, legalEntityID, payRunID uuid.UUID, netPay decimal.Decimal) (*domain.GateReason, error) {
	avg, hasData, err := e.repo.RecentAverageNetPay(ctx, tenantID, legalEntityID, payRunID, spikeLookback)
	if err != nil {
		return nil, fmt.Errorf("check spike: %w", err)
	}
	if !hasData || avg.Sign() <= 0 {
		return nil, nil
	}
	if netPay.LessThanOrEqual(avg.Mul(spikeThreshold)) {
		return nil, nil
	}
	return &domain.GateReason{
		Code:     "spike_detected",
		Message:  fmt.Sprintf("Payroll amount %s is 50%%+ above recent average %s.", netPay, avg),
		Severity: "warning",
	}, nil
}

func (e *Evaluator) persist(ctx context.Context, eval domain.FundingGateEvaluation) (domain.FundingGateEvaluation, error) {
	id, isNew, err := e.repo.InsertGateEvaluation(ctx, &eval)
	if err != nil {
		return domain.FundingGateEvaluation{}, fmt.Errorf("persist gate evaluation: %w", err)
	}
	if !isNew {
		existing, err := e.repo.GetGateEvaluationByID(ctx, eval.TenantID, id)
		if err != nil {
			return domain.FundingGateEvaluation{}, fmt.Errorf("fetch existing gate evaluation: %w", err)
		}
		return *existing, nil
	}
	eval.ID = id
	return eval, nil
}
