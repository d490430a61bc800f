package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
)

// ErrSubmissionNotFound is returned by GetStatus/Cancel for a
// provider_request_id the adapter never submitted.
var ErrSubmissionNotFound = errors.New("provider: submission not found")

// achReturnCodes is the reference-table return vocabulary for ACH returns.
var achReturnCodes = map[string]domain.ReturnCodeReference{
	"R01": {Rail: string(RailACH), Code: "R01", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: true, Description: "Insufficient Funds"},
	"R02": {Rail: string(RailACH), Code: "R02", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "Account Closed"},
	"R03": {Rail: string(RailACH), Code: "R03", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "No Account/Unable to Locate"},
	"R04": {Rail: string(RailACH), Code: "R04", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "Invalid Account Number"},
	"R05": {Rail: string(RailACH), Code: "R05", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPSP, IsRecoverable: false, Description: "Unauthorized Debit to Consumer Account"},
	"R06": {Rail: string(RailACH), Code: "R06", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: false, Description: "Returned per ODFI's Request"},
	"R07": {Rail: string(RailACH), Code: "R07", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPSP, IsRecoverable: false, Description: "Authorization Revoked by Customer"},
	"R08": {Rail: string(RailACH), Code: "R08", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: false, Description: "Payment Stopped"},
	"R09": {Rail: string(RailACH), Code: "R09", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: true, Description: "Uncollected Funds"},
	"R10": {Rail: string(RailACH), Code: "R10", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPSP, IsRecoverable: false, Description: "Customer Advises Unauthorized"},
	"R16": {Rail: string(RailACH), Code: "R16", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "Account Frozen"},
	"R20": {Rail: string(RailACH), Code: "R20", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "Non-Transaction Account"},
	"R29": {Rail: string(RailACH), Code: "R29", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPSP, IsRecoverable: false, Description: "Corporate Customer Advises Not Authorized"},
}

type achSubmission struct {
	input                SubmitInput
	traceID              string
	submittedAt          time.Time
	estimatedSettlement  time.Time
	status               domain.SettlementStatus
	returnCode           *string
	returnReason         *string
}

// AchProvider is a stub NACHA-style ACH adapter for local development: it
// tracks submissions in memory and settles them on a timer the caller
// controls (auto-settle or via SimulateSettlement/SimulateReturn), rather
// than actually building NACHA files or calling a bank API.
type AchProvider struct {
	autoSettle    bool
	webhookSecret string

	mu   sync.Mutex
	subs map[string]*achSubmission
}

func NewAchProvider(autoSettle bool, webhookSecret string) *AchProvider {
	return &AchProvider{autoSettle: autoSettle, webhookSecret: webhookSecret, subs: map[string]*achSubmission{}}
}

func (p *AchProvider) Name() string { return "ach_stub" }

func (p *AchProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportedRails: []Rail{RailACH},
		CutoffTimes: map[string]string{
			"ach_same_day": "14:00 CT",
			"ach_standard": "17:00 CT",
		},
		MaxPerTxn: map[string]decimal.Decimal{
			"ach_same_day": decimal.NewFromInt(1000000),
			"ach_standard": decimal.NewFromInt(99999999),
		},
		ReturnCodeMap: achReturnCodes,
		SettlementTimeline: map[string]string{
			"ach_credit_same_day": "same_day",
			"ach_credit_standard": "t+1",
			"ach_debit_standard":  "t+2",
		},
		SupportsCancel: true,
		SupportsBatch:  true,
	}
}

func (p *AchProvider) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	providerRequestID := "ACHSTUB-" + in.IdempotencyKey

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.subs[providerRequestID]; ok {
		return submitResultFromExisting(providerRequestID, existing), nil
	}

	now := time.Now().UTC()
	traceID := fmt.Sprintf("ACHSTUB%s%s", now.Format("20060102"), shortID(in.InstructionID))

	estSettlement := now.AddDate(0, 0, 1)
	if in.RequestedSettlementDate != nil {
		estSettlement = *in.RequestedSettlementDate
	}

	status := domain.SettlementAccepted
	if p.autoSettle {
		status = domain.SettlementSettled
	}

	sub := &achSubmission{
		input:               in,
		traceID:             traceID,
		submittedAt:         now,
		estimatedSettlement: estSettlement,
		status:              status,
	}
	p.subs[providerRequestID] = sub

	return submitResultFromExisting(providerRequestID, sub), nil
}

func submitResultFromExisting(providerRequestID string, sub *achSubmission) SubmitResult {
	est := sub.estimatedSettlement
	return SubmitResult{
		ProviderRequestID:       providerRequestID,
		Status:                  domain.AttemptAccepted,
		Message:                 "ACH stub accepted",
		TraceID:                 &sub.traceID,
		EstimatedSettlementDate: &est,
	}
}

func (p *AchProvider) GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[providerRequestID]
	if !ok {
		return StatusResult{}, ErrSubmissionNotFound
	}
	effective := sub.estimatedSettlement
	return StatusResult{
		Status:          sub.status,
		Message:         "ACH stub status",
		ExternalTraceID: &sub.traceID,
		EffectiveDate:   &effective,
		ReturnCode:      sub.returnCode,
	}, nil
}

func (p *AchProvider) Cancel(ctx context.Context, providerRequestID string) (CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[providerRequestID]
	if !ok {
		return CancelResult{}, ErrSubmissionNotFound
	}
	if sub.status == domain.SettlementSettled || sub.status == domain.SettlementFailed {
		return CancelResult{Success: false, Message: "cannot cancel settled/failed payment"}, nil
	}
	sub.status = domain.SettlementCanceled
	return CancelResult{Success: true, Message: "ACH stub canceled"}, nil
}

func (p *AchProvider) Reconcile(ctx context.Context, date time.Time) ([]SettlementRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []SettlementRecord
	for reqID, sub := range p.subs {
		if !sameDate(sub.estimatedSettlement, date) {
			continue
		}
		effective := sub.estimatedSettlement
		out = append(out, SettlementRecord{
			ExternalTraceID: sub.traceID,
			EffectiveDate:   &effective,
			Status:          sub.status,
			Amount:          sub.input.Amount,
			Currency:        sub.input.Currency,
			Direction:       sub.input.Direction,
			RawPayload:      map[string]any{"provider_request_id": reqID},
			ReturnCode:      sub.returnCode,
		})
	}
	return out, nil
}

type achWebhookPayload struct {
	ProviderRequestID string  `json:"provider_request_id"`
	Status             string  `json:"status"`
	ReturnCode         *string `json:"return_code"`
	ReturnReason       *string `json:"return_reason"`
}

func (p *AchProvider) ParseWebhook(body []byte, headers http.Header) (*SettlementRecord, error) {
	if err := verifyHMACSignature(body, headers, "X-ACH-Signature", p.webhookSecret); err != nil {
		return nil, err
	}

	var payload achWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse ach webhook body: %w", err)
	}

	p.mu.Lock()
	sub, ok := p.subs[payload.ProviderRequestID]
	if ok {
		sub.status = domain.SettlementStatus(payload.Status)
		sub.returnCode = payload.ReturnCode
		sub.returnReason = payload.ReturnReason
	}
	p.mu.Unlock()
	if !ok {
		return nil, ErrSubmissionNotFound
	}

	effective := sub.estimatedSettlement
	return &SettlementRecord{
		ExternalTraceID: sub.traceID,
		EffectiveDate:   &effective,
		Status:          sub.status,
		Amount:          sub.input.Amount,
		Currency:        sub.input.Currency,
		Direction:       sub.input.Direction,
		RawPayload:      map[string]any{"provider_request_id": payload.ProviderRequestID},
		ReturnCode:      sub.returnCode,
	}, nil
}

// SimulateSettlement forces a tracked submission straight to settled, for
// local development and integration tests that don't want to wait on
// auto-settle timing.
func (p *AchProvider) SimulateSettlement(providerRequestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[providerRequestID]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.status = domain.SettlementSettled
	return nil
}

// SimulateReturn forces a tracked submission into returned with an R-code,
// for exercising the reconciler's return-handling path in tests.
func (p *AchProvider) SimulateReturn(providerRequestID, returnCode, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[providerRequestID]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.status = domain.SettlementReturned
	sub.returnCode = &returnCode
	sub.returnReason = &reason
	return nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToUpper(id)
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
