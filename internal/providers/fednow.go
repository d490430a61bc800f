package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
)

// fedNowMaxPerTxn is the $500,000 per-transaction limit FedNow enforces as
// of 2024; a submission above it is rejected before it is ever tracked.
var fedNowMaxPerTxn = decimal.NewFromInt(500000)

var fedNowReturnCodes = map[string]domain.ReturnCodeReference{
	"AC01": {Rail: string(RailFedNow), Code: "AC01", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: false, Description: "Incorrect Account Number"},
	"AC04": {Rail: string(RailFedNow), Code: "AC04", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "Closed Account Number"},
	"AC06": {Rail: string(RailFedNow), Code: "AC06", DefaultErrorOrigin: domain.OriginRecipient, DefaultLiabilityParty: domain.LiabilityPending, IsRecoverable: false, Description: "Blocked Account"},
	"AM02": {Rail: string(RailFedNow), Code: "AM02", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: false, Description: "Not Allowed Amount"},
	"AM04": {Rail: string(RailFedNow), Code: "AM04", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: true, Description: "Insufficient Funds"},
	"BE04": {Rail: string(RailFedNow), Code: "BE04", DefaultErrorOrigin: domain.OriginClient, DefaultLiabilityParty: domain.LiabilityEmployer, IsRecoverable: false, Description: "Missing Creditor Address"},
	"NARR": {Rail: string(RailFedNow), Code: "NARR", DefaultErrorOrigin: domain.OriginProvider, DefaultLiabilityParty: domain.LiabilityProcessor, IsRecoverable: false, Description: "Narrative (general)"},
	"RJCT": {Rail: string(RailFedNow), Code: "RJCT", DefaultErrorOrigin: domain.OriginProvider, DefaultLiabilityParty: domain.LiabilityProcessor, IsRecoverable: false, Description: "Rejected by receiving bank"},
}

type fedNowSubmission struct {
	input           SubmitInput
	messageID       string
	submittedAt     time.Time
	settlementDate  time.Time
	status          domain.SettlementStatus
	returnCode      *string
	returnReason    *string
}

// FedNowProvider is a stub for the Federal Reserve's instant payment rail:
// unlike ACH, submissions settle (or reject) synchronously within the
// Submit call itself.
type FedNowProvider struct {
	autoSettle    bool
	webhookSecret string
	nextMessageID func() string

	mu   sync.Mutex
	subs map[string]*fedNowSubmission
}

func NewFedNowProvider(autoSettle bool, webhookSecret string, nextMessageID func() string) *FedNowProvider {
	return &FedNowProvider{autoSettle: autoSettle, webhookSecret: webhookSecret, nextMessageID: nextMessageID, subs: map[string]*fedNowSubmission{}}
}

func (p *FedNowProvider) Name() string { return "fednow_stub" }

func (p *FedNowProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportedRails: []Rail{RailFedNow, RailRTP},
		CutoffTimes: map[string]string{
			"availability": "24/7/365",
		},
		MaxPerTxn: map[string]decimal.Decimal{
			"fednow": fedNowMaxPerTxn,
			"rtp":    fedNowMaxPerTxn,
		},
		ReturnCodeMap: fedNowReturnCodes,
		SettlementTimeline: map[string]string{
			"fednow_credit": "instant",
		},
		SupportsCancel: false,
		SupportsBatch:  false,
	}
}

func (p *FedNowProvider) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	providerRequestID := "FEDNOW-" + in.IdempotencyKey

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.subs[providerRequestID]; ok {
		return fedNowResultFromExisting(providerRequestID, existing), nil
	}

	if in.Amount.GreaterThan(fedNowMaxPerTxn) {
		return SubmitResult{}, &pspx.ProviderError{
			Retryable: false,
			Code:      "AM02",
			Message:   fmt.Sprintf("FedNow limit exceeded: max %s per transaction", fedNowMaxPerTxn),
		}
	}

	now := time.Now().UTC()
	sub := &fedNowSubmission{
		input:          in,
		messageID:      p.nextMessageID(),
		submittedAt:    now,
		settlementDate: now,
		status:         domain.SettlementAccepted,
	}
	if p.autoSettle {
		sub.status = domain.SettlementSettled
	}
	p.subs[providerRequestID] = sub

	return fedNowResultFromExisting(providerRequestID, sub), nil
}

func fedNowResultFromExisting(providerRequestID string, sub *fedNowSubmission) SubmitResult {
	settlementDate := sub.settlementDate
	return SubmitResult{
		ProviderRequestID:       providerRequestID,
		Status:                  domain.AttemptAccepted,
		Message:                 "FedNow stub accepted - instant settlement",
		TraceID:                 &sub.messageID,
		EstimatedSettlementDate: &settlementDate,
	}
}

func (p *FedNowProvider) GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[providerRequestID]
	if !ok {
		return StatusResult{}, ErrSubmissionNotFound
	}
	effective := sub.settlementDate
	return StatusResult{
		Status:          sub.status,
		Message:         "FedNow stub status",
		ExternalTraceID: &sub.messageID,
		EffectiveDate:   &effective,
		ReturnCode:      sub.returnCode,
	}, nil
}

// Cancel always fails: FedNow settles instantly and offers no cancellation
// window once a payment is accepted.
func (p *FedNowProvider) Cancel(ctx context.Context, providerRequestID string) (CancelResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[providerRequestID]
	if !ok {
		return CancelResult{}, ErrSubmissionNotFound
	}
	if sub.status == domain.SettlementSettled {
		return CancelResult{Success: false, Message: "FedNow payments cannot be cancelled after settlement; use the recall process"}, nil
	}
	return CancelResult{Success: false, Message: "FedNow payments settle instantly and cannot be cancelled"}, nil
}

func (p *FedNowProvider) Reconcile(ctx context.Context, date time.Time) ([]SettlementRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []SettlementRecord
	for reqID, sub := range p.subs {
		if !sameDate(sub.settlementDate, date) {
			continue
		}
		effective := sub.settlementDate
		out = append(out, SettlementRecord{
			ExternalTraceID: sub.messageID,
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

type fedNowWebhookPayload struct {
	ProviderRequestID string  `json:"provider_request_id"`
	Status            string  `json:"status"`
	ReturnCode        *string `json:"return_code"`
	ReturnReason      *string `json:"return_reason"`
}

func (p *FedNowProvider) ParseWebhook(body []byte, headers http.Header) (*SettlementRecord, error) {
	if err := verifyHMACSignature(body, headers, "X-FedNow-Signature", p.webhookSecret); err != nil {
		return nil, err
	}

	var payload fedNowWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse fednow webhook body: %w", err)
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

	effective := sub.settlementDate
	return &SettlementRecord{
		ExternalTraceID: sub.messageID,
		EffectiveDate:   &effective,
		Status:          sub.status,
		Amount:          sub.input.Amount,
		Currency:        sub.input.Currency,
		Direction:       sub.input.Direction,
		RawPayload:      map[string]any{"provider_request_id": payload.ProviderRequestID},
		ReturnCode:      sub.returnCode,
	}, nil
}

// SimulateReject forces a tracked submission into rejected with a reason
// code, for exercising liability classification in tests without waiting on
// a real FedNow reject message.
func (p *FedNowProvider) SimulateReject(providerRequestID, rejectCode, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[providerRequestID]
	if !ok {
		return ErrSubmissionNotFound
	}
	sub.status = domain.SettlementRejected
	sub.returnCode = &rejectCode
	sub.returnReason = &reason
	return nil
}
