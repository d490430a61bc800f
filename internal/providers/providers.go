// Package providers defines the uniform contract every payment rail adapter
// implements, so the orchestrator submits, polls, cancels, and reconciles
// without knowing which bank or processor is on the other end.
package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
)

// Rail is the closed set of payment rail variants a provider may support.
type Rail string

const (
	RailACH    Rail = "ach"
	RailWire   Rail = "wire"
	RailRTP    Rail = "rtp"
	RailFedNow Rail = "fednow"
	RailCheck  Rail = "check"
)

// Capabilities describes what a provider supports, consulted by the
// orchestrator when it decides which rail to route an instruction over.
type Capabilities struct {
	SupportedRails      []Rail
	CutoffTimes         map[string]string
	MaxPerTxn           map[string]decimal.Decimal
	ReturnCodeMap       map[string]domain.ReturnCodeReference
	SettlementTimeline  map[string]string
	SupportsCancel      bool
	SupportsBatch       bool
}

// SubmitInput is everything a provider needs to submit a payment instruction,
// stripped down from the instruction record to only the fields a rail
// adapter should ever see.
type SubmitInput struct {
	InstructionID           string
	IdempotencyKey          string
	Amount                  decimal.Decimal
	Currency                string
	Direction               domain.Direction
	PayeeType               domain.PayeeType
	PayeeRefID              string
	PayeeRouting            string
	PayeeAccount            string
	RequestedSettlementDate *time.Time
	Metadata                map[string]any
}

// SubmitResult is what a provider reports immediately after accepting or
// rejecting a submission. Retryable only matters when Status is Failed.
type SubmitResult struct {
	ProviderRequestID       string
	Status                  domain.AttemptStatus
	Message                 string
	TraceID                 *string
	EstimatedSettlementDate *time.Time
	Retryable               bool
}

// StatusResult is a point-in-time snapshot of a previously submitted payment.
type StatusResult struct {
	Status          domain.SettlementStatus
	Message         string
	ExternalTraceID *string
	EffectiveDate   *time.Time
	ReturnCode      *string
}

// CancelResult reports whether a cancel request succeeded.
type CancelResult struct {
	Success  bool
	Message  string
	CanRetry bool
}

// SettlementRecord is one line of external truth a provider's reconcile feed
// or webhook produces, shaped to feed directly into the settlement
// reconciler without further translation.
type SettlementRecord struct {
	ExternalTraceID  string
	EffectiveDate    *time.Time
	Status           domain.SettlementStatus
	Amount           decimal.Decimal
	Currency         string
	Direction        domain.Direction
	RawPayload       map[string]any
	ReturnCode       *string
	OriginalTraceID  *string
}

// Provider is the uniform contract every rail adapter implements.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	// Submit must itself be idempotent when called twice with the same
	// instruction idempotency key.
	Submit(ctx context.Context, in SubmitInput) (SubmitResult, error)
	GetStatus(ctx context.Context, providerRequestID string) (StatusResult, error)
	Cancel(ctx context.Context, providerRequestID string) (CancelResult, error)
	Reconcile(ctx context.Context, date time.Time) ([]SettlementRecord, error)

	// ParseWebhook verifies the payload's signature before parsing it; a
	// signature failure is returned as *pspx.SecurityError, distinct from a
	// malformed-body parse error, so callers never treat the two the same way.
	ParseWebhook(body []byte, headers http.Header) (*SettlementRecord, error)
}

// Classify reports whether a provider-side error is safe to retry. It only
// has an opinion about *pspx.ProviderError; any other error is treated as
// non-retryable, since a rail adapter that didn't wrap its failure in a
// ProviderError hasn't told the orchestrator anything about retry safety.
func Classify(err error) bool {
	var perr *pspx.ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}
