package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
	"github.com/mcp-tool-shop/payroll-engine/internal/pspx"
)

func signedHeaders(t *testing.T, headerName, secret string, body []byte) http.Header {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	h := http.Header{}
	h.Set(headerName, sig)
	return h
}

func TestAchProvider_CapabilitiesAdvertiseACHOnly(t *testing.T) {
	p := NewAchProvider(true, "secret")
	caps := p.Capabilities()
	if len(caps.SupportedRails) != 1 || caps.SupportedRails[0] != RailACH {
		t.Fatalf("expected ach-only rail support, got %v", caps.SupportedRails)
	}
	if !caps.SupportsCancel || !caps.SupportsBatch {
		t.Fatal("expected ACH stub to support cancel and batch")
	}
}

func TestAchProvider_SubmitIsIdempotentByKey(t *testing.T) {
	p := NewAchProvider(true, "secret")
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "instr-1", Amount: decimal.NewFromInt(500), Currency: "USD"}

	first, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if first.ProviderRequestID != second.ProviderRequestID {
		t.Fatal("expected same provider_request_id on replay")
	}
	if *first.TraceID != *second.TraceID {
		t.Fatal("expected replay to return the original trace id, not a new one")
	}
}

func TestAchProvider_AutoSettleFalseLeavesSubmissionAccepted(t *testing.T) {
	p := NewAchProvider(false, "secret")
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "instr-2", Amount: decimal.NewFromInt(500)}
	res, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	status, err := p.GetStatus(context.Background(), res.ProviderRequestID)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != domain.SettlementAccepted {
		t.Fatalf("expected accepted (not settled) when auto_settle is off, got %s", status.Status)
	}
}

func TestAchProvider_CancelRefusedAfterSettlement(t *testing.T) {
	p := NewAchProvider(true, "secret")
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "instr-3", Amount: decimal.NewFromInt(500)}
	res, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	cancel, err := p.Cancel(context.Background(), res.ProviderRequestID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancel.Success {
		t.Fatal("expected cancel to be refused once settled")
	}
}

func TestAchProvider_ReconcileFiltersByEstimatedSettlementDate(t *testing.T) {
	p := NewAchProvider(false, "secret")
	target := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	other := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	in1 := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "instr-4", Amount: decimal.NewFromInt(100), RequestedSettlementDate: &target}
	in2 := SubmitInput{InstructionID: "22222222-2222-3333-4444-555555555555", IdempotencyKey: "instr-5", Amount: decimal.NewFromInt(200), RequestedSettlementDate: &other}
	if _, err := p.Submit(context.Background(), in1); err != nil {
		t.Fatalf("submit 1 failed: %v", err)
	}
	if _, err := p.Submit(context.Background(), in2); err != nil {
		t.Fatalf("submit 2 failed: %v", err)
	}

	recs, err := p.Reconcile(context.Background(), target)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected exactly one record for the target date, got %d", len(recs))
	}
}

func TestAchProvider_ParseWebhookRejectsBadSignature(t *testing.T) {
	p := NewAchProvider(true, "secret")
	body := []byte(`{"provider_request_id":"ACHSTUB-instr-6","status":"settled"}`)
	headers := http.Header{}
	headers.Set("X-ACH-Signature", "not-the-right-signature")

	_, err := p.ParseWebhook(body, headers)
	var secErr *pspx.SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected a security error on signature mismatch, got %v", err)
	}
}

func TestAchProvider_ParseWebhookUpdatesTrackedStatus(t *testing.T) {
	p := NewAchProvider(false, "secret")
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "instr-7", Amount: decimal.NewFromInt(500)}
	res, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	payload := achWebhookPayload{ProviderRequestID: res.ProviderRequestID, Status: string(domain.SettlementReturned)}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload failed: %v", err)
	}
	headers := signedHeaders(t, "X-ACH-Signature", "secret", body)

	rec, err := p.ParseWebhook(body, headers)
	if err != nil {
		t.Fatalf("parse webhook failed: %v", err)
	}
	if rec.Status != domain.SettlementReturned {
		t.Fatalf("expected returned status, got %s", rec.Status)
	}
}

func TestFedNowProvider_CapabilitiesAdvertiseInstantSettlement(t *testing.T) {
	p := NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	caps := p.Capabilities()
	if caps.SupportsCancel {
		t.Fatal("expected FedNow stub to never support cancel")
	}
	if caps.SettlementTimeline["fednow_credit"] != "instant" {
		t.Fatalf("expected instant settlement timeline, got %v", caps.SettlementTimeline)
	}
}

func TestFedNowProvider_RejectsOverLimitAmount(t *testing.T) {
	p := NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "fn-1", Amount: decimal.NewFromInt(500001)}

	_, err := p.Submit(context.Background(), in)
	var perr *pspx.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected a provider error for over-limit amount, got %v", err)
	}
	if perr.Retryable {
		t.Fatal("expected the limit rejection to be non-retryable")
	}
}

func TestFedNowProvider_SubmitIsIdempotentByKey(t *testing.T) {
	p := NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "fn-2", Amount: decimal.NewFromInt(1000)}

	first, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := p.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if first.ProviderRequestID != second.ProviderRequestID {
		t.Fatal("expected same provider_request_id on replay")
	}
}

func TestFedNowProvider_CancelAlwaysRefusedWithSettlementSpecificMessage(t *testing.T) {
	settled := NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	in := SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "fn-3", Amount: decimal.NewFromInt(1000)}
	res, err := settled.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	cancel, err := settled.Cancel(context.Background(), res.ProviderRequestID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancel.Success {
		t.Fatal("expected FedNow cancel to always fail")
	}

	notSettled := NewFedNowProvider(false, "secret", func() string { return "FEDNOWTEST" })
	res2, err := notSettled.Submit(context.Background(), SubmitInput{InstructionID: "22222222-2222-3333-4444-555555555555", IdempotencyKey: "fn-4", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	cancel2, err := notSettled.Cancel(context.Background(), res2.ProviderRequestID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancel2.Message == cancel.Message {
		t.Fatal("expected a different refusal message for a not-yet-settled payment")
	}
}

func TestFedNowProvider_SimulateRejectSetsReturnCode(t *testing.T) {
	p := NewFedNowProvider(true, "secret", func() string { return "FEDNOWTEST" })
	res, err := p.Submit(context.Background(), SubmitInput{InstructionID: "11111111-2222-3333-4444-555555555555", IdempotencyKey: "fn-5", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := p.SimulateReject(res.ProviderRequestID, "AC01", "incorrect account number"); err != nil {
		t.Fatalf("simulate reject failed: %v", err)
	}
	status, err := p.GetStatus(context.Background(), res.ProviderRequestID)
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != domain.SettlementRejected || status.ReturnCode == nil || *status.ReturnCode != "AC01" {
		t.Fatalf("expected rejected/AC01, got status=%s code=%v", status.Status, status.ReturnCode)
	}
}

func TestClassify_UsesProviderErrorRetryableFlag(t *testing.T) {
	if !Classify(&pspx.ProviderError{Retryable: true}) {
		t.Fatal("expected retryable provider error to classify as retryable")
	}
	if Classify(&pspx.ProviderError{Retryable: false}) {
		t.Fatal("expected non-retryable provider error to classify as non-retryable")
	}
	if Classify(errors.New("plain error")) {
		t.Fatal("expected a plain error to classify as non-retryable")
	}
}
