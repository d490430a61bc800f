package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

type recorderLogStub struct {
	Log

	appended []Event
	appendErr error
}

func (s *recorderLogStub) Append(ctx context.Context, e Event) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, e)
	return nil
}

type recorderPublisherStub struct {
	published []Event
	publishErr error
}

func (s *recorderPublisherStub) Publish(ctx context.Context, e Event) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, e)
	return nil
}

func (s *recorderPublisherStub) Close() {}

func discardEventsLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorder_AppendsThenPublishes(t *testing.T) {
	log := &recorderLogStub{}
	pub := &recorderPublisherStub{}
	r := NewRecorder(log, pub, discardEventsLogger())

	e := New(uuid.New(), TypePaymentSubmitted, uuid.Nil, nil, map[string]any{"instruction_id": "abc"})
	if err := r.Record(context.Background(), e); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if len(log.appended) != 1 {
		t.Fatalf("expected 1 event appended, got %d", len(log.appended))
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 event published, got %d", len(pub.published))
	}
}

func TestRecorder_PublishFailureDoesNotFailRecord(t *testing.T) {
	log := &recorderLogStub{}
	pub := &recorderPublisherStub{publishErr: errors.New("broker unreachable")}
	r := NewRecorder(log, pub, discardEventsLogger())

	e := New(uuid.New(), TypePaymentFailed, uuid.Nil, nil, nil)
	if err := r.Record(context.Background(), e); err != nil {
		t.Fatalf("Record should swallow publish errors, got: %v", err)
	}
	if len(log.appended) != 1 {
		t.Fatalf("expected append to still happen, got %d", len(log.appended))
	}
}

func TestRecorder_AppendFailurePropagates(t *testing.T) {
	log := &recorderLogStub{appendErr: errors.New("db unavailable")}
	pub := &recorderPublisherStub{}
	r := NewRecorder(log, pub, discardEventsLogger())

	e := New(uuid.New(), TypeLedgerEntryPosted, uuid.Nil, nil, nil)
	if err := r.Record(context.Background(), e); err == nil {
		t.Fatal("expected error when append fails, got nil")
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no publish attempt when append fails, got %d", len(pub.published))
	}
}

func TestNew_DefaultsCorrelationIDToOwnEventID(t *testing.T) {
	e := New(uuid.New(), TypeFundingRequested, uuid.Nil, nil, nil)
	if e.CorrelationID != e.ID {
		t.Fatalf("expected correlation id to default to event id, got %s vs %s", e.CorrelationID, e.ID)
	}
}

func TestNew_PreservesGivenCorrelationID(t *testing.T) {
	corr := uuid.New()
	e := New(uuid.New(), TypeFundingApproved, corr, nil, nil)
	if e.CorrelationID != corr {
		t.Fatalf("expected given correlation id preserved, got %s", e.CorrelationID)
	}
}
