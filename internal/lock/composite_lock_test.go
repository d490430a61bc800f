package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type lockerStub struct {
	acquireErr error
	acquired   bool
	released   bool
}

func (s *lockerStub) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	s.acquired = true
	return func(context.Context) error {
		s.released = true
		return nil
	}, nil
}

func discardLockLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompositeLocker_UsesPrimaryWhenAvailable(t *testing.T) {
	primary := &lockerStub{}
	fallback := &lockerStub{}
	c := NewCompositeLocker(primary, fallback, discardLockLogger())

	release, err := c.Acquire(context.Background(), "instr-1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if !primary.acquired {
		t.Fatal("expected primary locker to be used")
	}
	if fallback.acquired {
		t.Fatal("expected fallback locker not to be used")
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release returned error: %v", err)
	}
	if !primary.released {
		t.Fatal("expected primary release to run")
	}
}

func TestCompositeLocker_FallsBackWhenPrimaryFails(t *testing.T) {
	primary := &lockerStub{acquireErr: errors.New("connection refused")}
	fallback := &lockerStub{}
	c := NewCompositeLocker(primary, fallback, discardLockLogger())

	_, err := c.Acquire(context.Background(), "instr-1")
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if !fallback.acquired {
		t.Fatal("expected fallback locker to be used when primary fails")
	}
}

func TestLockKeyHash_IsDeterministic(t *testing.T) {
	a := lockKeyHash("instruction:abc-123")
	b := lockKeyHash("instruction:abc-123")
	if a != b {
		t.Fatalf("expected same key to hash identically, got %d vs %d", a, b)
	}
}

func TestLockKeyHash_DiffersForDifferentKeys(t *testing.T) {
	a := lockKeyHash("instruction:abc-123")
	b := lockKeyHash("instruction:xyz-999")
	if a == b {
		t.Fatal("expected different keys to hash differently")
	}
}
