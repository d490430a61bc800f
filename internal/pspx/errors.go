// Package pspx defines the error taxonomy shared across every PSP core
// component. Kinds are distinguished by type, not by string matching, so
// callers branch with errors.As.
package pspx

import "fmt"

// ValidationError is a boundary rejection: bad input, never written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// InvariantError indicates storage corruption or a broken core guarantee.
// It is fatal; the caller should halt the operation and alert.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s", e.Message)
}

// ConflictKind distinguishes benign idempotent replay from a genuine collision.
type ConflictKind string

const (
	ConflictKeyCollision      ConflictKind = "key_collision"
	ConflictStatusTransition  ConflictKind = "status_transition"
	ConflictAlreadyReversed   ConflictKind = "already_reversed"
)

// ConflictError is a recoverable conflict: idempotency-key collision with a
// different payload, or a rejected status transition.
type ConflictError struct {
	Kind    ConflictKind
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%s): %s", e.Kind, e.Message)
}

// InsufficientError is a business-level rejection: a gate hard-failed or a
// reservation could not be granted.
type InsufficientError struct {
	Message string
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient: %s", e.Message)
}

// ProviderError wraps a rail provider failure with a retry classification
// the orchestrator uses to decide whether to back off and retry.
type ProviderError struct {
	Retryable bool
	Code      string
	Message   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s, retryable=%t): %s", e.Code, e.Retryable, e.Message)
}

// SecurityError is a webhook signature failure or similar; the payload is
// never parsed further once this is raised.
type SecurityError struct {
	Message string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security: %s", e.Message)
}

// ErrAlreadyReversed is returned by Ledger.ReverseEntry when the original
// entry already has a reversal pointer set.
var ErrAlreadyReversed = &ConflictError{Kind: ConflictAlreadyReversed, Message: "entry already reversed"}
