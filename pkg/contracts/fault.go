package contracts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the step/invocation error taxonomy. Every error surfaced by
// the executor or a tool adapter is classified into exactly one kind.
type ErrorKind string

const (
	ErrTransientNetwork ErrorKind = "transient_network"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrAuth             ErrorKind = "auth"
	ErrInvalidInput     ErrorKind = "invalid_input"
	ErrNotFound         ErrorKind = "not_found"
	ErrConflict         ErrorKind = "conflict"
	ErrPolicyDenied     ErrorKind = "policy_denied"
	ErrIdempotency      ErrorKind = "idempotency"
	ErrBudgetExceeded   ErrorKind = "budget_exceeded"
	ErrTimeout          ErrorKind = "timeout"
	ErrInternal         ErrorKind = "internal"
)

// Retryable reports whether the kind is eligible for the retry loop.
// auth, invalid_input and policy_denied fail fast; idempotency and budget
// shortfalls cannot be cured by retrying either.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTransientNetwork, ErrRateLimited, ErrTimeout, ErrConflict, ErrInternal:
		return true
	}
	return false
}

// Fault is a classified kernel error. RetryAfter is honored for
// rate_limited faults when the server supplied a backoff hint.
type Fault struct {
	Kind       ErrorKind     `json:"kind"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Faultf builds a Fault with a formatted message.
func Faultf(kind ErrorKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsFault extracts a *Fault from err's chain, or nil.
func AsFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Classify maps an arbitrary error to a Fault. Context deadline expiry maps
// to timeout, cancellation to internal; anything unrecognized is internal.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}
	if f := AsFault(err); f != nil {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Kind: ErrTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Kind: ErrInternal, Message: err.Error()}
	}
	return &Fault{Kind: ErrInternal, Message: err.Error()}
}
