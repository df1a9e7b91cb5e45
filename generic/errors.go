/*
errors.go - Centralized error taxonomy for the promotion engine

PURPOSE:
  All failure kinds in one place. Validation and business-rule failures are
  returned to the caller as typed errors, never swallowed. Callers decide
  whether to retry from the kind alone:

    ErrExhausted     quota fully consumed - do not retry
    ErrLockBusy      contention timeout   - retry with backoff
    ErrOutOfWindow   outside validity     - do not retry
    ErrTransientIO   store/cache failure  - retry; counter already compensated

ERROR CATEGORIES:
  1. Sentinel errors - use with errors.Is()
  2. Structured errors - carry context, Unwrap to their sentinel
  3. Helpers - Code() for transport mapping, IsRetryable()

CANCELLATION:
  A caller whose context is cancelled while waiting for a lock receives a
  LockError that unwraps to BOTH ErrLockBusy and the context error, so outer
  layers can still see errors.Is(err, context.Canceled).

SEE ALSO:
  - lock.go: Produces LockError
  - api/handlers.go: Maps Code() to HTTP status
  - metrics/metrics.go: Uses Code() as the failure label
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrPolicyNotFound is returned when a referenced coupon policy doesn't exist.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrOutOfWindow is returned when "now" is outside the policy's validity window.
	ErrOutOfWindow = errors.New("outside policy validity window")

	// ErrExhausted is returned when every coupon slot of a policy has been granted.
	ErrExhausted = errors.New("coupon quota exhausted")

	// ErrLockBusy is returned when a lock could not be acquired within its wait bound.
	ErrLockBusy = errors.New("resource busy, lock not acquired")

	// ErrLockNotHeld is returned when releasing a lease that expired or was taken over.
	ErrLockNotHeld = errors.New("lock not held by this lease")

	// ErrInsufficientBalance is returned when a use would make a balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyCancelled is returned when cancelling something already cancelled.
	ErrAlreadyCancelled = errors.New("already cancelled")

	// ErrNotFoundOrUnauthorized hides whether a resource is absent or owned by someone else.
	ErrNotFoundOrUnauthorized = errors.New("not found or not owned by caller")

	// ErrTransientIO is returned for store, cache or broker failures.
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrInvalidAmount is returned for non-positive point amounts and for
	// credits that would overflow the balance.
	ErrInvalidAmount = errors.New("invalid point amount")

	// ErrInvalidPolicy is returned when a policy definition breaks its invariants.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrAlreadyIssued is returned when one-coupon-per-user is enabled and the user has one.
	ErrAlreadyIssued = errors.New("coupon already issued to user")

	// ErrInvalidTransition is returned for coupon status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid coupon status transition")

	// ErrConcurrentModification is returned when a compare-and-set lost to a concurrent write.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrBelowMinimumOrder is returned when an order is too small for a coupon.
	ErrBelowMinimumOrder = errors.New("order amount below policy minimum")

	// ErrThrottled is returned when the issuance queue refuses a submission.
	ErrThrottled = errors.New("too many requests")

	// ErrCounterMissing is returned when a quota counter key does not exist in the cache.
	ErrCounterMissing = errors.New("quota counter missing")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// LockError reports a lock that was not acquired.
// Cause is the context error when the wait was cut short by cancellation.
type LockError struct {
	Key    string
	Waited time.Duration
	Cause  error
}

func (e *LockError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("lock %q not acquired after %v: %v", e.Key, e.Waited.Round(time.Millisecond), e.Cause)
	}
	return fmt.Sprintf("lock %q not acquired after %v", e.Key, e.Waited.Round(time.Millisecond))
}

func (e *LockError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrLockBusy, e.Cause}
	}
	return []error{ErrLockBusy}
}

// TransientError wraps an infrastructure failure with the operation that hit it.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransientIO, e.Err}
}

// Transient wraps err as a TransientError. Errors that already carry a
// taxonomy kind pass through unchanged.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if Code(err) != CodeInternal {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

const (
	CodePolicyNotFound      = "policy_not_found"
	CodeOutOfWindow         = "out_of_window"
	CodeExhausted           = "exhausted"
	CodeLockBusy            = "lock_busy"
	CodeInsufficientBalance = "insufficient_balance"
	CodeAlreadyCancelled    = "already_cancelled"
	CodeNotFound            = "not_found_or_unauthorized"
	CodeTransientIO         = "transient_io"
	CodeInvalidAmount       = "invalid_amount"
	CodeInvalidPolicy       = "invalid_policy"
	CodeAlreadyIssued       = "already_issued"
	CodeInvalidTransition   = "invalid_transition"
	CodeConcurrentModified  = "concurrent_modification"
	CodeBelowMinimumOrder   = "below_minimum_order"
	CodeThrottled           = "throttled"
	CodeCanceled            = "canceled"
	CodeInternal            = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrPolicyNotFound, CodePolicyNotFound},
	{ErrOutOfWindow, CodeOutOfWindow},
	{ErrExhausted, CodeExhausted},
	{ErrLockBusy, CodeLockBusy},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrAlreadyCancelled, CodeAlreadyCancelled},
	{ErrNotFoundOrUnauthorized, CodeNotFound},
	{ErrTransientIO, CodeTransientIO},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrInvalidPolicy, CodeInvalidPolicy},
	{ErrAlreadyIssued, CodeAlreadyIssued},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrConcurrentModification, CodeConcurrentModified},
	{ErrBelowMinimumOrder, CodeBelowMinimumOrder},
	{ErrThrottled, CodeThrottled},
}

// Code returns a stable string for the error's kind, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return CodeInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockBusy) ||
		errors.Is(err, ErrTransientIO) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrThrottled)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrNotFoundOrUnauthorized)
}
