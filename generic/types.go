/*
Package generic provides the shared vocabulary of the promotion engine.

PURPOSE:
  Both the coupon quota gate and the point ledger mutate a shared, finite
  counter under heavy concurrent load. The types in this package are the
  pieces both sides agree on: identifiers, the validity window, the clock,
  the error taxonomy and the coordination contracts (distributed lock,
  state cache).

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: type-safe ids so a user id never gets passed as a policy id
  - Window: half-open validity interval [Start, End)
  - Clock: injectable time source (tests pin "now")

DESIGN PRINCIPLES:
  1. Explicit caller identity: every operation takes the caller's UserID as
     a parameter. Nothing in the core reads ambient request state.
  2. No in-process serialization: correctness comes from the Locker and the
     database, never from a sync.Mutex alone.
  3. Typed failures: callers branch on errors.Is, never on message text.

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Locker and StateCache contracts
  - lock.go: WithLock helper (acquire, run, release on every path)
*/
package generic

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type PolicyID string
type CouponID string
type TransactionID string

// NewID returns a random identifier for policies, coupons and ledger entries.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// WINDOW - Half-open validity interval
// =============================================================================

// Window is the interval [Start, End). A grant at exactly End is rejected.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) Valid() bool {
	return !w.Start.IsZero() && w.End.After(w.Start)
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time. A nil Clock reads the system clock.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// FixedClock always returns t. Used by tests.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}
