/*
balance.go - Current point balance

PURPOSE:
  PointBalance is the durable current balance of one user. It is always
  mutated under the per-user distributed lock, together with one appended
  ledger entry, in one database transaction.

INVARIANT:
  Balance >= 0 at all times. Any change that would go negative is rejected
  with an InsufficientBalanceError and leaves the balance untouched.

VERSION:
  Version counts committed mutations. It is informational only: mutual
  exclusion comes from the per-user lock, so no compare-and-set is done
  on it.

SEE ALSO:
  - ledger.go: Entries whose replay must equal Balance
*/
package generic

import (
	"fmt"
	"math"
	"time"
)

type PointBalance struct {
	UserID    UserID    `json:"userId"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPointBalance returns an empty balance for a user seen for the first time.
func NewPointBalance(userID UserID, now time.Time) PointBalance {
	return PointBalance{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

// Apply returns the balance after adding a signed delta. A credit that
// would overflow int64 is rejected with ErrInvalidAmount.
func (b PointBalance) Apply(delta int64, now time.Time) (PointBalance, error) {
	if delta > 0 && b.Balance > math.MaxInt64-delta {
		return b, fmt.Errorf("%w: balance %d cannot take %d more points", ErrInvalidAmount, b.Balance, delta)
	}
	if b.Balance+delta < 0 {
		return b, &InsufficientBalanceError{
			UserID:    b.UserID,
			Available: b.Balance,
			Requested: -delta,
		}
	}
	b.Balance += delta
	b.Version++
	b.UpdatedAt = now
	return b, nil
}

// ValidateAmount rejects non-positive point amounts.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	return nil
}
