/*
ledger.go - Append-only point transaction log

PURPOSE:
  The ledger is the immutable record of every point balance change.
  Each entry carries the signed amount and the balance immediately after
  it was applied (BalanceSnapshot).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. REPLAY LAW: summing Amount over a user's entries in order reproduces
     that user's current PointBalance exactly.
  3. ONE CANCELLATION: an entry can be cancelled at most once; the store
     enforces this with a unique index on the CANCELED entry's reference.

CORRECTIONS:
  A mistake is never edited. Cancelling an entry appends a CANCELED entry
  with the opposite sign whose ReferenceID points at the original.

  Example:
    EARNED   +1000  snapshot 1000
    USED      -300  snapshot  700
    CANCELED  +300  snapshot 1000  (reference: the USED entry)

  Replay: 1000 - 300 + 300 = 1000 = current balance

SEE ALSO:
  - balance.go: The current-balance row the ledger must agree with
  - points/service.go: Earn / Use / Cancel
*/
package generic

import "time"

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type PointTxType string

const (
	PointEarned   PointTxType = "EARNED"
	PointUsed     PointTxType = "USED"
	PointCanceled PointTxType = "CANCELED"
)

// =============================================================================
// POINT TRANSACTION - One ledger entry
// =============================================================================

type PointTransaction struct {
	ID              TransactionID `json:"id"`
	UserID          UserID        `json:"userId"`
	Amount          int64         `json:"amount"` // signed: +earn, -use, reversal of the original
	Type            PointTxType   `json:"type"`
	Reason          string        `json:"reason,omitempty"`
	BalanceSnapshot int64         `json:"balanceSnapshot"`
	ReferenceID     TransactionID `json:"referenceId,omitempty"` // set on CANCELED entries
	Version         int64         `json:"version"`               // balance version after this entry; orders a user's ledger
	CreatedAt       time.Time     `json:"createdAt"`
}

// Replay sums the signed amounts of a user's entries.
func Replay(txs []PointTransaction) int64 {
	var total int64
	for _, tx := range txs {
		total += tx.Amount
	}
	return total
}

// DailyPointReport aggregates one user's ledger activity for one UTC day.
type DailyPointReport struct {
	Day      time.Time `json:"day"`
	UserID   UserID    `json:"userId"`
	Earned   int64     `json:"earned"`
	Used     int64     `json:"used"`
	Canceled int64     `json:"canceled"`
	Entries  int64     `json:"entries"`
}
