/*
store.go - Persistence and coordination contracts

PURPOSE:
  Defines the interface between the domain logic and its collaborators:
  the system of record (SQL or memory), the distributed lock and the
  state cache. The services in coupon/ and points/ depend only on these.

KEY INTERFACES:
  CouponStore: PolicyStore + IssuanceLedger for coupons
  IssueTx:     The locked view handed to a pessimistic grant
  PointStore:  BalanceStore + IssuanceLedger for points
  PointTx:     The transactional view handed to a balance mutation
  Locker:      Distributed mutual exclusion with bounded wait and lease
  StateCache:  Non-authoritative read accelerator (JSON values by key)

ABSENT ROWS:
  Single-row getters return (nil, nil) when the row does not exist, like
  the rest of the store layer. GetPolicy is the exception: a missing
  policy is a business failure (ErrPolicyNotFound).

IMPLEMENTATIONS:
  - store/sqldb: SQLite and PostgreSQL
  - generic/store/memory.go: In-memory for tests and single-process dev
  - lock/redis.go: Redis Locker
  - cache/state.go: Redis StateCache

SEE ALSO:
  - lock.go: WithLock, the only way services take a Locker lease
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// COUPON STORE - Policies and granted coupons
// =============================================================================

type PolicyStore interface {
	SavePolicy(ctx context.Context, p CouponPolicy) error
	// GetPolicy returns ErrPolicyNotFound when the policy does not exist.
	GetPolicy(ctx context.Context, id PolicyID) (*CouponPolicy, error)
	ListPolicies(ctx context.Context) ([]CouponPolicy, error)
}

type CouponStore interface {
	PolicyStore

	InsertCoupon(ctx context.Context, c Coupon) error
	GetCoupon(ctx context.Context, id CouponID) (*Coupon, error)
	// ListCoupons returns matching coupons, newest first.
	ListCoupons(ctx context.Context, filter CouponFilter) ([]Coupon, error)
	// CountIssued counts every persisted coupon of a policy, whatever its status.
	CountIssued(ctx context.Context, policyID PolicyID) (int64, error)

	// TransitionCoupon writes c only if the stored status is still from.
	// Returns ErrConcurrentModification when another writer got there first.
	TransitionCoupon(ctx context.Context, c Coupon, from CouponStatus) error

	// WithPolicyLock runs fn while holding an exclusive lock on the policy
	// row, inside one database transaction. The lock is released on commit
	// or rollback. If fn returns error, the transaction is rolled back.
	WithPolicyLock(ctx context.Context, id PolicyID, fn func(IssueTx) error) error
}

// IssueTx is the view of the store available while a policy lock is held.
type IssueTx interface {
	Policy() CouponPolicy
	CountIssued(ctx context.Context) (int64, error)
	CountIssuedTo(ctx context.Context, userID UserID) (int64, error)
	InsertCoupon(ctx context.Context, c Coupon) error
}

// =============================================================================
// POINT STORE - Balances and the point ledger
// =============================================================================

type PointStore interface {
	GetBalance(ctx context.Context, userID UserID) (*PointBalance, error)
	ListBalances(ctx context.Context) ([]PointBalance, error)

	GetTransaction(ctx context.Context, id TransactionID) (*PointTransaction, error)
	// ListTransactions returns a page of a user's entries, newest first.
	ListTransactions(ctx context.Context, userID UserID, limit, offset int) ([]PointTransaction, error)
	// LoadTransactions returns all of a user's entries in the order they were written.
	LoadTransactions(ctx context.Context, userID UserID) ([]PointTransaction, error)

	// SummarizeDay aggregates ledger entries created in [day, day+24h).
	SummarizeDay(ctx context.Context, day time.Time) ([]DailyPointReport, error)
	// SaveDailyReports upserts reports keyed by (day, user).
	SaveDailyReports(ctx context.Context, reports []DailyPointReport) error

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(PointTx) error) error
}

type PointTx interface {
	GetBalance(ctx context.Context, userID UserID) (*PointBalance, error)
	SaveBalance(ctx context.Context, b PointBalance) error
	AppendTransaction(ctx context.Context, tx PointTransaction) error
	// IsCanceled reports whether a CANCELED entry references id.
	IsCanceled(ctx context.Context, id TransactionID) (bool, error)
}

// =============================================================================
// COORDINATION - Distributed lock and state cache
// =============================================================================

// Locker grants exclusive leases on string keys across service instances.
//
// Acquire waits at most wait for the key. On timeout it returns a
// *LockError (ErrLockBusy); when ctx ends first the LockError also
// carries ctx.Err(). A granted lease expires on its own after lease, so a
// crashed holder cannot block the key forever.
type Locker interface {
	Acquire(ctx context.Context, key string, wait, lease time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	// Release frees the key only if this lease still owns it.
	// Returns ErrLockNotHeld when the lease expired or was taken over.
	Release(ctx context.Context) error
}

// StateCache holds materialized read models. Values are JSON-encoded.
type StateCache interface {
	// Get decodes the value at key into dest and reports whether it was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}
