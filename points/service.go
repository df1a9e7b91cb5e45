/*
Package points maintains per-user point balances and their ledger.

PURPOSE:
  Earn, use and cancel are guarded transitions on a balance that must
  never go negative. Each one is serialized per user by a distributed lock,
  because the read (cache, then database), the check, the write and the
  cache refresh are not atomic on their own.

MUTATION FLOW:
  lock point:lock:{userId} (bounded wait, lease)
    → resolve balance: cache, else database (repopulate cache)
    → check the guard (amount > 0, balance >= amount, not already cancelled)
    → database transaction: update balance + append ledger entry
    → write the new balance through to the cache
  unlock (owner-checked, every exit path)

LEDGER:
  Every change appends a PointTransaction with the signed amount and the
  resulting balance. A cancellation appends a CANCELED entry with the
  opposite amount; the original entry is never touched.

VERSION:
  PointBalance.Version counts mutations and orders a user's ledger. It is
  not compared on write: the per-user lock is the only concurrency
  control on a balance.

SEE ALSO:
  - generic/ledger.go: Ledger entry and replay
  - reports.go: Balance reads, history, cache resync, daily report
*/
package points

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// BalanceCache mirrors current balances for fast reads. cache.Balances
// implements it.
type BalanceCache interface {
	Get(ctx context.Context, userID generic.UserID) (int64, bool, error)
	Set(ctx context.Context, userID generic.UserID, balance int64) error
	SetMany(ctx context.Context, balances map[generic.UserID]int64) error
	Delete(ctx context.Context, userID generic.UserID) error
}

// Observer records the outcome and duration of an operation.
type Observer interface {
	Observe(operation, version string, fn func() error) error
}

const (
	OpEarn   = "points.earn"
	OpUse    = "points.use"
	OpCancel = "points.cancel"

	version = "v1"
)

type Options struct {
	LockWait  time.Duration
	LockLease time.Duration
	Clock     generic.Clock
	Log       logrus.FieldLogger
	// Observer is optional.
	Observer Observer
}

func DefaultOptions() Options {
	return Options{
		LockWait:  3 * time.Second,
		LockLease: 3 * time.Second,
	}
}

type Service struct {
	store  generic.PointStore
	locker generic.Locker
	cache  BalanceCache
	opts   Options
}

func NewService(store generic.PointStore, locker generic.Locker, cache BalanceCache, opts Options) *Service {
	d := DefaultOptions()
	if opts.LockWait <= 0 {
		opts.LockWait = d.LockWait
	}
	if opts.LockLease <= 0 {
		opts.LockLease = d.LockLease
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Service{store: store, locker: locker, cache: cache, opts: opts}
}

func lockKey(userID generic.UserID) string { return "point:lock:" + string(userID) }

// =============================================================================
// MUTATIONS
// =============================================================================

// Earn credits amount points to the user.
func (s *Service) Earn(ctx context.Context, userID generic.UserID, amount int64, reason string) (*generic.PointTransaction, error) {
	var entry *generic.PointTransaction
	err := s.observe(OpEarn, func() error {
		if err := generic.ValidateAmount(amount); err != nil {
			return err
		}
		return s.locked(ctx, userID, func(ctx context.Context) error {
			var err error
			entry, err = s.apply(ctx, userID, amount, generic.PointEarned, reason, "")
			return err
		})
	})
	return entry, err
}

// Use debits amount points. It fails with *generic.InsufficientBalanceError
// when the balance is lower than amount, leaving the balance unchanged.
func (s *Service) Use(ctx context.Context, userID generic.UserID, amount int64, reason string) (*generic.PointTransaction, error) {
	var entry *generic.PointTransaction
	err := s.observe(OpUse, func() error {
		if err := generic.ValidateAmount(amount); err != nil {
			return err
		}
		return s.locked(ctx, userID, func(ctx context.Context) error {
			current, err := s.resolve(ctx, userID)
			if err != nil {
				return err
			}
			if current < amount {
				return &generic.InsufficientBalanceError{UserID: userID, Available: current, Requested: amount}
			}
			entry, err = s.apply(ctx, userID, -amount, generic.PointUsed, reason, "")
			return err
		})
	})
	return entry, err
}

// Cancel reverses one of the user's EARNED or USED entries by appending a
// CANCELED entry with the opposite amount. An entry is cancelled at most
// once. Cancelling an earn whose points were already spent fails with
// InsufficientBalance.
func (s *Service) Cancel(ctx context.Context, userID generic.UserID, id generic.TransactionID, reason string) (*generic.PointTransaction, error) {
	var entry *generic.PointTransaction
	err := s.observe(OpCancel, func() error {
		original, err := s.Transaction(ctx, userID, id)
		if err != nil {
			return err
		}
		if original.Type == generic.PointCanceled {
			return fmt.Errorf("%w: %s is itself a cancellation", generic.ErrInvalidTransition, id)
		}
		return s.locked(ctx, original.UserID, func(ctx context.Context) error {
			entry, err = s.apply(ctx, original.UserID, -original.Amount, generic.PointCanceled, reason, original.ID)
			return err
		})
	})
	return entry, err
}

// apply runs the balance update and the ledger append in one database
// transaction, then refreshes the cache. Callers hold the user lock.
func (s *Service) apply(ctx context.Context, userID generic.UserID, delta int64, kind generic.PointTxType, reason string, ref generic.TransactionID) (*generic.PointTransaction, error) {
	now := s.opts.Clock.Now()
	var entry generic.PointTransaction

	err := s.store.WithTx(ctx, func(tx generic.PointTx) error {
		if ref != "" {
			canceled, err := tx.IsCanceled(ctx, ref)
			if err != nil {
				return err
			}
			if canceled {
				return fmt.Errorf("%w: transaction %s", generic.ErrAlreadyCancelled, ref)
			}
		}

		current, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		balance := generic.NewPointBalance(userID, now)
		if current != nil {
			balance = *current
		}
		next, err := balance.Apply(delta, now)
		if err != nil {
			return err
		}
		if err := tx.SaveBalance(ctx, next); err != nil {
			return err
		}

		entry = generic.PointTransaction{
			ID:              generic.TransactionID(generic.NewID()),
			UserID:          userID,
			Amount:          delta,
			Type:            kind,
			Reason:          reason,
			BalanceSnapshot: next.Balance,
			ReferenceID:     ref,
			Version:         next.Version,
			CreatedAt:       now,
		}
		return tx.AppendTransaction(ctx, entry)
	})
	if err != nil {
		return nil, generic.Transient("apply point transaction", err)
	}

	s.writeThrough(ctx, userID, entry.BalanceSnapshot)
	s.opts.Log.WithFields(logrus.Fields{
		"user_id":        userID,
		"transaction_id": entry.ID,
		"type":           kind,
		"amount":         delta,
		"balance":        entry.BalanceSnapshot,
	}).Info("point balance changed")
	return &entry, nil
}

// resolve returns the user's balance, preferring the cache.
func (s *Service) resolve(ctx context.Context, userID generic.UserID) (int64, error) {
	if s.cache != nil {
		v, ok, err := s.cache.Get(ctx, userID)
		if err == nil && ok {
			return v, nil
		}
		if err != nil {
			s.opts.Log.WithField("user_id", userID).WithError(err).Debug("balance cache read failed")
		}
	}

	b, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, generic.Transient("read balance", err)
	}
	var v int64
	if b != nil {
		v = b.Balance
	}
	s.writeThrough(ctx, userID, v)
	return v, nil
}

// writeThrough stores the committed balance in the cache. On failure the
// entry is dropped so the next read goes to the database.
func (s *Service) writeThrough(ctx context.Context, userID generic.UserID, balance int64) {
	if s.cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.cache.Set(ctx, userID, balance); err != nil {
		s.opts.Log.WithField("user_id", userID).WithError(err).Warn("balance cache write failed")
		if derr := s.cache.Delete(ctx, userID); derr != nil {
			s.opts.Log.WithField("user_id", userID).WithError(derr).Error("balance cache evict failed")
		}
	}
}

func (s *Service) locked(ctx context.Context, userID generic.UserID, fn func(ctx context.Context) error) error {
	log := s.opts.Log.WithField("user_id", userID)
	return generic.WithLock(ctx, s.locker, lockKey(userID), s.opts.LockWait, s.opts.LockLease, log, fn)
}

func (s *Service) observe(op string, fn func() error) error {
	if s.opts.Observer == nil {
		return fn()
	}
	return s.opts.Observer.Observe(op, version, fn)
}
