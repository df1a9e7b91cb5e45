package coupon

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// Pessimistic grants under an exclusive lock on the policy row:
//
//	lock policy row → window check → COUNT(coupons) < total → insert → commit
//
// The count and the insert run in the same transaction as the row lock, so
// no two grants of one policy can interleave between them.
type Pessimistic struct {
	store   generic.CouponStore
	counter Counter // optional; kept in step for mixed deployments
	views   views
	opts    Options
}

func NewPessimistic(store generic.CouponStore, counter Counter, state generic.StateCache, opts Options) *Pessimistic {
	opts = opts.withDefaults()
	return &Pessimistic{
		store:   store,
		counter: counter,
		views:   views{state: state, log: opts.Log},
		opts:    opts,
	}
}

func (g *Pessimistic) Grant(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (*generic.Coupon, error) {
	log := g.opts.Log.WithFields(logrus.Fields{
		"strategy":  StrategyPessimistic,
		"policy_id": policyID,
		"user_id":   userID,
	})

	var (
		granted generic.Coupon
		policy  generic.CouponPolicy
	)
	err := g.store.WithPolicyLock(ctx, policyID, func(tx generic.IssueTx) error {
		policy = tx.Policy()
		now := g.opts.Clock.Now()
		if !policy.ActiveAt(now) {
			return outOfWindow(policy, now)
		}

		issued, err := tx.CountIssued(ctx)
		if err != nil {
			return err
		}
		if issued >= policy.TotalQuantity {
			return fmt.Errorf("%w: policy %s issued %d of %d", generic.ErrExhausted, policyID, issued, policy.TotalQuantity)
		}

		if g.opts.OnePerUser {
			mine, err := tx.CountIssuedTo(ctx, userID)
			if err != nil {
				return err
			}
			if mine > 0 {
				return fmt.Errorf("%w: user %s, policy %s", generic.ErrAlreadyIssued, userID, policyID)
			}
		}

		granted = generic.NewCoupon(policyID, userID, now)
		return tx.InsertCoupon(ctx, granted)
	})
	if err != nil {
		log.WithError(err).Debug("coupon grant rejected")
		return nil, err
	}

	g.syncCounter(ctx, policyID, log)
	g.views.put(ctx, granted, policy)
	log.WithField("coupon_id", granted.ID).Info("coupon issued")
	return &granted, nil
}

// syncCounter takes the granted slot off the cache counter too, so a policy
// switched to the distributed strategy does not see stale capacity.
// A missing counter is rebuilt from the store on demand and is left alone.
func (g *Pessimistic) syncCounter(ctx context.Context, id generic.PolicyID, log logrus.FieldLogger) {
	if g.counter == nil {
		return
	}
	_, err := g.counter.Decrement(context.WithoutCancel(ctx), id)
	if err != nil && !errors.Is(err, generic.ErrCounterMissing) {
		log.WithError(err).Warn("quota counter sync failed")
	}
}
