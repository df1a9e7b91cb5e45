package coupon

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// Distributed grants under a Redis lock per policy, against a Redis counter:
//
//	lock coupon:lock:{id} (bounded wait, lease)
//	  → window check on the policy snapshot
//	  → DECR remaining; < 0 → INCR back, Exhausted
//	  → [one per user] SADD user; already there → INCR back, AlreadyIssued
//	  → insert coupon; failure → INCR back (and SREM), TransientIO
//	unlock (owner-checked, every exit path)
type Distributed struct {
	store    generic.CouponStore
	policies *PolicyService
	locker   generic.Locker
	counter  Counter
	registry Registry
	views    views
	opts     Options
}

// NewDistributed builds the gate. registry may be nil unless OnePerUser is set.
func NewDistributed(store generic.CouponStore, policies *PolicyService, locker generic.Locker, counter Counter, registry Registry, state generic.StateCache, opts Options) *Distributed {
	opts = opts.withDefaults()
	return &Distributed{
		store:    store,
		policies: policies,
		locker:   locker,
		counter:  counter,
		registry: registry,
		views:    views{state: state, log: opts.Log},
		opts:     opts,
	}
}

func (g *Distributed) Grant(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (*generic.Coupon, error) {
	log := g.opts.Log.WithFields(logrus.Fields{
		"strategy":  StrategyDistributed,
		"policy_id": policyID,
		"user_id":   userID,
	})

	var (
		granted generic.Coupon
		policy  *generic.CouponPolicy
	)
	err := generic.WithLock(ctx, g.locker, lockKey(policyID), g.opts.LockWait, g.opts.LockLease, log,
		func(ctx context.Context) error {
			var err error
			policy, err = g.policies.Get(ctx, policyID)
			if err != nil {
				return err
			}
			now := g.opts.Clock.Now()
			if !policy.ActiveAt(now) {
				return outOfWindow(*policy, now)
			}

			if err := g.takeSlot(ctx, *policy); err != nil {
				return err
			}
			if g.opts.OnePerUser {
				if err := g.register(ctx, policyID, userID); err != nil {
					g.giveBack(ctx, policyID, log)
					return err
				}
			}

			granted = generic.NewCoupon(policyID, userID, now)
			if err := g.store.InsertCoupon(ctx, granted); err != nil {
				g.giveBack(ctx, policyID, log)
				if g.opts.OnePerUser {
					g.unregister(ctx, policyID, userID, log)
				}
				log.WithError(err).Error("coupon persist failed, slot returned")
				return generic.Transient("persist coupon", err)
			}
			return nil
		})
	if err != nil {
		log.WithError(err).Debug("coupon grant rejected")
		return nil, err
	}

	g.views.put(ctx, granted, *policy)
	log.WithField("coupon_id", granted.ID).Info("coupon issued")
	return &granted, nil
}

// takeSlot decrements the counter, rebuilding it once if the cache lost it.
func (g *Distributed) takeSlot(ctx context.Context, p generic.CouponPolicy) error {
	remaining, err := g.counter.Decrement(ctx, p.ID)
	if errors.Is(err, generic.ErrCounterMissing) {
		issued, cerr := g.store.CountIssued(ctx, p.ID)
		if cerr != nil {
			return cerr
		}
		if err := g.policies.EnsureCounter(ctx, p, issued); err != nil {
			return generic.Transient("rebuild quota counter", err)
		}
		remaining, err = g.counter.Decrement(ctx, p.ID)
	}
	if err != nil {
		return generic.Transient("decrement quota counter", err)
	}

	if remaining < 0 {
		if _, err := g.counter.Increment(context.WithoutCancel(ctx), p.ID); err != nil {
			g.opts.Log.WithField("policy_id", p.ID).WithError(err).Error("quota counter restore failed")
		}
		return fmt.Errorf("%w: policy %s", generic.ErrExhausted, p.ID)
	}
	return nil
}

func (g *Distributed) register(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) error {
	added, err := g.registry.Register(ctx, policyID, userID)
	if err != nil {
		return generic.Transient("register coupon holder", err)
	}
	if !added {
		return fmt.Errorf("%w: user %s, policy %s", generic.ErrAlreadyIssued, userID, policyID)
	}
	return nil
}

// giveBack compensates a decrement. It must run even if the caller's
// context is already cancelled, otherwise the slot is lost for good.
func (g *Distributed) giveBack(ctx context.Context, id generic.PolicyID, log logrus.FieldLogger) {
	if _, err := g.counter.Increment(context.WithoutCancel(ctx), id); err != nil {
		log.WithError(err).Error("quota counter compensation failed")
	}
}

func (g *Distributed) unregister(ctx context.Context, policyID generic.PolicyID, userID generic.UserID, log logrus.FieldLogger) {
	if err := g.registry.Unregister(context.WithoutCancel(ctx), policyID, userID); err != nil {
		log.WithError(err).Error("coupon holder unregister failed")
	}
}
