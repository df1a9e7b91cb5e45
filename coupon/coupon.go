/*
Package coupon issues a strictly bounded number of coupons per policy.

PURPOSE:
  The quota gate decides, atomically, whether one more coupon of a policy
  may be granted. The gap between "count check" and "count commit" is
  exactly where overselling happens, so every strategy closes it with an
  explicit lock.

STRATEGIES (one Issuer interface, three implementations):

  pessimistic (v1)  Exclusive row lock on the policy + COUNT(*) of its
                    coupons, insert, commit. Correct, but every grant of a
                    policy queues on one database row.

  distributed (v2)  Redis lock per policy (bounded wait, lease) guarding
                    an atomic Redis counter. Decrement; negative → give
                    the unit back and fail Exhausted; persist; on
                    persistence failure give the unit back.

  queued (v3)       Accept now, grant later: the request goes onto the
                    issuance queue and a consumer runs the distributed
                    gate. Failures there are logged and dropped.

SLOTS:
  Every persisted coupon holds a slot, whatever its status. Cancelling a
  used coupon does not re-open issuance.

CACHE KEYS:
  coupon:lock:{policyId}    distributed gate lock
  coupon:policy:{policyId}  policy snapshot (read-through)
  coupon:state:{couponId}   coupon view (write-through)

SEE ALSO:
  - policy.go: Policy creation and the counter warm-up
  - pessimistic.go, distributed.go, queued.go: The strategies
  - service.go: Use, cancel, read and quote issued coupons
*/
package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// STRATEGY
// =============================================================================

type Strategy string

const (
	StrategyPessimistic Strategy = "pessimistic"
	StrategyDistributed Strategy = "distributed"
	StrategyQueued      Strategy = "queued"
)

// Version is the label used for metrics.
func (s Strategy) Version() string {
	switch s {
	case StrategyPessimistic:
		return "v1"
	case StrategyDistributed:
		return "v2"
	case StrategyQueued:
		return "v3"
	}
	return "unknown"
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPessimistic, StrategyDistributed, StrategyQueued:
		return Strategy(s), nil
	}
	switch s {
	case "v1":
		return StrategyPessimistic, nil
	case "v2":
		return StrategyDistributed, nil
	case "v3":
		return StrategyQueued, nil
	}
	return "", fmt.Errorf("unknown issue strategy %q", s)
}

// =============================================================================
// CONTRACTS
// =============================================================================

// Gate grants one coupon synchronously.
type Gate interface {
	Grant(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (*generic.Coupon, error)
}

// Result of an issue request. Accepted without a Coupon means the request
// was queued and will be granted (or dropped) later.
type Result struct {
	Coupon   *generic.Coupon
	Accepted bool
}

// Issuer is what the transport layer calls.
type Issuer interface {
	Strategy() Strategy
	Issue(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (Result, error)
}

// Counter is the cache-resident remaining quota of each policy.
type Counter interface {
	Init(ctx context.Context, id generic.PolicyID, remaining int64) error
	InitIfAbsent(ctx context.Context, id generic.PolicyID, remaining int64) (bool, error)
	// Decrement returns generic.ErrCounterMissing when no counter exists.
	Decrement(ctx context.Context, id generic.PolicyID) (int64, error)
	Increment(ctx context.Context, id generic.PolicyID) (int64, error)
}

// Registry remembers which users hold a coupon of a policy.
type Registry interface {
	Register(ctx context.Context, id generic.PolicyID, userID generic.UserID) (bool, error)
	Unregister(ctx context.Context, id generic.PolicyID, userID generic.UserID) error
}

// =============================================================================
// OPTIONS
// =============================================================================

type Options struct {
	LockWait  time.Duration
	LockLease time.Duration
	// OnePerUser rejects a second coupon of the same policy for a user.
	OnePerUser bool
	Clock      generic.Clock
	Log        logrus.FieldLogger
}

func DefaultOptions() Options {
	return Options{
		LockWait:  3 * time.Second,
		LockLease: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LockWait <= 0 {
		o.LockWait = d.LockWait
	}
	if o.LockLease <= 0 {
		o.LockLease = d.LockLease
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return o
}

func lockKey(id generic.PolicyID) string   { return "coupon:lock:" + string(id) }
func policyKey(id generic.PolicyID) string { return "coupon:policy:" + string(id) }
func stateKey(id generic.CouponID) string  { return "coupon:state:" + string(id) }

func outOfWindow(p generic.CouponPolicy, now time.Time) error {
	return fmt.Errorf("%w: policy %s valid [%s, %s), now %s", generic.ErrOutOfWindow,
		p.ID, p.StartTime.Format(time.RFC3339), p.EndTime.Format(time.RFC3339), now.Format(time.RFC3339))
}

// =============================================================================
// VIEW CACHE
// =============================================================================

// views writes coupon views through to the state cache. The cache is not
// authoritative, so a failed write is logged and the key dropped.
type views struct {
	state generic.StateCache
	log   logrus.FieldLogger
}

func (v views) put(ctx context.Context, c generic.Coupon, p generic.CouponPolicy) generic.CouponView {
	view := generic.CouponView{Coupon: c, Policy: p}
	if v.state == nil {
		return view
	}
	if err := v.state.Put(ctx, stateKey(c.ID), view); err != nil {
		log := v.log.WithField("coupon_id", c.ID)
		log.WithError(err).Warn("coupon state cache write failed")
		if derr := v.state.Delete(context.WithoutCancel(ctx), stateKey(c.ID)); derr != nil {
			log.WithError(derr).Error("coupon state cache evict failed")
		}
	}
	return view
}

// =============================================================================
// SYNCHRONOUS ISSUER
// =============================================================================

type gateIssuer struct {
	strategy Strategy
	gate     Gate
}

// Synchronous exposes a Gate as an Issuer.
func Synchronous(strategy Strategy, gate Gate) Issuer {
	return &gateIssuer{strategy: strategy, gate: gate}
}

func (g *gateIssuer) Strategy() Strategy { return g.strategy }

func (g *gateIssuer) Issue(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (Result, error) {
	c, err := g.gate.Grant(ctx, policyID, userID)
	if err != nil {
		return Result{}, err
	}
	return Result{Coupon: c}, nil
}
