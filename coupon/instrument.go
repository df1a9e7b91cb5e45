package coupon

import (
	"context"

	"github.com/traffic/promotion-engine/generic"
)

// Observer records the outcome and duration of an operation.
// metrics.Recorder implements it.
type Observer interface {
	Observe(operation, version string, fn func() error) error
}

const (
	OpIssue = "coupon.issue"
	OpGrant = "coupon.grant"
)

type instrumentedIssuer struct {
	next Issuer
	obs  Observer
}

// Instrument wraps an Issuer so every Issue call is observed under
// OpIssue with the strategy's version label.
func Instrument(next Issuer, obs Observer) Issuer {
	return &instrumentedIssuer{next: next, obs: obs}
}

func (i *instrumentedIssuer) Strategy() Strategy { return i.next.Strategy() }

func (i *instrumentedIssuer) Issue(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (Result, error) {
	var res Result
	err := i.obs.Observe(OpIssue, i.next.Strategy().Version(), func() error {
		var err error
		res, err = i.next.Issue(ctx, policyID, userID)
		return err
	})
	return res, err
}

type instrumentedGate struct {
	next    Gate
	version string
	obs     Observer
}

// InstrumentGate observes grants done outside an Issuer, such as those run
// by the queue consumer.
func InstrumentGate(next Gate, version string, obs Observer) Gate {
	return &instrumentedGate{next: next, version: version, obs: obs}
}

func (g *instrumentedGate) Grant(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (*generic.Coupon, error) {
	var c *generic.Coupon
	err := g.obs.Observe(OpGrant, g.version, func() error {
		var err error
		c, err = g.next.Grant(ctx, policyID, userID)
		return err
	})
	return c, err
}
