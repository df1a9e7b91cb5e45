package coupon

import (
	"context"

	"github.com/traffic/promotion-engine/generic"
	"github.com/traffic/promotion-engine/queue"
)

// Queued accepts issue requests and leaves the grant to the queue consumer.
// The caller learns only that the request was admitted; a grant failure in
// the consumer is logged and the request dropped.
type Queued struct {
	policies *PolicyService
	producer *queue.Producer
	clock    generic.Clock
}

func NewQueued(policies *PolicyService, producer *queue.Producer, clock generic.Clock) *Queued {
	return &Queued{policies: policies, producer: producer, clock: clock}
}

func (q *Queued) Strategy() Strategy { return StrategyQueued }

// Issue rejects unknown or closed policies up front, then enqueues.
func (q *Queued) Issue(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (Result, error) {
	p, err := q.policies.Get(ctx, policyID)
	if err != nil {
		return Result{}, err
	}
	if now := q.clock.Now(); !p.ActiveAt(now) {
		return Result{}, outOfWindow(*p, now)
	}
	if _, err := q.producer.Submit(ctx, policyID, userID); err != nil {
		return Result{}, err
	}
	return Result{Accepted: true}, nil
}

// QueueHandler runs gate for every consumed issue request.
func QueueHandler(gate Gate) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		_, err := gate.Grant(ctx, msg.PolicyID, msg.UserID)
		return err
	}
}
