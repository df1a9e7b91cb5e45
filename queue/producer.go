package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/traffic/promotion-engine/generic"
)

// Producer admits issuance requests and publishes them by policy.
// Admission is a token bucket per policy (x/time/rate); a request over the
// rate fails with generic.ErrThrottled instead of queueing.
type Producer struct {
	broker Broker
	clock  generic.Clock
	log    logrus.FieldLogger

	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[generic.PolicyID]*rate.Limiter
}

type ProducerOption func(*Producer)

// WithRate limits submissions per policy. rps <= 0 disables the limit.
func WithRate(rps float64, burst int) ProducerOption {
	return func(p *Producer) {
		if rps <= 0 {
			p.rps = rate.Inf
			return
		}
		p.rps = rate.Limit(rps)
		p.burst = max(burst, 1)
	}
}

func WithClock(c generic.Clock) ProducerOption {
	return func(p *Producer) { p.clock = c }
}

func WithLogger(log logrus.FieldLogger) ProducerOption {
	return func(p *Producer) { p.log = log }
}

func NewProducer(broker Broker, opts ...ProducerOption) *Producer {
	p := &Producer{
		broker:   broker,
		log:      logrus.StandardLogger(),
		rps:      rate.Inf,
		limiters: make(map[generic.PolicyID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Producer) limiter(id generic.PolicyID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[id]
	if !ok {
		lim = rate.NewLimiter(p.rps, p.burst)
		p.limiters[id] = lim
	}
	return lim
}

// Submit publishes a request and returns as soon as the broker accepted it.
func (p *Producer) Submit(ctx context.Context, policyID generic.PolicyID, userID generic.UserID) (Message, error) {
	if !p.limiter(policyID).Allow() {
		return Message{}, fmt.Errorf("%w: policy %s", generic.ErrThrottled, policyID)
	}

	msg := Message{
		ID:          generic.NewID(),
		PolicyID:    policyID,
		UserID:      userID,
		RequestedAt: p.clock.Now(),
	}
	partition := Partition(policyID, p.broker.Partitions())
	if err := p.broker.Publish(ctx, partition, msg); err != nil {
		p.log.WithFields(logrus.Fields{
			"policy_id": policyID,
			"user_id":   userID,
		}).WithError(err).Error("failed to publish issue request")
		return Message{}, err
	}

	p.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"policy_id":  policyID,
		"user_id":    userID,
		"partition":  partition,
	}).Debug("issue request published")
	return msg, nil
}
