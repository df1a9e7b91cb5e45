package queue

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Consumer drains every partition of a broker, one goroutine per partition.
type Consumer struct {
	broker  Broker
	handler Handler
	log     logrus.FieldLogger

	processed atomic.Int64
	failed    atomic.Int64
}

func NewConsumer(broker Broker, handler Handler, log logrus.FieldLogger) *Consumer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{broker: broker, handler: handler, log: log}
}

// Run blocks until ctx is done or a partition fails for good.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < c.broker.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			c.log.WithField("partition", partition).Info("issue consumer started")
			return c.broker.Consume(gctx, partition, c.handle)
		})
	}
	return g.Wait()
}

// handle never returns an error: failures are logged and the message dropped.
func (c *Consumer) handle(ctx context.Context, msg Message) error {
	entry := c.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"policy_id":  msg.PolicyID,
		"user_id":    msg.UserID,
	})
	if err := c.handler(ctx, msg); err != nil {
		c.failed.Add(1)
		entry.WithError(err).Error("issue request failed, dropped")
		return nil
	}
	c.processed.Add(1)
	entry.Debug("issue request processed")
	return nil
}

// Processed returns how many messages succeeded and failed so far.
func (c *Consumer) Processed() (succeeded, failed int64) {
	return c.processed.Load(), c.failed.Load()
}
