package queue

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
)

// MemoryBroker keeps one buffered channel per partition.
// Publishing to a full partition fails with generic.ErrThrottled.
type MemoryBroker struct {
	partitions []chan Message
	log        logrus.FieldLogger
}

func NewMemoryBroker(partitions, buffer int) *MemoryBroker {
	partitions = max(partitions, 1)
	b := &MemoryBroker{partitions: make([]chan Message, partitions), log: logrus.StandardLogger()}
	for i := range b.partitions {
		b.partitions[i] = make(chan Message, buffer)
	}
	return b
}

// WithLogger sets where handler failures are reported.
func (b *MemoryBroker) WithLogger(log logrus.FieldLogger) *MemoryBroker {
	if log != nil {
		b.log = log
	}
	return b
}

func (b *MemoryBroker) Partitions() int { return len(b.partitions) }

func (b *MemoryBroker) Publish(ctx context.Context, partition int, msg Message) error {
	select {
	case b.partitions[partition] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: partition %d is full", generic.ErrThrottled, partition)
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, partition int, handle func(context.Context, Message) error) error {
	ch := b.partitions[partition]
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			if err := handle(ctx, msg); err != nil {
				b.log.WithFields(logrus.Fields{"partition": partition, "message_id": msg.ID}).
					WithError(err).Error("issue request failed, dropped")
			}
		}
	}
}
