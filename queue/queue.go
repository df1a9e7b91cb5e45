/*
Package queue decouples accepting an issuance request from granting it.

PURPOSE:
  Under a traffic spike, synchronous grants pile up on the policy lock.
  The queue path answers "accepted" immediately and feeds requests to the
  quota gate one at a time per partition.

    Submit ──► Producer ──(rate check)──► Broker partition p ──► Consumer ──► Handler
                                          p = fnv1a(policyId) % N

ORDERING:
  Every message of a policy lands in the same partition, and each partition
  is drained by exactly one goroutine, so a policy's requests are handled
  in submission order. With several instances on the Redis broker, the
  goroutine that drains a partition is the one holding its owner lease;
  the others stand by until the lease is released or lapses.

FAILURE SEMANTICS:
  A handler failure is logged and the message is acknowledged. It is never
  redelivered: a retry after an ambiguous failure could issue twice, so the
  effective guarantee on error is at-most-once.

BROKERS:
  MemoryBroker: buffered channel per partition (tests, single instance)
  RedisBroker:  one Redis Stream per partition, consumer group, XACK,
                per-partition owner lease through lock.Redis

SEE ALSO:
  - coupon/queued.go: Issuer that submits here, Handler that grants
*/
package queue

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/traffic/promotion-engine/generic"
)

// Message is one issuance request.
type Message struct {
	ID          string           `json:"id"`
	PolicyID    generic.PolicyID `json:"policyId"`
	UserID      generic.UserID   `json:"userId"`
	RequestedAt time.Time        `json:"requestedAt"`
}

// Handler processes one message. Its error is logged, never retried.
type Handler func(ctx context.Context, msg Message) error

// Broker moves messages from producers to the consumer of each partition.
type Broker interface {
	Partitions() int
	Publish(ctx context.Context, partition int, msg Message) error
	// Consume delivers the partition's messages to handle, one at a time,
	// until ctx is done. It returns nil on cancellation. A non-nil result
	// from handle is logged and the message is still acknowledged.
	Consume(ctx context.Context, partition int, handle func(context.Context, Message) error) error
}

// Partition maps a policy to a partition with FNV-1a.
func Partition(policyID generic.PolicyID, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(policyID))
	return int(h.Sum32() % uint32(partitions))
}
