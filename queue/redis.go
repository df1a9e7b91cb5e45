package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/generic"
	"github.com/traffic/promotion-engine/lock"
)

// RedisBroker carries messages on Redis Streams, one stream per partition:
//
//	{prefix}:{partition}         XADD by producers
//	group {group}                XREADGROUP ">" by the partition's owner, XACK after handling
//	{prefix}:owner:{partition}   lease naming the instance that owns the partition
//
// Every instance runs a consumer for every partition, but only the lease
// holder reads. The others wait on the lease and take over when the owner
// stops or fails to renew, so a partition is drained by one goroutine at a
// time across all instances.
//
// Only new entries are read (">"), so a message delivered to a consumer that
// crashed before XACK stays pending and is not redelivered. The same holds
// for entries an owner had read but not handled when it lost the lease.
type RedisBroker struct {
	rdb        redis.UniversalClient
	partitions int
	prefix     string
	group      string
	consumer   string
	block      time.Duration
	idle       time.Duration
	batch      int64
	owners     generic.Locker
	ownerLease time.Duration
	log        logrus.FieldLogger
}

type RedisOption func(*RedisBroker)

func WithStreamPrefix(prefix string) RedisOption {
	return func(b *RedisBroker) { b.prefix = strings.Trim(prefix, ":") }
}

func WithGroup(group string) RedisOption {
	return func(b *RedisBroker) { b.group = group }
}

func WithConsumerName(name string) RedisOption {
	return func(b *RedisBroker) { b.consumer = name }
}

// WithBlock sets the XREADGROUP BLOCK timeout. A negative value disables
// blocking reads; the consumer then polls every idle interval.
func WithBlock(block, idle time.Duration) RedisOption {
	return func(b *RedisBroker) {
		b.block = block
		if idle > 0 {
			b.idle = idle
		}
	}
}

func WithBatchSize(n int64) RedisOption {
	return func(b *RedisBroker) {
		if n > 0 {
			b.batch = n
		}
	}
}

// WithOwnership sets the locker that hands out partition leases and the
// lease length. The owner renews every third of the lease. A handler still
// running when the lease lapses can overlap the next owner's first message,
// so the lease must stay well above both handler latency and the blocking
// read timeout.
func WithOwnership(locker generic.Locker, lease time.Duration) RedisOption {
	return func(b *RedisBroker) {
		if locker != nil {
			b.owners = locker
		}
		if lease > 0 {
			b.ownerLease = lease
		}
	}
}

func WithBrokerLogger(log logrus.FieldLogger) RedisOption {
	return func(b *RedisBroker) { b.log = log }
}

func NewRedisBroker(rdb redis.UniversalClient, partitions int, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{
		rdb:        rdb,
		partitions: max(partitions, 1),
		prefix:     "coupon:issue",
		group:      "coupon-service",
		consumer:   "consumer-" + generic.NewID()[:8],
		block:      2 * time.Second,
		idle:       50 * time.Millisecond,
		batch:      16,
		owners:     lock.NewRedis(rdb),
		ownerLease: 10 * time.Second,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) Partitions() int { return b.partitions }

func (b *RedisBroker) stream(partition int) string {
	return b.prefix + ":" + strconv.Itoa(partition)
}

func (b *RedisBroker) ownerKey(partition int) string {
	return b.prefix + ":owner:" + strconv.Itoa(partition)
}

func (b *RedisBroker) Publish(ctx context.Context, partition int, msg Message) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(partition),
		Values: map[string]any{
			"id":           msg.ID,
			"policy_id":    string(msg.PolicyID),
			"user_id":      string(msg.UserID),
			"requested_at": generic.FormatTime(msg.RequestedAt),
		},
	}).Err()
	return generic.Transient("publish issue request", err)
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return generic.Transient("create consumer group", err)
	}
	return nil
}

// Consume waits for ownership of partition and drains it while the lease
// holds. It returns nil once ctx is done.
func (b *RedisBroker) Consume(ctx context.Context, partition int, handle func(context.Context, Message) error) error {
	stream := b.stream(partition)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}
	log := b.log.WithFields(logrus.Fields{"stream": stream, "group": b.group, "consumer": b.consumer})

	for ctx.Err() == nil {
		held, err := b.owners.Acquire(ctx, b.ownerKey(partition), b.ownerLease, b.ownerLease)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, generic.ErrLockBusy):
			// Another instance owns the partition.
			continue
		case err != nil:
			log.WithError(err).Warn("partition ownership unavailable, retrying")
			sleep(ctx, time.Second)
			continue
		}

		log.Info("partition owned")
		b.drain(ctx, stream, held, handle, log)
	}
	return nil
}

// renewable is implemented by leases that can be extended in place.
type renewable interface {
	Refresh(ctx context.Context, ttl time.Duration) error
}

// drain reads stream until ctx is done or held can no longer be renewed,
// then releases held.
func (b *RedisBroker) drain(ctx context.Context, stream string, held generic.Lease, handle func(context.Context, Message) error, log logrus.FieldLogger) {
	owned, lost := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		b.renew(owned, held, lost, log)
	}()
	defer func() {
		lost()
		<-renewed
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := held.Release(rctx); err != nil && !errors.Is(err, generic.ErrLockNotHeld) {
			log.WithError(err).Warn("partition release failed")
		}
	}()

	for owned.Err() == nil {
		res, err := b.rdb.XReadGroup(owned, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()

		switch {
		case owned.Err() != nil && len(res) == 0:
			return
		case errors.Is(err, redis.Nil):
			if b.block < 0 {
				sleep(owned, b.idle)
			}
			continue
		case err != nil:
			log.WithError(err).Warn("stream read failed, retrying")
			sleep(owned, time.Second)
			continue
		}

		for _, s := range res {
			for i, entry := range s.Messages {
				if owned.Err() != nil {
					log.WithField("left_pending", len(s.Messages)-i).Warn("partition given up mid-batch")
					return
				}
				b.deliver(ctx, stream, entry, handle, log)
			}
		}
	}
}

// renew keeps held alive until ctx is done. Any failure to renew gives the
// partition up through lost.
func (b *RedisBroker) renew(ctx context.Context, held generic.Lease, lost context.CancelFunc, log logrus.FieldLogger) {
	r, ok := held.(renewable)
	tick := time.NewTicker(b.ownerLease / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if !ok {
			// Hand the partition back before the lease can lapse.
			lost()
			return
		}
		if err := r.Refresh(ctx, b.ownerLease); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("partition ownership lost")
			}
			lost()
			return
		}
	}
}

func (b *RedisBroker) deliver(ctx context.Context, stream string, entry redis.XMessage, handle func(context.Context, Message) error, log logrus.FieldLogger) {
	entryLog := log.WithField("entry_id", entry.ID)
	msg, err := decodeMessage(entry)
	if err != nil {
		entryLog.WithError(err).Error("undecodable issue request, dropped")
	} else if err := handle(ctx, msg); err != nil {
		entryLog.WithError(err).Error("issue request failed, dropped")
	}
	if err := b.rdb.XAck(context.WithoutCancel(ctx), stream, b.group, entry.ID).Err(); err != nil {
		entryLog.WithError(err).Warn("ack failed")
	}
}

func decodeMessage(entry redis.XMessage) (Message, error) {
	str := func(k string) string {
		s, _ := entry.Values[k].(string)
		return s
	}
	msg := Message{
		ID:       str("id"),
		PolicyID: generic.PolicyID(str("policy_id")),
		UserID:   generic.UserID(str("user_id")),
	}
	if msg.PolicyID == "" || msg.UserID == "" {
		return msg, fmt.Errorf("entry %s: missing policy_id or user_id", entry.ID)
	}
	if at := str("requested_at"); at != "" {
		t, err := generic.ParseTime(at)
		if err != nil {
			return msg, err
		}
		msg.RequestedAt = t
	}
	return msg, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
