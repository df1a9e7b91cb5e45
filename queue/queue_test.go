package queue_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic/promotion-engine/generic"
	"github.com/traffic/promotion-engine/lock"
	"github.com/traffic/promotion-engine/queue"
)

// recorder collects handled messages per policy.
type recorder struct {
	mu   sync.Mutex
	seen map[generic.PolicyID][]generic.UserID
	fail func(queue.Message) error
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[generic.PolicyID][]generic.UserID)}
}

func (r *recorder) handle(_ context.Context, m queue.Message) error {
	if r.fail != nil {
		if err := r.fail(m); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[m.PolicyID] = append(r.seen[m.PolicyID], m.UserID)
	return nil
}

func (r *recorder) users(id generic.PolicyID) []generic.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]generic.UserID(nil), r.seen[id]...)
}

func userIDs(prefix string, n int) []generic.UserID {
	ids := make([]generic.UserID, n)
	for i := range ids {
		ids[i] = generic.UserID(prefix + string(rune('a'+i)))
	}
	return ids
}

func runConsumer(t *testing.T, c *queue.Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestPartition_IsStablePerPolicy(t *testing.T) {
	p := queue.Partition("policy-42", 8)
	for i := 0; i < 10; i++ {
		assert.Equal(t, p, queue.Partition("policy-42", 8))
	}
	assert.Equal(t, 0, queue.Partition("policy-42", 1))
	assert.Less(t, p, 8)
}

func TestMemoryBroker_PreservesOrderPerPolicy(t *testing.T) {
	// GIVEN: Two policies submitting interleaved requests over 4 partitions
	// WHEN: The consumer drains them
	// THEN: Each policy's requests are handled in submission order

	ctx := context.Background()
	broker := queue.NewMemoryBroker(4, 64)
	producer := queue.NewProducer(broker)
	rec := newRecorder()
	consumer := queue.NewConsumer(broker, rec.handle, logrus.New())
	runConsumer(t, consumer)

	a, b := userIDs("a-", 10), userIDs("b-", 10)
	for i := range a {
		_, err := producer.Submit(ctx, "policy-a", a[i])
		require.NoError(t, err)
		_, err = producer.Submit(ctx, "policy-b", b[i])
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ok, _ := consumer.Processed()
		return ok == 20
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, a, rec.users("policy-a"))
	assert.Equal(t, b, rec.users("policy-b"))
}

func TestConsumer_FailuresAreLoggedAndDropped(t *testing.T) {
	ctx := context.Background()
	broker := queue.NewMemoryBroker(1, 8)
	producer := queue.NewProducer(broker)
	rec := newRecorder()
	rec.fail = func(m queue.Message) error {
		if m.UserID == "bad" {
			return generic.ErrExhausted
		}
		return nil
	}
	log, hook := test.NewNullLogger()
	consumer := queue.NewConsumer(broker, rec.handle, log)
	runConsumer(t, consumer)

	for _, u := range []generic.UserID{"good-1", "bad", "good-2"} {
		_, err := producer.Submit(ctx, "p-1", u)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ok, failed := consumer.Processed()
		return ok == 2 && failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []generic.UserID{"good-1", "good-2"}, rec.users("p-1"))

	var dropped *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			dropped = e
		}
	}
	require.NotNil(t, dropped)
	assert.Equal(t, generic.UserID("bad"), dropped.Data["user_id"])
}

func TestProducer_Throttles(t *testing.T) {
	ctx := context.Background()
	broker := queue.NewMemoryBroker(1, 8)
	producer := queue.NewProducer(broker, queue.WithRate(0.001, 2))

	_, err := producer.Submit(ctx, "p-1", "u1")
	require.NoError(t, err)
	_, err = producer.Submit(ctx, "p-1", "u2")
	require.NoError(t, err)
	_, err = producer.Submit(ctx, "p-1", "u3")
	assert.ErrorIs(t, err, generic.ErrThrottled)

	// Buckets are per policy.
	_, err = producer.Submit(ctx, "p-2", "u1")
	assert.NoError(t, err)
}

func TestMemoryBroker_LogsHandlerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log, hook := test.NewNullLogger()
	broker := queue.NewMemoryBroker(1, 4).WithLogger(log)
	require.NoError(t, broker.Publish(ctx, 0, queue.Message{ID: "m-1", PolicyID: "p-1", UserID: "u"}))

	go func() {
		_ = broker.Consume(ctx, 0, func(context.Context, queue.Message) error { return generic.ErrExhausted })
	}()

	require.Eventually(t, func() bool { return hook.LastEntry() != nil }, time.Second, 2*time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "m-1", entry.Data["message_id"])
	assert.ErrorIs(t, entry.Data[logrus.ErrorKey].(error), generic.ErrExhausted)
}

func TestMemoryBroker_FullPartitionThrottles(t *testing.T) {
	broker := queue.NewMemoryBroker(1, 1)
	require.NoError(t, broker.Publish(context.Background(), 0, queue.Message{ID: "1"}))

	err := broker.Publish(context.Background(), 0, queue.Message{ID: "2"})

	assert.ErrorIs(t, err, generic.ErrThrottled)
}

// =============================================================================
// REDIS STREAMS
// =============================================================================

func TestRedisBroker_DeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	broker := queue.NewRedisBroker(rdb, 2,
		queue.WithStreamPrefix("test:issue"),
		queue.WithBlock(-1, 2*time.Millisecond),
		queue.WithBrokerLogger(logrus.New()),
	)
	producer := queue.NewProducer(broker, queue.WithClock(generic.FixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	rec := newRecorder()
	consumer := queue.NewConsumer(broker, rec.handle, logrus.New())
	runConsumer(t, consumer)

	users := userIDs("u-", 5)
	for _, u := range users {
		_, err := producer.Submit(ctx, "p-1", u)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		ok, _ := consumer.Processed()
		return ok == 5
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, users, rec.users("p-1"))

	stream := "test:issue:" + strconv.Itoa(queue.Partition("p-1", 2))
	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, stream, "coupon-service").Result()
		return err == nil && pending.Count == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRedisBroker_PublishFailureIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })
	broker := queue.NewRedisBroker(rdb, 1)
	mr.Close()

	err := broker.Publish(context.Background(), 0, queue.Message{ID: "1", PolicyID: "p", UserID: "u"})

	assert.True(t, errors.Is(err, generic.ErrTransientIO))
}

func TestRedisBroker_LogsHandlerFailureAndAcks(t *testing.T) {
	// GIVEN: A request whose handler fails
	// WHEN: The broker delivers it
	// THEN: The failure is logged with the entry id and the entry is still acked

	ctx, cancel := context.WithCancel(context.Background())
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log, hook := test.NewNullLogger()
	broker := queue.NewRedisBroker(rdb, 1,
		queue.WithStreamPrefix("test:issue"),
		queue.WithBlock(-1, 2*time.Millisecond),
		queue.WithBrokerLogger(log),
	)
	require.NoError(t, broker.Publish(ctx, 0, queue.Message{ID: "m-1", PolicyID: "p-1", UserID: "u"}))

	done := make(chan error, 1)
	go func() {
		done <- broker.Consume(ctx, 0, func(context.Context, queue.Message) error { return generic.ErrExhausted })
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	var failed *logrus.Entry
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel {
				failed = e
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, failed.Data["entry_id"])
	assert.ErrorIs(t, failed.Data[logrus.ErrorKey].(error), generic.ErrExhausted)

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(context.Background(), "test:issue:0", "coupon-service").Result()
		return err == nil && pending.Count == 0
	}, time.Second, 5*time.Millisecond)
}

// fleet records what several broker instances handled.
type fleet struct {
	mu       sync.Mutex
	order    []generic.UserID
	by       map[string][]generic.UserID
	inflight int
	peak     int
}

func (f *fleet) handler(instance string) queue.Handler {
	return func(_ context.Context, m queue.Message) error {
		f.mu.Lock()
		f.inflight++
		f.peak = max(f.peak, f.inflight)
		f.mu.Unlock()

		time.Sleep(time.Millisecond)

		f.mu.Lock()
		defer f.mu.Unlock()
		f.inflight--
		f.order = append(f.order, m.UserID)
		f.by[instance] = append(f.by[instance], m.UserID)
		return nil
	}
}

func (f *fleet) handled() []generic.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generic.UserID(nil), f.order...)
}

func (f *fleet) handledBy(instance string) []generic.UserID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generic.UserID(nil), f.by[instance]...)
}

func TestRedisBroker_OneOwnerPerPartitionAcrossInstances(t *testing.T) {
	// GIVEN: Two service instances consuming the same partition
	// WHEN: 20 requests for one policy arrive, the owning instance shuts
	//       down, and 20 more arrive
	// THEN: Only one instance handles at a time, everything is handled in
	//       submission order, and the standby takes over from the owner

	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	quiet, _ := test.NewNullLogger()
	newInstance := func(name string) *queue.RedisBroker {
		return queue.NewRedisBroker(rdb, 1,
			queue.WithStreamPrefix("test:issue"),
			queue.WithConsumerName(name),
			queue.WithBlock(-1, time.Millisecond),
			queue.WithOwnership(lock.NewRedis(rdb, lock.WithRetryInterval(time.Millisecond)), 5*time.Second),
			queue.WithBrokerLogger(quiet),
		)
	}

	f := &fleet{by: make(map[string][]generic.UserID)}
	stop := make(map[string]func())
	for _, name := range []string{"a", "b"} {
		consumer := queue.NewConsumer(newInstance(name), f.handler(name), quiet)
		cctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- consumer.Run(cctx) }()
		var once sync.Once
		stop[name] = func() {
			once.Do(func() {
				cancel()
				assert.NoError(t, <-done)
			})
		}
		t.Cleanup(stop[name])
	}

	producer := queue.NewProducer(newInstance("producer"))
	submit := func(users []generic.UserID) {
		for _, u := range users {
			_, err := producer.Submit(ctx, "p-1", u)
			require.NoError(t, err)
		}
	}

	first := userIDs("u-", 20)
	submit(first)
	require.Eventually(t, func() bool { return len(f.handled()) == 20 }, 5*time.Second, 5*time.Millisecond)

	owner, standby := "a", "b"
	if len(f.handledBy("b")) > 0 {
		owner, standby = "b", "a"
	}
	assert.Equal(t, first, f.handledBy(owner))
	assert.Empty(t, f.handledBy(standby))

	stop[owner]()
	second := userIDs("v-", 20)
	submit(second)
	require.Eventually(t, func() bool { return len(f.handled()) == 40 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, append(append([]generic.UserID(nil), first...), second...), f.handled())
	assert.Equal(t, second, f.handledBy(standby))
	assert.Equal(t, 1, f.peak)
}

func TestRedisBroker_OwnerLeaseIsReleasedOnStop(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	quiet, _ := test.NewNullLogger()
	broker := queue.NewRedisBroker(rdb, 1,
		queue.WithStreamPrefix("test:issue"),
		queue.WithBlock(-1, time.Millisecond),
		queue.WithBrokerLogger(quiet),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- broker.Consume(ctx, 0, func(context.Context, queue.Message) error { return nil }) }()

	require.Eventually(t, func() bool { return mr.Exists("test:issue:owner:0") }, time.Second, 2*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, mr.Exists("test:issue:owner:0"))
}
