package points_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic/promotion-engine/generic"
	"github.com/traffic/promotion-engine/generic/store"
	"github.com/traffic/promotion-engine/lock"
	"github.com/traffic/promotion-engine/points"
)

func TestBalance_FallsBackToStoreAndRepopulates(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.earn(t, "u-1", 700)
	h.mr.HDel("point:balance", "u-1")

	assert.Equal(t, int64(700), h.balance(t, "u-1"))
	assert.Equal(t, "700", h.mr.HGet("point:balance", "u-1"))

	assert.Equal(t, int64(0), h.balance(t, "nobody"))
}

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, store.NewMemory())
	for _, amount := range []int64{10, 20, 30} {
		h.earn(t, "u-1", amount)
	}
	h.earn(t, "u-2", 99)

	page, err := h.svc.History(ctx, "u-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(30), page[0].Amount)
	assert.Equal(t, int64(20), page[1].Amount)

	rest, err := h.svc.History(ctx, "u-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(10), rest[0].Amount)
}

func TestSyncCache_CopiesEveryBalance(t *testing.T) {
	h := newHarness(t, store.NewMemory())
	h.earn(t, "u-1", 100)
	h.earn(t, "u-2", 200)
	h.mr.Del("point:balance")

	n, err := h.svc.SyncCache(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "100", h.mr.HGet("point:balance", "u-1"))
	assert.Equal(t, "200", h.mr.HGet("point:balance", "u-2"))
}

func TestDailyReport(t *testing.T) {
	// GIVEN: One user who earned, used and cancelled during the day
	// WHEN: The daily report runs twice
	// THEN: The totals are per type and the saved report is overwritten, not doubled

	ctx := context.Background()
	mem := store.NewMemory()
	h := newHarness(t, mem)
	h.earn(t, "u-1", 1000)
	used, err := h.svc.Use(ctx, "u-1", 400, "order")
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, "u-1", used.ID, "refund")
	require.NoError(t, err)
	h.earn(t, "u-2", 50)

	for i := 0; i < 2; i++ {
		reports, err := h.svc.DailyReport(ctx, now.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, reports, 2)
	}

	saved := mem.DailyReports(now)
	require.Len(t, saved, 2)
	assert.Equal(t, generic.DailyPointReport{
		Day: generic.DayStart(now), UserID: "u-1",
		Earned: 1000, Used: 400, Canceled: 400, Entries: 3,
	}, saved[0])
	assert.Equal(t, int64(50), saved[1].Earned)

	none, err := h.svc.DailyReport(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

// failingCache accepts reads but fails every write.
type failingCache struct {
	mu      sync.Mutex
	deleted []generic.UserID
}

func (f *failingCache) Get(context.Context, generic.UserID) (int64, bool, error) {
	return 0, false, nil
}

func (f *failingCache) Set(context.Context, generic.UserID, int64) error {
	return errors.New("cache unavailable")
}

func (f *failingCache) SetMany(context.Context, map[generic.UserID]int64) error {
	return errors.New("cache unavailable")
}

func (f *failingCache) Delete(_ context.Context, userID generic.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, userID)
	return nil
}

func TestCacheWriteFailureDoesNotFailMutation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	fc := &failingCache{}
	svc := points.NewService(store.NewMemory(), lock.NewRedis(rdb), fc, points.Options{})

	tx, err := svc.Earn(context.Background(), "u-1", 100, "")

	require.NoError(t, err)
	assert.Equal(t, int64(100), tx.BalanceSnapshot)
	assert.Contains(t, fc.deleted, generic.UserID("u-1"))

	_, err = svc.SyncCache(context.Background())
	assert.ErrorIs(t, err, generic.ErrTransientIO)
}

type countingObserver struct {
	mu  sync.Mutex
	ops map[string]int
}

func (c *countingObserver) Observe(op, version string, fn func() error) error {
	c.mu.Lock()
	c.ops[op+"/"+version]++
	c.mu.Unlock()
	return fn()
}

func TestObserverSeesEveryMutation(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	obs := &countingObserver{ops: map[string]int{}}
	svc := points.NewService(store.NewMemory(), lock.NewRedis(rdb), nil, points.Options{Observer: obs})
	ctx := context.Background()

	earned, err := svc.Earn(ctx, "u-1", 100, "")
	require.NoError(t, err)
	_, _ = svc.Use(ctx, "u-1", 500, "")
	_, err = svc.Cancel(ctx, "u-1", earned.ID, "")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{
		points.OpEarn + "/v1":   1,
		points.OpUse + "/v1":    1,
		points.OpCancel + "/v1": 1,
	}, obs.ops)
}
