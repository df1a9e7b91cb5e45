package coupon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic/promotion-engine/coupon"
	"github.com/traffic/promotion-engine/generic"
)

func (h *harness) service() *coupon.Service {
	return coupon.NewService(h.store, h.policies, h.state, h.opts.Clock, h.opts.Log)
}

func (h *harness) issue(t *testing.T, p generic.CouponPolicy, user generic.UserID) generic.Coupon {
	t.Helper()
	c, err := h.distributed().Grant(context.Background(), p.ID, user)
	require.NoError(t, err)
	return *c
}

func TestService_UseThenCancel(t *testing.T) {
	// GIVEN: An issued coupon
	// WHEN: It is used, then cancelled, then cancelled again
	// THEN: ISSUED → USED → CANCELLED, the second cancel fails, the slot stays taken

	ctx := context.Background()
	h := newHarness(t)
	p := h.createPolicy(t, 2)
	c := h.issue(t, p, "u-1")
	svc := h.service()

	used, err := svc.Use(ctx, "u-1", c.ID, "order-77")
	require.NoError(t, err)
	assert.Equal(t, generic.CouponUsed, used.Status)
	assert.Equal(t, "order-77", used.OrderID)
	require.NotNil(t, used.UsedAt)

	_, err = svc.Use(ctx, "u-1", c.ID, "order-78")
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)

	cancelled, err := svc.Cancel(ctx, "u-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.CouponCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, "u-1", c.ID)
	assert.ErrorIs(t, err, generic.ErrAlreadyCancelled)

	issued, _ := h.store.CountIssued(ctx, p.ID)
	assert.Equal(t, int64(1), issued)
	assert.Equal(t, int64(1), h.remaining(t, p.ID))
}

func TestService_CancelRequiresUse(t *testing.T) {
	h := newHarness(t)
	p := h.createPolicy(t, 2)
	c := h.issue(t, p, "u-1")

	_, err := h.service().Cancel(context.Background(), "u-1", c.ID)

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestService_OtherUsersCouponIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.createPolicy(t, 2)
	c := h.issue(t, p, "u-1")
	svc := h.service()

	_, err := svc.Get(ctx, "u-2", c.ID)
	assert.ErrorIs(t, err, generic.ErrNotFoundOrUnauthorized)
	_, err = svc.Use(ctx, "u-2", c.ID, "order-1")
	assert.ErrorIs(t, err, generic.ErrNotFoundOrUnauthorized)
	_, err = svc.Cancel(ctx, "u-2", "missing")
	assert.ErrorIs(t, err, generic.ErrNotFoundOrUnauthorized)
	assert.Equal(t, generic.CodeNotFound, generic.Code(err))
}

func TestService_UseAfterPolicyEnded(t *testing.T) {
	h := newHarness(t)
	p := h.createPolicy(t, 2)
	c := h.issue(t, p, "u-1")

	late := coupon.NewService(h.store, h.policies, h.state, generic.FixedClock(p.EndTime), h.opts.Log)
	_, err := late.Use(context.Background(), "u-1", c.ID, "order-1")

	assert.ErrorIs(t, err, generic.ErrOutOfWindow)
}

func TestService_GetReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.createPolicy(t, 2)
	c := h.issue(t, p, "u-1")
	key := "coupon:state:" + string(c.ID)

	h.mr.Del(key)
	v, err := h.service().Get(ctx, "u-1", c.ID)

	require.NoError(t, err)
	assert.Equal(t, c.ID, v.ID)
	assert.Equal(t, p.DiscountValue, v.Policy.DiscountValue)
	assert.True(t, h.mr.Exists(key), "view repopulated")

	_, err = h.service().Use(ctx, "u-1", c.ID, "order-1")
	require.NoError(t, err)
	v, err = h.service().Get(ctx, "u-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, generic.CouponUsed, v.Status, "write-through on use")
}

func TestService_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.createPolicy(t, 20)
	var ids []generic.CouponID
	for i := 0; i < 12; i++ {
		ids = append(ids, h.issue(t, p, "u-1").ID)
	}
	h.issue(t, p, "u-2")
	svc := h.service()

	first, err := svc.List(ctx, "u-1", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, first, coupon.DefaultPageSize)
	assert.Equal(t, ids[11], first[0].ID)

	second, err := svc.List(ctx, "u-1", "", 1, 0)
	require.NoError(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, ids[0], second[1].ID)

	_, err = svc.Use(ctx, "u-1", ids[3], "order-1")
	require.NoError(t, err)
	used, err := svc.List(ctx, "u-1", generic.CouponUsed, 0, 5)
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, ids[3], used[0].ID)
}

func TestService_Quote(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := newPolicy(5)
	in.DiscountType = generic.DiscountPercentage
	in.DiscountValue = 15
	in.MinimumOrderAmount = 10000
	in.MaximumDiscountAmount = 5000
	p, err := h.policies.Create(ctx, in)
	require.NoError(t, err)
	c := h.issue(t, *p, "u-1")
	svc := h.service()

	tests := []struct {
		order int64
		want  int64
	}{
		{order: 10000, want: 1500},
		{order: 12345, want: 1851},
		{order: 100000, want: 5000},
	}
	for _, tt := range tests {
		got, err := svc.Quote(ctx, "u-1", c.ID, tt.order)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "order %d", tt.order)
	}

	_, err = svc.Quote(ctx, "u-1", c.ID, 9999)
	assert.ErrorIs(t, err, generic.ErrBelowMinimumOrder)

	_, err = svc.Use(ctx, "u-1", c.ID, "order-1")
	require.NoError(t, err)
	_, err = svc.Quote(ctx, "u-1", c.ID, 20000)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestService_ConcurrentUseHasOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.createPolicy(t, 1)
	c := h.issue(t, p, "u-1")
	svc := h.service()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := svc.Use(ctx, "u-1", c.ID, "order-1")
			errs <- err
		}()
	}

	var ok int
	for i := 0; i < 8; i++ {
		select {
		case err := <-errs:
			if err == nil {
				ok++
				continue
			}
			assert.True(t, generic.Code(err) == generic.CodeConcurrentModified || generic.Code(err) == generic.CodeInvalidTransition, err)
		case <-time.After(5 * time.Second):
			t.Fatal("use did not return")
		}
	}
	assert.Equal(t, 1, ok)
}
