package factory_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic/promotion-engine/coupon"
	"github.com/traffic/promotion-engine/factory"
	"github.com/traffic/promotion-engine/generic"
	"github.com/traffic/promotion-engine/generic/store"
)

const seedFile = `[
  {
    "id": "summer-2026",
    "title": "Summer sale",
    "discount": {"type": "percentage", "value": 10, "max": 2000},
    "minimum_order": 5000,
    "quantity": 1000,
    "start": "2026-07-01T00:00:00Z",
    "end": "2026-08-01T00:00:00Z"
  },
  {
    "id": "welcome",
    "title": "Welcome",
    "discount": {"type": "FIXED_AMOUNT", "value": 3000},
    "quantity": 50,
    "start": "2026-01-01T00:00:00+09:00",
    "end": "2027-01-01T00:00:00+09:00"
  }
]`

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestParsePolicies(t *testing.T) {
	policies, err := factory.NewPolicyFactory().ParsePolicies([]byte(seedFile))
	require.NoError(t, err)
	require.Len(t, policies, 2)

	summer := policies[0]
	assert.Equal(t, generic.PolicyID("summer-2026"), summer.ID)
	assert.Equal(t, generic.DiscountPercentage, summer.DiscountType)
	assert.Equal(t, int64(10), summer.DiscountValue)
	assert.Equal(t, int64(2000), summer.MaximumDiscountAmount)
	assert.Equal(t, int64(5000), summer.MinimumOrderAmount)
	assert.Equal(t, int64(1000), summer.TotalQuantity)
	assert.True(t, summer.StartTime.Equal(time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)))

	welcome := policies[1]
	assert.Equal(t, generic.DiscountFixedAmount, welcome.DiscountType)
	assert.Zero(t, welcome.MaximumDiscountAmount)
	assert.True(t, welcome.StartTime.Equal(time.Date(2025, time.December, 31, 15, 0, 0, 0, time.UTC)))
}

func TestParsePolicies_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not an array", `{"id": "x"}`},
		{"unknown field", `[{"id": "x", "discount": {"type": "fixed", "value": 1}, "start": "2026-01-01T00:00:00Z", "end": "2026-02-01T00:00:00Z", "colour": "red"}]`},
		{"missing id", `[{"discount": {"type": "fixed", "value": 1}, "start": "2026-01-01T00:00:00Z", "end": "2026-02-01T00:00:00Z"}]`},
		{"unknown discount", `[{"id": "x", "discount": {"type": "bogo", "value": 1}, "start": "2026-01-01T00:00:00Z", "end": "2026-02-01T00:00:00Z"}]`},
		{"bad time", `[{"id": "x", "discount": {"type": "fixed", "value": 1}, "start": "tomorrow", "end": "2026-02-01T00:00:00Z"}]`},
		{"duplicate id", `[
			{"id": "x", "discount": {"type": "fixed", "value": 1}, "start": "2026-01-01T00:00:00Z", "end": "2026-02-01T00:00:00Z"},
			{"id": "x", "discount": {"type": "fixed", "value": 2}, "start": "2026-01-01T00:00:00Z", "end": "2026-02-01T00:00:00Z"}
		]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.NewPolicyFactory().ParsePolicies([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := factory.NewPolicyFactory()
	policies, err := f.ParsePolicies([]byte(seedFile))
	require.NoError(t, err)

	in := policies[0]
	stored := generic.CouponPolicy{
		ID:                    in.ID,
		Title:                 in.Title,
		DiscountType:          in.DiscountType,
		DiscountValue:         in.DiscountValue,
		MinimumOrderAmount:    in.MinimumOrderAmount,
		MaximumDiscountAmount: in.MaximumDiscountAmount,
		TotalQuantity:         in.TotalQuantity,
		StartTime:             in.StartTime,
		EndTime:               in.EndTime,
	}
	out, err := f.FromJSON(f.ToJSON(stored))
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.DiscountType, out.DiscountType)
	assert.True(t, in.EndTime.Equal(out.EndTime))
}

func TestSeed_Idempotent(t *testing.T) {
	// GIVEN: An empty store and a seed file with two policies
	ctx := context.Background()
	st := store.NewMemory()
	clock := generic.FixedClock(time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC))
	svc := coupon.NewPolicyService(st, nil, nil, clock, quietLog())
	policies, err := factory.NewPolicyFactory().ParsePolicies([]byte(seedFile))
	require.NoError(t, err)

	// WHEN: Seeding twice
	created, err := factory.Seed(ctx, svc, policies, quietLog())
	require.NoError(t, err)
	again, err := factory.Seed(ctx, svc, policies, quietLog())
	require.NoError(t, err)

	// THEN: Both are created once, under their file ids
	assert.Equal(t, 2, created)
	assert.Zero(t, again)
	p, err := svc.Get(ctx, "summer-2026")
	require.NoError(t, err)
	assert.Equal(t, "Summer sale", p.Title)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSeed_InvalidPolicyStops(t *testing.T) {
	ctx := context.Background()
	svc := coupon.NewPolicyService(store.NewMemory(), nil, nil, nil, quietLog())
	bad := coupon.NewPolicy{
		ID:            "empty",
		Title:         "no stock",
		DiscountType:  generic.DiscountFixedAmount,
		DiscountValue: 100,
		TotalQuantity: 0,
		StartTime:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	created, err := factory.Seed(ctx, svc, []coupon.NewPolicy{bad}, quietLog())
	assert.ErrorIs(t, err, generic.ErrInvalidPolicy)
	assert.Zero(t, created)
}
