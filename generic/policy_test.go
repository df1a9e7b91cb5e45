package generic_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var jan1 = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func percentPolicy(pct, max, min int64) generic.CouponPolicy {
	return generic.CouponPolicy{
		ID:                    "p-1",
		Title:                 "winter sale",
		DiscountType:          generic.DiscountPercentage,
		DiscountValue:         pct,
		MinimumOrderAmount:    min,
		MaximumDiscountAmount: max,
		TotalQuantity:         100,
		StartTime:             jan1,
		EndTime:               jan1.AddDate(0, 1, 0),
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestPolicyValidate(t *testing.T) {
	valid := percentPolicy(10, 0, 0)

	tests := []struct {
		name   string
		mutate func(p *generic.CouponPolicy)
	}{
		{"zero quantity", func(p *generic.CouponPolicy) { p.TotalQuantity = 0 }},
		{"empty window", func(p *generic.CouponPolicy) { p.EndTime = p.StartTime }},
		{"inverted window", func(p *generic.CouponPolicy) { p.EndTime = p.StartTime.Add(-time.Hour) }},
		{"percentage over 100", func(p *generic.CouponPolicy) { p.DiscountValue = 101 }},
		{"zero discount", func(p *generic.CouponPolicy) { p.DiscountValue = 0 }},
		{"negative minimum", func(p *generic.CouponPolicy) { p.MinimumOrderAmount = -1 }},
		{"unknown type", func(p *generic.CouponPolicy) { p.DiscountType = "BOGO" }},
		{"missing title", func(p *generic.CouponPolicy) { p.Title = "" }},
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, generic.ErrInvalidPolicy) {
				t.Errorf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
}

func TestPolicyWindow_IsHalfOpen(t *testing.T) {
	// GIVEN: A policy valid for January
	// WHEN: Checking the boundaries
	// THEN: Start is inside, End is outside

	p := percentPolicy(10, 0, 0)

	if !p.ActiveAt(p.StartTime) {
		t.Error("start instant should be inside the window")
	}
	if p.ActiveAt(p.EndTime) {
		t.Error("end instant should be outside the window")
	}
	if !p.ActiveAt(p.EndTime.Add(-time.Nanosecond)) {
		t.Error("last nanosecond should be inside the window")
	}
	if p.ActiveAt(p.StartTime.Add(-time.Nanosecond)) {
		t.Error("before start should be outside the window")
	}
}

// =============================================================================
// DISCOUNT
// =============================================================================

func TestPolicyDiscount(t *testing.T) {
	fixed := percentPolicy(0, 0, 10000)
	fixed.DiscountType = generic.DiscountFixedAmount
	fixed.DiscountValue = 3000

	tests := []struct {
		name   string
		policy generic.CouponPolicy
		order  int64
		want   int64
	}{
		{"percentage truncates", percentPolicy(15, 0, 0), 999, 149},
		{"percentage capped by max", percentPolicy(15, 3000, 0), 25000, 3000},
		{"percentage under cap", percentPolicy(15, 5000, 0), 25000, 3750},
		{"fixed amount", fixed, 20000, 3000},
		{"fixed capped by order", func() generic.CouponPolicy { p := fixed; p.MinimumOrderAmount = 0; return p }(), 2000, 2000},
		{"full percentage", percentPolicy(100, 0, 0), 4200, 4200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Discount(tt.order)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestPolicyDiscount_BelowMinimumOrder(t *testing.T) {
	p := percentPolicy(10, 0, 10000)

	_, err := p.Discount(9999)

	if !errors.Is(err, generic.ErrBelowMinimumOrder) {
		t.Errorf("expected ErrBelowMinimumOrder, got %v", err)
	}
}

// =============================================================================
// COUPON LIFECYCLE
// =============================================================================

func TestCouponLifecycle(t *testing.T) {
	c := generic.NewCoupon("p-1", "user-1", jan1)
	if c.Status != generic.CouponIssued || len(c.Code) != 8 {
		t.Fatalf("unexpected new coupon: %+v", c)
	}

	if _, err := c.Cancel(jan1); !errors.Is(err, generic.ErrInvalidTransition) {
		t.Errorf("cancelling an unused coupon: expected ErrInvalidTransition, got %v", err)
	}

	used, err := c.Use("order-9", jan1.Add(time.Hour))
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if used.Status != generic.CouponUsed || used.OrderID != "order-9" || used.UsedAt == nil {
		t.Errorf("unexpected used coupon: %+v", used)
	}
	if _, err := used.Use("order-10", jan1); !errors.Is(err, generic.ErrInvalidTransition) {
		t.Errorf("second use: expected ErrInvalidTransition, got %v", err)
	}

	cancelled, err := used.Cancel(jan1.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := cancelled.Cancel(jan1); !errors.Is(err, generic.ErrAlreadyCancelled) {
		t.Errorf("second cancel: expected ErrAlreadyCancelled, got %v", err)
	}
}

// =============================================================================
// BALANCE + LEDGER
// =============================================================================

func TestBalanceApply_RejectsNegative(t *testing.T) {
	// GIVEN: balance 1000
	// WHEN: applying -1500
	// THEN: InsufficientBalanceError, balance unchanged

	b := generic.NewPointBalance("user-1", jan1)
	b, err := b.Apply(1000, jan1)
	if err != nil {
		t.Fatalf("earn: %v", err)
	}

	after, err := b.Apply(-1500, jan1)

	var insufficient *generic.InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Available != 1000 || insufficient.Requested != 1500 {
		t.Errorf("unexpected error details: %+v", insufficient)
	}
	if after.Balance != 1000 || after.Version != 1 {
		t.Errorf("balance should be unchanged, got %+v", after)
	}
}

func TestBalanceApply_RejectsOverflow(t *testing.T) {
	// GIVEN: balance MaxInt64-1
	// WHEN: applying +10
	// THEN: ErrInvalidAmount (not InsufficientBalance), balance unchanged

	b, err := generic.NewPointBalance("user-1", jan1).Apply(math.MaxInt64-1, jan1)
	if err != nil {
		t.Fatalf("earn: %v", err)
	}

	after, err := b.Apply(10, jan1)

	if !errors.Is(err, generic.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	var insufficient *generic.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		t.Errorf("overflow reported as insufficient balance: %v", err)
	}
	if after.Balance != math.MaxInt64-1 || after.Version != 1 {
		t.Errorf("balance should be unchanged, got %+v", after)
	}

	if _, err := b.Apply(1, jan1); err != nil {
		t.Errorf("crediting up to MaxInt64 should succeed: %v", err)
	}
}

func TestReplay(t *testing.T) {
	txs := []generic.PointTransaction{
		{Amount: 1000, Type: generic.PointEarned},
		{Amount: -300, Type: generic.PointUsed},
		{Amount: 300, Type: generic.PointCanceled},
		{Amount: -1000, Type: generic.PointUsed},
	}

	if got := generic.Replay(txs); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
