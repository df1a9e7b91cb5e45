/*
policy.go - Coupon policy definition and discount rule

PURPOSE:
  A CouponPolicy defines a promotion: how much discount a coupon gives,
  which orders qualify, how many coupons may ever exist (TotalQuantity) and
  when they may be issued (Window).

INVARIANTS:
  - TotalQuantity >= 1, immutable after creation
  - Window.Start < Window.End, half-open [Start, End)
  - Percentage discounts are in (0, 100]
  - MinimumOrderAmount and MaximumDiscountAmount are non-negative
    (MaximumDiscountAmount 0 means "no cap")

DISCOUNT CALCULATION:
  FIXED_AMOUNT: discount = DiscountValue
  PERCENTAGE:   discount = floor(order * DiscountValue / 100)
  Both are capped by MaximumDiscountAmount (when set) and by the order itself.

  Example: 15% policy, max discount 3000, order 25000
    15% of 25000 = 3750 → capped at 3000

SEE ALSO:
  - coupon.go: Coupon rows reference a policy by id
  - coupon/policy.go: Policy service (create, read-through cache)
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DISCOUNT TYPE
// =============================================================================

type DiscountType string

const (
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
	DiscountPercentage  DiscountType = "PERCENTAGE"
)

func (d DiscountType) Valid() bool {
	return d == DiscountFixedAmount || d == DiscountPercentage
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// COUPON POLICY
// =============================================================================

type CouponPolicy struct {
	ID                    PolicyID     `json:"id"`
	Title                 string       `json:"title"`
	Description           string       `json:"description,omitempty"`
	DiscountType          DiscountType `json:"discountType"`
	DiscountValue         int64        `json:"discountValue"`
	MinimumOrderAmount    int64        `json:"minimumOrderAmount"`
	MaximumDiscountAmount int64        `json:"maximumDiscountAmount"`
	TotalQuantity         int64        `json:"totalQuantity"`
	StartTime             time.Time    `json:"startTime"`
	EndTime               time.Time    `json:"endTime"`
	CreatedAt             time.Time    `json:"createdAt"`
}

func (p CouponPolicy) Window() Window {
	return Window{Start: p.StartTime, End: p.EndTime}
}

// ActiveAt reports whether coupons of this policy may be issued at t.
func (p CouponPolicy) ActiveAt(t time.Time) bool {
	return p.Window().Contains(t)
}

// EndedAt reports whether the policy's window has closed at t.
func (p CouponPolicy) EndedAt(t time.Time) bool {
	return !t.Before(p.EndTime)
}

// Validate checks the policy invariants. Returned errors wrap ErrInvalidPolicy.
func (p CouponPolicy) Validate() error {
	switch {
	case p.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidPolicy)
	case !p.DiscountType.Valid():
		return fmt.Errorf("%w: unknown discount type %q", ErrInvalidPolicy, p.DiscountType)
	case p.DiscountValue <= 0:
		return fmt.Errorf("%w: discount value must be positive", ErrInvalidPolicy)
	case p.DiscountType == DiscountPercentage && p.DiscountValue > 100:
		return fmt.Errorf("%w: percentage must be at most 100", ErrInvalidPolicy)
	case p.MinimumOrderAmount < 0 || p.MaximumDiscountAmount < 0:
		return fmt.Errorf("%w: order bounds must be non-negative", ErrInvalidPolicy)
	case p.TotalQuantity < 1:
		return fmt.Errorf("%w: total quantity must be at least 1", ErrInvalidPolicy)
	case !p.Window().Valid():
		return fmt.Errorf("%w: start time must be before end time", ErrInvalidPolicy)
	}
	return nil
}

// Discount returns the discount this policy grants on an order.
func (p CouponPolicy) Discount(orderAmount int64) (int64, error) {
	if orderAmount < p.MinimumOrderAmount {
		return 0, fmt.Errorf("%w: order %d, minimum %d", ErrBelowMinimumOrder, orderAmount, p.MinimumOrderAmount)
	}

	var discount decimal.Decimal
	switch p.DiscountType {
	case DiscountFixedAmount:
		discount = decimal.NewFromInt(p.DiscountValue)
	case DiscountPercentage:
		discount = decimal.NewFromInt(orderAmount).
			Mul(decimal.NewFromInt(p.DiscountValue)).
			Div(hundred).
			Truncate(0)
	default:
		return 0, fmt.Errorf("%w: unknown discount type %q", ErrInvalidPolicy, p.DiscountType)
	}

	if p.MaximumDiscountAmount > 0 {
		discount = decimal.Min(discount, decimal.NewFromInt(p.MaximumDiscountAmount))
	}
	discount = decimal.Min(discount, decimal.NewFromInt(orderAmount))
	return discount.IntPart(), nil
}
