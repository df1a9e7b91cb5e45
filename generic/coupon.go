/*
coupon.go - Coupon lifecycle

PURPOSE:
  A Coupon is one granted slot of a policy's finite quantity. It is created
  by a successful quota grant and is never deleted.

STATE MACHINE:

  ┌────────┐   use(order)   ┌──────┐   cancel   ┌───────────┐
  │ ISSUED │───────────────►│ USED │───────────►│ CANCELLED │
  └────────┘                └──────┘            └───────────┘

  - ISSUED:    granted, not yet redeemed
  - USED:      redeemed against an order (OrderID, UsedAt set)
  - CANCELLED: redemption reversed; terminal

  A cancelled coupon still occupies its slot: the quota counts every
  persisted coupon, so cancellation never re-opens issuance.

SEE ALSO:
  - policy.go: The policy a coupon references
  - coupon/service.go: Use / Cancel transitions
*/
package generic

import (
	"fmt"
	"time"
)

type CouponStatus string

const (
	CouponIssued    CouponStatus = "ISSUED"
	CouponUsed      CouponStatus = "USED"
	CouponCancelled CouponStatus = "CANCELLED"
)

func (s CouponStatus) Valid() bool {
	return s == CouponIssued || s == CouponUsed || s == CouponCancelled
}

type Coupon struct {
	ID        CouponID     `json:"id"`
	Code      string       `json:"code"`
	UserID    UserID       `json:"userId"`
	PolicyID  PolicyID     `json:"policyId"`
	Status    CouponStatus `json:"status"`
	OrderID   string       `json:"orderId,omitempty"`
	UsedAt    *time.Time   `json:"usedAt,omitempty"`
	IssuedAt  time.Time    `json:"issuedAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NewCoupon builds an ISSUED coupon with a fresh id and code.
func NewCoupon(policyID PolicyID, userID UserID, now time.Time) Coupon {
	return Coupon{
		ID:        CouponID(NewID()),
		Code:      NewID()[:8],
		UserID:    userID,
		PolicyID:  policyID,
		Status:    CouponIssued,
		IssuedAt:  now,
		UpdatedAt: now,
	}
}

// Use returns the coupon redeemed against orderID.
func (c Coupon) Use(orderID string, now time.Time) (Coupon, error) {
	if c.Status != CouponIssued {
		return c, fmt.Errorf("%w: cannot use a %s coupon", ErrInvalidTransition, c.Status)
	}
	c.Status = CouponUsed
	c.OrderID = orderID
	c.UsedAt = &now
	c.UpdatedAt = now
	return c, nil
}

// Cancel returns the coupon with its redemption reversed.
func (c Coupon) Cancel(now time.Time) (Coupon, error) {
	switch c.Status {
	case CouponCancelled:
		return c, ErrAlreadyCancelled
	case CouponIssued:
		return c, fmt.Errorf("%w: coupon has not been used", ErrInvalidTransition)
	}
	c.Status = CouponCancelled
	c.UpdatedAt = now
	return c, nil
}

// CouponView is the materialized read model: the coupon plus a denormalized
// snapshot of its policy. This is what the state cache holds.
type CouponView struct {
	Coupon
	Policy CouponPolicy `json:"policy"`
}

// CouponFilter selects coupons for listing. Zero fields are unconstrained.
type CouponFilter struct {
	UserID   UserID
	PolicyID PolicyID
	Status   CouponStatus
	Limit    int
	Offset   int
}
