/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types that
  already carry JSON tags (CouponPolicy, Coupon, CouponView,
  PointTransaction) are returned as they are; the types here cover
  request bodies and the responses that reshape domain results.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

TIMES:
  Request times are RFC 3339. Responses use encoding/json's default
  (RFC 3339 with nanoseconds).

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// POLICIES
// =============================================================================

type CreatePolicyRequest struct {
	Title                 string `json:"title"`
	Description           string `json:"description"`
	DiscountType          string `json:"discountType"`
	DiscountValue         int64  `json:"discountValue"`
	MinimumOrderAmount    int64  `json:"minimumOrderAmount"`
	MaximumDiscountAmount int64  `json:"maximumDiscountAmount"`
	TotalQuantity         int64  `json:"totalQuantity"`
	StartTime             string `json:"startTime"`
	EndTime               string `json:"endTime"`
}

// =============================================================================
// COUPONS
// =============================================================================

type IssueCouponRequest struct {
	PolicyID string `json:"policyId"`
	// Strategy is pessimistic, distributed or queued (or v1, v2, v3).
	// Empty selects the server default.
	Strategy string `json:"strategy,omitempty"`
}

// IssueCouponResponse is {couponId, status} for a synchronous grant and
// {accepted: true} for a queued one.
type IssueCouponResponse struct {
	CouponID string               `json:"couponId,omitempty"`
	Status   generic.CouponStatus `json:"status,omitempty"`
	Accepted bool                 `json:"accepted,omitempty"`
	Strategy string               `json:"strategy"`
	Coupon   *generic.Coupon      `json:"coupon,omitempty"`
}

type UseCouponRequest struct {
	OrderID string `json:"orderId"`
}

type QuoteRequest struct {
	OrderAmount int64 `json:"orderAmount"`
}

type QuoteResponse struct {
	CouponID    string `json:"couponId"`
	OrderAmount int64  `json:"orderAmount"`
	Discount    int64  `json:"discount"`
	FinalAmount int64  `json:"finalAmount"`
}

// =============================================================================
// POINTS
// =============================================================================

type PointsRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type CancelPointsRequest struct {
	Reason string `json:"reason"`
}

// PointsResponse is the result of a balance mutation.
type PointsResponse struct {
	TransactionID    string              `json:"transactionId"`
	Type             generic.PointTxType `json:"type"`
	Amount           int64               `json:"amount"`
	ResultingBalance int64               `json:"resultingBalance"`
}

type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for every failed request. Code is stable and
// machine-readable; Error is for humans.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func toPointsResponse(tx *generic.PointTransaction) PointsResponse {
	return PointsResponse{
		TransactionID:    string(tx.ID),
		Type:             tx.Type,
		Amount:           tx.Amount,
		ResultingBalance: tx.BalanceSnapshot,
	}
}
