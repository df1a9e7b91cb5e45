package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/traffic/promotion-engine/coupon"
	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// COUPON HANDLERS
// =============================================================================

// IssueCoupon runs the selected issue strategy for the caller.
// Synchronous strategies answer 201 with the coupon; the queued one 202.
// POST /api/coupons/issue
func (h *Handler) IssueCoupon(w http.ResponseWriter, r *http.Request) {
	var req IssueCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "policyId is required", nil)
		return
	}

	strategy := h.defaultStrategy
	if req.Strategy != "" {
		s, err := coupon.ParseStrategy(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Unknown strategy", err)
			return
		}
		strategy = s
	}
	issuer, ok := h.issuers[strategy]
	if !ok {
		writeError(w, http.StatusBadRequest, "Strategy not enabled on this server", errors.New(string(strategy)))
		return
	}

	res, err := issuer.Issue(r.Context(), generic.PolicyID(req.PolicyID), UserID(r.Context()))
	if err != nil {
		h.fail(w, r, "Coupon not issued", err)
		return
	}
	if res.Coupon == nil {
		writeJSON(w, http.StatusAccepted, IssueCouponResponse{Accepted: res.Accepted, Strategy: string(strategy)})
		return
	}
	writeJSON(w, http.StatusCreated, IssueCouponResponse{
		CouponID: string(res.Coupon.ID),
		Status:   res.Coupon.Status,
		Strategy: string(strategy),
		Coupon:   res.Coupon,
	})
}

// ListCoupons returns the caller's coupons, newest first.
// GET /api/coupons?status=ISSUED&page=0&size=10
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}
	status := generic.CouponStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status", nil)
		return
	}

	coupons, err := h.Coupons.List(r.Context(), UserID(r.Context()), status, page, size)
	if err != nil {
		h.fail(w, r, "Failed to list coupons", err)
		return
	}
	if coupons == nil {
		coupons = []generic.Coupon{}
	}
	writeJSON(w, http.StatusOK, coupons)
}

// GetCoupon returns the caller's coupon with its policy.
// GET /api/coupons/{id}
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	v, err := h.Coupons.Get(r.Context(), UserID(r.Context()), couponID(r))
	if err != nil {
		h.fail(w, r, "Failed to get coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UseCoupon redeems the caller's coupon against an order.
// POST /api/coupons/{id}/use
func (h *Handler) UseCoupon(w http.ResponseWriter, r *http.Request) {
	var req UseCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "orderId is required", nil)
		return
	}

	v, err := h.Coupons.Use(r.Context(), UserID(r.Context()), couponID(r), req.OrderID)
	if err != nil {
		h.fail(w, r, "Failed to use coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// CancelCoupon reverses the redemption of the caller's coupon.
// POST /api/coupons/{id}/cancel
func (h *Handler) CancelCoupon(w http.ResponseWriter, r *http.Request) {
	v, err := h.Coupons.Cancel(r.Context(), UserID(r.Context()), couponID(r))
	if err != nil {
		h.fail(w, r, "Failed to cancel coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// QuoteCoupon computes the discount the coupon gives on an order.
// POST /api/coupons/{id}/quote
func (h *Handler) QuoteCoupon(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrderAmount <= 0 {
		writeError(w, http.StatusBadRequest, "orderAmount must be positive", nil)
		return
	}

	id := couponID(r)
	discount, err := h.Coupons.Quote(r.Context(), UserID(r.Context()), id, req.OrderAmount)
	if err != nil {
		h.fail(w, r, "Failed to quote coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		CouponID:    string(id),
		OrderAmount: req.OrderAmount,
		Discount:    discount,
		FinalAmount: req.OrderAmount - discount,
	})
}

func couponID(r *http.Request) generic.CouponID {
	return generic.CouponID(chi.URLParam(r, "id"))
}
