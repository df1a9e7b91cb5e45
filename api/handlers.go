/*
handlers.go - HTTP API handlers for the promotion engine

PURPOSE:
  Exposes policies, coupon issuance and the point ledger over REST.
  Handlers parse the request, take the caller's user id from the request
  context and pass it explicitly into the services.

ENDPOINTS:
  Policies:
    POST   /api/policies                          Create policy
    GET    /api/policies                          List policies
    GET    /api/policies/{id}                     Get policy

  Coupons (X-User-ID required):
    POST   /api/coupons/issue                     Issue (strategy in body)
    GET    /api/coupons                           List own coupons
    GET    /api/coupons/{id}                      Get own coupon
    POST   /api/coupons/{id}/use                  Redeem against an order
    POST   /api/coupons/{id}/cancel               Reverse a redemption
    POST   /api/coupons/{id}/quote                Discount for an order amount

  Points (X-User-ID required):
    POST   /api/points/earn
    POST   /api/points/use
    POST   /api/points/transactions/{id}/cancel
    GET    /api/points/balance
    GET    /api/points/history

ERROR HANDLING:
  Service errors are mapped by generic.Code:
  - 400: Invalid input (amount, policy definition, body)
  - 401: Missing X-User-ID
  - 404: Policy or coupon/transaction not found (or not the caller's)
  - 409: Exhausted, already issued, already cancelled, concurrent update
  - 422: Out of window, insufficient balance, below minimum order,
         invalid state transition
  - 429: Lock busy, throttled (retry with backoff)
  - 503: Transient I/O failure
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: X-User-ID and access log
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/traffic/promotion-engine/coupon"
	"github.com/traffic/promotion-engine/generic"
	"github.com/traffic/promotion-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Policies *coupon.PolicyService
	Coupons  *coupon.Service
	Points   *points.Service

	issuers         map[coupon.Strategy]coupon.Issuer
	defaultStrategy coupon.Strategy
	ping            func(context.Context) error
	log             logrus.FieldLogger
}

// Deps lists what NewHandler wires together. Ping is optional.
type Deps struct {
	Policies        *coupon.PolicyService
	Coupons         *coupon.Service
	Points          *points.Service
	Issuers         []coupon.Issuer
	DefaultStrategy coupon.Strategy
	Ping            func(context.Context) error
	Log             logrus.FieldLogger
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		Policies:        d.Policies,
		Coupons:         d.Coupons,
		Points:          d.Points,
		issuers:         make(map[coupon.Strategy]coupon.Issuer, len(d.Issuers)),
		defaultStrategy: d.DefaultStrategy,
		ping:            d.Ping,
		log:             d.Log,
	}
	if h.log == nil {
		h.log = logrus.StandardLogger()
	}
	for _, is := range d.Issuers {
		h.issuers[is.Strategy()] = is
	}
	return h
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// CreatePolicy creates a coupon policy and seeds its quota.
// POST /api/policies
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startTime (use RFC 3339)", err)
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endTime (use RFC 3339)", err)
		return
	}

	p, err := h.Policies.Create(r.Context(), coupon.NewPolicy{
		Title:                 req.Title,
		Description:           req.Description,
		DiscountType:          generic.DiscountType(req.DiscountType),
		DiscountValue:         req.DiscountValue,
		MinimumOrderAmount:    req.MinimumOrderAmount,
		MaximumDiscountAmount: req.MaximumDiscountAmount,
		TotalQuantity:         req.TotalQuantity,
		StartTime:             start,
		EndTime:               end,
	})
	if err != nil {
		h.fail(w, r, "Failed to create policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPolicies returns every policy.
// GET /api/policies
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Policies.List(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list policies", err)
		return
	}
	if policies == nil {
		policies = []generic.CouponPolicy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// GetPolicy returns one policy.
// GET /api/policies/{id}
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.Policies.Get(r.Context(), generic.PolicyID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get policy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Unhealthy", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
		if code := generic.Code(err); code != generic.CodeInternal || status >= http.StatusInternalServerError {
			resp.Code = code
		}
		resp.Retryable = generic.IsRetryable(err)
	}
	writeJSON(w, status, resp)
}

// fail writes a service error with the status its code maps to. Server-side
// failures are logged; business rejections are not.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch generic.Code(err) {
	case generic.CodeInvalidAmount, generic.CodeInvalidPolicy:
		return http.StatusBadRequest
	case generic.CodePolicyNotFound, generic.CodeNotFound:
		return http.StatusNotFound
	case generic.CodeExhausted, generic.CodeAlreadyIssued, generic.CodeAlreadyCancelled, generic.CodeConcurrentModified:
		return http.StatusConflict
	case generic.CodeOutOfWindow, generic.CodeInsufficientBalance, generic.CodeBelowMinimumOrder, generic.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case generic.CodeLockBusy, generic.CodeThrottled:
		return http.StatusTooManyRequests
	case generic.CodeTransientIO, generic.CodeCanceled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// pageParams reads ?page= and ?size=. Missing values are 0, which the
// services replace with their defaults.
func pageParams(r *http.Request) (page, size int, err error) {
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 0 {
			return 0, 0, fmt.Errorf("invalid page %q", v)
		}
	}
	if v := q.Get("size"); v != "" {
		if size, err = strconv.Atoi(v); err != nil || size < 1 || size > 100 {
			return 0, 0, fmt.Errorf("invalid size %q (1-100)", v)
		}
	}
	return page, size, nil
}
