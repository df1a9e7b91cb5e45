package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/traffic/promotion-engine/generic"
)

// =============================================================================
// POINT HANDLERS
// =============================================================================

// EarnPoints credits the caller.
// POST /api/points/earn
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tx, err := h.Points.Earn(r.Context(), UserID(r.Context()), req.Amount, req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to earn points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPointsResponse(tx))
}

// UsePoints debits the caller.
// POST /api/points/use
func (h *Handler) UsePoints(w http.ResponseWriter, r *http.Request) {
	var req PointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tx, err := h.Points.Use(r.Context(), UserID(r.Context()), req.Amount, req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to use points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPointsResponse(tx))
}

// CancelPointTransaction reverses one of the caller's ledger entries.
// The body is optional.
// POST /api/points/transactions/{id}/cancel
func (h *Handler) CancelPointTransaction(w http.ResponseWriter, r *http.Request) {
	var req CancelPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := generic.TransactionID(chi.URLParam(r, "id"))
	tx, err := h.Points.Cancel(r.Context(), UserID(r.Context()), id, req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to cancel transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPointsResponse(tx))
}

// GetPointBalance returns the caller's balance.
// GET /api/points/balance
func (h *Handler) GetPointBalance(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	balance, err := h.Points.Balance(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: string(userID), Balance: balance})
}

// GetPointHistory returns the caller's ledger, newest first.
// GET /api/points/history?page=0&size=20
func (h *Handler) GetPointHistory(w http.ResponseWriter, r *http.Request) {
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging", err)
		return
	}
	txs, err := h.Points.History(r.Context(), UserID(r.Context()), page, size)
	if err != nil {
		h.fail(w, r, "Failed to get history", err)
		return
	}
	if txs == nil {
		txs = []generic.PointTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}
