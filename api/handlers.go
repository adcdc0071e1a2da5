/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes payment registration, status changes and ledger queries via a
  REST API. Handles HTTP request/response and JSON serialization, and
  delegates every decision to settlement.Engine.

ENDPOINTS:
  Payments:
    POST   /api/payments                        Register a payment
    GET    /api/payments/{id}                   Get a payment
    PATCH  /api/payments/{id}/status            Change a payment's status
    DELETE /api/payments/{id}                   Delete a payment

  Targets:
    GET    /api/targets/{type}/{id}/payments    Payments of a target
    GET    /api/targets/{type}/{id}/ledger      Ledger + outstanding balance
           ?expected_total=100&allow_partial=true

ERROR HANDLING:
  Domain errors map through statusForKind (errors.go):
  - 400: Ambiguous target, invalid input
  - 404: Payment not found
  - 409: Already settled, illegal transition, duplicate idempotency key
  - 413: Request body over 1 MiB
  - 422: Overpayment, forbidden partial payment
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deletion authorization belongs to the
  application layer in front of this service.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/settlement"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *settlement.Engine
	Health Pinger // optional
	Log    *zap.Logger
}

// NewHandler creates a new handler around engine.
func NewHandler(engine *settlement.Engine, health Pinger, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Health: health, Log: log.Named("api")}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RegisterPayment registers a payment against a reservation or subscription.
// POST /api/payments
func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req RegisterPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must not be negative", nil)
		return
	}
	if req.ExpectedTotal.IsNegative() {
		writeError(w, http.StatusBadRequest, "expected_total must not be negative", nil)
		return
	}

	var occurredAt time.Time
	if req.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, req.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid occurred_at format (use RFC3339)", err)
			return
		}
		occurredAt = t
	}

	result, err := h.Engine.RegisterPayment(r.Context(), settlement.RegistrationRequest{
		Target:               parseTarget(req.Target.Type, req.Target.ID),
		Amount:               settlement.Money{Amount: req.Amount},
		ExpectedTotal:        settlement.Money{Amount: req.ExpectedTotal},
		AllowPartialPayments: req.AllowPartialPayments,
		OccurredAt:           occurredAt,
		IdempotencyKey:       req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err, "Failed to register payment")
		return
	}

	writeJSON(w, http.StatusCreated, RegistrationResultDTO{
		Payment:       toPaymentDTO(result.Payment),
		Ledger:        toLedgerDTO(result.Ledger),
		SettlesTarget: result.SettlesTarget,
	})
}

// GetPayment returns a single payment.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := settlement.PaymentID(chi.URLParam(r, "id"))

	payment, err := h.Engine.GetPayment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "Failed to get payment")
		return
	}

	writeJSON(w, http.StatusOK, toPaymentDTO(payment))
}

// UpdatePaymentStatus moves a payment through the status state machine.
// PATCH /api/payments/{id}/status
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := settlement.PaymentID(chi.URLParam(r, "id"))

	var req UpdateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	status := settlement.PaymentStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of PENDING, COMPLETED, CANCELLED", nil)
		return
	}

	payment, err := h.Engine.UpdatePaymentStatus(r.Context(), settlement.UpdateStatusInput{
		PaymentID: id,
		Status:    status,
	})
	if err != nil {
		writeDomainError(w, err, "Failed to update payment")
		return
	}

	writeJSON(w, http.StatusOK, toPaymentDTO(payment))
}

// DeletePayment deletes a payment.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := settlement.PaymentID(chi.URLParam(r, "id"))

	if err := h.Engine.DeletePayment(r.Context(), id); err != nil {
		writeDomainError(w, err, "Failed to delete payment")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// TARGET HANDLERS
// =============================================================================

// ListTargetPayments returns the payments recorded against a target.
// GET /api/targets/{type}/{id}/payments
func (h *Handler) ListTargetPayments(w http.ResponseWriter, r *http.Request) {
	target := parseTarget(chi.URLParam(r, "type"), chi.URLParam(r, "id"))

	payments, err := h.Engine.Payments(r.Context(), target)
	if err != nil {
		writeDomainError(w, err, "Failed to list payments")
		return
	}

	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// GetLedger returns the current ledger and outstanding balance of a target.
// GET /api/targets/{type}/{id}/ledger?expected_total=100&allow_partial=true
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	target := parseTarget(chi.URLParam(r, "type"), chi.URLParam(r, "id"))

	expectedTotal, err := decimal.NewFromString(r.URL.Query().Get("expected_total"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected_total query parameter is required", err)
		return
	}
	if expectedTotal.IsNegative() {
		writeError(w, http.StatusBadRequest, "expected_total must not be negative", nil)
		return
	}

	allowPartial := false
	if v := r.URL.Query().Get("allow_partial"); v != "" {
		allowPartial, err = strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid allow_partial", err)
			return
		}
	}

	view, err := h.Engine.Ledger(r.Context(), target, settlement.Money{Amount: expectedTotal}, allowPartial)
	if err != nil {
		writeDomainError(w, err, "Failed to build ledger")
		return
	}

	dto := toLedgerDTO(view.Snapshot)
	dto.Paid = view.Paid.String()
	dto.Outstanding = view.Outstanding.String()
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports liveness and storage reachability.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// parseTarget accepts RESERVATION/SUBSCRIPTION in any case and the plural
// path forms used in URLs ("reservations"). Unknown types produce an
// invalid reference which the engine rejects as ambiguous.
func parseTarget(kind, id string) settlement.TargetReference {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "reservation", "reservations":
		return settlement.Reservation(id)
	case "subscription", "subscriptions":
		return settlement.Subscription(id)
	}
	return settlement.TargetReference{Type: settlement.TargetType(kind), ID: id}
}

// maxBodyBytes caps request bodies; payment payloads are a few hundred bytes.
const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v, writing the error response
// and returning false when it cannot.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", err)
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
