/**
 * @description
 * This file contains the HTTP handlers for the registration-service's API
 * endpoints. Handlers parse incoming requests, call the application service,
 * and map service errors onto HTTP statuses. They are the only place the
 * error taxonomy meets HTTP.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/app"
	"github.com/rosterhq/registration-service/internal/domain"
	"github.com/rosterhq/registration-service/internal/store"
)

// RegistrationHandlers holds the application service that handlers will use.
type RegistrationHandlers struct {
	service *app.Service
}

// NewRegistrationHandlers creates a new instance of RegistrationHandlers.
func NewRegistrationHandlers(service *app.Service) *RegistrationHandlers {
	return &RegistrationHandlers{service: service}
}

func (h *RegistrationHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" error=%q", err)
	}
}

func (h *RegistrationHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// guardianFromRequest resolves the authenticated subject to the internal
// guardian UUID.
func (h *RegistrationHandlers) guardianFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get subject from context")
		return uuid.Nil, false
	}

	internalIDStr, err := h.service.ResolveGuardianID(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=guardian_resolution_failed subject=%s err=%v", subject, err)
		h.writeError(w, http.StatusBadRequest, "Guardian not found")
		return uuid.Nil, false
	}
	guardianID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_guardian_id internal_id=%s", internalIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid guardian ID format")
		return uuid.Nil, false
	}
	return guardianID, true
}

// ReserveRegistrationHandler handles requests to reserve a registration slot.
func (h *RegistrationHandlers) ReserveRegistrationHandler(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := h.guardianFromRequest(w, r)
	if !ok {
		return
	}

	var req domain.ReserveRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reg, err := h.service.ReserveRegistration(r.Context(), guardianID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidRequest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrPlayerNotFound):
			h.writeError(w, http.StatusNotFound, "Player not found")
		case errors.Is(err, store.ErrDuplicateRegistration):
			h.writeError(w, http.StatusConflict, "Registration already paid for this season")
		default:
			log.Printf("level=error component=api endpoint=reserve_registration guardian_id=%s err=%v", guardianID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to reserve registration")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, reg)
}

// ListRegistrationsHandler returns the guardian's active registration rows.
func (h *RegistrationHandlers) ListRegistrationsHandler(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := h.guardianFromRequest(w, r)
	if !ok {
		return
	}

	regs, err := h.service.ListGuardianRegistrations(r.Context(), guardianID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_registrations guardian_id=%s err=%v", guardianID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list registrations")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"registrations": regs})
}

// PlayerRegistrationsHandler returns a player's season history with the
// derived status projection.
func (h *RegistrationHandlers) PlayerRegistrationsHandler(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := h.guardianFromRequest(w, r)
	if !ok {
		return
	}

	playerID, err := uuid.Parse(chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid player ID")
		return
	}

	result, err := h.service.GetPlayerRegistrations(r.Context(), guardianID, playerID)
	if err != nil {
		if errors.Is(err, store.ErrPlayerNotFound) {
			h.writeError(w, http.StatusNotFound, "Player not found")
			return
		}
		log.Printf("level=error component=api endpoint=player_registrations player_id=%s err=%v", playerID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load player registrations")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// chargeAcceptedResponse is returned when the charge outcome cannot yet be
// presented as final. It is never an error response: the attempt may still
// complete.
type chargeAcceptedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ChargeHandler handles card charge requests for pending registrations.
func (h *RegistrationHandlers) ChargeHandler(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := h.guardianFromRequest(w, r)
	if !ok {
		return
	}

	var req domain.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.Charge(r.Context(), guardianID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidRequest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrChargeRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many charge attempts. Please wait and try again.")
		case errors.Is(err, store.ErrRegistrationNotFound):
			h.writeError(w, http.StatusNotFound, "Registration not found")
		case errors.Is(err, store.ErrDuplicateRegistration):
			h.writeError(w, http.StatusConflict, "Registration is already paid")
		case errors.Is(err, app.ErrGatewayDeclined):
			h.writeError(w, http.StatusPaymentRequired, "Card was declined. No charge was made.")
		case errors.Is(err, app.ErrGatewayOutcomeUnknown):
			// The charge may still settle; it must not be reported as failed.
			h.writeJSON(w, http.StatusAccepted, chargeAcceptedResponse{
				Status:  "pending",
				Message: "The payment is still processing. Do not retry; the result will be reflected shortly.",
			})
		case errors.Is(err, app.ErrLocalCommitFailed):
			// Money moved. Never tell the caller the payment failed.
			h.writeJSON(w, http.StatusAccepted, chargeAcceptedResponse{
				Status:  "processing",
				Message: "The payment was received and is being recorded. Do not retry.",
			})
		default:
			log.Printf("level=error component=api endpoint=charge guardian_id=%s err=%v", guardianID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to process charge")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, payment)
}

// GetPaymentHandler returns one payment owned by the guardian.
func (h *RegistrationHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := h.guardianFromRequest(w, r)
	if !ok {
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID")
		return
	}

	payment, err := h.service.GetPayment(r.Context(), guardianID, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_payment payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load payment")
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// RefundHandler handles direct refund requests from the paying guardian.
func (h *RegistrationHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := h.guardianFromRequest(w, r)
	if !ok {
		return
	}

	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID")
		return
	}

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.RequestRefund(r.Context(), guardianID, paymentID, req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidRequest):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrPaymentNotFound):
			h.writeError(w, http.StatusNotFound, "Payment not found")
		case errors.Is(err, app.ErrRefundExceedsPayment):
			h.writeError(w, http.StatusUnprocessableEntity, "Refund exceeds the remaining payment amount")
		case errors.Is(err, app.ErrGatewayOutcomeUnknown):
			h.writeJSON(w, http.StatusAccepted, chargeAcceptedResponse{
				Status:  "pending",
				Message: "The refund is still processing and will be reflected once confirmed.",
			})
		case errors.Is(err, app.ErrLocalCommitFailed):
			h.writeJSON(w, http.StatusAccepted, chargeAcceptedResponse{
				Status:  "processing",
				Message: "The refund was issued and is being recorded.",
			})
		default:
			log.Printf("level=error component=api endpoint=refund payment_id=%s err=%v", paymentID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to process refund")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, payment)
}

// ReconcilePaymentHandler triggers reconciliation for one payment. Internal.
func (h *RegistrationHandlers) ReconcilePaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment ID")
		return
	}

	result, err := h.service.Reconcile(r.Context(), paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			h.writeError(w, http.StatusNotFound, "Payment not found")
			return
		}
		log.Printf("level=error component=api endpoint=reconcile payment_id=%s err=%v", paymentID, err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileSweepHandler triggers a full reconciliation sweep. Internal.
func (h *RegistrationHandlers) ReconcileSweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_sweep err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation sweep failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileWindowHandler triggers a windowed refund sweep. Internal. The
// window can be given as RFC3339 begin/end query params; without them the
// sweep covers the service's configured lookback ending now.
func (h *RegistrationHandlers) ReconcileWindowHandler(w http.ResponseWriter, r *http.Request) {
	beginParam := r.URL.Query().Get("begin")
	endParam := r.URL.Query().Get("end")

	var result *domain.ReconcileSweepResult
	var err error
	if beginParam == "" && endParam == "" {
		result, err = h.service.ReconcileRecentWindow(r.Context())
	} else {
		begin, parseErr := time.Parse(time.RFC3339, beginParam)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid begin timestamp")
			return
		}
		end := time.Now().UTC()
		if endParam != "" {
			if end, parseErr = time.Parse(time.RFC3339, endParam); parseErr != nil {
				h.writeError(w, http.StatusBadRequest, "Invalid end timestamp")
				return
			}
		}
		if !end.After(begin) {
			h.writeError(w, http.StatusBadRequest, "Window end must be after begin")
			return
		}
		result, err = h.service.ReconcileWindow(r.Context(), begin, end)
	}
	if err != nil {
		log.Printf("level=error component=api endpoint=reconcile_window err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Window sweep failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// OrphanSweepHandler triggers an orphaned payment-intent sweep. Internal.
func (h *RegistrationHandlers) OrphanSweepHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CompleteOrphanedIntents(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=orphan_sweep err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Orphan sweep failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}
