/**
 * @description
 * This file sets up the HTTP router for the registration-service. It defines
 * the API endpoints, associates them with their handlers, and applies the
 * authentication middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RegistrationRoutes creates and returns a new router for the registration service.
func RegistrationRoutes(h *RegistrationHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require guardian authentication.
	r.Group(func(r chi.Router) {
		r.Use(GuardianAuthMiddleware(jwksURL))

		r.Post("/registrations", h.ReserveRegistrationHandler)
		r.Get("/registrations", h.ListRegistrationsHandler)
		r.Get("/players/{playerID}/registrations", h.PlayerRegistrationsHandler)

		r.Post("/payments/charge", h.ChargeHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
		r.Post("/payments/{paymentID}/refund", h.RefundHandler)
	})

	// Internal endpoints for operators and the scheduler-side sweeps.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/internal/reconcile/{paymentID}", h.ReconcilePaymentHandler)
		r.Post("/internal/reconcile-sweep", h.ReconcileSweepHandler)
		r.Post("/internal/reconcile-window", h.ReconcileWindowHandler)
		r.Post("/internal/orphan-sweep", h.OrphanSweepHandler)
	})

	return r
}
