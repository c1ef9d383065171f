/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access operations required by the registration-service. The interface
 * decouples the application's business logic from PostgreSQL so the charge
 * and reconciliation flows can be tested against stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Guardian and player methods
	FindGuardianIDByAuthSubject(ctx context.Context, authSubject string) (string, error)
	FindGuardianByID(ctx context.Context, guardianID uuid.UUID) (*domain.Guardian, error)
	FindPlayerByID(ctx context.Context, playerID uuid.UUID) (*domain.Player, error)
	FindSeasonRegistrationsByPlayerID(ctx context.Context, playerID uuid.UUID) ([]domain.SeasonRegistration, error)

	// Registration identity methods
	ReserveRegistration(ctx context.Context, key domain.IdentityKey, guardianID uuid.UUID) (*domain.Registration, error)
	FindRegistrationByID(ctx context.Context, registrationID uuid.UUID) (*domain.Registration, error)
	FindRegistrationByKey(ctx context.Context, key domain.IdentityKey) (*domain.Registration, error)
	ListRegistrationsByGuardianID(ctx context.Context, guardianID uuid.UUID) ([]domain.Registration, error)

	// Payment intent journal methods
	CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error
	ListStalePaymentIntents(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentIntent, error)
	UpdatePaymentIntentStatus(ctx context.Context, intentID uuid.UUID, status string) error

	// Payment commit and lookup methods
	CommitPayment(ctx context.Context, params CommitPaymentParams) error
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error)
	ListReconcilablePayments(ctx context.Context, limit int) ([]domain.Payment, error)

	// Refund ledger methods
	ApplyRefundEvents(ctx context.Context, params ApplyRefundEventsParams) error
	MarkPaymentNeedsReview(ctx context.Context, paymentID uuid.UUID) error
}

// CommitPaymentParams carries everything the atomic post-charge commit needs:
// the payment row to insert, the registration rows to flip to paid, and the
// intent row to retire. The implementation must apply all of it in one
// transaction or none of it.
type CommitPaymentParams struct {
	Payment         *domain.Payment
	RegistrationIDs []uuid.UUID
	IntentID        *uuid.UUID
}

// ApplyRefundEventsParams carries one idempotent refund-ledger merge: the new
// refund entries to insert (keyed by gateway refund id; replays are no-ops).
// The implementation derives the payment's refund aggregates from the full
// refunds collection inside the same transaction, never from a caller-supplied
// snapshot, so two writers that read before either wrote cannot clobber each
// other's entries.
type ApplyRefundEventsParams struct {
	PaymentID   uuid.UUID
	NewRefunds  []domain.Refund
	NeedsReview bool
}
