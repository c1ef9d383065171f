/**
 * @description
 * This file defines the registration-side domain models for the
 * registration-service: guardians (paying account holders), players
 * (registrants), the per-player season registration entries, and the
 * normalized registration side-table that mirrors them.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents) to
 *   avoid floating-point inaccuracies with financial data.
 * - `Registration` rows mirror exactly one `SeasonRegistration` entry; the two
 *   are always written together in a single database transaction.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationStatus is the payment lifecycle of a single registration row.
type RegistrationStatus string

const (
	RegistrationPending RegistrationStatus = "pending"
	RegistrationPaid    RegistrationStatus = "paid"
	RegistrationFailed  RegistrationStatus = "failed"
)

// Guardian represents a paying account holder. Players are owned by
// reference, never embedded; a guardian outlives any of its players.
type Guardian struct {
	ID              uuid.UUID `json:"id"`
	AuthSubject     string    `json:"-"`
	Email           string    `json:"email"`
	Role            string    `json:"role"`
	PaymentComplete bool      `json:"payment_complete"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Player represents a registrant owned by a guardian.
type Player struct {
	ID         uuid.UUID `json:"id"`
	GuardianID uuid.UUID `json:"guardian_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	BirthDate  time.Time `json:"birth_date"`
	School     string    `json:"school,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SeasonRegistration is one entry in a player's ordered registration history.
// At most one active entry may exist per (player, season label, year, event).
type SeasonRegistration struct {
	ID            uuid.UUID          `json:"id"`
	PlayerID      uuid.UUID          `json:"player_id"`
	SeasonLabel   string             `json:"season_label"`
	Year          int                `json:"year"`
	EventID       uuid.UUID          `json:"event_id"`
	PaymentStatus RegistrationStatus `json:"payment_status"`
	AmountPaid    int64              `json:"amount_paid"` // in cents
	CardBrand     *string            `json:"card_brand,omitempty"`
	CardLast4     *string            `json:"card_last4,omitempty"`
	PaymentID     *uuid.UUID         `json:"payment_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Registration is the normalized, queryable side-table row mirroring one
// SeasonRegistration entry. Status here and on the mirrored entry must never
// diverge; both are written inside the same transaction.
type Registration struct {
	ID                   uuid.UUID          `json:"id"`
	PlayerID             uuid.UUID          `json:"player_id"`
	GuardianID           uuid.UUID          `json:"guardian_id"`
	SeasonRegistrationID uuid.UUID          `json:"season_registration_id"`
	SeasonLabel          string             `json:"season_label"`
	Year                 int                `json:"year"`
	EventID              uuid.UUID          `json:"event_id"`
	Status               RegistrationStatus `json:"status"`
	PaymentID            *uuid.UUID         `json:"payment_id,omitempty"`
	Superseded           bool               `json:"-"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// IdentityKey is the tuple uniquely identifying one subject's registration
// for one event occurrence.
type IdentityKey struct {
	PlayerID    uuid.UUID `json:"player_id"`
	SeasonLabel string    `json:"season_label"`
	Year        int       `json:"year"`
	EventID     uuid.UUID `json:"event_id"`
}

// ReserveRegistrationRequest is the DTO for incoming registration requests.
type ReserveRegistrationRequest struct {
	PlayerID    uuid.UUID  `json:"player_id"`
	SeasonLabel string     `json:"season_label"`
	Year        int        `json:"year"`
	EventID     *uuid.UUID `json:"event_id,omitempty"`
}
