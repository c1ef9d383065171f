/**
 * @description
 * This file defines the payment-side domain models: the Payment ledger record
 * keyed by the gateway payment id, its Refund entries keyed by the gateway
 * refund id, the pre-charge payment intent journal, and the DTOs used by the
 * charge and reconciliation flows.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle of a Payment record.
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// RefundStatus is the aggregate refund position of a payment. It is always
// recomputed from the refunds collection, never set independently.
type RefundStatus string

const (
	RefundNone    RefundStatus = "none"
	RefundPartial RefundStatus = "partial"
	RefundFull    RefundStatus = "full"
)

// Payment represents one confirmed charge against the ledger gateway. A
// Payment row is created only after the gateway reports a terminal success,
// never speculatively. GatewayPaymentID is globally unique and anchors all
// reconciliation idempotency.
type Payment struct {
	ID               uuid.UUID    `json:"id"`
	GatewayPaymentID string       `json:"gateway_payment_id"`
	IdempotencyKey   string       `json:"-"`
	GuardianID       uuid.UUID    `json:"guardian_id"`
	BuyerEmail       string       `json:"buyer_email"`
	Amount           int64        `json:"amount"` // in cents
	Currency         string       `json:"currency"`
	Status           string       `json:"status"`
	ReceiptURL       string       `json:"receipt_url,omitempty"`
	CardBrand        *string      `json:"card_brand,omitempty"`
	CardLast4        *string      `json:"card_last4,omitempty"`
	RegistrationIDs  []uuid.UUID  `json:"registration_ids"`
	Refunds          []Refund     `json:"refunds,omitempty"`
	RefundedAmount   int64        `json:"refunded_amount"`
	RefundStatus     RefundStatus `json:"refund_status"`
	NeedsReview      bool         `json:"needs_review"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Refund is one refund entry on a payment's refund ledger. GatewayRefundID is
// unique within the payment; merging by that id is what makes reconciliation
// idempotent. Source records which write path discovered the entry.
type Refund struct {
	ID              uuid.UUID `json:"id"`
	PaymentID       uuid.UUID `json:"payment_id"`
	GatewayRefundID string    `json:"gateway_refund_id"`
	Amount          int64     `json:"amount"` // in cents
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Source          string    `json:"source"` // 'direct' or 'reconciled'
	ProcessedAt     time.Time `json:"processed_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Payment intent journal states.
const (
	IntentPending     = "pending"
	IntentCommitted   = "committed"
	IntentAbandoned   = "abandoned"
	IntentNeedsReview = "needs_review"
)

// PaymentIntent journals a charge attempt before the gateway is called, so an
// outcome-unknown attempt (timeout, crash between charge and local commit)
// can later be resolved by the orphan sweep via its idempotency key.
type PaymentIntent struct {
	ID              uuid.UUID   `json:"id"`
	IdempotencyKey  string      `json:"idempotency_key"`
	GuardianID      uuid.UUID   `json:"guardian_id"`
	BuyerEmail      string      `json:"buyer_email"`
	Amount          int64       `json:"amount"` // in cents
	Currency        string      `json:"currency"`
	RegistrationIDs []uuid.UUID `json:"registration_ids"`
	CardBrand       *string     `json:"card_brand,omitempty"`
	CardLast4       *string     `json:"card_last4,omitempty"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ChargeRequest is the DTO for incoming charge API requests.
type ChargeRequest struct {
	SourceToken     string      `json:"source_token"`
	Amount          int64       `json:"amount"` // in cents
	RegistrationIDs []uuid.UUID `json:"registration_ids"`
	BuyerEmail      string      `json:"buyer_email"`
	CardBrand       string      `json:"card_brand,omitempty"`
	CardLast4       string      `json:"card_last4,omitempty"`
}

// RefundRequest is the DTO for direct refund API requests.
type RefundRequest struct {
	Amount int64  `json:"amount"` // in cents
	Reason string `json:"reason,omitempty"`
}

// ReconcileResult summarizes one per-payment reconciliation run.
type ReconcileResult struct {
	PaymentID      uuid.UUID    `json:"payment_id"`
	Discovered     int          `json:"discovered"`
	AlreadyKnown   int          `json:"already_known"`
	Conflicts      int          `json:"conflicts"`
	RefundedAmount int64        `json:"refunded_amount"`
	RefundStatus   RefundStatus `json:"refund_status"`
}

// ReconcileFailure captures a single payment that failed during a sweep.
type ReconcileFailure struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Error     string    `json:"error"`
}

// ReconcileSweepResult summarizes a batch reconciliation sweep. Individual
// payment failures never abort the sweep; they are collected here.
type ReconcileSweepResult struct {
	Scanned    int                `json:"scanned"`
	Reconciled int                `json:"reconciled"`
	Conflicts  int                `json:"conflicts"`
	Failed     int                `json:"failed"`
	Failures   []ReconcileFailure `json:"failures,omitempty"`
}

// OrphanSweepResult summarizes a payment-intent recovery sweep.
type OrphanSweepResult struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}
