package app

import "errors"

// Sentinel errors returned by the service layer. The API layer maps these to
// HTTP statuses; everything else surfaces as an internal error.
var (
	// ErrInvalidRequest covers malformed or unauthorized request payloads.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrGatewayDeclined means the ledger gateway explicitly rejected the
	// charge. No money moved; the attempt is safe to retry with a new card.
	ErrGatewayDeclined = errors.New("charge declined by ledger gateway")

	// ErrGatewayOutcomeUnknown means the charge attempt ended without a
	// determinable outcome. The intent journal keeps the attempt alive until
	// the orphan sweep resolves it against the gateway.
	ErrGatewayOutcomeUnknown = errors.New("charge outcome unknown")

	// ErrLocalCommitFailed means the gateway confirmed the charge but the
	// local commit did not land. The money moved; callers must never present
	// this as a failed payment.
	ErrLocalCommitFailed = errors.New("charge succeeded but local commit failed")

	// ErrRefundExceedsPayment means a requested refund would push the
	// refunded total past the original charge amount.
	ErrRefundExceedsPayment = errors.New("refund exceeds remaining payment amount")

	// ErrChargeRateLimited means the guardian has exceeded the charge
	// attempt budget for the current window.
	ErrChargeRateLimited = errors.New("charge attempts rate limited")
)
