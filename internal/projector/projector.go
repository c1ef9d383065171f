/**
 * @description
 * Pure status derivation for payments and registrations. This package is the
 * only place where composite status fields (refunded amount, refund status,
 * guardian payment completeness, a player's current season) are computed;
 * every write path funnels through it so the charge processor and the refund
 * reconciliation engine can never disagree on what "paid" or "refunded" means.
 *
 * No I/O happens here. All arithmetic is integer minor-currency units.
 */

package projector

import (
	"github.com/rosterhq/registration-service/internal/domain"
)

// PaymentStatus recomputes a payment's aggregate refund position from its
// refund ledger. Failed refund events carry no money and are excluded from
// the sum. The refunded amount is never clamped: callers must reject events
// that would push the sum past the payment amount before persisting them.
func PaymentStatus(amount int64, refunds []domain.Refund) (refundedAmount int64, refundStatus domain.RefundStatus) {
	for _, refund := range refunds {
		if refund.Status == domain.PaymentFailed {
			continue
		}
		refundedAmount += refund.Amount
	}

	switch {
	case refundedAmount <= 0:
		return 0, domain.RefundNone
	case refundedAmount < amount:
		return refundedAmount, domain.RefundPartial
	default:
		return refundedAmount, domain.RefundFull
	}
}

// PaymentState derives the payment lifecycle status implied by a refund
// position: a fully refunded payment reads 'refunded', anything else keeps
// its current status.
func PaymentState(currentStatus string, refundStatus domain.RefundStatus) string {
	if refundStatus == domain.RefundFull {
		return domain.PaymentRefunded
	}
	if currentStatus == domain.PaymentRefunded && refundStatus != domain.RefundFull {
		// A payment can leave 'refunded' only if a refund event was flagged
		// and removed during manual review; reflect the ledger as-is.
		return domain.PaymentCompleted
	}
	return currentStatus
}

// RegistrationStatus derives a player's composite registration view: whether
// every entry the player carries is paid, and which entry is the player's
// "current season" (the most recently created one). The current-season view
// is derived on read and never stored independently.
func RegistrationStatus(seasons []domain.SeasonRegistration) (paymentComplete bool, current *domain.SeasonRegistration) {
	if len(seasons) == 0 {
		return true, nil
	}

	paymentComplete = true
	current = &seasons[0]
	for i := range seasons {
		if seasons[i].PaymentStatus != domain.RegistrationPaid {
			paymentComplete = false
		}
		if seasons[i].CreatedAt.After(current.CreatedAt) {
			current = &seasons[i]
		}
	}
	return paymentComplete, current
}
