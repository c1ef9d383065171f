/**
 * @description
 * Refund reconciliation: merging the ledger gateway's refund events into the
 * local refund ledger, the batch sweep over reconcilable payments, direct
 * refund requests, and the orphaned payment-intent sweep.
 *
 * The merge is a set union keyed by gateway refund id. A refund id seen
 * before with a different amount is a conflict: the stored entry wins and the
 * payment is flagged for review. A new refund that would push the refunded
 * total past the charge amount is also a conflict and is not applied. The
 * stored aggregates are recomputed from the refund ledger inside the store
 * transaction; the snapshot projection here only drives reporting and the
 * no-op short circuit, so repeated reconciliation of an unchanged gateway
 * state never writes.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/domain"
	"github.com/rosterhq/registration-service/internal/projector"
	"github.com/rosterhq/registration-service/internal/store"
	"github.com/rosterhq/registration-service/pkg/ledgerclient"
)

// Reconcile fetches the gateway's refund events for one payment and merges
// them into the local ledger.
func (s *Service) Reconcile(ctx context.Context, paymentID uuid.UUID) (*domain.ReconcileResult, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	events, err := s.gateway.ListRefunds(ctx, payment.GatewayPaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway refunds for payment %s: %w", paymentID, err)
	}

	return s.mergeRefundEvents(ctx, payment, events)
}

func (s *Service) mergeRefundEvents(ctx context.Context, payment *domain.Payment, events []ledgerclient.RefundEvent) (*domain.ReconcileResult, error) {
	known := make(map[string]domain.Refund, len(payment.Refunds))
	for _, ref := range payment.Refunds {
		known[ref.GatewayRefundID] = ref
	}

	result := &domain.ReconcileResult{PaymentID: payment.ID}
	merged := append([]domain.Refund(nil), payment.Refunds...)
	var newRefunds []domain.Refund
	needsReview := false

	for _, event := range events {
		if event.PaymentID != "" && event.PaymentID != payment.GatewayPaymentID {
			continue
		}
		if existing, ok := known[event.ID]; ok {
			if existing.Amount != event.Amount {
				// First write wins; divergence is an operator problem.
				log.Printf("level=warn component=app msg=\"refund amount conflict\" payment_id=%s gateway_refund_id=%s stored=%d reported=%d",
					payment.ID, event.ID, existing.Amount, event.Amount)
				result.Conflicts++
				needsReview = true
				continue
			}
			result.AlreadyKnown++
			continue
		}

		candidate := domain.Refund{
			ID:              uuid.New(),
			PaymentID:       payment.ID,
			GatewayRefundID: event.ID,
			Amount:          event.Amount,
			Status:          strings.ToLower(event.Status),
			Reason:          event.Reason,
			Source:          "reconciled",
			ProcessedAt:     event.ProcessedAt,
		}

		if candidate.Status != "failed" {
			projected, _ := projector.PaymentStatus(payment.Amount, append(merged, candidate))
			if projected > payment.Amount {
				log.Printf("level=warn component=app msg=\"refund exceeds payment amount, skipping\" payment_id=%s gateway_refund_id=%s amount=%d refunded=%d",
					payment.ID, event.ID, event.Amount, projected)
				result.Conflicts++
				needsReview = true
				continue
			}
		}

		merged = append(merged, candidate)
		newRefunds = append(newRefunds, candidate)
		known[event.ID] = candidate
		result.Discovered++
	}

	refundedAmount, refundStatus := projector.PaymentStatus(payment.Amount, merged)
	paymentStatus := projector.PaymentState(payment.Status, refundStatus)
	result.RefundedAmount = refundedAmount
	result.RefundStatus = refundStatus

	unchanged := len(newRefunds) == 0 &&
		refundedAmount == payment.RefundedAmount &&
		refundStatus == payment.RefundStatus &&
		paymentStatus == payment.Status &&
		(!needsReview || payment.NeedsReview)
	if unchanged {
		return result, nil
	}

	err := s.repo.ApplyRefundEvents(ctx, store.ApplyRefundEventsParams{
		PaymentID:   payment.ID,
		NewRefunds:  newRefunds,
		NeedsReview: needsReview,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply refund events for payment %s: %w", payment.ID, err)
	}

	if result.Discovered > 0 {
		s.publishNotification(ctx, domain.NotificationEvent{
			TemplateKey:    domain.TemplateRefundNotice,
			RecipientEmail: payment.BuyerEmail,
			Context: map[string]interface{}{
				"payment_id":      payment.ID.String(),
				"refunded_amount": refundedAmount,
				"refund_status":   string(refundStatus),
			},
		})
	}

	return result, nil
}

// ReconcileAll sweeps every reconcilable payment. A failing payment is
// recorded and skipped; the sweep itself only stops on context cancellation.
func (s *Service) ReconcileAll(ctx context.Context) (*domain.ReconcileSweepResult, error) {
	payments, err := s.repo.ListReconcilablePayments(ctx, s.reconcileBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcilable payments: %w", err)
	}

	result := &domain.ReconcileSweepResult{Scanned: len(payments)}
	for i, payment := range payments {
		if i > 0 && s.reconcilePacing > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(s.reconcilePacing):
			}
		}

		events, err := s.gateway.ListRefunds(ctx, payment.GatewayPaymentID)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, domain.ReconcileFailure{PaymentID: payment.ID, Error: err.Error()})
			continue
		}
		p := payment
		merge, err := s.mergeRefundEvents(ctx, &p, events)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, domain.ReconcileFailure{PaymentID: payment.ID, Error: err.Error()})
			continue
		}
		if merge.Discovered > 0 {
			result.Reconciled++
		}
		result.Conflicts += merge.Conflicts
	}

	log.Printf("level=info component=app msg=\"reconcile sweep finished\" scanned=%d reconciled=%d conflicts=%d failed=%d",
		result.Scanned, result.Reconciled, result.Conflicts, result.Failed)
	return result, nil
}

// ReconcileWindow asks the gateway for all refund events in a time window and
// merges any that belong to known payments. This catches refunds on payments
// the regular sweep no longer visits, such as fully refunded ones.
func (s *Service) ReconcileWindow(ctx context.Context, begin, end time.Time) (*domain.ReconcileSweepResult, error) {
	events, err := s.gateway.ListRefundsBetween(ctx, begin, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway refunds in window: %w", err)
	}

	byPayment := make(map[string][]ledgerclient.RefundEvent)
	for _, event := range events {
		if event.PaymentID == "" {
			continue
		}
		byPayment[event.PaymentID] = append(byPayment[event.PaymentID], event)
	}

	result := &domain.ReconcileSweepResult{Scanned: len(byPayment)}
	for gatewayPaymentID, group := range byPayment {
		payment, err := s.repo.FindPaymentByGatewayPaymentID(ctx, gatewayPaymentID)
		if err != nil {
			if errors.Is(err, store.ErrPaymentNotFound) {
				// A refund on a payment we never recorded means a charge
				// escaped the intent journal. Loud log, nothing to merge into.
				log.Printf("level=error component=app msg=\"gateway refund references unknown payment\" gateway_payment_id=%s", gatewayPaymentID)
				result.Conflicts++
				continue
			}
			result.Failed++
			continue
		}
		merge, err := s.mergeRefundEvents(ctx, payment, group)
		if err != nil {
			result.Failed++
			result.Failures = append(result.Failures, domain.ReconcileFailure{PaymentID: payment.ID, Error: err.Error()})
			continue
		}
		if merge.Discovered > 0 {
			result.Reconciled++
		}
		result.Conflicts += merge.Conflicts
	}
	return result, nil
}

// ReconcileRecentWindow runs the windowed sweep over the configured lookback
// ending now. The scheduler and the internal trigger use this so the window
// bounds are chosen in one place.
func (s *Service) ReconcileRecentWindow(ctx context.Context) (*domain.ReconcileSweepResult, error) {
	end := time.Now().UTC()
	return s.ReconcileWindow(ctx, end.Add(-s.reconcileWindowLookback), end)
}

// RequestRefund issues a refund through the gateway and records it directly.
// Passing uuid.Nil as guardianID skips the ownership check.
func (s *Service) RequestRefund(ctx context.Context, guardianID, paymentID uuid.UUID, req domain.RefundRequest) (*domain.Payment, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrInvalidRequest)
	}

	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if guardianID != uuid.Nil && payment.GuardianID != guardianID {
		return nil, store.ErrPaymentNotFound
	}
	if payment.RefundedAmount+req.Amount > payment.Amount {
		return nil, ErrRefundExceedsPayment
	}

	event, err := s.gateway.Refund(ctx, payment.GatewayPaymentID, req.Amount, req.Reason)
	if err != nil {
		if ledgerclient.IsOutcomeUnknown(err) {
			// The refund may have gone through; the sweep will find it.
			log.Printf("level=warn component=app msg=\"refund outcome unknown\" payment_id=%s error=%q", paymentID, err)
			return nil, fmt.Errorf("%w: %v", ErrGatewayOutcomeUnknown, err)
		}
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}

	processedAt := event.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	refund := domain.Refund{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		GatewayRefundID: event.ID,
		Amount:          event.Amount,
		Status:          strings.ToLower(event.Status),
		Reason:          req.Reason,
		Source:          "direct",
		ProcessedAt:     processedAt,
	}

	err = s.repo.ApplyRefundEvents(ctx, store.ApplyRefundEventsParams{
		PaymentID:  payment.ID,
		NewRefunds: []domain.Refund{refund},
	})
	if err != nil {
		// The gateway refund is real even though the local write failed; the
		// reconciliation sweep will pick it up by gateway refund id.
		log.Printf("level=error component=app msg=\"failed to record direct refund\" payment_id=%s gateway_refund_id=%s error=%q", payment.ID, event.ID, err)
		if reviewErr := s.repo.MarkPaymentNeedsReview(ctx, payment.ID); reviewErr != nil {
			log.Printf("level=error component=app msg=\"failed to flag payment for review\" payment_id=%s error=%q", payment.ID, reviewErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrLocalCommitFailed, err)
	}

	updated, err := s.repo.FindPaymentByID(ctx, payment.ID)
	if err != nil {
		return nil, err
	}

	s.publishNotification(ctx, domain.NotificationEvent{
		TemplateKey:    domain.TemplateRefundNotice,
		RecipientEmail: payment.BuyerEmail,
		Context: map[string]interface{}{
			"payment_id":      payment.ID.String(),
			"refunded_amount": updated.RefundedAmount,
			"refund_status":   string(updated.RefundStatus),
			"reason":          req.Reason,
		},
	})

	return updated, nil
}

// CompleteOrphanedIntents resolves stale pending payment intents against the
// gateway. For each intent the gateway is re-queried by the original
// idempotency key: a completed charge is committed locally exactly as the
// live flow would have, a missing or failed charge abandons the intent, and
// anything indeterminate is left for the next sweep.
func (s *Service) CompleteOrphanedIntents(ctx context.Context) (*domain.OrphanSweepResult, error) {
	cutoff := time.Now().UTC().Add(-s.intentStaleAfter)
	intents, err := s.repo.ListStalePaymentIntents(ctx, cutoff, s.reconcileBatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payment intents: %w", err)
	}

	result := &domain.OrphanSweepResult{Scanned: len(intents)}
	for i := range intents {
		intent := intents[i]

		resp, err := s.gateway.FindPaymentByIdempotencyKey(ctx, intent.IdempotencyKey)
		if err != nil {
			if errors.Is(err, ledgerclient.ErrPaymentNotFound) {
				// The charge never reached the gateway. Safe to abandon.
				if updateErr := s.repo.UpdatePaymentIntentStatus(ctx, intent.ID, domain.IntentAbandoned); updateErr != nil {
					log.Printf("level=error component=app msg=\"failed to abandon orphan intent\" intent_id=%s error=%q", intent.ID, updateErr)
					result.Failed++
					continue
				}
				result.Abandoned++
				continue
			}
			log.Printf("level=warn component=app msg=\"orphan lookup failed\" intent_id=%s error=%q", intent.ID, err)
			result.Failed++
			continue
		}

		switch resp.Payment.Status {
		case ledgerclient.StatusCompleted:
			if _, err := s.commitConfirmedCharge(ctx, &intent, resp); err != nil {
				log.Printf("level=error component=app msg=\"failed to commit orphaned charge\" intent_id=%s error=%q", intent.ID, err)
				result.Failed++
				continue
			}
			result.Completed++
		case ledgerclient.StatusFailed:
			if updateErr := s.repo.UpdatePaymentIntentStatus(ctx, intent.ID, domain.IntentAbandoned); updateErr != nil {
				log.Printf("level=error component=app msg=\"failed to abandon failed orphan intent\" intent_id=%s error=%q", intent.ID, updateErr)
				result.Failed++
				continue
			}
			result.Abandoned++
		default:
			// Still pending at the gateway; revisit on the next sweep.
		}
	}

	log.Printf("level=info component=app msg=\"orphan sweep finished\" scanned=%d completed=%d abandoned=%d failed=%d",
		result.Scanned, result.Completed, result.Abandoned, result.Failed)
	return result, nil
}
