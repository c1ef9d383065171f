/**
 * @description
 * PostgreSQL implementation of the payment and refund-ledger portion of the
 * `Repository` interface. The two write paths here are the consistency core
 * of the service: CommitPayment records a gateway charge and flips the
 * registrations it covers in one transaction, and ApplyRefundEvents merges
 * gateway refund events into the local ledger by set union.
 *
 * @notes
 * - payments.gateway_payment_id carries a unique constraint; the insert uses
 *   ON CONFLICT DO NOTHING so replaying the same gateway payment is a no-op
 *   surfaced as ErrPaymentAlreadyRecorded.
 * - refunds (payment_id, gateway_refund_id) carries a unique constraint for
 *   the same reason on the refund side.
 * - ApplyRefundEvents locks the payment row and derives the refund aggregates
 *   from the refunds table inside the transaction, so the stored aggregates
 *   can never disagree with the refund ledger.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rosterhq/registration-service/internal/domain"
	"github.com/rosterhq/registration-service/internal/projector"
)

// guardianRecomputeQuery derives guardians.payment_complete from the active
// registration rows. It is the only way the flag is ever written.
const guardianRecomputeQuery = `
	UPDATE guardians g SET payment_complete = NOT EXISTS (
		SELECT 1 FROM registrations r
		WHERE r.guardian_id = g.id AND NOT r.superseded AND r.status <> 'paid'
	), updated_at = NOW()
	WHERE g.id = $1
`

// CommitPayment records a successful gateway charge and marks the covered
// registrations paid, atomically. The payment insert is keyed on the
// gateway's payment id, so a retried commit for the same charge returns
// ErrPaymentAlreadyRecorded without touching the registrations again. The
// registration updates are guarded on status: a row already flipped to paid
// by a concurrent charge aborts the whole transaction with
// ErrRegistrationConflict rather than silently double-selling the slot.
func (r *PostgresRepository) CommitPayment(ctx context.Context, params CommitPaymentParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p := params.Payment
	result, err := tx.Exec(ctx, `
		INSERT INTO payments (id, gateway_payment_id, idempotency_key, guardian_id, buyer_email, amount, currency, status, receipt_url, card_brand, card_last4, refunded_amount, refund_status, needs_review, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, FALSE, NOW(), NOW())
		ON CONFLICT (gateway_payment_id) DO NOTHING`,
		p.ID, p.GatewayPaymentID, p.IdempotencyKey, p.GuardianID, p.BuyerEmail,
		p.Amount, p.Currency, p.Status, p.ReceiptURL, p.CardBrand, p.CardLast4,
		domain.RefundNone,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentAlreadyRecorded
	}

	shares := splitChargeAmount(p.Amount, len(params.RegistrationIDs))
	for i, regID := range params.RegistrationIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payment_registrations (payment_id, registration_id) VALUES ($1, $2)`,
			p.ID, regID,
		); err != nil {
			return err
		}

		result, err := tx.Exec(ctx, `
			UPDATE registrations SET status = 'paid', payment_id = $2, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'failed') AND NOT superseded`,
			regID, p.ID,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrRegistrationConflict
		}

		result, err = tx.Exec(ctx, `
			UPDATE season_registrations sr
			SET payment_status = 'paid', amount_paid = $3, card_brand = $4, card_last4 = $5, payment_id = $2, updated_at = NOW()
			FROM registrations r
			WHERE r.id = $1 AND sr.id = r.season_registration_id AND sr.payment_status IN ('pending', 'failed')`,
			regID, p.ID, shares[i], p.CardBrand, p.CardLast4,
		)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return ErrRegistrationConflict
		}
	}

	if _, err := tx.Exec(ctx, guardianRecomputeQuery, p.GuardianID); err != nil {
		return err
	}

	if params.IntentID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE payment_intents SET status = $2, updated_at = NOW() WHERE id = $1`,
			*params.IntentID, domain.IntentCommitted,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// splitChargeAmount divides a charge across n registrations in integer cents.
// The first share absorbs the remainder, so the shares always sum to the
// charge amount and the season rows stay consistent with the payment row.
func splitChargeAmount(amount int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	shares := make([]int64, n)
	base := amount / int64(n)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += amount % int64(n)
	return shares
}

const paymentColumns = `
	id, gateway_payment_id, idempotency_key, guardian_id, buyer_email, amount, currency,
	status, receipt_url, card_brand, card_last4, refunded_amount, refund_status, needs_review,
	created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.GatewayPaymentID, &p.IdempotencyKey, &p.GuardianID, &p.BuyerEmail,
		&p.Amount, &p.Currency, &p.Status, &p.ReceiptURL, &p.CardBrand, &p.CardLast4,
		&p.RefundedAmount, &p.RefundStatus, &p.NeedsReview, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) loadPaymentChildren(ctx context.Context, p *domain.Payment) error {
	refundRows, err := r.db.Query(ctx, `
		SELECT id, payment_id, gateway_refund_id, amount, status, COALESCE(reason, ''), source, processed_at, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY processed_at ASC`,
		p.ID,
	)
	if err != nil {
		return err
	}
	defer refundRows.Close()
	for refundRows.Next() {
		var ref domain.Refund
		err := refundRows.Scan(
			&ref.ID, &ref.PaymentID, &ref.GatewayRefundID, &ref.Amount, &ref.Status,
			&ref.Reason, &ref.Source, &ref.ProcessedAt, &ref.CreatedAt,
		)
		if err != nil {
			return err
		}
		p.Refunds = append(p.Refunds, ref)
	}
	if err := refundRows.Err(); err != nil {
		return err
	}

	regRows, err := r.db.Query(ctx,
		`SELECT registration_id FROM payment_registrations WHERE payment_id = $1`, p.ID)
	if err != nil {
		return err
	}
	defer regRows.Close()
	for regRows.Next() {
		var regID uuid.UUID
		if err := regRows.Scan(&regID); err != nil {
			return err
		}
		p.RegistrationIDs = append(p.RegistrationIDs, regID)
	}
	return regRows.Err()
}

// FindPaymentByID retrieves a payment with its refunds and the registrations
// it covers.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if err := r.loadPaymentChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindPaymentByGatewayPaymentID retrieves a payment by the gateway's id.
func (r *PostgresRepository) FindPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway_payment_id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, gatewayPaymentID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if err := r.loadPaymentChildren(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ListReconcilablePayments returns payments the sweep should compare against
// the gateway: completed charges not yet fully refunded. Fully refunded
// payments are terminal for reconciliation purposes.
func (r *PostgresRepository) ListReconcilablePayments(ctx context.Context, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status IN ('completed', 'refunded') AND refund_status IN ('none', 'partial')
		ORDER BY updated_at ASC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range payments {
		if err := r.loadPaymentChildren(ctx, &payments[i]); err != nil {
			return nil, err
		}
	}
	return payments, nil
}

// ApplyRefundEvents inserts newly discovered refunds and recomputes the
// payment's aggregates in one transaction. The insert is keyed on
// (payment_id, gateway_refund_id), so a refund already merged by a prior
// sweep is skipped rather than double-counted. The payment row is locked
// first and the aggregates are derived from the refunds table after the
// inserts, so a concurrent merge serializes behind this one and both end up
// covering the full refund ledger.
func (r *PostgresRepository) ApplyRefundEvents(ctx context.Context, params ApplyRefundEventsParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var amount int64
	var status string
	err = tx.QueryRow(ctx,
		`SELECT amount, status FROM payments WHERE id = $1 FOR UPDATE`,
		params.PaymentID,
	).Scan(&amount, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrPaymentNotFound
		}
		return err
	}

	for _, ref := range params.NewRefunds {
		if _, err := tx.Exec(ctx, `
			INSERT INTO refunds (id, payment_id, gateway_refund_id, amount, status, reason, source, processed_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (payment_id, gateway_refund_id) DO NOTHING`,
			ref.ID, params.PaymentID, ref.GatewayRefundID, ref.Amount, ref.Status,
			ref.Reason, ref.Source, ref.ProcessedAt,
		); err != nil {
			return err
		}
	}

	rows, err := tx.Query(ctx,
		`SELECT amount, status FROM refunds WHERE payment_id = $1`, params.PaymentID)
	if err != nil {
		return err
	}
	var refunds []domain.Refund
	for rows.Next() {
		var ref domain.Refund
		if err := rows.Scan(&ref.Amount, &ref.Status); err != nil {
			rows.Close()
			return err
		}
		refunds = append(refunds, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	refundedAmount, refundStatus := projector.PaymentStatus(amount, refunds)
	paymentStatus := projector.PaymentState(status, refundStatus)

	if _, err := tx.Exec(ctx, `
		UPDATE payments
		SET refunded_amount = $2, refund_status = $3, status = $4, needs_review = needs_review OR $5, updated_at = NOW()
		WHERE id = $1`,
		params.PaymentID, refundedAmount, refundStatus, paymentStatus, params.NeedsReview,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkPaymentNeedsReview flags a payment for manual attention without
// touching its ledger.
func (r *PostgresRepository) MarkPaymentNeedsReview(ctx context.Context, paymentID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`UPDATE payments SET needs_review = TRUE, updated_at = NOW() WHERE id = $1`,
		paymentID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
