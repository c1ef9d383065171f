/**
 * @description
 * This file contains the core business logic for the registration-service.
 * The `Service` struct orchestrates the charge flow, coordinating between the
 * database repository, the ledger gateway client, and the message broker.
 *
 * Key features:
 * - Implements the charge use case with an intent journal written before the
 *   gateway call, so no successful charge can become invisible locally.
 * - Classifies gateway failures into explicit declines (terminal, retryable
 *   with a new card) and outcome-unknown attempts (resolved by sweep).
 * - Commits the payment record and registration flips in one repository
 *   transaction keyed on the gateway payment id.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, internal/projector: Domain models, data
 *   access and the status projection rules.
 * - pkg/ledgerclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/domain"
	"github.com/rosterhq/registration-service/internal/projector"
	"github.com/rosterhq/registration-service/internal/store"
	"github.com/rosterhq/registration-service/pkg/ledgerclient"
	"github.com/rosterhq/registration-service/pkg/rabbitmq"
)

const (
	chargeRateLimitScope  = "charge"
	chargeRateLimitWindow = time.Minute
)

// LedgerGateway is the subset of the ledger gateway client the service needs.
// *ledgerclient.Client satisfies it; tests substitute stubs.
type LedgerGateway interface {
	Charge(ctx context.Context, req ledgerclient.ChargeRequest) (*ledgerclient.ChargeResponse, error)
	FindPaymentByIdempotencyKey(ctx context.Context, key string) (*ledgerclient.ChargeResponse, error)
	ListRefunds(ctx context.Context, gatewayPaymentID string) ([]ledgerclient.RefundEvent, error)
	ListRefundsBetween(ctx context.Context, begin, end time.Time) ([]ledgerclient.RefundEvent, error)
	Refund(ctx context.Context, gatewayPaymentID string, amount int64, reason string) (*ledgerclient.RefundEvent, error)
}

// ChargeRateLimiter bounds charge attempts per guardian.
type ChargeRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for registrations and payments.
type Service struct {
	repo          store.Repository
	gateway       LedgerGateway
	eventProducer rabbitmq.Publisher
	rateLimiter   ChargeRateLimiter

	currency                string
	chargeRateLimit         int
	intentStaleAfter        time.Duration
	reconcilePacing         time.Duration
	reconcileBatchLimit     int
	reconcileWindowLookback time.Duration

	notifyCh     chan domain.NotificationEvent
	notifyDone   chan struct{}
	notifyMu     sync.Mutex
	notifyClosed bool
}

// ServiceOptions carries the tunables for NewService.
type ServiceOptions struct {
	Currency                string
	ChargeRateLimit         int
	IntentStaleAfter        time.Duration
	ReconcilePacing         time.Duration
	ReconcileBatchLimit     int
	ReconcileWindowLookback time.Duration
}

// NewService creates a new registration service instance. rateLimiter may be
// nil, in which case charge attempts are not rate limited.
func NewService(repo store.Repository, gateway LedgerGateway, producer rabbitmq.Publisher, rateLimiter ChargeRateLimiter, opts ServiceOptions) *Service {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.IntentStaleAfter <= 0 {
		opts.IntentStaleAfter = 15 * time.Minute
	}
	if opts.ReconcileBatchLimit <= 0 {
		opts.ReconcileBatchLimit = 100
	}
	if opts.ReconcileWindowLookback <= 0 {
		// Longer than the daily window sweep schedule, so successive windows
		// overlap rather than leave gaps.
		opts.ReconcileWindowLookback = 25 * time.Hour
	}
	s := &Service{
		repo:                    repo,
		gateway:                 gateway,
		eventProducer:           producer,
		rateLimiter:             rateLimiter,
		currency:                opts.Currency,
		chargeRateLimit:         opts.ChargeRateLimit,
		intentStaleAfter:        opts.IntentStaleAfter,
		reconcilePacing:         opts.ReconcilePacing,
		reconcileBatchLimit:     opts.ReconcileBatchLimit,
		reconcileWindowLookback: opts.ReconcileWindowLookback,
		notifyCh:                make(chan domain.NotificationEvent, 64),
		notifyDone:              make(chan struct{}),
	}
	go s.notificationWorker()
	return s
}

// ResolveGuardianID converts an identity provider subject (e.g. "user_abc123")
// into the internal UUID used by the database. Handlers accept subject ids
// from validated JWTs while the repositories continue to operate on UUIDs.
func (s *Service) ResolveGuardianID(ctx context.Context, authSubject string) (string, error) {
	return s.repo.FindGuardianIDByAuthSubject(ctx, authSubject)
}

// Charge runs the full charge flow for a set of the guardian's pending
// registrations. The order of operations is load-bearing: the intent journal
// row is written before the gateway is called, so an attempt that dies
// between the gateway call and the local commit leaves a pending intent the
// orphan sweep can resolve by idempotency key.
func (s *Service) Charge(ctx context.Context, guardianID uuid.UUID, req domain.ChargeRequest) (*domain.Payment, error) {
	if err := s.validateChargeRequest(req); err != nil {
		return nil, err
	}

	if s.rateLimiter != nil && s.chargeRateLimit > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, chargeRateLimitScope, guardianID.String(), s.chargeRateLimit, chargeRateLimitWindow)
		if err != nil {
			// Limiter outages must not block payments.
			log.Printf("level=warn component=app msg=\"charge rate limiter unavailable\" guardian_id=%s error=%q", guardianID, err)
		} else if count > s.chargeRateLimit {
			log.Printf("level=warn component=app msg=\"charge rate limited\" guardian_id=%s count=%d retry_after=%d", guardianID, count, retryAfter)
			return nil, ErrChargeRateLimited
		}
	}

	guardian, err := s.repo.FindGuardianByID(ctx, guardianID)
	if err != nil {
		return nil, fmt.Errorf("failed to find guardian: %w", err)
	}

	buyerEmail := strings.TrimSpace(req.BuyerEmail)
	if buyerEmail == "" {
		buyerEmail = guardian.Email
	}

	// Every registration must belong to the guardian and still be payable.
	for _, regID := range req.RegistrationIDs {
		reg, err := s.repo.FindRegistrationByID(ctx, regID)
		if err != nil {
			return nil, fmt.Errorf("failed to find registration %s: %w", regID, err)
		}
		if reg.GuardianID != guardianID {
			return nil, fmt.Errorf("%w: registration %s does not belong to guardian", ErrInvalidRequest, regID)
		}
		if reg.Status == domain.RegistrationPaid {
			return nil, store.ErrDuplicateRegistration
		}
	}

	intent := &domain.PaymentIntent{
		ID:              uuid.New(),
		IdempotencyKey:  uuid.New().String(),
		GuardianID:      guardianID,
		BuyerEmail:      buyerEmail,
		Amount:          req.Amount,
		Currency:        s.currency,
		RegistrationIDs: req.RegistrationIDs,
		CardBrand:       optionalString(req.CardBrand),
		CardLast4:       optionalString(req.CardLast4),
		Status:          domain.IntentPending,
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to journal payment intent: %w", err)
	}

	resp, err := s.gateway.Charge(ctx, ledgerclient.ChargeRequest{
		IdempotencyKey: intent.IdempotencyKey,
		SourceToken:    req.SourceToken,
		Amount:         req.Amount,
		Currency:       s.currency,
		Metadata: map[string]string{
			"intent_id":   intent.ID.String(),
			"guardian_id": guardianID.String(),
		},
	})
	if err != nil {
		if ledgerclient.IsOutcomeUnknown(err) {
			// The intent stays pending; the orphan sweep owns it now.
			log.Printf("level=warn component=app msg=\"charge outcome unknown\" intent_id=%s error=%q", intent.ID, err)
			return nil, fmt.Errorf("%w: %v", ErrGatewayOutcomeUnknown, err)
		}
		if updateErr := s.repo.UpdatePaymentIntentStatus(ctx, intent.ID, domain.IntentAbandoned); updateErr != nil {
			log.Printf("level=error component=app msg=\"failed to abandon declined intent\" intent_id=%s error=%q", intent.ID, updateErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayDeclined, err)
	}

	switch resp.Payment.Status {
	case ledgerclient.StatusCompleted:
		// fall through to commit
	case ledgerclient.StatusFailed:
		if updateErr := s.repo.UpdatePaymentIntentStatus(ctx, intent.ID, domain.IntentAbandoned); updateErr != nil {
			log.Printf("level=error component=app msg=\"failed to abandon failed intent\" intent_id=%s error=%q", intent.ID, updateErr)
		}
		return nil, fmt.Errorf("%w: gateway reported status %s", ErrGatewayDeclined, resp.Payment.Status)
	default:
		// Non-terminal gateway status; the sweep re-queries until it settles.
		log.Printf("level=info component=app msg=\"charge not yet terminal\" intent_id=%s gateway_status=%s", intent.ID, resp.Payment.Status)
		return nil, fmt.Errorf("%w: gateway status %s", ErrGatewayOutcomeUnknown, resp.Payment.Status)
	}

	payment, err := s.commitConfirmedCharge(ctx, intent, resp)
	if err != nil {
		return nil, err
	}

	s.publishNotification(ctx, domain.NotificationEvent{
		TemplateKey:    domain.TemplatePaymentReceipt,
		RecipientEmail: payment.BuyerEmail,
		Context: map[string]interface{}{
			"payment_id":  payment.ID.String(),
			"amount":      payment.Amount,
			"currency":    payment.Currency,
			"receipt_url": payment.ReceiptURL,
		},
	})

	return payment, nil
}

// commitConfirmedCharge records a gateway-confirmed charge locally. Money has
// already moved; every failure path here must keep the intent recoverable and
// must never surface as a declined payment.
func (s *Service) commitConfirmedCharge(ctx context.Context, intent *domain.PaymentIntent, resp *ledgerclient.ChargeResponse) (*domain.Payment, error) {
	payment := &domain.Payment{
		ID:               uuid.New(),
		GatewayPaymentID: resp.Payment.ID,
		IdempotencyKey:   intent.IdempotencyKey,
		GuardianID:       intent.GuardianID,
		BuyerEmail:       intent.BuyerEmail,
		Amount:           resp.Payment.Amount,
		Currency:         resp.Payment.Currency,
		Status:           domain.PaymentCompleted,
		ReceiptURL:       resp.Payment.ReceiptURL,
		CardBrand:        intent.CardBrand,
		CardLast4:        intent.CardLast4,
		RegistrationIDs:  intent.RegistrationIDs,
		RefundStatus:     domain.RefundNone,
	}

	err := s.repo.CommitPayment(ctx, store.CommitPaymentParams{
		Payment:         payment,
		RegistrationIDs: intent.RegistrationIDs,
		IntentID:        &intent.ID,
	})
	switch {
	case err == nil:
		return payment, nil
	case errors.Is(err, store.ErrPaymentAlreadyRecorded):
		// A prior attempt or the sweep already committed this charge.
		existing, findErr := s.repo.FindPaymentByGatewayPaymentID(ctx, resp.Payment.ID)
		if findErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrLocalCommitFailed, findErr)
		}
		if updateErr := s.repo.UpdatePaymentIntentStatus(ctx, intent.ID, domain.IntentCommitted); updateErr != nil {
			log.Printf("level=warn component=app msg=\"failed to retire duplicate intent\" intent_id=%s error=%q", intent.ID, updateErr)
		}
		return existing, nil
	case errors.Is(err, store.ErrRegistrationConflict):
		// The charge landed but the registrations were paid by a concurrent
		// charge. An operator has to decide where the money goes.
		log.Printf("level=error component=app msg=\"confirmed charge conflicts with concurrent payment\" intent_id=%s gateway_payment_id=%s", intent.ID, resp.Payment.ID)
		if updateErr := s.repo.UpdatePaymentIntentStatus(ctx, intent.ID, domain.IntentNeedsReview); updateErr != nil {
			log.Printf("level=error component=app msg=\"failed to flag conflicted intent\" intent_id=%s error=%q", intent.ID, updateErr)
		}
		return nil, fmt.Errorf("%w: registration already paid", ErrLocalCommitFailed)
	default:
		// Transient failure; the intent stays pending and the sweep retries.
		log.Printf("level=error component=app msg=\"local commit failed for confirmed charge\" intent_id=%s gateway_payment_id=%s error=%q", intent.ID, resp.Payment.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrLocalCommitFailed, err)
	}
}

func (s *Service) validateChargeRequest(req domain.ChargeRequest) error {
	if strings.TrimSpace(req.SourceToken) == "" {
		return fmt.Errorf("%w: source token is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(req.RegistrationIDs) == 0 {
		return fmt.Errorf("%w: at least one registration is required", ErrInvalidRequest)
	}
	seen := make(map[uuid.UUID]struct{}, len(req.RegistrationIDs))
	for _, id := range req.RegistrationIDs {
		if id == uuid.Nil {
			return fmt.Errorf("%w: registration id must not be empty", ErrInvalidRequest)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate registration id %s", ErrInvalidRequest, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// GetPayment retrieves a payment owned by the guardian. Passing uuid.Nil as
// guardianID skips the ownership check; internal endpoints use that.
func (s *Service) GetPayment(ctx context.Context, guardianID, paymentID uuid.UUID) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if guardianID != uuid.Nil && payment.GuardianID != guardianID {
		return nil, store.ErrPaymentNotFound
	}
	return payment, nil
}

// PlayerRegistrations is a player's registration history plus the derived
// status projection over it.
type PlayerRegistrations struct {
	Player          *domain.Player              `json:"player"`
	Seasons         []domain.SeasonRegistration `json:"seasons"`
	PaymentComplete bool                        `json:"payment_complete"`
	Current         *domain.SeasonRegistration  `json:"current,omitempty"`
}

// GetPlayerRegistrations returns a player's season history with the derived
// payment-complete flag and current season. The flag is always projected from
// the rows at read time, never read from a stored value.
func (s *Service) GetPlayerRegistrations(ctx context.Context, guardianID, playerID uuid.UUID) (*PlayerRegistrations, error) {
	player, err := s.repo.FindPlayerByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if guardianID != uuid.Nil && player.GuardianID != guardianID {
		return nil, store.ErrPlayerNotFound
	}

	seasons, err := s.repo.FindSeasonRegistrationsByPlayerID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	complete, current := projector.RegistrationStatus(seasons)
	return &PlayerRegistrations{
		Player:          player,
		Seasons:         seasons,
		PaymentComplete: complete,
		Current:         current,
	}, nil
}

// ListGuardianRegistrations returns the guardian's active registration rows.
func (s *Service) ListGuardianRegistrations(ctx context.Context, guardianID uuid.UUID) ([]domain.Registration, error) {
	return s.repo.ListRegistrationsByGuardianID(ctx, guardianID)
}

// publishNotification enqueues a post-commit notification. The send never
// blocks the calling operation; a full or closed queue drops the event with a
// log line.
func (s *Service) publishNotification(ctx context.Context, event domain.NotificationEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.notifyClosed {
		log.Printf("level=warn component=app msg=\"notification queue closed, dropping event\" template=%s", event.TemplateKey)
		return
	}
	select {
	case s.notifyCh <- event:
	default:
		log.Printf("level=warn component=app msg=\"notification queue full, dropping event\" template=%s", event.TemplateKey)
	}
}

// notificationWorker drains the post-commit notification queue. Delivery
// failure never fails the operation that queued the event.
func (s *Service) notificationWorker() {
	defer close(s.notifyDone)
	for event := range s.notifyCh {
		if s.eventProducer == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.eventProducer.PublishNotification(ctx, event); err != nil {
			log.Printf("level=warn component=app msg=\"failed to publish notification\" template=%s error=%q", event.TemplateKey, err)
		}
		cancel()
	}
}

// Close stops the notification worker after it drains the queued events.
// Operations keep working after Close; their notifications are dropped.
func (s *Service) Close() {
	s.notifyMu.Lock()
	if s.notifyClosed {
		s.notifyMu.Unlock()
		return
	}
	s.notifyClosed = true
	close(s.notifyCh)
	s.notifyMu.Unlock()
	<-s.notifyDone
}

func optionalString(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
