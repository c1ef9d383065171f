package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rosterhq/registration-service/internal/domain"
	"github.com/rosterhq/registration-service/internal/store"
	"github.com/rosterhq/registration-service/pkg/ledgerclient"
)

type chargeRepoStub struct {
	store.Repository

	guardian      *domain.Guardian
	registrations map[uuid.UUID]*domain.Registration

	createdIntent  *domain.PaymentIntent
	intentStatuses map[uuid.UUID]string

	commitCalled bool
	commitParams store.CommitPaymentParams
	commitErr    error
	existing     *domain.Payment
	findExistErr error
}

func (s *chargeRepoStub) FindGuardianByID(ctx context.Context, guardianID uuid.UUID) (*domain.Guardian, error) {
	if s.guardian == nil || s.guardian.ID != guardianID {
		return nil, store.ErrGuardianNotFound
	}
	return s.guardian, nil
}

func (s *chargeRepoStub) FindRegistrationByID(ctx context.Context, registrationID uuid.UUID) (*domain.Registration, error) {
	reg, ok := s.registrations[registrationID]
	if !ok {
		return nil, store.ErrRegistrationNotFound
	}
	return reg, nil
}

func (s *chargeRepoStub) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	s.createdIntent = intent
	return nil
}

func (s *chargeRepoStub) UpdatePaymentIntentStatus(ctx context.Context, intentID uuid.UUID, status string) error {
	if s.intentStatuses == nil {
		s.intentStatuses = make(map[uuid.UUID]string)
	}
	s.intentStatuses[intentID] = status
	return nil
}

func (s *chargeRepoStub) CommitPayment(ctx context.Context, params store.CommitPaymentParams) error {
	s.commitCalled = true
	s.commitParams = params
	return s.commitErr
}

func (s *chargeRepoStub) FindPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*domain.Payment, error) {
	if s.findExistErr != nil {
		return nil, s.findExistErr
	}
	if s.existing == nil {
		return nil, store.ErrPaymentNotFound
	}
	return s.existing, nil
}

type gatewayStub struct {
	chargeResp *ledgerclient.ChargeResponse
	chargeErr  error
	chargeReqs []ledgerclient.ChargeRequest

	lookupResp *ledgerclient.ChargeResponse
	lookupErr  error

	refunds     []ledgerclient.RefundEvent
	refundsErr  error
	windowBegin time.Time
	windowEnd   time.Time

	refundResp *ledgerclient.RefundEvent
	refundErr  error
}

func (g *gatewayStub) Charge(ctx context.Context, req ledgerclient.ChargeRequest) (*ledgerclient.ChargeResponse, error) {
	g.chargeReqs = append(g.chargeReqs, req)
	return g.chargeResp, g.chargeErr
}

func (g *gatewayStub) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*ledgerclient.ChargeResponse, error) {
	return g.lookupResp, g.lookupErr
}

func (g *gatewayStub) ListRefunds(ctx context.Context, gatewayPaymentID string) ([]ledgerclient.RefundEvent, error) {
	return g.refunds, g.refundsErr
}

func (g *gatewayStub) ListRefundsBetween(ctx context.Context, begin, end time.Time) ([]ledgerclient.RefundEvent, error) {
	g.windowBegin = begin
	g.windowEnd = end
	return g.refunds, g.refundsErr
}

func (g *gatewayStub) Refund(ctx context.Context, gatewayPaymentID string, amount int64, reason string) (*ledgerclient.RefundEvent, error) {
	return g.refundResp, g.refundErr
}

func completedChargeResponse(gatewayPaymentID string, amount int64) *ledgerclient.ChargeResponse {
	resp := &ledgerclient.ChargeResponse{}
	resp.Payment.ID = gatewayPaymentID
	resp.Payment.Status = ledgerclient.StatusCompleted
	resp.Payment.Amount = amount
	resp.Payment.Currency = "USD"
	resp.Payment.ReceiptURL = "https://receipts.example/r/1"
	return resp
}

func newChargeFixture() (*chargeRepoStub, *gatewayStub, uuid.UUID, uuid.UUID) {
	guardianID := uuid.New()
	regID := uuid.New()
	repo := &chargeRepoStub{
		guardian: &domain.Guardian{ID: guardianID, Email: "parent@example.com"},
		registrations: map[uuid.UUID]*domain.Registration{
			regID: {ID: regID, GuardianID: guardianID, Status: domain.RegistrationPending},
		},
	}
	gw := &gatewayStub{}
	return repo, gw, guardianID, regID
}

func TestCharge_SuccessCommitsPayment(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeResp = completedChargeResponse("gw_pay_1", 12500)

	svc := NewService(repo, gw, nil, nil, ServiceOptions{Currency: "USD"})
	payment, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if payment.GatewayPaymentID != "gw_pay_1" {
		t.Fatalf("expected gateway payment id gw_pay_1, got %s", payment.GatewayPaymentID)
	}
	if payment.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed payment, got %s", payment.Status)
	}
	if repo.createdIntent == nil {
		t.Fatal("expected a payment intent to be journaled before the gateway call")
	}
	if !repo.commitCalled {
		t.Fatal("expected CommitPayment to be called")
	}
	if repo.commitParams.IntentID == nil || *repo.commitParams.IntentID != repo.createdIntent.ID {
		t.Fatal("expected the journaled intent to be retired by the commit")
	}
	if len(gw.chargeReqs) != 1 || gw.chargeReqs[0].IdempotencyKey != repo.createdIntent.IdempotencyKey {
		t.Fatal("expected the gateway charge to carry the journaled idempotency key")
	}
}

func TestCharge_DeclineAbandonsIntent(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeErr = &ledgerclient.ErrorResponse{
		StatusCode: 402,
		Errors: []struct {
			Code   string `json:"code"`
			Detail string `json:"detail"`
		}{{Code: "card_declined", Detail: "insufficient funds"}},
	}

	svc := NewService(repo, gw, nil, nil, ServiceOptions{})
	_, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if !errors.Is(err, ErrGatewayDeclined) {
		t.Fatalf("expected ErrGatewayDeclined, got %v", err)
	}
	if repo.commitCalled {
		t.Fatal("expected no local commit for a declined charge")
	}
	if repo.intentStatuses[repo.createdIntent.ID] != domain.IntentAbandoned {
		t.Fatal("expected declined intent to be abandoned")
	}
}

func TestCharge_OutcomeUnknownLeavesIntentPending(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeErr = errors.New("dial tcp: i/o timeout")

	svc := NewService(repo, gw, nil, nil, ServiceOptions{})
	_, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if !errors.Is(err, ErrGatewayOutcomeUnknown) {
		t.Fatalf("expected ErrGatewayOutcomeUnknown, got %v", err)
	}
	if _, touched := repo.intentStatuses[repo.createdIntent.ID]; touched {
		t.Fatal("expected the intent to stay pending for the orphan sweep")
	}
	if repo.commitCalled {
		t.Fatal("expected no local commit for an unknown outcome")
	}
}

func TestCharge_AlreadyRecordedReturnsExistingPayment(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeResp = completedChargeResponse("gw_pay_dup", 12500)
	repo.commitErr = store.ErrPaymentAlreadyRecorded
	repo.existing = &domain.Payment{
		ID:               uuid.New(),
		GatewayPaymentID: "gw_pay_dup",
		GuardianID:       guardianID,
		Status:           domain.PaymentCompleted,
	}

	svc := NewService(repo, gw, nil, nil, ServiceOptions{})
	payment, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if err != nil {
		t.Fatalf("expected idempotent success, got %v", err)
	}
	if payment.ID != repo.existing.ID {
		t.Fatal("expected the previously recorded payment to be returned")
	}
	if repo.intentStatuses[repo.createdIntent.ID] != domain.IntentCommitted {
		t.Fatal("expected the duplicate intent to be marked committed")
	}
}

func TestCharge_RegistrationConflictFlagsIntentForReview(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeResp = completedChargeResponse("gw_pay_2", 12500)
	repo.commitErr = store.ErrRegistrationConflict

	svc := NewService(repo, gw, nil, nil, ServiceOptions{})
	_, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if !errors.Is(err, ErrLocalCommitFailed) {
		t.Fatalf("expected ErrLocalCommitFailed, got %v", err)
	}
	if errors.Is(err, ErrGatewayDeclined) {
		t.Fatal("a confirmed charge must never surface as declined")
	}
	if repo.intentStatuses[repo.createdIntent.ID] != domain.IntentNeedsReview {
		t.Fatal("expected the conflicted intent to be flagged for review")
	}
}

func TestCharge_RejectsForeignRegistration(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	repo.registrations[regID].GuardianID = uuid.New()

	svc := NewService(repo, gw, nil, nil, ServiceOptions{})
	_, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if repo.createdIntent != nil {
		t.Fatal("expected no intent for a rejected request")
	}
}

func TestCharge_RejectsPaidRegistration(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	repo.registrations[regID].Status = domain.RegistrationPaid

	svc := NewService(repo, gw, nil, nil, ServiceOptions{})
	_, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if !errors.Is(err, store.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestValidateChargeRequest(t *testing.T) {
	svc := NewService(&chargeRepoStub{}, &gatewayStub{}, nil, nil, ServiceOptions{})
	regID := uuid.New()

	tests := []struct {
		name    string
		req     domain.ChargeRequest
		wantErr bool
	}{
		{
			name:    "valid request",
			req:     domain.ChargeRequest{SourceToken: "tok", Amount: 100, RegistrationIDs: []uuid.UUID{regID}},
			wantErr: false,
		},
		{
			name:    "missing source token",
			req:     domain.ChargeRequest{Amount: 100, RegistrationIDs: []uuid.UUID{regID}},
			wantErr: true,
		},
		{
			name:    "zero amount",
			req:     domain.ChargeRequest{SourceToken: "tok", RegistrationIDs: []uuid.UUID{regID}},
			wantErr: true,
		},
		{
			name:    "negative amount",
			req:     domain.ChargeRequest{SourceToken: "tok", Amount: -1, RegistrationIDs: []uuid.UUID{regID}},
			wantErr: true,
		},
		{
			name:    "no registrations",
			req:     domain.ChargeRequest{SourceToken: "tok", Amount: 100},
			wantErr: true,
		},
		{
			name:    "duplicate registration ids",
			req:     domain.ChargeRequest{SourceToken: "tok", Amount: 100, RegistrationIDs: []uuid.UUID{regID, regID}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.validateChargeRequest(tt.req)
			if tt.wantErr && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
		})
	}
}

type rateLimiterStub struct {
	count int
	err   error
}

func (r *rateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return r.count, 30, r.err
}

func TestCharge_RateLimited(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeResp = completedChargeResponse("gw_pay_3", 12500)
	limiter := &rateLimiterStub{count: 11}

	svc := NewService(repo, gw, nil, limiter, ServiceOptions{ChargeRateLimit: 10})
	_, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	})
	if !errors.Is(err, ErrChargeRateLimited) {
		t.Fatalf("expected ErrChargeRateLimited, got %v", err)
	}
	if repo.createdIntent != nil {
		t.Fatal("expected no intent for a rate limited attempt")
	}
}

type producerStub struct {
	events []domain.NotificationEvent
}

func (p *producerStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *producerStub) PublishNotification(ctx context.Context, event domain.NotificationEvent) error {
	p.events = append(p.events, event)
	return nil
}

func (p *producerStub) Close() {}

func TestServiceClose_DrainsQueuedNotifications(t *testing.T) {
	producer := &producerStub{}
	svc := NewService(&chargeRepoStub{}, &gatewayStub{}, producer, nil, ServiceOptions{})

	svc.publishNotification(context.Background(), domain.NotificationEvent{TemplateKey: domain.TemplatePaymentReceipt})
	svc.Close()

	if len(producer.events) != 1 {
		t.Fatalf("expected the queued notification to be delivered before the worker stopped, got %d", len(producer.events))
	}

	// Closing again and publishing after close must be safe no-ops.
	svc.Close()
	svc.publishNotification(context.Background(), domain.NotificationEvent{TemplateKey: domain.TemplateRefundNotice})
	if len(producer.events) != 1 {
		t.Fatalf("expected events after close to be dropped, got %d", len(producer.events))
	}
}

func TestCharge_LimiterOutageDoesNotBlock(t *testing.T) {
	repo, gw, guardianID, regID := newChargeFixture()
	gw.chargeResp = completedChargeResponse("gw_pay_4", 12500)
	limiter := &rateLimiterStub{err: errors.New("redis down")}

	svc := NewService(repo, gw, nil, limiter, ServiceOptions{ChargeRateLimit: 10})
	if _, err := svc.Charge(context.Background(), guardianID, domain.ChargeRequest{
		SourceToken:     "tok_visa",
		Amount:          12500,
		RegistrationIDs: []uuid.UUID{regID},
	}); err != nil {
		t.Fatalf("expected limiter outage to be ignored, got %v", err)
	}
}
