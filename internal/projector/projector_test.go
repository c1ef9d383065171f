package projector

import (
	"testing"
	"time"

	"github.com/rosterhq/registration-service/internal/domain"
)

func TestPaymentStatus(t *testing.T) {
	tests := []struct {
		name       string
		amount     int64
		refunds    []domain.Refund
		wantAmount int64
		wantStatus domain.RefundStatus
	}{
		{
			name:       "no refunds",
			amount:     105000,
			refunds:    nil,
			wantAmount: 0,
			wantStatus: domain.RefundNone,
		},
		{
			name:   "partial refund",
			amount: 105000,
			refunds: []domain.Refund{
				{GatewayRefundID: "rf_1", Amount: 25000, Status: domain.PaymentCompleted},
			},
			wantAmount: 25000,
			wantStatus: domain.RefundPartial,
		},
		{
			name:   "full refund in one event",
			amount: 105000,
			refunds: []domain.Refund{
				{GatewayRefundID: "rf_1", Amount: 105000, Status: domain.PaymentCompleted},
			},
			wantAmount: 105000,
			wantStatus: domain.RefundFull,
		},
		{
			name:   "full refund across events",
			amount: 105000,
			refunds: []domain.Refund{
				{GatewayRefundID: "rf_1", Amount: 100000, Status: domain.PaymentCompleted},
				{GatewayRefundID: "rf_2", Amount: 5000, Status: domain.PaymentPending},
			},
			wantAmount: 105000,
			wantStatus: domain.RefundFull,
		},
		{
			name:   "failed refund events carry no money",
			amount: 105000,
			refunds: []domain.Refund{
				{GatewayRefundID: "rf_1", Amount: 105000, Status: domain.PaymentFailed},
			},
			wantAmount: 0,
			wantStatus: domain.RefundNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotAmount, gotStatus := PaymentStatus(tt.amount, tt.refunds)
			if gotAmount != tt.wantAmount {
				t.Fatalf("expected refunded amount %d, got %d", tt.wantAmount, gotAmount)
			}
			if gotStatus != tt.wantStatus {
				t.Fatalf("expected refund status %q, got %q", tt.wantStatus, gotStatus)
			}
		})
	}
}

func TestPaymentStatus_ReapplyingSameLedgerIsStable(t *testing.T) {
	refunds := []domain.Refund{
		{GatewayRefundID: "rf_1", Amount: 40000, Status: domain.PaymentCompleted},
		{GatewayRefundID: "rf_2", Amount: 20000, Status: domain.PaymentCompleted},
	}

	firstAmount, firstStatus := PaymentStatus(105000, refunds)
	for i := 0; i < 5; i++ {
		amount, status := PaymentStatus(105000, refunds)
		if amount != firstAmount || status != firstStatus {
			t.Fatalf("projection drifted on run %d: got (%d, %q), want (%d, %q)", i, amount, status, firstAmount, firstStatus)
		}
	}
}

func TestPaymentState(t *testing.T) {
	if got := PaymentState(domain.PaymentCompleted, domain.RefundFull); got != domain.PaymentRefunded {
		t.Fatalf("expected fully refunded payment to read 'refunded', got %q", got)
	}
	if got := PaymentState(domain.PaymentCompleted, domain.RefundPartial); got != domain.PaymentCompleted {
		t.Fatalf("expected partially refunded payment to stay 'completed', got %q", got)
	}
	if got := PaymentState(domain.PaymentRefunded, domain.RefundPartial); got != domain.PaymentCompleted {
		t.Fatalf("expected payment leaving full refund to read 'completed', got %q", got)
	}
}

func TestRegistrationStatus(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("no entries is vacuously complete", func(t *testing.T) {
		complete, current := RegistrationStatus(nil)
		if !complete {
			t.Fatal("expected empty registration list to be payment complete")
		}
		if current != nil {
			t.Fatal("expected no current season")
		}
	})

	t.Run("pending entry breaks completeness", func(t *testing.T) {
		seasons := []domain.SeasonRegistration{
			{SeasonLabel: "Spring", Year: 2025, PaymentStatus: domain.RegistrationPaid, CreatedAt: base},
			{SeasonLabel: "Fall", Year: 2025, PaymentStatus: domain.RegistrationPending, CreatedAt: base.AddDate(0, 3, 0)},
		}
		complete, current := RegistrationStatus(seasons)
		if complete {
			t.Fatal("expected pending entry to break payment completeness")
		}
		if current == nil || current.SeasonLabel != "Fall" {
			t.Fatalf("expected most recent entry to be current, got %+v", current)
		}
	})

	t.Run("all paid", func(t *testing.T) {
		seasons := []domain.SeasonRegistration{
			{SeasonLabel: "Spring", Year: 2025, PaymentStatus: domain.RegistrationPaid, CreatedAt: base},
			{SeasonLabel: "Fall", Year: 2025, PaymentStatus: domain.RegistrationPaid, CreatedAt: base.AddDate(0, 3, 0)},
		}
		complete, current := RegistrationStatus(seasons)
		if !complete {
			t.Fatal("expected all-paid registrations to be payment complete")
		}
		if current == nil || current.SeasonLabel != "Fall" {
			t.Fatalf("expected most recent entry to be current, got %+v", current)
		}
	})
}
