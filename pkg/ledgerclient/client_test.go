package ledgerclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCharge_ParsesSuccessResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payments" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"payment":{"id":"pay_123","status":"COMPLETED","amount":105000,"currency":"USD","receipt_url":"https://gw.example/r/pay_123"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	resp, err := client.Charge(context.Background(), ChargeRequest{
		IdempotencyKey: "ik_1",
		SourceToken:    "tok_abc",
		Amount:         105000,
		Currency:       "USD",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if resp.Payment.ID != "pay_123" || resp.Payment.Status != StatusCompleted {
		t.Fatalf("unexpected payment %+v", resp.Payment)
	}
	if resp.Payment.ReceiptURL == "" {
		t.Fatal("expected receipt url to be parsed")
	}
}

func TestCharge_DeclineIsNotOutcomeUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"errors":[{"code":"CARD_DECLINED","detail":"Insufficient funds"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "ik_1", SourceToken: "tok", Amount: 100, Currency: "USD"})
	if err == nil {
		t.Fatal("expected error for declined charge")
	}

	var gatewayErr *ErrorResponse
	if !errors.As(err, &gatewayErr) {
		t.Fatalf("expected ErrorResponse, got %T", err)
	}
	if !gatewayErr.IsDecline() {
		t.Fatal("expected 4xx to be an explicit decline")
	}
	if IsOutcomeUnknown(err) {
		t.Fatal("explicit decline must not be classified as outcome-unknown")
	}
}

func TestCharge_ServerErrorIsOutcomeUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"errors":[{"code":"UPSTREAM","detail":"processor unavailable"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "ik_1", SourceToken: "tok", Amount: 100, Currency: "USD"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if !IsOutcomeUnknown(err) {
		t.Fatal("5xx must be classified as outcome-unknown")
	}
}

func TestCharge_TimeoutIsOutcomeUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	client.HTTPClient.Timeout = 10 * time.Millisecond

	_, err := client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "ik_1", SourceToken: "tok", Amount: 100, Currency: "USD"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsOutcomeUnknown(err) {
		t.Fatal("transport timeout must be classified as outcome-unknown")
	}
}

func TestFindPaymentByIdempotencyKey_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("idempotency_key") != "ik_missing" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[{"code":"NOT_FOUND","detail":"no payment for key"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	_, err := client.FindPaymentByIdempotencyKey(context.Background(), "ik_missing")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestListRefunds_ParsesEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/payments/pay_123/refunds" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"refunds":[
			{"id":"rf_1","payment_id":"pay_123","amount":25000,"status":"completed","reason":"requested by customer","processed_at":"2025-08-20T12:00:00Z"},
			{"id":"rf_2","payment_id":"pay_123","amount":80000,"status":"completed","processed_at":"2025-08-21T09:30:00Z"}
		]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	events, err := client.ListRefunds(context.Background(), "pay_123")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 refund events, got %d", len(events))
	}
	if events[0].ID != "rf_1" || events[0].Amount != 25000 {
		t.Fatalf("unexpected first event %+v", events[0])
	}
}
