/**
 * @description
 * This package provides a client for the external payment ledger gateway. It
 * encapsulates authenticated HTTP requests to the gateway's charge, refund and
 * payment-lookup endpoints, request body construction, and response parsing.
 * The client never mutates local state; it is the sole authority on whether
 * money moved.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Charge outcome statuses reported by the gateway.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Client is a client for the ledger gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ChargeRequest is the payload for creating a charge.
type ChargeRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	SourceToken    string            `json:"source_id"`
	Amount         int64             `json:"amount"` // minor currency units
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ChargeResponse is the gateway's view of a single charge.
type ChargeResponse struct {
	Payment struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Amount     int64  `json:"amount"`
		Currency   string `json:"currency"`
		ReceiptURL string `json:"receipt_url"`
	} `json:"payment"`
}

// RefundEvent is one refund as reported by the gateway.
type RefundEvent struct {
	ID          string    `json:"id"`
	PaymentID   string    `json:"payment_id"`
	Amount      int64     `json:"amount"` // minor currency units
	Status      string    `json:"status"`
	Reason      string    `json:"reason"`
	ProcessedAt time.Time `json:"processed_at"`
}

type refundListResponse struct {
	Refunds []RefundEvent `json:"refunds"`
}

type refundResponse struct {
	Refund RefundEvent `json:"refund"`
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger gateway error: %s - %s", e.Errors[0].Code, e.Errors[0].Detail)
	}
	return "unknown ledger gateway error"
}

// IsDecline reports whether the gateway explicitly rejected the request. A
// declined charge is a safe terminal outcome: no money moved. Anything
// non-explicit (timeouts, 5xx, transport failures) must be treated as
// outcome-unknown by callers.
func (e *ErrorResponse) IsDecline() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// ErrPaymentNotFound is returned by lookup calls when the gateway has no
// payment for the given key.
var ErrPaymentNotFound = errors.New("ledger gateway: payment not found")

// IsOutcomeUnknown reports whether an error from a charge call leaves the
// outcome undetermined: the request may or may not have reached the gateway.
// Such attempts must never be retried with a fresh idempotency key; they are
// resolved by re-querying the gateway with the original key.
func IsOutcomeUnknown(err error) bool {
	if err == nil {
		return false
	}
	var gatewayErr *ErrorResponse
	if errors.As(err, &gatewayErr) {
		return !gatewayErr.IsDecline()
	}
	return true
}

// Charge submits a card charge. The idempotency key makes a retried request
// safe at the gateway: the same key always yields the same charge.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	var resp ChargeResponse
	if err := c.do(ctx, http.MethodPost, "/v2/payments", bytes.NewBuffer(body), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FindPaymentByIdempotencyKey looks up the charge created (or not) by a
// previous attempt. This is the recovery path for outcome-unknown charges.
func (c *Client) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*ChargeResponse, error) {
	path := "/v2/payments/lookup?idempotency_key=" + url.QueryEscape(key)

	var resp ChargeResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var gatewayErr *ErrorResponse
		if errors.As(err, &gatewayErr) && gatewayErr.StatusCode == http.StatusNotFound {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &resp, nil
}

// ListRefunds fetches all refund events recorded against a gateway payment,
// including refunds issued directly from the gateway dashboard.
func (c *Client) ListRefunds(ctx context.Context, gatewayPaymentID string) ([]RefundEvent, error) {
	path := "/v2/payments/" + url.PathEscape(gatewayPaymentID) + "/refunds"

	var resp refundListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Refunds, nil
}

// ListRefundsBetween fetches refund events across all payments in a time
// window, for range-based reconciliation sweeps.
func (c *Client) ListRefundsBetween(ctx context.Context, begin, end time.Time) ([]RefundEvent, error) {
	q := url.Values{}
	q.Set("begin_time", strconv.FormatInt(begin.UTC().Unix(), 10))
	q.Set("end_time", strconv.FormatInt(end.UTC().Unix(), 10))

	var resp refundListResponse
	if err := c.do(ctx, http.MethodGet, "/v2/refunds?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Refunds, nil
}

// Refund asks the gateway to refund part or all of a payment.
func (c *Client) Refund(ctx context.Context, gatewayPaymentID string, amount int64, reason string) (*RefundEvent, error) {
	payload := struct {
		PaymentID string `json:"payment_id"`
		Amount    int64  `json:"amount"`
		Reason    string `json:"reason,omitempty"`
	}{PaymentID: gatewayPaymentID, Amount: amount, Reason: reason}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refund request: %w", err)
	}

	var resp refundResponse
	if err := c.do(ctx, http.MethodPost, "/v2/refunds", bytes.NewBuffer(body), &resp); err != nil {
		return nil, err
	}
	return &resp.Refund, nil
}

// do executes one gateway request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute gateway request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", method, path, resp.StatusCode)
			return &errResp
		}
		log.Printf("level=warn component=ledger_client op=%s path=%s status=%d code=%q detail=%q", method, path, resp.StatusCode, firstErrorCode(errResp), firstErrorDetail(errResp))
		return &errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

func firstErrorCode(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Code
}

func firstErrorDetail(resp ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Detail
}
