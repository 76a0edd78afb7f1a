package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// NextAction tells the caller how to continue after payment initiation.
type NextAction string

const (
	// NextActionModal opens an embedded checkout widget with the launch params.
	NextActionModal NextAction = "modal"
	// NextActionRedirect navigates to a hosted checkout page.
	NextActionRedirect NextAction = "redirect"
	// NextActionPoll means there is no interactive step; re-check the order.
	NextActionPoll NextAction = "poll"
)

// PaymentState is the normalized payment outcome extracted from a webhook.
type PaymentState string

const (
	StatePaid    PaymentState = "PAID"
	StateFailed  PaymentState = "FAILED"
	StatePending PaymentState = "PENDING"
	StateUnknown PaymentState = "UNKNOWN"
)

// CreateRequest describes the order a payment should be opened for.
type CreateRequest struct {
	OrderID       int64
	OrderNumber   string
	Amount        int64
	Currency      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// PaymentOrder holds the client-safe launch parameters for a created payment.
// It must never carry gateway secret keys.
type PaymentOrder struct {
	Reference   string
	KeyID       string
	NextAction  NextAction
	RedirectURL string
}

// WebhookEvent is a gateway webhook payload normalized for reconciliation.
type WebhookEvent struct {
	State     PaymentState
	Reference string
	Amount    int64
}

// ErrUnreachable wraps transport failures talking to the gateway.
var ErrUnreachable = errors.New("payment gateway unreachable")

// Client is the pluggable payment gateway abstraction. Order and webhook
// logic depend only on this interface, so swapping gateways requires no
// change outside this package.
type Client interface {
	Name() string
	CreatePaymentOrder(ctx context.Context, req CreateRequest) (*PaymentOrder, error)
	// VerifyCheckoutSignature checks the signature the client submits after
	// the checkout redirect, computed over "<orderRef>|<paymentRef>".
	VerifyCheckoutSignature(orderRef, paymentRef, signature string) bool
	// VerifyWebhookSignature checks the server-to-server signature over the
	// raw, unparsed request body.
	VerifyWebhookSignature(body []byte, signature string) bool
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

func signHex(secret string, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqualHex(expected, supplied string) bool {
	return hmac.Equal([]byte(expected), []byte(supplied))
}

// webhookEnvelope mirrors the Razorpay webhook shape; the stub gateway emits
// the same shape so reconciliation logic stays identical across drivers.
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Amount  int64  `json:"amount"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

func parseWebhookBody(body []byte) (*WebhookEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	evt := &WebhookEvent{
		Reference: envelope.Payload.Payment.Entity.OrderID,
		Amount:    envelope.Payload.Payment.Entity.Amount,
	}

	switch envelope.Event {
	case "payment.captured", "order.paid":
		evt.State = StatePaid
	case "payment.failed":
		evt.State = StateFailed
	case "payment.authorized", "payment.pending":
		evt.State = StatePending
	default:
		evt.State = StateUnknown
	}
	return evt, nil
}
