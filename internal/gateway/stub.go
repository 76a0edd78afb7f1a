package gateway

import (
	"context"
	"fmt"
	"time"
)

const stubName = "stubbed"

// StubClient synthesizes local payment references when no real gateway is
// configured. References are clearly marked via the gateway name so they are
// never mistaken for real gateway objects.
type StubClient struct {
	secret string
	now    func() time.Time
}

// NewStubClient builds the degraded-mode gateway. The secret is still used
// so signature verification exercises the same code path as a real gateway.
func NewStubClient(secret string) *StubClient {
	if secret == "" {
		secret = "stub-secret"
	}
	return &StubClient{secret: secret, now: time.Now}
}

// Name identifies the stub driver.
func (c *StubClient) Name() string { return stubName }

// CreatePaymentOrder fabricates a deterministic local reference derived from
// the order id and the current timestamp.
func (c *StubClient) CreatePaymentOrder(_ context.Context, req CreateRequest) (*PaymentOrder, error) {
	if req.OrderID <= 0 {
		return nil, fmt.Errorf("stub gateway: order id is required")
	}
	return &PaymentOrder{
		Reference:  fmt.Sprintf("stub_%d_%d", req.OrderID, c.now().Unix()),
		NextAction: NextActionPoll,
	}, nil
}

// VerifyCheckoutSignature applies the same HMAC scheme as a real gateway so
// the synchronous verification path stays testable end to end.
func (c *StubClient) VerifyCheckoutSignature(orderRef, paymentRef, signature string) bool {
	if orderRef == "" || paymentRef == "" || signature == "" {
		return false
	}
	expected := signHex(c.secret, orderRef+"|"+paymentRef)
	return hmacEqualHex(expected, signature)
}

// VerifyWebhookSignature validates a raw body signed with the stub secret.
func (c *StubClient) VerifyWebhookSignature(body []byte, signature string) bool {
	if len(body) == 0 || signature == "" {
		return false
	}
	return hmacEqualHex(signHex(c.secret, string(body)), signature)
}

// ParseWebhook accepts the same envelope shape as the Razorpay driver.
func (c *StubClient) ParseWebhook(body []byte) (*WebhookEvent, error) {
	return parseWebhookBody(body)
}

// SignCheckout produces a valid checkout signature, used by local tooling
// and tests to drive the verification path.
func (c *StubClient) SignCheckout(orderRef, paymentRef string) string {
	return signHex(c.secret, orderRef+"|"+paymentRef)
}

// SignWebhook produces a valid webhook signature for a raw body.
func (c *StubClient) SignWebhook(body []byte) string {
	return signHex(c.secret, string(body))
}
