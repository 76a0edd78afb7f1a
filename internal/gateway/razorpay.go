package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const razorpayName = "razorpay"

// RazorpayClient talks to the hosted Razorpay API.
type RazorpayClient struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	logger        *zap.Logger
}

// NewRazorpayClient builds a Razorpay-backed gateway client with a bounded
// call timeout.
func NewRazorpayClient(keyID, keySecret, webhookSecret, baseURL string, timeout time.Duration, logger *zap.Logger) *RazorpayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RazorpayClient{
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

// Name identifies the gateway for persistence and responses.
func (c *RazorpayClient) Name() string { return razorpayName }

type razorpayOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type razorpayOrderResponse struct {
	ID    string `json:"id"`
	Error struct {
		Description string `json:"description"`
	} `json:"error"`
}

// CreatePaymentOrder opens a gateway-side order and returns the launch
// parameters for the embedded checkout widget.
func (c *RazorpayClient) CreatePaymentOrder(ctx context.Context, req CreateRequest) (*PaymentOrder, error) {
	payload, err := json.Marshal(razorpayOrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.OrderNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	var decoded razorpayOrderResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || decoded.ID == "" {
		if c.logger != nil {
			c.logger.Warn("razorpay order creation rejected",
				zap.Int("status", resp.StatusCode),
				zap.String("description", decoded.Error.Description),
			)
		}
		return nil, fmt.Errorf("gateway rejected order creation: status %d", resp.StatusCode)
	}

	return &PaymentOrder{
		Reference:  decoded.ID,
		KeyID:      c.keyID,
		NextAction: NextActionModal,
	}, nil
}

// VerifyCheckoutSignature recomputes the checkout callback signature and
// compares in constant time.
func (c *RazorpayClient) VerifyCheckoutSignature(orderRef, paymentRef, signature string) bool {
	if orderRef == "" || paymentRef == "" || signature == "" {
		return false
	}
	expected := signHex(c.keySecret, orderRef+"|"+paymentRef)
	return hmacEqualHex(expected, signature)
}

// VerifyWebhookSignature validates the raw webhook body against the
// dedicated webhook secret.
func (c *RazorpayClient) VerifyWebhookSignature(body []byte, signature string) bool {
	if len(body) == 0 || signature == "" {
		return false
	}
	mac := signHex(c.webhookSecret, string(body))
	return hmacEqualHex(mac, signature)
}

// ParseWebhook normalizes a Razorpay webhook payload.
func (c *RazorpayClient) ParseWebhook(body []byte) (*WebhookEvent, error) {
	return parseWebhookBody(body)
}
