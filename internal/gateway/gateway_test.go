package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func webhookBody(event, orderRef, paymentRef string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":%d,"status":"captured"}}}}`,
		event, paymentRef, orderRef, amount,
	))
}

func TestParseWebhookBody(t *testing.T) {
	cases := []struct {
		event string
		want  PaymentState
	}{
		{"payment.captured", StatePaid},
		{"order.paid", StatePaid},
		{"payment.failed", StateFailed},
		{"payment.authorized", StatePending},
		{"refund.created", StateUnknown},
	}

	for _, tc := range cases {
		evt, err := parseWebhookBody(webhookBody(tc.event, "order_abc", "pay_xyz", 1000))
		require.NoError(t, err, "event %s", tc.event)
		assert.Equal(t, tc.want, evt.State, "event %s", tc.event)
		assert.Equal(t, "order_abc", evt.Reference)
		assert.Equal(t, int64(1000), evt.Amount)
	}
}

func TestParseWebhookBodyMalformed(t *testing.T) {
	_, err := parseWebhookBody([]byte("{not json"))
	assert.Error(t, err)
}

func TestRazorpayCheckoutSignature(t *testing.T) {
	c := NewRazorpayClient("key_id", "key_secret", "whsec", "http://unused", time.Second, zap.NewNop())

	sig := signHex("key_secret", "order_abc|pay_xyz")
	assert.True(t, c.VerifyCheckoutSignature("order_abc", "pay_xyz", sig))
	assert.False(t, c.VerifyCheckoutSignature("order_abc", "pay_xyz", sig+"00"))
	assert.False(t, c.VerifyCheckoutSignature("order_abc", "pay_other", sig))
	assert.False(t, c.VerifyCheckoutSignature("", "pay_xyz", sig))
	assert.False(t, c.VerifyCheckoutSignature("order_abc", "pay_xyz", ""))
}

func TestRazorpayWebhookSignature(t *testing.T) {
	c := NewRazorpayClient("key_id", "key_secret", "whsec", "http://unused", time.Second, zap.NewNop())

	body := webhookBody("payment.captured", "order_abc", "pay_xyz", 1000)
	sig := signHex("whsec", string(body))
	assert.True(t, c.VerifyWebhookSignature(body, sig))

	// A re-serialized body with different formatting must not verify.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	reencoded, err := json.MarshalIndent(decoded, "", "  ")
	require.NoError(t, err)
	assert.False(t, c.VerifyWebhookSignature(reencoded, sig))

	assert.False(t, c.VerifyWebhookSignature(body, "deadbeef"))
	assert.False(t, c.VerifyWebhookSignature(nil, sig))
	assert.False(t, c.VerifyWebhookSignature(body, ""))
}

func TestRazorpayCreatePaymentOrder(t *testing.T) {
	var gotAuthUser, gotAuthPass, gotReceipt string
	var gotAmount int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthUser, gotAuthPass, _ = r.BasicAuth()
		var req struct {
			Amount   int64  `json:"amount"`
			Currency string `json:"currency"`
			Receipt  string `json:"receipt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotAmount = req.Amount
		gotReceipt = req.Receipt
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "order_live123"})
	}))
	defer srv.Close()

	c := NewRazorpayClient("key_id", "key_secret", "whsec", srv.URL, time.Second, zap.NewNop())
	created, err := c.CreatePaymentOrder(context.Background(), CreateRequest{
		OrderID:     7,
		OrderNumber: "SO-00007",
		Amount:      149900,
		Currency:    "INR",
	})
	require.NoError(t, err)

	assert.Equal(t, "order_live123", created.Reference)
	assert.Equal(t, "key_id", created.KeyID)
	assert.Equal(t, NextActionModal, created.NextAction)
	assert.Equal(t, "key_id", gotAuthUser)
	assert.Equal(t, "key_secret", gotAuthPass)
	assert.Equal(t, int64(149900), gotAmount)
	assert.Equal(t, "SO-00007", gotReceipt)
}

func TestRazorpayCreatePaymentOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"description": "amount too small"}})
	}))
	defer srv.Close()

	c := NewRazorpayClient("key_id", "key_secret", "whsec", srv.URL, time.Second, zap.NewNop())
	_, err := c.CreatePaymentOrder(context.Background(), CreateRequest{OrderID: 7, Amount: 1})
	assert.Error(t, err)
}

func TestRazorpayCreatePaymentOrderUnreachable(t *testing.T) {
	c := NewRazorpayClient("key_id", "key_secret", "whsec", "http://127.0.0.1:1", 200*time.Millisecond, zap.NewNop())
	_, err := c.CreatePaymentOrder(context.Background(), CreateRequest{OrderID: 7, Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestStubCreatePaymentOrder(t *testing.T) {
	c := NewStubClient("whsec")
	fixed := time.Unix(1700000000, 0)
	c.now = func() time.Time { return fixed }

	created, err := c.CreatePaymentOrder(context.Background(), CreateRequest{OrderID: 42})
	require.NoError(t, err)
	assert.Equal(t, "stub_42_1700000000", created.Reference)
	assert.Equal(t, NextActionPoll, created.NextAction)
	assert.Empty(t, created.KeyID)

	_, err = c.CreatePaymentOrder(context.Background(), CreateRequest{})
	assert.Error(t, err)
}

func TestStubSignatures(t *testing.T) {
	c := NewStubClient("whsec")

	sig := c.SignCheckout("stub_42_1", "pay_1")
	assert.True(t, c.VerifyCheckoutSignature("stub_42_1", "pay_1", sig))
	assert.False(t, c.VerifyCheckoutSignature("stub_42_1", "pay_2", sig))

	body := webhookBody("payment.captured", "stub_42_1", "pay_1", 500)
	assert.True(t, c.VerifyWebhookSignature(body, c.SignWebhook(body)))
	assert.False(t, c.VerifyWebhookSignature(body, "bogus"))
}

func TestStubName(t *testing.T) {
	assert.Equal(t, "stubbed", NewStubClient("").Name())
}
