package dto

// InitiatePaymentRequest starts a payment attempt for a pending order.
type InitiatePaymentRequest struct {
	OrderID       int64  `json:"orderId"`
	OrderNumber   string `json:"orderNumber"`
	Amount        int64  `json:"amount"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
	CustomerPhone string `json:"customerPhone"`
}

// InitiatePaymentResponse carries the client-safe checkout launch parameters.
// Gateway secret keys are never included here.
type InitiatePaymentResponse struct {
	PaymentStatus    string `json:"paymentStatus"`
	OrderID          int64  `json:"orderId"`
	OrderNumber      string `json:"orderNumber"`
	PaymentReference string `json:"paymentReference,omitempty"`
	PaymentGateway   string `json:"paymentGateway,omitempty"`
	NextAction       string `json:"nextAction,omitempty"`
	RedirectURL      string `json:"redirectUrl,omitempty"`
	Message          string `json:"message,omitempty"`
	RazorpayOrderID  string `json:"razorpayOrderId,omitempty"`
	RazorpayKeyID    string `json:"razorpayKeyId,omitempty"`
}

// VerifyPaymentRequest is the synchronous post-checkout verification payload.
type VerifyPaymentRequest struct {
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
	OrderID           int64  `json:"orderId"`
}

// WebhookAck acknowledges a processed (or deliberately ignored) webhook.
type WebhookAck struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	OrderID int64  `json:"orderId,omitempty"`
}
