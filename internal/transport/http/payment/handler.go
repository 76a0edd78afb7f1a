package payment

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/craftline/ordercore/internal/dto"
	"github.com/craftline/ordercore/internal/presentation/http/response"
	service "github.com/craftline/ordercore/internal/service/payment"
	"github.com/craftline/ordercore/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/craftline/ordercore/transport/http/payment")

// signatureHeader carries the gateway webhook signature.
const signatureHeader = "X-Razorpay-Signature"

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

// Handler exposes the payment entry points over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs a payment Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/payments")
	g.POST("/initiate", h.initiate)
	g.POST("/verify", h.verify)
	g.POST("/webhook", h.webhook)
}

func (h *Handler) initiate(c echo.Context) error {
	b := response.New(c)

	var payload dto.InitiatePaymentRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.OrderID <= 0 {
		return b.WithError(errorbank.BadRequest("orderId is required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.initiate", trace.WithAttributes(
		attribute.Int64("order.id", payload.OrderID),
	))
	defer span.End()

	result, err := h.svc.Initiate(ctx, service.InitiateInput{
		OrderID:       payload.OrderID,
		OrderNumber:   payload.OrderNumber,
		Amount:        payload.Amount,
		CustomerName:  payload.CustomerName,
		CustomerEmail: payload.CustomerEmail,
		CustomerPhone: payload.CustomerPhone,
	})
	if err != nil {
		// This endpoint reports a wrong order state as a plain bad request
		// and an unreachable gateway as a server-side failure.
		switch errorbank.From(err).Kind() {
		case errorbank.KindConflict:
			return b.WithStatus(http.StatusBadRequest).WithError(err).Build()
		case errorbank.KindUnavailable:
			return b.WithStatus(http.StatusInternalServerError).WithError(err).Build()
		}
		return b.WithError(err).Build()
	}

	return b.WithData(dto.InitiatePaymentResponse{
		PaymentStatus:    string(result.PaymentStatus),
		OrderID:          result.OrderID,
		OrderNumber:      result.OrderNumber,
		PaymentReference: result.PaymentReference,
		PaymentGateway:   result.Gateway,
		NextAction:       string(result.NextAction),
		RedirectURL:      result.RedirectURL,
		Message:          result.Message,
		RazorpayOrderID:  result.PaymentReference,
		RazorpayKeyID:    result.KeyID,
	}).Build()
}

func (h *Handler) verify(c echo.Context) error {
	b := response.New(c)

	var payload dto.VerifyPaymentRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.RazorpayOrderID == "" || payload.RazorpayPaymentID == "" || payload.RazorpaySignature == "" || payload.OrderID <= 0 {
		return b.WithError(errorbank.BadRequest("razorpay_order_id, razorpay_payment_id, razorpay_signature and orderId are required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.verify", trace.WithAttributes(
		attribute.Int64("order.id", payload.OrderID),
	))
	defer span.End()

	order, err := h.svc.VerifyCheckout(ctx, service.VerifyInput{
		GatewayOrderRef:   payload.RazorpayOrderID,
		GatewayPaymentRef: payload.RazorpayPaymentID,
		Signature:         payload.RazorpaySignature,
		OrderID:           payload.OrderID,
	})
	if err != nil {
		// Signature mismatches surface as a generic 400 so the response
		// does not reveal which check failed.
		if errorbank.From(err).Kind() == errorbank.KindUnauthorized {
			return b.WithStatus(http.StatusBadRequest).WithError(err).Build()
		}
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

// webhook verifies the gateway signature over the raw, unparsed body; any
// re-serialization before verification would break the HMAC match.
func (h *Handler) webhook(c echo.Context) error {
	b := response.New(c)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return b.WithError(errorbank.BadRequest("unable to read webhook body", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.webhook")
	defer span.End()

	outcome, err := h.svc.HandleWebhook(ctx, body, c.Request().Header.Get(signatureHeader))
	if err != nil {
		return b.WithError(err).Build()
	}

	ack := dto.WebhookAck{Status: "ok", OrderID: outcome.OrderID}
	if !outcome.Applied {
		ack.Reason = outcome.Reason
	}
	return b.WithData(ack).Build()
}
