package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/cache"
	"github.com/craftline/ordercore/internal/config"
	"github.com/craftline/ordercore/internal/entity"
	"github.com/craftline/ordercore/internal/gateway"
	"github.com/craftline/ordercore/internal/messaging"
	repo "github.com/craftline/ordercore/internal/repository/order"
	ordersvc "github.com/craftline/ordercore/internal/service/order"
	"github.com/craftline/ordercore/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/craftline/ordercore/service/payment")

// Audit event types written by the payment flows.
const (
	EventPaymentInitiated = "payment.initiated"
	EventPaymentConfirmed = "payment.confirmed"
	EventPaymentWebhook   = "payment.webhook"
)

// InitiateInput identifies the pending order a payment should be opened for.
type InitiateInput struct {
	OrderID       int64
	OrderNumber   string
	Amount        int64
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// InitiateResult carries the client-safe launch parameters. Gateway secrets
// are never part of this struct.
type InitiateResult struct {
	PaymentStatus    entity.PaymentStatus
	OrderID          int64
	OrderNumber      string
	PaymentReference string
	Gateway          string
	NextAction       gateway.NextAction
	RedirectURL      string
	KeyID            string
	Message          string
}

// VerifyInput is the synchronous checkout-callback verification payload.
type VerifyInput struct {
	GatewayOrderRef   string
	GatewayPaymentRef string
	Signature         string
	OrderID           int64
}

// WebhookOutcome reports how a webhook delivery was handled. Acked is true
// for every delivery with a valid signature and parseable payload, including
// ones deliberately ignored, so the gateway never retries those.
type WebhookOutcome struct {
	Acked   bool
	Applied bool
	Reason  string
	OrderID int64
}

// Service owns payment initiation and both confirmation paths.
type Service struct {
	store     repo.Store
	gateway   gateway.Client
	cache     cache.Store
	logger    *zap.Logger
	publisher messaging.Client
	currency  string
	topic     string
	enabled   bool
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Store     repo.Store
	Gateway   gateway.Client
	Cache     cache.Store
	Config    config.Config
	Logger    *zap.Logger
	Publisher messaging.Client
}

// NewService wires a new payment Service.
func NewService(p Params) *Service {
	return &Service{
		store:     p.Store,
		gateway:   p.Gateway,
		cache:     p.Cache,
		logger:    p.Logger,
		publisher: p.Publisher,
		currency:  p.Config.Payment.Currency,
		topic:     p.Config.Messaging.Kafka.Topic,
		enabled:   p.Config.Messaging.Enabled,
	}
}

// Initiate opens a payment with the configured gateway for a PENDING order
// and records the returned reference. The gateway call happens first; on
// failure nothing is persisted, so a retry starts from a clean slate.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.Initiate", trace.WithAttributes(attribute.Int64("order.id", in.OrderID)))
	defer span.End()

	order, err := s.store.GetByID(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	if order.Status != entity.OrderPending {
		return nil, errorbank.Conflict(
			fmt.Sprintf("payment can only be initiated for pending orders; order is %s", order.Status),
		)
	}
	if in.Amount != 0 && in.Amount != order.TotalAmount {
		return nil, errorbank.BadRequest("amount does not match order total",
			errorbank.WithDetail("order_total", order.TotalAmount))
	}

	created, err := s.gateway.CreatePaymentOrder(ctx, gateway.CreateRequest{
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		Amount:        order.TotalAmount,
		Currency:      s.currency,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		CustomerPhone: in.CustomerPhone,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway error")
		if errors.Is(err, gateway.ErrUnreachable) {
			return nil, errorbank.Unavailable("payment gateway unreachable", errorbank.WithCause(err))
		}
		return nil, errorbank.Internal("payment initiation failed", errorbank.WithCause(err))
	}

	ok, err := s.store.SetPaymentInitiated(ctx, order.ID, created.Reference, s.gateway.Name())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to record payment reference", errorbank.WithCause(err))
	}
	if !ok {
		return nil, errorbank.Conflict("order left the pending state during initiation; refresh and retry")
	}

	s.appendEvent(ctx, order.ID, EventPaymentInitiated, map[string]any{
		"reference": created.Reference,
		"gateway":   s.gateway.Name(),
	})
	s.invalidateOrder(ctx, order.ID)

	return &InitiateResult{
		PaymentStatus:    entity.PaymentInitiated,
		OrderID:          order.ID,
		OrderNumber:      order.Number,
		PaymentReference: created.Reference,
		Gateway:          s.gateway.Name(),
		NextAction:       created.NextAction,
		RedirectURL:      created.RedirectURL,
		KeyID:            created.KeyID,
		Message:          "payment initiated",
	}, nil
}

// VerifyCheckout validates the client-submitted signature and marks the
// order paid. This is the synchronous convenience path; the webhook
// reconciler remains authoritative since the client may never call this.
func (s *Service) VerifyCheckout(ctx context.Context, in VerifyInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.VerifyCheckout", trace.WithAttributes(attribute.Int64("order.id", in.OrderID)))
	defer span.End()

	if !s.gateway.VerifyCheckoutSignature(in.GatewayOrderRef, in.GatewayPaymentRef, in.Signature) {
		if s.logger != nil {
			s.logger.Warn("payment signature verification failed",
				zap.Int64("order_id", in.OrderID),
				zap.String("gateway_order", in.GatewayOrderRef),
			)
		}
		span.SetStatus(codes.Error, "signature mismatch")
		return nil, errorbank.Unauthorized("payment signature verification failed")
	}

	order, err := s.store.GetByID(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	applied, err := s.store.ApplyPaymentOutcome(ctx, order.ID, entity.PaymentPaid, entity.OrderConfirmed, in.GatewayOrderRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome write failed")
		return nil, errorbank.Internal("failed to confirm payment", errorbank.WithCause(err))
	}
	if !applied {
		// The webhook got here first. PAID means both paths agree; anything
		// else is a genuine conflict the caller must not paper over.
		if order.PaymentStatus == entity.PaymentFailed {
			return nil, errorbank.Conflict("payment already recorded as failed")
		}
	} else {
		s.appendEvent(ctx, order.ID, EventPaymentConfirmed, map[string]any{
			"reference": in.GatewayOrderRef,
			"payment":   in.GatewayPaymentRef,
			"path":      "checkout",
		})
		s.invalidateOrder(ctx, order.ID)
		s.publishConfirmed(ctx, order, in.GatewayOrderRef)
	}

	refreshed, err := s.store.GetByID(ctx, order.ID)
	if err != nil {
		return nil, errorbank.Internal("failed to reload order", errorbank.WithCause(err))
	}
	return refreshed, nil
}

// HandleWebhook is the asynchronous, gateway-driven reconciliation path and
// the system of record for payment truth. The signature is validated over
// the raw body before any parsing. Unmatched references and duplicate
// deliveries are acknowledged without error so the gateway stops retrying.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookOutcome, error) {
	ctx, span := serviceTracer.Start(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	if !s.gateway.VerifyWebhookSignature(body, signature) {
		if s.logger != nil {
			s.logger.Warn("webhook signature verification failed", zap.Int("body_bytes", len(body)))
		}
		span.SetStatus(codes.Error, "signature mismatch")
		return nil, errorbank.Forbidden("webhook signature verification failed")
	}

	event, err := s.gateway.ParseWebhook(body)
	if err != nil {
		span.RecordError(err)
		return nil, errorbank.BadRequest("malformed webhook payload", errorbank.WithCause(err))
	}

	span.SetAttributes(attribute.String("webhook.state", string(event.State)))

	if event.State == gateway.StateUnknown || event.State == gateway.StatePending {
		return &WebhookOutcome{Acked: true, Reason: "ignored_event"}, nil
	}

	order, err := s.store.GetByPaymentReference(ctx, event.Reference)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if s.logger != nil {
				s.logger.Info("webhook for unknown payment reference acknowledged",
					zap.String("reference", event.Reference))
			}
			return &WebhookOutcome{Acked: true, Reason: "order_not_found"}, nil
		}
		span.RecordError(err)
		return nil, errorbank.Internal("failed to look up order", errorbank.WithCause(err))
	}

	if order.PaymentStatus.Terminal() {
		return &WebhookOutcome{Acked: true, Reason: "already_processed", OrderID: order.ID}, nil
	}

	payment := entity.PaymentPaid
	status := entity.OrderConfirmed
	if event.State == gateway.StateFailed {
		payment = entity.PaymentFailed
		status = entity.OrderCancelled
	}

	applied, err := s.store.ApplyPaymentOutcome(ctx, order.ID, payment, status, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome write failed")
		return nil, errorbank.Internal("failed to reconcile payment", errorbank.WithCause(err))
	}
	if !applied {
		return &WebhookOutcome{Acked: true, Reason: "already_processed", OrderID: order.ID}, nil
	}

	s.appendEvent(ctx, order.ID, EventPaymentWebhook, map[string]any{
		"state":     string(event.State),
		"reference": event.Reference,
		"amount":    event.Amount,
	})
	s.invalidateOrder(ctx, order.ID)
	if payment == entity.PaymentPaid {
		s.publishConfirmed(ctx, order, event.Reference)
	}

	return &WebhookOutcome{Acked: true, Applied: true, OrderID: order.ID}, nil
}

// invalidateOrder drops the cached order snapshot after a payment mutation
// so the order read path never serves pre-reconciliation state.
func (s *Service) invalidateOrder(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, ordersvc.CacheKey(id)); err != nil && s.logger != nil {
		s.logger.Warn("orders cache invalidation failed", zap.Int64("id", id), zap.Error(err))
	}
}

func (s *Service) appendEvent(ctx context.Context, orderID int64, eventType string, payload map[string]any) {
	err := s.store.AppendEvent(ctx, &entity.OrderEvent{
		OrderID: orderID,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("payment audit event write failed",
			zap.Int64("order_id", orderID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

func (s *Service) publishConfirmed(ctx context.Context, order *entity.Order, reference string) {
	if !s.enabled || s.publisher == nil {
		return
	}
	event := ordersvc.LifecycleEvent{
		Type:          ordersvc.EventPaymentConfirmed,
		OrderID:       order.ID,
		Number:        order.Number,
		Status:        string(entity.OrderConfirmed),
		PaymentStatus: string(entity.PaymentPaid),
		OccurredAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("marshal payment confirmed event", zap.Error(err))
		}
		return
	}
	key := []byte(fmt.Sprintf("order-%d", order.ID))
	if err := s.publisher.Publish(ctx, key, payload); err != nil && s.logger != nil {
		s.logger.Error("publish payment confirmed event", zap.String("reference", reference), zap.Error(err))
	}
}
