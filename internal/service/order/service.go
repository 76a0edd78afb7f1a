package order

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
	"github.com/craftline/ordercore/internal/messaging"
	repo "github.com/craftline/ordercore/internal/repository/order"
	"github.com/craftline/ordercore/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/craftline/ordercore/service/order")

// Event types published to the message bus and written to the audit trail.
const (
	EventOrderCreated     = "order.created"
	EventStatusChanged    = "order.status_changed"
	EventStatusForced     = "order.status_forced"
	EventPaymentConfirmed = "order.payment_confirmed"
)

// LifecycleEvent is the envelope emitted for every order lifecycle change.
type LifecycleEvent struct {
	Type          string    `json:"type"`
	OrderID       int64     `json:"order_id"`
	Number        string    `json:"number"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// LineItemInput is one requested order line.
type LineItemInput struct {
	ProductID string
	VariantID string
	Quantity  int
	UnitPrice int64
	Metadata  map[string]string
}

// CreateInput carries everything needed to persist a new order.
type CreateInput struct {
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Shipping      *entity.ShippingAddress
	TotalAmount   int64
	IsPreorder    bool
	UserID        string
	Items         []LineItemInput
}

// Service encapsulates order creation and the admin transition guard.
type Service struct {
	store     repo.Store
	cache     cache.Store
	cacheTTL  time.Duration
	logger    *zap.Logger
	publisher messaging.Client
	messaging messagingConfig
}

// messagingConfig contains messaging specific knobs we care about.
type messagingConfig struct {
	enabled bool
	topic   string
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Store     repo.Store
	Cache     cache.Store
	Config    config.Config
	Logger    *zap.Logger
	Publisher messaging.Client
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	return &Service{
		store:     p.Store,
		cache:     p.Cache,
		cacheTTL:  p.Config.Cache.DefaultTTL,
		logger:    p.Logger,
		publisher: p.Publisher,
		messaging: messagingConfig{
			enabled: p.Config.Messaging.Enabled,
			topic:   p.Config.Messaging.Kafka.Topic,
		},
	}
}

// Create validates the cart snapshot, allocates an order number, and
// persists the header together with all line items as one unit. The order
// starts PENDING; immediate orders also start the payment axis at INITIATED
// while pre-orders leave it unset.
func (s *Service) Create(ctx context.Context, in CreateInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Create", trace.WithAttributes(attribute.Bool("order.preorder", in.IsPreorder)))
	defer span.End()

	items, total, err := validateItems(in.Items)
	if err != nil {
		return nil, err
	}
	if in.CustomerName == "" {
		return nil, errorbank.BadRequest("customer name is required")
	}
	if !in.IsPreorder && in.CustomerEmail == "" {
		return nil, errorbank.BadRequest("customer email is required for immediate orders")
	}
	if !in.IsPreorder && (in.Shipping == nil || in.Shipping.Empty()) {
		return nil, errorbank.BadRequest("shipping address is required for immediate orders")
	}
	if in.TotalAmount != 0 && in.TotalAmount != total {
		return nil, errorbank.BadRequest("total amount does not match line items",
			errorbank.WithDetail("computed_total", total))
	}

	number, err := s.store.NextOrderNumber(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "number allocation failed")
		return nil, errorbank.Internal("failed to allocate order number", errorbank.WithCause(err))
	}

	now := time.Now().UTC()
	order := &entity.Order{
		Number:        number,
		UserID:        in.UserID,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		CustomerPhone: in.CustomerPhone,
		TotalAmount:   total,
		IsPreorder:    in.IsPreorder,
		Status:        entity.OrderPending,
		PaymentStatus: entity.PaymentInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.IsPreorder {
		order.PaymentStatus = entity.PaymentNone
	}
	if in.Shipping != nil {
		order.Shipping = *in.Shipping
	}

	if err := s.store.CreateWithItems(ctx, order, items); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create order", errorbank.WithCause(err))
	}

	s.appendEvent(ctx, order.ID, EventOrderCreated, map[string]any{
		"number":   order.Number,
		"total":    order.TotalAmount,
		"preorder": order.IsPreorder,
	})
	s.storeInCache(ctx, order)
	s.publish(ctx, LifecycleEvent{
		Type:          EventOrderCreated,
		OrderID:       order.ID,
		Number:        order.Number,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		OccurredAt:    now,
	})

	return order, nil
}

func validateItems(items []LineItemInput) ([]*entity.OrderItem, int64, error) {
	if len(items) == 0 {
		return nil, 0, errorbank.BadRequest("at least one line item is required")
	}
	rows := make([]*entity.OrderItem, 0, len(items))
	var total int64
	for i, item := range items {
		if item.ProductID == "" {
			return nil, 0, errorbank.BadRequest(fmt.Sprintf("item %d: product id is required", i))
		}
		if item.Quantity < 1 {
			return nil, 0, errorbank.BadRequest(fmt.Sprintf("item %d: quantity must be at least 1", i))
		}
		if item.UnitPrice < 0 {
			return nil, 0, errorbank.BadRequest(fmt.Sprintf("item %d: unit price must not be negative", i))
		}
		total += int64(item.Quantity) * item.UnitPrice
		rows = append(rows, &entity.OrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Metadata:  item.Metadata,
		})
	}
	return rows, total, nil
}

// Get retrieves an order by id, consulting cache when available.
func (s *Service) Get(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	if order, err := s.getFromCache(ctx, id); err == nil {
		return order, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		if s.logger != nil {
			s.logger.Warn("orders cache read failed", zap.Int64("id", id), zap.Error(err))
		}
	}

	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	s.storeInCache(ctx, order)
	return order, nil
}

// GetByNumber retrieves an order by its human-readable number.
func (s *Service) GetByNumber(ctx context.Context, number string) (*entity.Order, error) {
	if number == "" {
		return nil, errorbank.BadRequest("order number is required")
	}
	order, err := s.store.GetByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found")
		}
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	return order, nil
}

// Timeline returns the audit event trail for an order.
func (s *Service) Timeline(ctx context.Context, id int64) ([]entity.OrderEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, errorbank.Internal("failed to load order events", errorbank.WithCause(err))
	}
	return events, nil
}

// UpdateStatus enforces the admin transition guard and applies the change.
// Forward moves along PENDING → CONFIRMED → DISPATCHED → DELIVERED are
// always allowed from a non-terminal state. CANCELLED is reachable only from
// PENDING while payment is not PAID. Rank-decreasing moves and restores from
// CANCELLED require force and are audit-logged distinctly.
func (s *Service) UpdateStatus(ctx context.Context, id int64, next entity.OrderStatus, force bool) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.UpdateStatus", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.next_status", string(next)),
	))
	defer span.End()

	if !next.Valid() {
		return nil, errorbank.BadRequest(fmt.Sprintf("unknown order status %q", next))
	}

	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	current := order.Status

	if next == current {
		return nil, errorbank.Conflict(fmt.Sprintf("order is already %s", current))
	}

	backward := false
	switch {
	case next == entity.OrderCancelled:
		if order.PaymentStatus == entity.PaymentPaid {
			return nil, errorbank.Conflict("cannot cancel a paid order")
		}
		if current != entity.OrderPending {
			return nil, errorbank.Conflict(fmt.Sprintf("cannot cancel an order in status %s", current))
		}
	case current == entity.OrderCancelled:
		// Restore from the cancelled branch.
		backward = true
	default:
		curRank, _ := current.Rank()
		nextRank, _ := next.Rank()
		backward = nextRank < curRank
	}

	if backward && !force {
		return nil, errorbank.Conflict(
			fmt.Sprintf("transition %s -> %s moves backward; confirm with force", current, next),
			errorbank.WithDetail("requires_force", true),
		)
	}

	ok, err := s.store.UpdateStatus(ctx, id, current, next)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to update order status", errorbank.WithCause(err))
	}
	if !ok {
		return nil, errorbank.Conflict("order status changed concurrently; refresh and retry")
	}

	eventType := EventStatusChanged
	if backward {
		eventType = EventStatusForced
		if s.logger != nil {
			s.logger.Warn("backward order status transition applied",
				zap.Int64("order_id", id),
				zap.String("from", string(current)),
				zap.String("to", string(next)),
			)
		}
	}
	s.appendEvent(ctx, id, eventType, map[string]any{
		"from": string(current),
		"to":   string(next),
	})
	s.invalidateCache(ctx, id)

	order.Status = next
	order.UpdatedAt = time.Now().UTC()
	return order, nil
}

// SetEstimatedDelivery stamps the delivery estimate. Allowed at any
// non-terminal state, independent of the payment axis.
func (s *Service) SetEstimatedDelivery(ctx context.Context, id int64, date time.Time) (*entity.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, errorbank.Conflict(fmt.Sprintf("cannot set delivery estimate on a %s order", order.Status))
	}

	ok, err := s.store.SetEstimatedDelivery(ctx, id, date)
	if err != nil {
		return nil, errorbank.Internal("failed to set delivery estimate", errorbank.WithCause(err))
	}
	if !ok {
		return nil, errorbank.Conflict("order reached a terminal state concurrently")
	}

	s.invalidateCache(ctx, id)
	order.EstimatedDelivery = &date
	return order, nil
}

// Delete removes an order with its items and events.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errorbank.NotFound("order not found")
		}
		return errorbank.Internal("failed to delete order", errorbank.WithCause(err))
	}
	s.invalidateCache(ctx, id)
	return nil
}

// appendEvent writes a best-effort audit entry; failures are logged only.
func (s *Service) appendEvent(ctx context.Context, orderID int64, eventType string, payload map[string]any) {
	err := s.store.AppendEvent(ctx, &entity.OrderEvent{
		OrderID: orderID,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("order audit event write failed",
			zap.Int64("order_id", orderID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, event LifecycleEvent) {
	if !s.messaging.enabled || s.publisher == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("marshal lifecycle event", zap.Error(err))
		}
		return
	}
	key := []byte(fmt.Sprintf("order-%d", event.OrderID))
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		if s.logger != nil {
			s.logger.Error("publish lifecycle event", zap.String("type", event.Type), zap.Error(err))
		}
	}
}

// CacheKey names the cached snapshot for an order. Every writer that
// mutates an order, including the payment flows, must drop this key.
func CacheKey(id int64) string {
	return fmt.Sprintf("orders:%d", id)
}

func (s *Service) getFromCache(ctx context.Context, id int64) (*entity.Order, error) {
	if s.cache == nil {
		return nil, cache.ErrCacheMiss
	}
	bytes, err := s.cache.Get(ctx, CacheKey(id))
	if err != nil {
		return nil, err
	}
	var order entity.Order
	if err := json.Unmarshal(bytes, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Service) storeInCache(ctx context.Context, order *entity.Order) {
	if s.cache == nil || order == nil {
		return
	}
	bytes, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, CacheKey(order.ID), bytes, s.cacheTTL); err != nil && s.logger != nil {
		s.logger.Warn("orders cache write failed", zap.Int64("id", order.ID), zap.Error(err))
	}
}

func (s *Service) invalidateCache(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, CacheKey(id)); err != nil && s.logger != nil {
		s.logger.Warn("orders cache invalidation failed", zap.Int64("id", id), zap.Error(err))
	}
}
