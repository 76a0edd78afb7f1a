package order

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/craftline/ordercore/internal/dto"
	"github.com/craftline/ordercore/internal/entity"
	"github.com/craftline/ordercore/internal/presentation/http/response"
	service "github.com/craftline/ordercore/internal/service/order"
	"github.com/craftline/ordercore/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/craftline/ordercore/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/orders")
	g.POST("", h.create)
	g.GET("/:id", h.getByID)
	g.GET("/number/:number", h.getByNumber)
	g.GET("/:id/events", h.listEvents)
	g.PATCH("/:id/status", h.updateStatus)
	g.PATCH("/:id/delivery-date", h.setDeliveryDate)
	g.DELETE("/:id", h.delete)
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)

	var payload dto.CreateOrderRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create", trace.WithAttributes(
		attribute.Bool("order.preorder", payload.IsPreorder),
	))
	defer span.End()

	items := make([]service.LineItemInput, 0, len(payload.Items))
	for _, item := range payload.Items {
		items = append(items, service.LineItemInput{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Metadata:  item.Metadata,
		})
	}

	order, err := h.svc.Create(ctx, service.CreateInput{
		CustomerName:  payload.CustomerName,
		CustomerEmail: payload.CustomerEmail,
		CustomerPhone: payload.CustomerPhone,
		Shipping:      payload.ShippingAddress,
		TotalAmount:   payload.TotalAmount,
		IsPreorder:    payload.IsPreorder,
		UserID:        payload.UserID,
		Items:         items,
	})
	if err != nil {
		return b.WithError(err).Build()
	}

	return b.WithStatus(http.StatusCreated).WithData(dto.CreateOrderResponse{
		OrderID:     order.ID,
		OrderNumber: order.Number,
	}).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order, err := h.svc.Get(ctx, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) getByNumber(c echo.Context) error {
	b := response.New(c)

	order, err := h.svc.GetByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) listEvents(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	events, err := h.svc.Timeline(c.Request().Context(), id)
	if err != nil {
		return b.WithError(err).Build()
	}

	out := make([]dto.OrderEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, dto.OrderEventResponse{
			ID:        event.ID,
			Type:      event.Type,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		})
	}
	return b.WithData(out).Build()
}

func (h *Handler) updateStatus(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload dto.UpdateStatusRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.Status == "" {
		return b.WithError(errorbank.BadRequest("status is required")).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.updateStatus", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("order.next_status", payload.Status),
	))
	defer span.End()

	order, err := h.svc.UpdateStatus(ctx, id, entity.OrderStatus(payload.Status), payload.Force)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) setDeliveryDate(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload dto.UpdateDeliveryRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.EstimatedDelivery.IsZero() {
		return b.WithError(errorbank.BadRequest("estimated_delivery is required")).Build()
	}

	order, err := h.svc.SetEstimatedDelivery(c.Request().Context(), id, payload.EstimatedDelivery)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) delete(c echo.Context) error {
	b := response.New(c)

	id, err := parseID(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusNoContent).Build()
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errorbank.BadRequest("invalid id", errorbank.WithCause(err))
	}
	return id, nil
}
