package dto

import (
	"time"

	"github.com/craftline/ordercore/internal/entity"
)

// LineItemPayload is one order line as accepted and exposed over HTTP.
type LineItemPayload struct {
	ProductID string            `json:"product_id"`
	VariantID string            `json:"variant_id,omitempty"`
	Quantity  int               `json:"quantity"`
	UnitPrice int64             `json:"unit_price"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CreateOrderRequest is the order creation entry point payload.
type CreateOrderRequest struct {
	CustomerName    string                  `json:"customer_name"`
	CustomerEmail   string                  `json:"customer_email"`
	CustomerPhone   string                  `json:"customer_phone"`
	ShippingAddress *entity.ShippingAddress `json:"shipping_address"`
	TotalAmount     int64                   `json:"total_amount"`
	IsPreorder      bool                    `json:"is_preorder"`
	Items           []LineItemPayload       `json:"items"`
	UserID          string                  `json:"user_id,omitempty"`
}

// CreateOrderResponse returns the identifiers of the persisted order.
type CreateOrderResponse struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID                int64                   `json:"id"`
	Number            string                  `json:"number"`
	UserID            string                  `json:"user_id,omitempty"`
	CustomerName      string                  `json:"customer_name"`
	CustomerEmail     string                  `json:"customer_email,omitempty"`
	CustomerPhone     string                  `json:"customer_phone,omitempty"`
	ShippingAddress   *entity.ShippingAddress `json:"shipping_address,omitempty"`
	TotalAmount       int64                   `json:"total_amount"`
	IsPreorder        bool                    `json:"is_preorder"`
	Status            string                  `json:"status"`
	PaymentStatus     string                  `json:"payment_status,omitempty"`
	PaymentReference  string                  `json:"payment_reference,omitempty"`
	PaymentGateway    string                  `json:"payment_gateway,omitempty"`
	EstimatedDelivery *time.Time              `json:"estimated_delivery,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
	Items             []LineItemPayload       `json:"items,omitempty"`
}

// FromOrder maps a stored order onto the transport shape.
func FromOrder(order *entity.Order) OrderResponse {
	resp := OrderResponse{
		ID:                order.ID,
		Number:            order.Number,
		UserID:            order.UserID,
		CustomerName:      order.CustomerName,
		CustomerEmail:     order.CustomerEmail,
		CustomerPhone:     order.CustomerPhone,
		TotalAmount:       order.TotalAmount,
		IsPreorder:        order.IsPreorder,
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		PaymentReference:  order.PaymentReference,
		PaymentGateway:    order.PaymentGateway,
		EstimatedDelivery: order.EstimatedDelivery,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
	if !order.Shipping.Empty() {
		addr := order.Shipping
		resp.ShippingAddress = &addr
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, LineItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Metadata:  item.Metadata,
		})
	}
	return resp
}

// OrderEventResponse is one audit timeline entry.
type OrderEventResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// UpdateStatusRequest drives the admin status transition endpoint. Force
// acknowledges the second step of the backward-transition confirmation.
type UpdateStatusRequest struct {
	Status string `json:"status"`
	Force  bool   `json:"force,omitempty"`
}

// UpdateDeliveryRequest sets the estimated delivery date.
type UpdateDeliveryRequest struct {
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}
