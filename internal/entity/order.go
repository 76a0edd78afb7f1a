package entity

import (
	"time"

	"github.com/uptrace/bun"
)

// OrderStatus is the fulfillment axis of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderConfirmed  OrderStatus = "CONFIRMED"
	OrderDispatched OrderStatus = "DISPATCHED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// orderRank orders the forward fulfillment sequence. CANCELLED is a side
// branch and carries no rank.
var orderRank = map[OrderStatus]int{
	OrderPending:    0,
	OrderConfirmed:  1,
	OrderDispatched: 2,
	OrderDelivered:  3,
}

// Rank returns the forward-sequence position of the status. The second
// return is false for CANCELLED and unknown values.
func (s OrderStatus) Rank() (int, bool) {
	r, ok := orderRank[s]
	return r, ok
}

// Valid reports whether the status is a known enumeration value.
func (s OrderStatus) Valid() bool {
	if s == OrderCancelled {
		return true
	}
	_, ok := orderRank[s]
	return ok
}

// Terminal reports whether no further automated transition should occur.
func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

// PaymentStatus is the payment axis of an order. The empty value means
// payment is not applicable yet; pre-orders never leave it.
type PaymentStatus string

const (
	PaymentNone      PaymentStatus = ""
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Terminal reports whether the payment outcome is settled. Terminal states
// act as the idempotency guard for the two confirmation paths.
func (p PaymentStatus) Terminal() bool {
	return p == PaymentPaid || p == PaymentFailed
}

// ShippingAddress is the address snapshot taken at order creation.
type ShippingAddress struct {
	Line1   string `bun:"line1,nullzero" json:"line1"`
	Line2   string `bun:"line2,nullzero" json:"line2,omitempty"`
	City    string `bun:"city,nullzero" json:"city"`
	State   string `bun:"state,nullzero" json:"state"`
	Pincode string `bun:"pincode,nullzero" json:"pincode"`
	Country string `bun:"country,nullzero" json:"country"`
}

// Empty reports whether no address fields were supplied.
func (a ShippingAddress) Empty() bool {
	return a.Line1 == "" && a.City == "" && a.State == "" && a.Pincode == "" && a.Country == ""
}

// Order represents one purchase transaction. Customer and address fields are
// denormalized snapshots; later profile edits do not alter historical orders.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID     int64  `bun:",pk,autoincrement"`
	Number string `bun:"number,notnull"`
	UserID string `bun:"user_id,nullzero"`

	CustomerName  string          `bun:"customer_name"`
	CustomerEmail string          `bun:"customer_email,nullzero"`
	CustomerPhone string          `bun:"customer_phone,nullzero"`
	Shipping      ShippingAddress `bun:"embed:shipping_"`

	TotalAmount int64 `bun:"total_amount,notnull"`
	IsPreorder  bool  `bun:"is_preorder"`

	Status        OrderStatus   `bun:"status,notnull"`
	PaymentStatus PaymentStatus `bun:"payment_status,nullzero"`

	PaymentReference string `bun:"payment_reference,nullzero"`
	PaymentGateway   string `bun:"payment_gateway,nullzero"`

	EstimatedDelivery *time.Time `bun:"estimated_delivery,nullzero"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `bun:"updated_at,nullzero"`

	Items []*OrderItem `bun:"rel:has-many,join:id=order_id"`
}

// OrderItem is one line within an order. UnitPrice is snapshotted at order
// time, not a live product price reference.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID        int64             `bun:",pk,autoincrement"`
	OrderID   int64             `bun:"order_id,notnull"`
	ProductID string            `bun:"product_id,notnull"`
	VariantID string            `bun:"variant_id,nullzero"`
	Quantity  int               `bun:"quantity,notnull"`
	UnitPrice int64             `bun:"unit_price,notnull"`
	Metadata  map[string]string `bun:"metadata,type:jsonb,nullzero"`
}

// OrderEvent is one append-only timeline entry. The event table is a soft
// dependency; writes to it must never block the primary flow.
type OrderEvent struct {
	bun.BaseModel `bun:"table:order_events"`

	ID        int64          `bun:",pk,autoincrement"`
	OrderID   int64          `bun:"order_id,notnull"`
	Type      string         `bun:"type,notnull"`
	Payload   map[string]any `bun:"payload,type:jsonb,nullzero"`
	CreatedAt time.Time      `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
}
