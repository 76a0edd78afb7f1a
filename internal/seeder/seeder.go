package seeder

import (
	"context"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/database"
	"github.com/craftline/ordercore/internal/entity"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	db     *bun.DB
	logger *zap.Logger
}

// New constructs a Seeder backed by the primary database connection.
func New(conns *database.Connections, logger *zap.Logger) *Seeder {
	return &Seeder{db: conns.Writer, logger: logger}
}

// Orders seeds sample orders if they are missing.
func (s *Seeder) Orders(ctx context.Context) error {
	now := time.Now().UTC()
	samples := []struct {
		order entity.Order
		items []entity.OrderItem
	}{
		{
			order: entity.Order{
				Number:        "SO-00001",
				CustomerName:  "Asha Nair",
				CustomerEmail: "asha@example.com",
				CustomerPhone: "+919800000001",
				Shipping: entity.ShippingAddress{
					Line1:   "14 Lakeview Road",
					City:    "Bengaluru",
					State:   "Karnataka",
					Pincode: "560001",
					Country: "IN",
				},
				TotalAmount:   149900,
				Status:        entity.OrderPending,
				PaymentStatus: entity.PaymentInitiated,
				CreatedAt:     now,
				UpdatedAt:     now,
			},
			items: []entity.OrderItem{
				{ProductID: "prod-jacket-01", Quantity: 1, UnitPrice: 149900, Metadata: map[string]string{"size": "M"}},
			},
		},
		{
			order: entity.Order{
				Number:       "SO-00002",
				CustomerName: "Rohan Iyer",
				TotalAmount:  89900,
				IsPreorder:   true,
				Status:       entity.OrderPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			},
			items: []entity.OrderItem{
				{ProductID: "prod-sneaker-02", VariantID: "var-42", Quantity: 1, UnitPrice: 89900},
			},
		},
	}

	seeded := 0
	for _, sample := range samples {
		order := sample.order
		res, err := s.db.NewInsert().Model(&order).
			On("CONFLICT (number) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		if rows, err := res.RowsAffected(); err != nil || rows == 0 {
			continue
		}
		for i := range sample.items {
			sample.items[i].OrderID = order.ID
		}
		items := sample.items
		if _, err := s.db.NewInsert().Model(&items).Exec(ctx); err != nil {
			return err
		}
		seeded++
	}

	if _, err := s.counterFloorQuery(int64(len(samples))).Exec(ctx); err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("seeded orders", zap.Int("count", seeded))
	}
	return nil
}

// counterFloorQuery raises the order counter to at least floor. The
// migration seeds the row at zero, so a plain DO NOTHING would leave the
// counter behind the seeded order numbers and the next allocation would
// collide with them.
func (s *Seeder) counterFloorQuery(floor int64) *bun.InsertQuery {
	counter := map[string]any{"name": "order_number", "value": floor}
	return s.db.NewInsert().Model(&counter).
		Table("order_counters").
		On("CONFLICT (name) DO UPDATE").
		Set("value = GREATEST(order_counters.value, EXCLUDED.value)")
}
