package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/craftline/ordercore/internal/database"
	"github.com/craftline/ordercore/internal/entity"
)

var repoTracer = otel.Tracer("github.com/craftline/ordercore/repository/order")

// ErrNotFound is returned when an order is missing.
var ErrNotFound = errors.New("order not found")

const (
	orderNumberPrefix = "SO-"
	orderCounterName  = "order_number"
)

// FormatOrderNumber renders the human-readable sequential order identifier.
func FormatOrderNumber(n int64) string {
	return fmt.Sprintf("%s%05d", orderNumberPrefix, n)
}

// ParseOrderNumber extracts the numeric suffix from an order number.
func ParseOrderNumber(number string) (int64, error) {
	suffix := strings.TrimPrefix(number, orderNumberPrefix)
	if suffix == number {
		return 0, fmt.Errorf("malformed order number %q", number)
	}
	return strconv.ParseInt(suffix, 10, 64)
}

// counter is the single-row sequence backing order number generation.
type counter struct {
	bun.BaseModel `bun:"table:order_counters"`

	Name  string `bun:"name,pk"`
	Value int64  `bun:"value,notnull"`
}

// Store is the persistence contract consumed by the order and payment
// services. *Repository is the production implementation.
type Store interface {
	NextOrderNumber(ctx context.Context) (string, error)
	CreateWithItems(ctx context.Context, order *entity.Order, items []*entity.OrderItem) error
	GetByID(ctx context.Context, id int64) (*entity.Order, error)
	GetByNumber(ctx context.Context, number string) (*entity.Order, error)
	GetByPaymentReference(ctx context.Context, reference string) (*entity.Order, error)
	SetPaymentInitiated(ctx context.Context, id int64, reference, gatewayName string) (bool, error)
	ApplyPaymentOutcome(ctx context.Context, id int64, payment entity.PaymentStatus, status entity.OrderStatus, reference string) (bool, error)
	UpdateStatus(ctx context.Context, id int64, from, to entity.OrderStatus) (bool, error)
	SetEstimatedDelivery(ctx context.Context, id int64, date time.Time) (bool, error)
	Delete(ctx context.Context, id int64) error
	AppendEvent(ctx context.Context, event *entity.OrderEvent) error
	ListEvents(ctx context.Context, orderID int64) ([]entity.OrderEvent, error)
}

// Repository encapsulates read/write access for orders.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
	}
}

// lockRow appends a row lock to a select inside a write transaction. SQLite
// serializes writers on its own and does not accept FOR UPDATE, so the clause
// is skipped on that dialect.
func (r *Repository) lockRow(q *bun.SelectQuery) *bun.SelectQuery {
	if r.writer.Dialect().Name() == dialect.SQLite {
		return q
	}
	return q.For("UPDATE")
}

// NextOrderNumber atomically increments the order counter and formats the
// result. The counter row is locked for the duration of the transaction, so
// concurrent creations can never observe the same value. A missing counter
// row is bootstrapped from the highest issued number.
func (r *Repository) NextOrderNumber(ctx context.Context) (string, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.NextOrderNumber")
	defer span.End()

	var number string
	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := new(counter)
		err := r.lockRow(tx.NewSelect().Model(row).
			Where("name = ?", orderCounterName)).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			seed, seedErr := highestIssuedNumber(ctx, tx)
			if seedErr != nil {
				return seedErr
			}
			row.Name = orderCounterName
			row.Value = seed
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return fmt.Errorf("bootstrap order counter: %w", err)
			}
		case err != nil:
			return err
		}

		row.Value++
		if _, err := tx.NewUpdate().Model(row).
			Set("value = ?", row.Value).
			Where("name = ?", orderCounterName).
			Exec(ctx); err != nil {
			return fmt.Errorf("advance order counter: %w", err)
		}

		number = FormatOrderNumber(row.Value)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "counter update failed")
		return "", err
	}

	span.SetAttributes(attribute.String("order.number", number))
	return number, nil
}

func highestIssuedNumber(ctx context.Context, tx bun.Tx) (int64, error) {
	var latest string
	err := tx.NewSelect().Model((*entity.Order)(nil)).
		Column("number").
		OrderExpr("number DESC").
		Limit(1).
		Scan(ctx, &latest)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ParseOrderNumber(latest)
}

// CreateWithItems persists the order header and all line items in a single
// transaction. Either everything is stored or nothing is.
func (r *Repository) CreateWithItems(ctx context.Context, order *entity.Order, items []*entity.OrderItem) error {
	if order == nil {
		return errors.New("nil order")
	}
	if len(items) == 0 {
		return errors.New("order requires at least one line item")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.CreateWithItems", trace.WithAttributes(attribute.String("order.number", order.Number)))
	defer span.End()

	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert order header: %w", err)
		}
		for _, item := range items {
			item.OrderID = order.ID
		}
		if _, err := tx.NewInsert().Model(&items).Exec(ctx); err != nil {
			return fmt.Errorf("insert order items: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return err
	}
	order.Items = items
	return nil
}

// GetByID fetches an order with its items using the read replica when
// available.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.GetByID", trace.WithAttributes(attribute.Int64("order.id", id)))
	defer span.End()

	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).
		Relation("Items").
		Where("id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// GetByNumber fetches an order by its human-readable number.
func (r *Repository) GetByNumber(ctx context.Context, number string) (*entity.Order, error) {
	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).
		Relation("Items").
		Where("number = ?", number).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetByPaymentReference is the webhook join key lookup. The reference is
// unique per order, so at most one row matches.
func (r *Repository) GetByPaymentReference(ctx context.Context, reference string) (*entity.Order, error) {
	if reference == "" {
		return nil, ErrNotFound
	}
	order := new(entity.Order)
	err := r.reader.NewSelect().Model(order).
		Where("payment_reference = ?", reference).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// SetPaymentInitiated records the gateway reference on a still-pending
// order. The status predicate closes the race against concurrent state
// changes; callers inspect the returned flag.
func (r *Repository) SetPaymentInitiated(ctx context.Context, id int64, reference, gatewayName string) (bool, error) {
	res, err := r.writer.NewUpdate().Model((*entity.Order)(nil)).
		Set("payment_status = ?", entity.PaymentInitiated).
		Set("payment_reference = ?", reference).
		Set("payment_gateway = ?", gatewayName).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", entity.OrderPending).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ApplyPaymentOutcome performs the transactional read-check-write shared by
// both confirmation paths. It returns false without mutating when the
// current payment status is already terminal, which makes duplicate webhook
// delivery and the sync/async race benign.
func (r *Repository) ApplyPaymentOutcome(ctx context.Context, id int64, payment entity.PaymentStatus, status entity.OrderStatus, reference string) (bool, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.ApplyPaymentOutcome", trace.WithAttributes(
		attribute.Int64("order.id", id),
		attribute.String("payment.status", string(payment)),
	))
	defer span.End()

	applied := false
	err := r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current := new(entity.Order)
		err := r.lockRow(tx.NewSelect().Model(current).
			Where("id = ?", id)).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if current.PaymentStatus.Terminal() {
			return nil
		}

		update := tx.NewUpdate().Model((*entity.Order)(nil)).
			Set("payment_status = ?", payment).
			Set("status = ?", status).
			Set("updated_at = ?", time.Now().UTC()).
			Where("id = ?", id)
		if reference != "" {
			update = update.Set("payment_reference = ?", reference)
		}
		if _, err := update.Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome write failed")
		return false, err
	}

	span.SetAttributes(attribute.Bool("order.outcome_applied", applied))
	return applied, nil
}

// UpdateStatus moves the fulfillment status with an optimistic predicate on
// the expected current value.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, from, to entity.OrderStatus) (bool, error) {
	res, err := r.writer.NewUpdate().Model((*entity.Order)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", from).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SetEstimatedDelivery stamps the delivery estimate on a non-terminal order.
func (r *Repository) SetEstimatedDelivery(ctx context.Context, id int64, date time.Time) (bool, error) {
	res, err := r.writer.NewUpdate().Model((*entity.Order)(nil)).
		Set("estimated_delivery = ?", date).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status NOT IN (?)", bun.In([]entity.OrderStatus{entity.OrderDelivered, entity.OrderCancelled})).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// Delete removes the order together with its line items and events.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	return r.writer.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*entity.OrderEvent)(nil)).Where("order_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*entity.OrderItem)(nil)).Where("order_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model((*entity.Order)(nil)).Where("id = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendEvent inserts one audit timeline entry. Callers treat failures as
// soft; the primary state transition must not depend on this write.
func (r *Repository) AppendEvent(ctx context.Context, event *entity.OrderEvent) error {
	if event == nil {
		return errors.New("nil event")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := r.writer.NewInsert().Model(event).Exec(ctx)
	return err
}

// ListEvents returns the audit timeline in insertion order.
func (r *Repository) ListEvents(ctx context.Context, orderID int64) ([]entity.OrderEvent, error) {
	var events []entity.OrderEvent
	err := r.reader.NewSelect().Model(&events).
		Where("order_id = ?", orderID).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return events, nil
}
