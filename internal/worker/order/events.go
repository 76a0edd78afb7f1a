package order

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/config"
	"github.com/craftline/ordercore/internal/messaging"
	ordersvc "github.com/craftline/ordercore/internal/service/order"
	"github.com/craftline/ordercore/internal/worker"
)

var workerTracer = otel.Tracer("github.com/craftline/ordercore/worker/order")

// Module registers order lifecycle worker handlers.
var Module = fx.Module("worker_order",
	fx.Provide(
		fx.Annotate(
			NewLifecycleHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)

// NewLifecycleHandler consumes order lifecycle events. This is where
// customer notification dispatch hangs off the order flow; failures here
// never affect the orders themselves.
func NewLifecycleHandler(logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	handler := func(ctx context.Context, msg messaging.Message) error {
		ctx, span := workerTracer.Start(ctx, "worker.orders.process", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
		))
		defer span.End()

		var event ordersvc.LifecycleEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode lifecycle event", zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return err
		}

		span.SetAttributes(attribute.String("order.event", event.Type))

		switch event.Type {
		case ordersvc.EventOrderCreated:
			logger.Info("order created",
				zap.Int64("id", event.OrderID),
				zap.String("number", event.Number),
				zap.Bool("awaiting_payment", event.PaymentStatus != ""),
			)
		case ordersvc.EventPaymentConfirmed:
			logger.Info("payment confirmed; notifying customer",
				zap.Int64("id", event.OrderID),
				zap.String("number", event.Number),
			)
		default:
			logger.Debug("ignoring lifecycle event",
				zap.String("type", event.Type),
				zap.Int64("id", event.OrderID),
			)
		}

		return nil
	}

	return worker.HandlerRegistration{
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: handler,
	}
}
