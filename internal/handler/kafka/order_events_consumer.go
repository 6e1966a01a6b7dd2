package kafka

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/app/payments"
	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	kafka_infra "github.com/ArpitTailong/food-express-sub001/internal/infrastructure/kafka"
)

// OrderEventsHandler is the payments-side saga consumer: checkout triggers
// a charge, cancellation triggers the compensating refund. Other order
// lifecycle events on the topic are skipped.
func OrderEventsHandler(service payments.PaymentService, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafkago.Message) error {
		var event domain.OrderEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// A malformed message never gets better; commit past it.
			logger.Error("Error unmarshalling order event, skipping",
				zap.Error(err),
				zap.String("raw_message", string(msg.Value)))
			return nil
		}

		logger.Info("Received order event",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.String("order_id", event.OrderID))

		switch event.EventType {
		case domain.EventPaymentRequested:
			return service.ProcessPaymentRequestedEvent(ctx, &event, msg.Value)
		case domain.EventOrderCancelled:
			return service.ProcessOrderCancelledEvent(ctx, &event, msg.Value)
		default:
			return nil
		}
	}
}
