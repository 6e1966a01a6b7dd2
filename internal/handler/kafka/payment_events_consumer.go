package kafka

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/app/orders"
	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	kafka_infra "github.com/ArpitTailong/food-express-sub001/internal/infrastructure/kafka"
)

// PaymentEventsHandler is the orders-side saga consumer: a completed
// payment confirms the order and a failed one fails it.
func PaymentEventsHandler(service orders.OrderService, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafkago.Message) error {
		var event domain.PaymentEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("Error unmarshalling payment event, skipping",
				zap.Error(err),
				zap.String("raw_message", string(msg.Value)))
			return nil
		}

		logger.Info("Received payment event",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.String("order_id", event.OrderID),
			zap.String("status", event.Status))

		switch event.EventType {
		case domain.EventPaymentCompleted:
			return service.ProcessPaymentCompletedEvent(ctx, &event, msg.Value)
		case domain.EventPaymentFailed:
			return service.ProcessPaymentFailedEvent(ctx, &event, msg.Value)
		default:
			return nil
		}
	}
}
