package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	kafka_infra "github.com/ArpitTailong/food-express-sub001/internal/infrastructure/kafka"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/outbox_repo"
)

const batchSize = 10

// Processor drains pending outbox rows to Kafka on a fixed interval. Each
// message is handled in its own transaction so one poison row cannot wedge
// the rest of the batch.
type Processor struct {
	db           *sql.DB
	outboxRepo   outbox_repo.OutboxRepository
	producer     kafka_infra.Producer
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *zap.Logger
}

func NewProcessor(
	db *sql.DB,
	outboxRepo outbox_repo.OutboxRepository,
	producer kafka_infra.Producer,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		db:           db,
		outboxRepo:   outboxRepo,
		producer:     producer,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		logger:       logger,
	}
}

// Start blocks until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopping.")
			return
		case <-ticker.C:
			p.processOutboxMessages(ctx)
		}
	}
}

func (p *Processor) processOutboxMessages(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	messages, err := p.outboxRepo.GetPendingMessages(queryCtx, p.db, batchSize)
	if err != nil {
		if err == sql.ErrNoRows {
			return
		}
		p.logger.Error("Failed to get pending outbox messages", zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}

	p.logger.Debug("Found pending outbox messages", zap.Int("count", len(messages)))

	for _, msg := range messages {
		headers := []kafka.Header{
			{Key: "event_type", Value: []byte(msg.MessageType)},
			{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
		}
		if err := p.producer.Produce(ctx, msg.Topic, msg.Key, msg.Payload, headers...); err != nil {
			p.logger.Error("Failed to send outbox message to Kafka",
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Error(err))
			continue
		}

		if err := p.outboxRepo.UpdateMessageStatusTx(ctx, p.db, msg.ID, domain.OutboxStatusSent); err != nil {
			// The message may be sent twice on the next sweep; consumers
			// dedup by event id.
			p.logger.Error("Failed to mark outbox message as SENT",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			continue
		}

		p.logger.Debug("Outbox message published",
			zap.String("message_id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("event_type", msg.MessageType))
	}
}
