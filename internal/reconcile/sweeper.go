package reconcile

import (
	"context"
	"database/sql"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	"github.com/ArpitTailong/food-express-sub001/internal/metrics"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/payments_repo"
)

const sweepBatchSize = 50

// PaymentFixer is the slice of the payment service the sweeper drives.
type PaymentFixer interface {
	FailTimedOutPayment(ctx context.Context, paymentID string) error
	RetryDuePayment(ctx context.Context, paymentID string) error
}

// PaymentSweeper periodically reconciles payments: PROCESSING rows stuck
// past the timeout are forced to FAILED, and FAILED rows whose exponential
// backoff has elapsed are retried. Each payment is handled independently so
// one failure does not abort the sweep.
type PaymentSweeper struct {
	db           *sql.DB
	paymentRepo  payments_repo.PaymentRepository
	fixer        PaymentFixer
	interval     time.Duration
	stuckTimeout time.Duration
	sink         metrics.Sink
	logger       *zap.Logger
}

func NewPaymentSweeper(
	db *sql.DB,
	paymentRepo payments_repo.PaymentRepository,
	fixer PaymentFixer,
	interval time.Duration,
	stuckTimeout time.Duration,
	sink metrics.Sink,
	logger *zap.Logger,
) *PaymentSweeper {
	return &PaymentSweeper{
		db:           db,
		paymentRepo:  paymentRepo,
		fixer:        fixer,
		interval:     interval,
		stuckTimeout: stuckTimeout,
		sink:         sink,
		logger:       logger,
	}
}

// Start blocks until ctx is cancelled.
func (s *PaymentSweeper) Start(ctx context.Context) {
	s.logger.Info("Starting payment reconciliation sweeper", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Payment reconciliation sweeper stopping.")
			return
		case <-ticker.C:
			s.sweepStuckPayments(ctx)
			s.sweepRetryablePayments(ctx)
		}
	}
}

func (s *PaymentSweeper) sweepStuckPayments(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.stuckTimeout)
	stuck, err := s.paymentRepo.FindStuckProcessing(ctx, s.db, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to query stuck payments", zap.Error(err))
		return
	}
	for _, p := range stuck {
		if err := s.fixer.FailTimedOutPayment(ctx, p.ID); err != nil {
			s.logger.Error("Failed to time out stuck payment",
				zap.String("payment_id", p.ID),
				zap.Error(err))
			continue
		}
		s.sink.Increment("reconcile_payment_timeouts", nil)
		s.logger.Warn("Stuck payment forced to FAILED",
			zap.String("payment_id", p.ID),
			zap.String("order_id", p.OrderID),
			zap.Time("processing_since", p.UpdatedAt))
	}
}

func (s *PaymentSweeper) sweepRetryablePayments(ctx context.Context) {
	retryable, err := s.paymentRepo.FindRetryable(ctx, s.db, domain.MaxPaymentAttempts, sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to query retryable payments", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, p := range retryable {
		if now.Sub(p.UpdatedAt) < backoffInterval(p.AttemptCount) {
			continue
		}
		if err := s.fixer.RetryDuePayment(ctx, p.ID); err != nil {
			s.logger.Warn("Scheduled payment retry did not succeed",
				zap.String("payment_id", p.ID),
				zap.Int("attempt", p.AttemptCount),
				zap.Error(err))
			continue
		}
		s.sink.Increment("reconcile_payment_retries", nil)
	}
}

// backoffInterval is 2^attemptCount minutes.
func backoffInterval(attemptCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(attemptCount))) * time.Minute
}

// OrderFlagger is the slice of the order service the order sweeper drives.
type OrderFlagger interface {
	FlagStuckOrders(ctx context.Context, olderThan time.Time) (int, error)
}

// OrderSweeper flags orders sitting too long in mid-flight states.
type OrderSweeper struct {
	flagger      OrderFlagger
	interval     time.Duration
	stuckTimeout time.Duration
	logger       *zap.Logger
}

func NewOrderSweeper(flagger OrderFlagger, interval, stuckTimeout time.Duration, logger *zap.Logger) *OrderSweeper {
	return &OrderSweeper{
		flagger:      flagger,
		interval:     interval,
		stuckTimeout: stuckTimeout,
		logger:       logger,
	}
}

func (s *OrderSweeper) Start(ctx context.Context) {
	s.logger.Info("Starting order reconciliation sweeper", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Order reconciliation sweeper stopping.")
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.stuckTimeout)
			count, err := s.flagger.FlagStuckOrders(ctx, cutoff)
			if err != nil {
				s.logger.Error("Failed to flag stuck orders", zap.Error(err))
				continue
			}
			if count > 0 {
				s.logger.Warn("Stuck orders flagged for intervention", zap.Int("count", count))
			}
		}
	}
}
