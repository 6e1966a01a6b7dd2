package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrBreakerOpen short-circuits gateway calls during the cool-down window.
var ErrBreakerOpen = errors.New("payment gateway circuit breaker is open")

// BreakerGateway wraps a PaymentGateway with a circuit breaker. Only
// transport errors trip the breaker; a declined card is a valid answer from
// a healthy gateway.
type BreakerGateway struct {
	inner   PaymentGateway
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewBreakerGateway(inner PaymentGateway, failureThreshold uint32, cooldown time.Duration, logger *zap.Logger) *BreakerGateway {
	settings := gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Gateway circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerGateway{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (b *BreakerGateway) Charge(ctx context.Context, token string, amount decimal.Decimal, currency string) (*ChargeResult, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Charge(ctx, token, amount, currency)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrBreakerOpen
		}
		return nil, err
	}
	return res.(*ChargeResult), nil
}

func (b *BreakerGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Refund(ctx, transactionID, amount)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, ErrBreakerOpen
		}
		return nil, err
	}
	return res.(*RefundResult), nil
}
