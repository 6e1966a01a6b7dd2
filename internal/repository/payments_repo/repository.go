package payments_repo

import (
	"context"
	"time"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

type PaymentRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error
	GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error)
	// GetByIDForUpdateTx takes a row lock; must run inside a transaction.
	GetByIDForUpdateTx(ctx context.Context, querier domain.Querier, id string) (*domain.Payment, error)
	GetByOrderIDTx(ctx context.Context, querier domain.Querier, orderID string) (*domain.Payment, error)
	GetByIdempotencyKeyTx(ctx context.Context, querier domain.Querier, key string) (*domain.Payment, error)
	// UpdateTx compares-and-increments the version column; a concurrent
	// writer surfaces as domain.ErrVersionConflict.
	UpdateTx(ctx context.Context, querier domain.Querier, payment *domain.Payment) error
	FindStuckProcessing(ctx context.Context, querier domain.Querier, olderThan time.Time, limit int) ([]*domain.Payment, error)
	FindRetryable(ctx context.Context, querier domain.Querier, maxAttempts int, limit int) ([]*domain.Payment, error)
}
