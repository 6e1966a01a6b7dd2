package order_repo

import (
	"context"
	"time"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

type OrderRepository interface {
	CreateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error
	GetByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error)
	// GetByIDForUpdateTx takes a row lock; must run inside a transaction.
	GetByIDForUpdateTx(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error)
	GetByCustomerIDTx(ctx context.Context, querier domain.Querier, customerID string) ([]*domain.Order, error)
	// UpdateTx compares-and-increments the version column; a concurrent
	// writer surfaces as domain.ErrVersionConflict. Items are not rewritten:
	// they are immutable once the order leaves PENDING.
	UpdateTx(ctx context.Context, querier domain.Querier, order *domain.Order) error
	ReplaceItemsTx(ctx context.Context, querier domain.Querier, order *domain.Order) error
	FindStuck(ctx context.Context, querier domain.Querier, statuses []domain.OrderStatus, olderThan time.Time, limit int) ([]*domain.Order, error)
}
