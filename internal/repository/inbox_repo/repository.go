package inbox_repo

import (
	"context"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

type InboxRepository interface {
	// CreateMessageTx inserts the event record; a duplicate event id returns
	// domain.ErrMessageAlreadyProcessed so consumers can no-op.
	CreateMessageTx(ctx context.Context, querier domain.Querier, msg *domain.InboxMessage) error
	UpdateStatusTx(ctx context.Context, querier domain.Querier, id string, status domain.InboxMessageStatus) error
}
