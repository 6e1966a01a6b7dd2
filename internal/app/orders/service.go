package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	"github.com/ArpitTailong/food-express-sub001/internal/lock"
	"github.com/ArpitTailong/food-express-sub001/internal/metrics"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/inbox_repo"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/order_repo"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/outbox_repo"
)

// ErrOrderConflict is a retryable conflict: another operation holds the
// order's lock right now.
var ErrOrderConflict = errors.New("order is being processed by another request")

type Locker interface {
	Acquire(ctx context.Context, resource string) (*lock.Token, error)
	Release(ctx context.Context, token *lock.Token) error
}

type OrderService interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error)
	Checkout(ctx context.Context, req *CheckoutRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*OrderResponse, error)
	GetOrdersByCustomer(ctx context.Context, customerID string) ([]*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID, reason, actor string) (*OrderResponse, error)
	RateOrder(ctx context.Context, req *RateOrderRequest) (*OrderResponse, error)

	MarkPreparing(ctx context.Context, orderID string) (*OrderResponse, error)
	MarkReadyForPickup(ctx context.Context, orderID string) (*OrderResponse, error)
	MarkOutForDelivery(ctx context.Context, orderID, driverID string) (*OrderResponse, error)
	MarkDelivered(ctx context.Context, orderID string) (*OrderResponse, error)

	ProcessPaymentCompletedEvent(ctx context.Context, event *domain.PaymentEvent, rawPayload []byte) error
	ProcessPaymentFailedEvent(ctx context.Context, event *domain.PaymentEvent, rawPayload []byte) error

	FlagStuckOrders(ctx context.Context, olderThan time.Time) (int, error)
}

type orderService struct {
	db         *sql.DB
	orderRepo  order_repo.OrderRepository
	inboxRepo  inbox_repo.InboxRepository
	outboxRepo outbox_repo.OutboxRepository
	locker     Locker
	topic      string
	sink       metrics.Sink
	logger     *zap.Logger
}

func NewOrderService(
	db *sql.DB,
	orderRepo order_repo.OrderRepository,
	inboxRepo inbox_repo.InboxRepository,
	outboxRepo outbox_repo.OutboxRepository,
	locker Locker,
	topic string,
	sink metrics.Sink,
	logger *zap.Logger,
) OrderService {
	return &orderService{
		db:         db,
		orderRepo:  orderRepo,
		inboxRepo:  inboxRepo,
		outboxRepo: outboxRepo,
		locker:     locker,
		topic:      topic,
		sink:       sink,
		logger:     logger,
	}
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}

func (s *orderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	items := make([]domain.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = domain.OrderItem{
			ID:                  uuid.NewString(),
			MenuItemID:          it.MenuItemID,
			Name:                it.Name,
			UnitPrice:           it.UnitPrice,
			Quantity:            it.Quantity,
			SpecialInstructions: it.SpecialInstructions,
		}
	}
	address := domain.DeliveryAddress{
		Street:     req.Address.Street,
		City:       req.Address.City,
		PostalCode: req.Address.PostalCode,
		Latitude:   req.Address.Latitude,
		Longitude:  req.Address.Longitude,
		Notes:      req.Address.Notes,
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	order, err := domain.NewOrder(req.CustomerID, req.RestaurantID, items, address, req.Currency, correlationID)
	if err != nil {
		return nil, err
	}
	order.ID = uuid.NewString()

	if req.TipAmount != nil {
		if err := order.SetTip(*req.TipAmount); err != nil {
			return nil, err
		}
	}
	if req.DiscountAmount != nil {
		if err := order.ApplyDiscount(req.CouponCode, *req.DiscountAmount); err != nil {
			return nil, err
		}
	}

	if err := s.runInTx(ctx, func(tx *sql.Tx) error {
		if err := s.orderRepo.CreateTx(ctx, tx, order); err != nil {
			return err
		}
		return s.writeEventTx(ctx, tx, order, domain.EventOrderCreated, "")
	}); err != nil {
		s.logger.Error("Failed to create order", zap.Error(err))
		return nil, err
	}

	s.sink.Increment("orders_created", nil)
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("customer_id", order.CustomerID),
		zap.String("total", order.TotalAmount.String()))

	return responseFromOrder(order), nil
}

// Checkout freezes the order and asks the payments service to charge it by
// publishing PaymentRequested.
func (s *orderService) Checkout(ctx context.Context, req *CheckoutRequest) (*OrderResponse, error) {
	return s.lockedTransition(ctx, req.OrderID, func(o *domain.Order) (string, error) {
		if err := o.StartCheckout(req.PaymentMethod); err != nil {
			return "", err
		}
		return domain.EventPaymentRequested, nil
	}, req.GatewayToken)
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByIDTx(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	return responseFromOrder(order), nil
}

func (s *orderService) GetOrdersByCustomer(ctx context.Context, customerID string) ([]*OrderResponse, error) {
	orders, err := s.orderRepo.GetByCustomerIDTx(ctx, s.db, customerID)
	if err != nil {
		return nil, err
	}
	responses := make([]*OrderResponse, len(orders))
	for i, o := range orders {
		responses[i] = responseFromOrder(o)
	}
	return responses, nil
}

func (s *orderService) CancelOrder(ctx context.Context, orderID, reason, actor string) (*OrderResponse, error) {
	resp, err := s.lockedTransition(ctx, orderID, func(o *domain.Order) (string, error) {
		if err := o.Cancel(reason, actor); err != nil {
			return "", err
		}
		return domain.EventOrderCancelled, nil
	}, "")
	if err != nil {
		return nil, err
	}
	s.sink.Increment("orders_cancelled", map[string]string{"actor": actor})
	return resp, nil
}

func (s *orderService) RateOrder(ctx context.Context, req *RateOrderRequest) (*OrderResponse, error) {
	order, err := s.orderRepo.GetByIDTx(ctx, s.db, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := order.Rate(req.RestaurantRating, req.DriverRating, req.Feedback); err != nil {
		return nil, err
	}
	if err := s.runInTx(ctx, func(tx *sql.Tx) error {
		return s.orderRepo.UpdateTx(ctx, tx, order)
	}); err != nil {
		return nil, err
	}
	return responseFromOrder(order), nil
}

func (s *orderService) MarkPreparing(ctx context.Context, orderID string) (*OrderResponse, error) {
	return s.lockedTransition(ctx, orderID, func(o *domain.Order) (string, error) {
		if err := o.MarkPreparing(); err != nil {
			return "", err
		}
		return domain.EventOrderPreparing, nil
	}, "")
}

func (s *orderService) MarkReadyForPickup(ctx context.Context, orderID string) (*OrderResponse, error) {
	return s.lockedTransition(ctx, orderID, func(o *domain.Order) (string, error) {
		if err := o.MarkReadyForPickup(); err != nil {
			return "", err
		}
		return domain.EventOrderReady, nil
	}, "")
}

func (s *orderService) MarkOutForDelivery(ctx context.Context, orderID, driverID string) (*OrderResponse, error) {
	return s.lockedTransition(ctx, orderID, func(o *domain.Order) (string, error) {
		if err := o.MarkOutForDelivery(driverID); err != nil {
			return "", err
		}
		return domain.EventOrderOutForDelivery, nil
	}, "")
}

func (s *orderService) MarkDelivered(ctx context.Context, orderID string) (*OrderResponse, error) {
	resp, err := s.lockedTransition(ctx, orderID, func(o *domain.Order) (string, error) {
		if err := o.MarkDelivered(); err != nil {
			return "", err
		}
		return domain.EventOrderDelivered, nil
	}, "")
	if err != nil {
		return nil, err
	}
	s.sink.Increment("orders_delivered", nil)
	return resp, nil
}

// lockedTransition serializes a state change on one order: acquire the
// order lock, re-read under FOR UPDATE, apply, persist with the version
// check, and write the event in the same transaction.
func (s *orderService) lockedTransition(ctx context.Context, orderID string, apply func(*domain.Order) (string, error), gatewayToken string) (*OrderResponse, error) {
	token, err := s.locker.Acquire(ctx, orderLockKey(orderID))
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			return nil, ErrOrderConflict
		}
		return nil, err
	}
	defer s.releaseLock(ctx, token)

	var order *domain.Order
	err = s.runInTx(ctx, func(tx *sql.Tx) error {
		order, err = s.orderRepo.GetByIDForUpdateTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		eventType, err := apply(order)
		if err != nil {
			var ist *domain.InvalidStateTransitionError
			if errors.As(err, &ist) {
				s.logger.Error("Illegal order transition attempted", zap.String("order_id", orderID), zap.Error(err))
			}
			return err
		}
		if err := s.orderRepo.UpdateTx(ctx, tx, order); err != nil {
			return err
		}
		return s.writeEventTx(ctx, tx, order, eventType, gatewayToken)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order transitioned",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)))
	return responseFromOrder(order), nil
}

// ProcessPaymentCompletedEvent confirms the order after a successful
// payment. Redelivered events are dropped by the inbox; an order already
// past PAYMENT_PENDING is a successful no-op and emits nothing.
func (s *orderService) ProcessPaymentCompletedEvent(ctx context.Context, event *domain.PaymentEvent, rawPayload []byte) error {
	if duplicate, err := s.recordInbox(ctx, event, rawPayload); err != nil || duplicate {
		return err
	}

	err := s.applyPaymentOutcome(ctx, event.OrderID, func(o *domain.Order) (bool, string, error) {
		applied, err := o.ConfirmAfterPayment(event.PaymentID)
		return applied, domain.EventOrderConfirmed, err
	})
	if err != nil {
		return err
	}
	return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
}

func (s *orderService) ProcessPaymentFailedEvent(ctx context.Context, event *domain.PaymentEvent, rawPayload []byte) error {
	if duplicate, err := s.recordInbox(ctx, event, rawPayload); err != nil || duplicate {
		return err
	}

	reason := event.ErrorMessage
	if reason == "" {
		reason = "payment failed"
	}
	err := s.applyPaymentOutcome(ctx, event.OrderID, func(o *domain.Order) (bool, string, error) {
		applied, err := o.FailAfterPayment(event.PaymentID, reason)
		return applied, domain.EventOrderFailed, err
	})
	if err != nil {
		return err
	}
	return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
}

func (s *orderService) applyPaymentOutcome(ctx context.Context, orderID string, apply func(*domain.Order) (bool, string, error)) error {
	token, err := s.locker.Acquire(ctx, orderLockKey(orderID))
	if err != nil {
		// Leave the offset uncommitted; the event will be redelivered.
		return err
	}
	defer s.releaseLock(ctx, token)

	return s.runInTx(ctx, func(tx *sql.Tx) error {
		order, err := s.orderRepo.GetByIDForUpdateTx(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				s.logger.Warn("Payment event for unknown order, ignoring", zap.String("order_id", orderID))
				return nil
			}
			return err
		}

		applied, eventType, err := apply(order)
		if err != nil {
			return err
		}
		if !applied {
			s.logger.Info("Order already past PAYMENT_PENDING, payment event is a no-op",
				zap.String("order_id", orderID),
				zap.String("status", string(order.Status)))
			return nil
		}

		if err := s.orderRepo.UpdateTx(ctx, tx, order); err != nil {
			return err
		}
		s.logger.Info("Order updated from payment event",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return s.writeEventTx(ctx, tx, order, eventType, "")
	})
}

// FlagStuckOrders counts orders sitting too long in mid-flight states; they
// are logged and surfaced as a metric for operator intervention.
func (s *orderService) FlagStuckOrders(ctx context.Context, olderThan time.Time) (int, error) {
	stuck, err := s.orderRepo.FindStuck(ctx, s.db, []domain.OrderStatus{
		domain.OrderStatusPaymentPending,
		domain.OrderStatusConfirmed,
		domain.OrderStatusPreparing,
	}, olderThan, 100)
	if err != nil {
		return 0, err
	}
	for _, o := range stuck {
		s.logger.Warn("Order stuck in non-terminal state",
			zap.String("order_id", o.ID),
			zap.String("status", string(o.Status)),
			zap.Time("updated_at", o.UpdatedAt))
		s.sink.Increment("orders_stuck", map[string]string{"status": string(o.Status)})
	}
	return len(stuck), nil
}

func (s *orderService) recordInbox(ctx context.Context, event *domain.PaymentEvent, rawPayload []byte) (duplicate bool, err error) {
	msg := &domain.InboxMessage{
		ID:          event.EventID,
		AggregateID: event.OrderID,
		EventType:   event.EventType,
		Payload:     rawPayload,
		Status:      domain.InboxStatusNew,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := s.inboxRepo.CreateMessageTx(ctx, s.db, msg); err != nil {
		if errors.Is(err, domain.ErrMessageAlreadyProcessed) {
			s.logger.Info("Payment event already processed, skipping",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType))
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *orderService) finishInbox(ctx context.Context, eventID string, status domain.InboxMessageStatus) error {
	if err := s.inboxRepo.UpdateStatusTx(ctx, s.db, eventID, status); err != nil {
		s.logger.Error("Failed to update inbox message status",
			zap.String("event_id", eventID), zap.Error(err))
		return err
	}
	return nil
}

func (s *orderService) writeEventTx(ctx context.Context, tx *sql.Tx, o *domain.Order, eventType, gatewayToken string) error {
	event := domain.OrderEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		RestaurantID:  o.RestaurantID,
		DriverID:      o.DriverID,
		Status:        string(o.Status),
		TotalAmount:   o.TotalAmount.String(),
		Currency:      o.Currency,
		PaymentID:     o.PaymentID,
		PaymentMethod: o.PaymentMethod,
		GatewayToken:  gatewayToken,
		Version:       o.Version,
		CorrelationID: o.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	if eventType == domain.EventOrderCancelled {
		event.Reason = o.CancelReason
	}
	if eventType == domain.EventOrderFailed {
		event.Reason = o.FailureReason
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	msg := &domain.OutboxMessage{
		ID:            event.EventID,
		AggregateID:   o.ID,
		AggregateType: "order",
		MessageType:   eventType,
		Topic:         s.topic,
		Key:           o.ID,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.outboxRepo.CreateMessageTx(ctx, tx, msg); err != nil {
		return fmt.Errorf("failed to create outbox message for %s: %w", eventType, err)
	}
	return nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *orderService) releaseLock(ctx context.Context, token *lock.Token) {
	if err := s.locker.Release(ctx, token); err != nil {
		s.logger.Error("Failed to release lock", zap.String("key", token.Key), zap.Error(err))
	}
}

func responseFromOrder(o *domain.Order) *OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			MenuItemID:          it.MenuItemID,
			Name:                it.Name,
			UnitPrice:           it.UnitPrice.String(),
			Quantity:            it.Quantity,
			TotalPrice:          it.TotalPrice.String(),
			SpecialInstructions: it.SpecialInstructions,
		}
	}
	return &OrderResponse{
		ID:               o.ID,
		CustomerID:       o.CustomerID,
		RestaurantID:     o.RestaurantID,
		DriverID:         o.DriverID,
		Items:            items,
		Subtotal:         o.Subtotal.String(),
		DeliveryFee:      o.DeliveryFee.String(),
		TaxAmount:        o.TaxAmount.String(),
		DiscountAmount:   o.DiscountAmount.String(),
		TipAmount:        o.TipAmount.String(),
		TotalAmount:      o.TotalAmount.String(),
		Currency:         o.Currency,
		Status:           string(o.Status),
		PaymentID:        o.PaymentID,
		PaymentStatus:    o.PaymentStatus,
		CancelReason:     o.CancelReason,
		FailureReason:    o.FailureReason,
		RestaurantRating: o.RestaurantRating,
		DriverRating:     o.DriverRating,
		CorrelationID:    o.CorrelationID,
	}
}
