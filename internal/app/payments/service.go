package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/domain"
	"github.com/ArpitTailong/food-express-sub001/internal/gateway"
	"github.com/ArpitTailong/food-express-sub001/internal/idempotency"
	"github.com/ArpitTailong/food-express-sub001/internal/lock"
	"github.com/ArpitTailong/food-express-sub001/internal/metrics"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/inbox_repo"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/outbox_repo"
	"github.com/ArpitTailong/food-express-sub001/internal/repository/payments_repo"
)

var (
	// ErrRequestInFlight is the 409-equivalent for a duplicate request whose
	// first submission is still being processed.
	ErrRequestInFlight = errors.New("a request with this idempotency key is already in progress")

	// ErrServiceUnavailable is returned when the gateway cannot be reached
	// (transport failure or open circuit breaker). The idempotency marker is
	// cleared first so the client may retry with the same key.
	ErrServiceUnavailable = errors.New("payment gateway temporarily unavailable")

	// ErrPaymentConflict is a retryable conflict: the aggregate is locked by
	// another in-flight operation.
	ErrPaymentConflict = errors.New("payment is being processed by another request")

	ErrNotRefundable = errors.New("only successful payments can be refunded")
)

type IdempotencyGuard interface {
	Begin(ctx context.Context, key, payloadHash string) (idempotency.Outcome, []byte, error)
	Complete(ctx context.Context, key, payloadHash string, response []byte) error
	Abort(ctx context.Context, key string) error
}

type Locker interface {
	Acquire(ctx context.Context, resource string) (*lock.Token, error)
	Release(ctx context.Context, token *lock.Token) error
}

type PaymentService interface {
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error)
	RefundPayment(ctx context.Context, req *RefundPaymentRequest) (*PaymentResponse, error)
	RetryPayment(ctx context.Context, paymentID, newGatewayToken string) (*PaymentResponse, error)
	GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*PaymentResponse, error)

	ProcessPaymentRequestedEvent(ctx context.Context, event *domain.OrderEvent, rawPayload []byte) error
	ProcessOrderCancelledEvent(ctx context.Context, event *domain.OrderEvent, rawPayload []byte) error

	FailTimedOutPayment(ctx context.Context, paymentID string) error
	RetryDuePayment(ctx context.Context, paymentID string) error
}

type paymentService struct {
	db          *sql.DB
	paymentRepo payments_repo.PaymentRepository
	inboxRepo   inbox_repo.InboxRepository
	outboxRepo  outbox_repo.OutboxRepository
	guard       IdempotencyGuard
	locker      Locker
	gw          gateway.PaymentGateway
	topic       string
	sink        metrics.Sink
	logger      *zap.Logger
}

func NewPaymentService(
	db *sql.DB,
	paymentRepo payments_repo.PaymentRepository,
	inboxRepo inbox_repo.InboxRepository,
	outboxRepo outbox_repo.OutboxRepository,
	guard IdempotencyGuard,
	locker Locker,
	gw gateway.PaymentGateway,
	topic string,
	sink metrics.Sink,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		db:          db,
		paymentRepo: paymentRepo,
		inboxRepo:   inboxRepo,
		outboxRepo:  outboxRepo,
		guard:       guard,
		locker:      locker,
		gw:          gw,
		topic:       topic,
		sink:        sink,
		logger:      logger,
	}
}

func orderLockKey(orderID string) string {
	return "order:" + orderID
}

// errCodeGatewayUnavailable marks attempts that failed before reaching the
// gateway, as opposed to declines the gateway actually returned.
const errCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"

func (s *paymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error) {
	payloadHash := idempotency.HashPayload(req)

	outcome, cached, err := s.guard.Begin(ctx, req.IdempotencyKey, payloadHash)
	if err != nil {
		if errors.Is(err, idempotency.ErrPayloadMismatch) {
			return nil, &domain.ValidationError{Field: "idempotency_key", Reason: "key was already used with a different payload"}
		}
		return nil, err
	}
	switch outcome {
	case idempotency.OutcomeCompleted:
		var resp PaymentResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode cached payment response: %w", err)
		}
		s.logger.Info("Returning cached payment response for duplicate request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("payment_id", resp.ID))
		return &resp, nil
	case idempotency.OutcomeInProgress:
		return nil, ErrRequestInFlight
	}

	token, err := s.locker.Acquire(ctx, orderLockKey(req.OrderID))
	if err != nil {
		if abortErr := s.guard.Abort(ctx, req.IdempotencyKey); abortErr != nil {
			s.logger.Error("Failed to abort idempotency marker after lock failure",
				zap.String("idempotency_key", req.IdempotencyKey), zap.Error(abortErr))
		}
		if errors.Is(err, lock.ErrLockBusy) {
			return nil, ErrPaymentConflict
		}
		return nil, err
	}
	defer s.releaseLock(ctx, token)

	// The lock does not guarantee in-memory freshness; re-check persisted
	// state now that we hold it.
	existing, err := s.paymentRepo.GetByIdempotencyKeyTx(ctx, s.db, req.IdempotencyKey)
	if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, fmt.Errorf("failed to check for existing payment: %w", err)
	}
	if existing != nil {
		if resumed, err := s.resumeUnreachedCharge(ctx, existing, req, payloadHash); resumed != nil || err != nil {
			return resumed, err
		}
		resp := responseFromPayment(existing)
		s.completeGuard(ctx, req.IdempotencyKey, payloadHash, resp)
		return resp, nil
	}

	payment, err := domain.NewPayment(req.OrderID, req.CustomerID, req.IdempotencyKey,
		req.Amount, req.Currency, req.PaymentMethod, req.CorrelationID)
	if err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}
	payment.ID = uuid.NewString()
	payment.CardLastFour = req.CardLastFour
	payment.CardBrand = req.CardBrand
	if payment.CorrelationID == "" {
		payment.CorrelationID = uuid.NewString()
	}

	if err := payment.StartProcessing(req.GatewayToken); err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}

	if err := s.runInTx(ctx, func(tx *sql.Tx) error {
		if err := s.paymentRepo.CreateTx(ctx, tx, payment); err != nil {
			return err
		}
		return s.writeEventTx(ctx, tx, payment, domain.EventPaymentCreated)
	}); err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}

	s.sink.Increment("payment_attempts", map[string]string{"kind": "create"})

	return s.chargeAndSettle(ctx, payment, req.IdempotencyKey, payloadHash)
}

// resumeUnreachedCharge re-drives a payment whose earlier submission for the
// same idempotency key failed before the gateway was reached. A (nil, nil)
// return means the existing payment should be replayed as-is. The caller
// already holds the order lock.
func (s *paymentService) resumeUnreachedCharge(ctx context.Context, existing *domain.Payment, req *CreatePaymentRequest, payloadHash string) (*PaymentResponse, error) {
	if existing.Status != domain.PaymentStatusFailed ||
		existing.ErrorCode != errCodeGatewayUnavailable ||
		!existing.RetryEligible() {
		return nil, nil
	}

	var fresh *domain.Payment
	if err := s.runInTx(ctx, func(tx *sql.Tx) error {
		var err error
		fresh, err = s.paymentRepo.GetByIDForUpdateTx(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.PaymentStatusFailed || !fresh.RetryEligible() {
			fresh = nil
			return nil
		}
		if err := fresh.StartProcessing(req.GatewayToken); err != nil {
			return err
		}
		return s.paymentRepo.UpdateTx(ctx, tx, fresh)
	}); err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}
	if fresh == nil {
		return nil, nil
	}

	s.sink.Increment("payment_attempts", map[string]string{"kind": "resume"})
	s.logger.Info("Resuming payment that never reached the gateway",
		zap.String("payment_id", fresh.ID),
		zap.String("order_id", fresh.OrderID),
		zap.Int("attempt", fresh.AttemptCount))

	return s.chargeAndSettle(ctx, fresh, req.IdempotencyKey, payloadHash)
}

// chargeAndSettle runs the gateway call for a payment already persisted in
// PROCESSING and records the terminal outcome. idemKey may be empty when the
// attempt was not started by a guarded request (reconciliation retries).
func (s *paymentService) chargeAndSettle(ctx context.Context, payment *domain.Payment, idemKey, payloadHash string) (*PaymentResponse, error) {
	result, err := s.gw.Charge(ctx, payment.GatewayToken, payment.Amount, payment.Currency)
	if err != nil {
		return s.settleUnavailable(ctx, payment, idemKey, err)
	}

	switch result.Status {
	case gateway.ChargeStatusSuccess:
		if err := s.settleTransition(ctx, payment, func(p *domain.Payment) error {
			return p.MarkSuccess(result.TransactionID, result.ResponseCode)
		}, domain.EventPaymentCompleted); err != nil {
			return nil, err
		}
		s.sink.Increment("payment_success", nil)
		s.logger.Info("Payment charged successfully",
			zap.String("payment_id", payment.ID),
			zap.String("order_id", payment.OrderID),
			zap.String("transaction_id", result.TransactionID),
			zap.Int("attempt", payment.AttemptCount))
	default:
		// REQUIRES_ACTION from the gateway is recorded as a failed attempt:
		// there is no interactive 3DS flow on this path.
		if err := s.settleTransition(ctx, payment, func(p *domain.Payment) error {
			return p.MarkFailed(result.ErrorCode, result.ErrorMessage)
		}, domain.EventPaymentFailed); err != nil {
			return nil, err
		}
		s.sink.Increment("payment_failed", map[string]string{"code": result.ErrorCode})
		s.logger.Warn("Payment charge failed",
			zap.String("payment_id", payment.ID),
			zap.String("order_id", payment.OrderID),
			zap.String("error_code", result.ErrorCode),
			zap.Int("attempt", payment.AttemptCount))
	}

	resp := responseFromPayment(payment)
	if idemKey != "" {
		s.completeGuard(ctx, idemKey, payloadHash, resp)
	}
	return resp, nil
}

// settleUnavailable handles transport failures and an open breaker: the
// attempt is recorded as FAILED so the retry sweep can pick it up, and the
// idempotency marker is cleared so the client may resubmit the same key.
func (s *paymentService) settleUnavailable(ctx context.Context, payment *domain.Payment, idemKey string, cause error) (*PaymentResponse, error) {
	if errors.Is(cause, gateway.ErrBreakerOpen) {
		s.sink.Increment("gateway_breaker_short_circuit", nil)
	}
	if err := s.settleTransition(ctx, payment, func(p *domain.Payment) error {
		return p.MarkFailed(errCodeGatewayUnavailable, cause.Error())
	}, domain.EventPaymentFailed); err != nil {
		return nil, err
	}
	if idemKey != "" {
		s.abortGuard(ctx, idemKey)
	}
	s.logger.Warn("Gateway unavailable for payment",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.Error(cause))
	return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, cause)
}

// settleTransition applies a transition to the freshest row under FOR UPDATE
// and writes the matching outbox event in the same transaction.
func (s *paymentService) settleTransition(ctx context.Context, payment *domain.Payment, apply func(*domain.Payment) error, eventType string) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		fresh, err := s.paymentRepo.GetByIDForUpdateTx(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		if err := apply(fresh); err != nil {
			var ist *domain.InvalidStateTransitionError
			if errors.As(err, &ist) {
				s.logger.Error("Illegal payment transition attempted", zap.String("payment_id", fresh.ID), zap.Error(err))
			}
			return err
		}
		if err := s.paymentRepo.UpdateTx(ctx, tx, fresh); err != nil {
			return err
		}
		*payment = *fresh
		return s.writeEventTx(ctx, tx, fresh, eventType)
	})
}

func (s *paymentService) RefundPayment(ctx context.Context, req *RefundPaymentRequest) (*PaymentResponse, error) {
	payloadHash := idempotency.HashPayload(req)

	outcome, cached, err := s.guard.Begin(ctx, req.IdempotencyKey, payloadHash)
	if err != nil {
		if errors.Is(err, idempotency.ErrPayloadMismatch) {
			return nil, &domain.ValidationError{Field: "idempotency_key", Reason: "key was already used with a different payload"}
		}
		return nil, err
	}
	switch outcome {
	case idempotency.OutcomeCompleted:
		var resp PaymentResponse
		if err := json.Unmarshal(cached, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode cached refund response: %w", err)
		}
		return &resp, nil
	case idempotency.OutcomeInProgress:
		return nil, ErrRequestInFlight
	}

	payment, err := s.paymentRepo.GetByIDTx(ctx, s.db, req.PaymentID)
	if err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}

	token, err := s.locker.Acquire(ctx, orderLockKey(payment.OrderID))
	if err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		if errors.Is(err, lock.ErrLockBusy) {
			return nil, ErrPaymentConflict
		}
		return nil, err
	}
	defer s.releaseLock(ctx, token)

	// Re-read under the lock.
	payment, err = s.paymentRepo.GetByIDTx(ctx, s.db, req.PaymentID)
	if err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}
	if payment.Status == domain.PaymentStatusRefunded {
		resp := responseFromPayment(payment)
		s.completeGuard(ctx, req.IdempotencyKey, payloadHash, resp)
		return resp, nil
	}
	if payment.Status != domain.PaymentStatusSuccess {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, ErrNotRefundable
	}

	amount := payment.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if amount.GreaterThan(payment.Amount) {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, domain.ErrRefundExceedsCharge
	}

	refund, err := s.gw.Refund(ctx, payment.GatewayTransactionID, amount)
	if err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		if errors.Is(err, gateway.ErrBreakerOpen) || errors.Is(err, gateway.ErrGatewayUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		return nil, fmt.Errorf("gateway refund failed: %w", err)
	}

	if err := s.settleTransition(ctx, payment, func(p *domain.Payment) error {
		return p.MarkRefunded(refund.RefundID, amount, req.Reason)
	}, domain.EventPaymentRefunded); err != nil {
		s.abortGuard(ctx, req.IdempotencyKey)
		return nil, err
	}

	s.sink.Increment("payment_refunded", nil)
	s.logger.Info("Payment refunded",
		zap.String("payment_id", payment.ID),
		zap.String("refund_id", refund.RefundID),
		zap.String("amount", amount.String()))

	resp := responseFromPayment(payment)
	s.completeGuard(ctx, req.IdempotencyKey, payloadHash, resp)
	return resp, nil
}

func (s *paymentService) RetryPayment(ctx context.Context, paymentID, newGatewayToken string) (*PaymentResponse, error) {
	payment, err := s.paymentRepo.GetByIDTx(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}

	token, err := s.locker.Acquire(ctx, orderLockKey(payment.OrderID))
	if err != nil {
		if errors.Is(err, lock.ErrLockBusy) {
			return nil, ErrPaymentConflict
		}
		return nil, err
	}
	defer s.releaseLock(ctx, token)

	var fresh *domain.Payment
	if err := s.runInTx(ctx, func(tx *sql.Tx) error {
		fresh, err = s.paymentRepo.GetByIDForUpdateTx(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.PaymentStatusFailed {
			return &domain.InvalidStateTransitionError{Aggregate: "payment", From: string(fresh.Status), To: string(domain.PaymentStatusProcessing)}
		}
		if !fresh.RetryEligible() {
			return domain.ErrMaxRetriesExceeded
		}
		if err := fresh.StartProcessing(newGatewayToken); err != nil {
			return err
		}
		return s.paymentRepo.UpdateTx(ctx, tx, fresh)
	}); err != nil {
		return nil, err
	}

	s.sink.Increment("payment_attempts", map[string]string{"kind": "retry"})
	s.logger.Info("Retrying payment",
		zap.String("payment_id", fresh.ID),
		zap.Int("attempt", fresh.AttemptCount))

	return s.chargeAndSettle(ctx, fresh, "", "")
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID string) (*PaymentResponse, error) {
	payment, err := s.paymentRepo.GetByIDTx(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	return responseFromPayment(payment), nil
}

func (s *paymentService) GetPaymentByOrderID(ctx context.Context, orderID string) (*PaymentResponse, error) {
	payment, err := s.paymentRepo.GetByOrderIDTx(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	return responseFromPayment(payment), nil
}

// ProcessPaymentRequestedEvent reacts to an order checkout. The event id is
// recorded in the inbox and doubles as the idempotency key, so redelivery
// neither double-charges nor errors.
func (s *paymentService) ProcessPaymentRequestedEvent(ctx context.Context, event *domain.OrderEvent, rawPayload []byte) error {
	if duplicate, err := s.recordInbox(ctx, event, rawPayload); err != nil || duplicate {
		return err
	}

	amount, err := decimal.NewFromString(event.TotalAmount)
	if err != nil {
		s.logger.Error("PaymentRequested event carries a malformed amount",
			zap.String("event_id", event.EventID), zap.String("amount", event.TotalAmount))
		return s.finishInbox(ctx, event.EventID, domain.InboxStatusFailed)
	}

	_, err = s.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:        event.OrderID,
		CustomerID:     event.CustomerID,
		Amount:         amount,
		Currency:       event.Currency,
		PaymentMethod:  event.PaymentMethod,
		GatewayToken:   event.GatewayToken,
		IdempotencyKey: event.EventID,
		CorrelationID:  event.CorrelationID,
	})
	if err != nil {
		// Terminal gateway declines already produced a PaymentFailed event;
		// only transient failures should hold the offset for redelivery.
		if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrPaymentConflict) || errors.Is(err, ErrRequestInFlight) {
			return err
		}
		s.logger.Error("Failed to process PaymentRequested event",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		return s.finishInbox(ctx, event.EventID, domain.InboxStatusFailed)
	}
	return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
}

// ProcessOrderCancelledEvent is the compensating transaction: a cancelled
// order with a successful payment gets refunded.
func (s *paymentService) ProcessOrderCancelledEvent(ctx context.Context, event *domain.OrderEvent, rawPayload []byte) error {
	if duplicate, err := s.recordInbox(ctx, event, rawPayload); err != nil || duplicate {
		return err
	}

	payment, err := s.paymentRepo.GetByOrderIDTx(ctx, s.db, event.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			s.logger.Info("Cancelled order has no payment, nothing to refund",
				zap.String("order_id", event.OrderID))
			return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
		}
		return err
	}
	if payment.Status != domain.PaymentStatusSuccess {
		s.logger.Info("Cancelled order payment is not refundable",
			zap.String("order_id", event.OrderID),
			zap.String("payment_id", payment.ID),
			zap.String("status", string(payment.Status)))
		return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
	}

	reason := event.Reason
	if reason == "" {
		reason = "order cancelled"
	}
	_, err = s.RefundPayment(ctx, &RefundPaymentRequest{
		PaymentID:      payment.ID,
		Reason:         reason,
		IdempotencyKey: event.EventID,
	})
	if err != nil {
		if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrPaymentConflict) || errors.Is(err, ErrRequestInFlight) {
			return err
		}
		if errors.Is(err, ErrNotRefundable) {
			// Raced with another refund; already compensated.
			return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
		}
		s.logger.Error("Failed to refund payment for cancelled order",
			zap.String("order_id", event.OrderID),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		return s.finishInbox(ctx, event.EventID, domain.InboxStatusFailed)
	}
	return s.finishInbox(ctx, event.EventID, domain.InboxStatusProcessed)
}

// FailTimedOutPayment forces a stuck PROCESSING payment to FAILED(TIMEOUT).
// Used by the reconciliation sweep; takes the same lock as interactive
// requests and re-validates the status under it.
func (s *paymentService) FailTimedOutPayment(ctx context.Context, paymentID string) error {
	payment, err := s.paymentRepo.GetByIDTx(ctx, s.db, paymentID)
	if err != nil {
		return err
	}

	token, err := s.locker.Acquire(ctx, orderLockKey(payment.OrderID))
	if err != nil {
		return err
	}
	defer s.releaseLock(ctx, token)

	return s.runInTx(ctx, func(tx *sql.Tx) error {
		fresh, err := s.paymentRepo.GetByIDForUpdateTx(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.PaymentStatusProcessing {
			// Settled while we waited for the lock.
			return nil
		}
		if err := fresh.MarkFailed("TIMEOUT", "payment stuck in PROCESSING past the timeout"); err != nil {
			return err
		}
		if err := s.paymentRepo.UpdateTx(ctx, tx, fresh); err != nil {
			return err
		}
		s.sink.Increment("payment_timeout", nil)
		return s.writeEventTx(ctx, tx, fresh, domain.EventPaymentFailed)
	})
}

// RetryDuePayment re-runs the charge for a FAILED payment using the stored
// gateway token. Used by the backoff retry sweep.
func (s *paymentService) RetryDuePayment(ctx context.Context, paymentID string) error {
	payment, err := s.paymentRepo.GetByIDTx(ctx, s.db, paymentID)
	if err != nil {
		return err
	}
	_, err = s.RetryPayment(ctx, paymentID, payment.GatewayToken)
	return err
}

func (s *paymentService) recordInbox(ctx context.Context, event *domain.OrderEvent, rawPayload []byte) (duplicate bool, err error) {
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
			s.logger.Info("Event already processed, skipping",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType))
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (s *paymentService) finishInbox(ctx context.Context, eventID string, status domain.InboxMessageStatus) error {
	if err := s.inboxRepo.UpdateStatusTx(ctx, s.db, eventID, status); err != nil {
		s.logger.Error("Failed to update inbox message status",
			zap.String("event_id", eventID), zap.Error(err))
		return err
	}
	return nil
}

func (s *paymentService) writeEventTx(ctx context.Context, tx *sql.Tx, p *domain.Payment, eventType string) error {
	event := domain.PaymentEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		CustomerID:    p.CustomerID,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		Status:        string(p.Status),
		TransactionID: p.GatewayTransactionID,
		ErrorCode:     p.ErrorCode,
		ErrorMessage:  p.ErrorMessage,
		AttemptCount:  p.AttemptCount,
		Version:       p.Version,
		CorrelationID: p.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	if eventType == domain.EventPaymentRefunded {
		event.RefundID = p.RefundID
		event.RefundAmount = p.RefundAmount.String()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	msg := &domain.OutboxMessage{
		ID:            event.EventID,
		AggregateID:   p.ID,
		AggregateType: "payment",
		MessageType:   eventType,
		Topic:         s.topic,
		Key:           p.OrderID,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.outboxRepo.CreateMessageTx(ctx, tx, msg); err != nil {
		return fmt.Errorf("failed to create outbox message for %s: %w", eventType, err)
	}
	return nil
}

func (s *paymentService) runInTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func (s *paymentService) completeGuard(ctx context.Context, key, payloadHash string, resp *PaymentResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal payment response for caching", zap.Error(err))
		return
	}
	if err := s.guard.Complete(ctx, key, payloadHash, data); err != nil {
		s.logger.Error("Failed to cache idempotent response", zap.String("key", key), zap.Error(err))
	}
}

func (s *paymentService) abortGuard(ctx context.Context, key string) {
	if err := s.guard.Abort(ctx, key); err != nil {
		s.logger.Error("Failed to abort idempotency marker", zap.String("key", key), zap.Error(err))
	}
}

func (s *paymentService) releaseLock(ctx context.Context, token *lock.Token) {
	if err := s.locker.Release(ctx, token); err != nil {
		s.logger.Error("Failed to release lock", zap.String("key", token.Key), zap.Error(err))
	}
}

func responseFromPayment(p *domain.Payment) *PaymentResponse {
	resp := &PaymentResponse{
		ID:            p.ID,
		OrderID:       p.OrderID,
		CustomerID:    p.CustomerID,
		Amount:        p.Amount.String(),
		Currency:      p.Currency,
		Status:        string(p.Status),
		PaymentMethod: p.PaymentMethod,
		TransactionID: p.GatewayTransactionID,
		ErrorCode:     p.ErrorCode,
		ErrorMessage:  p.ErrorMessage,
		Retryable:     p.RetryEligible(),
		AttemptCount:  p.AttemptCount,
		RefundID:      p.RefundID,
		CorrelationID: p.CorrelationID,
	}
	if !p.RefundAmount.IsZero() {
		resp.RefundAmount = p.RefundAmount.String()
	}
	return resp
}
