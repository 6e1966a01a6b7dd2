package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "CREATED"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSuccess    PaymentStatus = "SUCCESS"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// MaxPaymentAttempts caps retries. The transition table below still allows
// FAILED -> PROCESSING unconditionally; the orchestration layer and the
// reconciliation sweeps are the ones that stop retrying past this cap.
const MaxPaymentAttempts = 3

// paymentTransitions is the full legal transition graph. The only cycle is
// FAILED -> PROCESSING, used for retries.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusCreated:    {PaymentStatusProcessing},
	PaymentStatusProcessing: {PaymentStatusSuccess, PaymentStatusFailed},
	PaymentStatusSuccess:    {PaymentStatusRefunded},
	PaymentStatusFailed:     {PaymentStatusProcessing},
	PaymentStatusRefunded:   {},
}

type Payment struct {
	ID             string
	OrderID        string
	CustomerID     string
	IdempotencyKey string

	Amount   decimal.Decimal
	Currency string

	Status        PaymentStatus
	PaymentMethod string

	// Gateway-opaque fields. Raw card data is never stored; only the token
	// handed to the gateway plus a masked last-four and brand for display.
	GatewayToken         string
	GatewayTransactionID string
	GatewayResponseCode  string
	CardLastFour         string
	CardBrand            string

	ErrorCode    string
	ErrorMessage string

	AttemptCount int

	RefundID     string
	RefundAmount decimal.Decimal
	RefundReason string
	RefundedAt   *time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time

	Version       int64
	CorrelationID string
}

func NewPayment(orderID, customerID, idempotencyKey string, amount decimal.Decimal, currency, method, correlationID string) (*Payment, error) {
	if orderID == "" {
		return nil, &ValidationError{Field: "order_id", Reason: "must not be empty"}
	}
	if customerID == "" {
		return nil, &ValidationError{Field: "customer_id", Reason: "must not be empty"}
	}
	if idempotencyKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if currency == "" {
		return nil, &ValidationError{Field: "currency", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	return &Payment{
		ID:             "",
		OrderID:        orderID,
		CustomerID:     customerID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Currency:       currency,
		Status:         PaymentStatusCreated,
		PaymentMethod:  method,
		CorrelationID:  correlationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}, nil
}

func (p *Payment) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range paymentTransitions[p.Status] {
		if next == target {
			return true
		}
	}
	return false
}

func (p *Payment) IsTerminal() bool {
	return len(paymentTransitions[p.Status]) == 0
}

func (p *Payment) transitionTo(target PaymentStatus) error {
	if !p.CanTransitionTo(target) {
		return &InvalidStateTransitionError{Aggregate: "payment", From: string(p.Status), To: string(target)}
	}
	p.Status = target
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// StartProcessing moves the payment into PROCESSING for a new gateway
// attempt. Legal from CREATED (first attempt) and FAILED (retry).
func (p *Payment) StartProcessing(gatewayToken string) error {
	if err := p.transitionTo(PaymentStatusProcessing); err != nil {
		return err
	}
	p.GatewayToken = gatewayToken
	p.AttemptCount++
	now := time.Now().UTC()
	p.ProcessedAt = &now
	return nil
}

func (p *Payment) MarkSuccess(transactionID, responseCode string) error {
	if err := p.transitionTo(PaymentStatusSuccess); err != nil {
		return err
	}
	p.GatewayTransactionID = transactionID
	p.GatewayResponseCode = responseCode
	p.ErrorCode = ""
	p.ErrorMessage = ""
	now := time.Now().UTC()
	p.CompletedAt = &now
	return nil
}

func (p *Payment) MarkFailed(code, message string) error {
	if err := p.transitionTo(PaymentStatusFailed); err != nil {
		return err
	}
	p.ErrorCode = code
	p.ErrorMessage = message
	return nil
}

// MarkRefunded validates the refund bound before touching state: a refund
// above the charged amount must leave the payment unchanged.
func (p *Payment) MarkRefunded(refundID string, amount decimal.Decimal, reason string) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "refund_amount", Reason: "must be positive"}
	}
	if amount.GreaterThan(p.Amount) {
		return ErrRefundExceedsCharge
	}
	if err := p.transitionTo(PaymentStatusRefunded); err != nil {
		return err
	}
	p.RefundID = refundID
	p.RefundAmount = amount
	p.RefundReason = reason
	now := time.Now().UTC()
	p.RefundedAt = &now
	return nil
}

// RetryEligible reports whether the orchestration layer may schedule another
// gateway attempt for this payment.
func (p *Payment) RetryEligible() bool {
	return p.Status == PaymentStatusFailed && p.AttemptCount < MaxPaymentAttempts
}
