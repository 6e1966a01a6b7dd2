package payments

import "github.com/shopspring/decimal"

type CreatePaymentRequest struct {
	OrderID        string          `json:"order_id"`
	CustomerID     string          `json:"customer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  string          `json:"payment_method"`
	GatewayToken   string          `json:"gateway_token"`
	CardLastFour   string          `json:"card_last_four,omitempty"`
	CardBrand      string          `json:"card_brand,omitempty"`
	IdempotencyKey string          `json:"-"`
	CorrelationID  string          `json:"-"`
}

type RefundPaymentRequest struct {
	PaymentID      string           `json:"payment_id"`
	Reason         string           `json:"reason"`
	Amount         *decimal.Decimal `json:"amount,omitempty"` // nil means full refund
	IdempotencyKey string           `json:"-"`
}

// PaymentResponse is the caller-facing outcome; it is also the payload
// cached by the idempotency guard, so duplicate requests replay it
// verbatim.
type PaymentResponse struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method"`
	TransactionID string `json:"transaction_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Retryable     bool   `json:"retryable"`
	AttemptCount  int    `json:"attempt_count"`
	RefundID      string `json:"refund_id,omitempty"`
	RefundAmount  string `json:"refund_amount,omitempty"`
	CorrelationID string `json:"correlation_id"`
}
