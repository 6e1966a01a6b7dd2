package domain

import "time"

// Event type names as carried in outbox rows and Kafka headers.
const (
	EventPaymentCreated   = "PaymentCreated"
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentRefunded  = "PaymentRefunded"

	EventOrderCreated        = "OrderCreated"
	EventPaymentRequested    = "PaymentRequested"
	EventOrderConfirmed      = "OrderConfirmed"
	EventOrderFailed         = "OrderFailed"
	EventOrderCancelled      = "OrderCancelled"
	EventOrderPreparing      = "OrderPreparing"
	EventOrderReady          = "OrderReady"
	EventOrderOutForDelivery = "OrderOutForDelivery"
	EventOrderDelivered      = "OrderDelivered"
)

// PaymentEvent is published by the payments service for every payment
// state transition. Amounts travel as decimal strings to avoid float drift
// on the wire.
type PaymentEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	PaymentID     string    `json:"payment_id"`
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	RefundID      string    `json:"refund_id,omitempty"`
	RefundAmount  string    `json:"refund_amount,omitempty"`
	AttemptCount  int       `json:"attempt_count"`
	Version       int64     `json:"version"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderEvent is published by the orders service for order lifecycle
// transitions, including the PaymentRequested trigger consumed by payments.
type OrderEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	RestaurantID  string    `json:"restaurant_id"`
	DriverID      string    `json:"driver_id,omitempty"`
	Status        string    `json:"status"`
	TotalAmount   string    `json:"total_amount"`
	Currency      string    `json:"currency"`
	PaymentID     string    `json:"payment_id,omitempty"`
	PaymentMethod string    `json:"payment_method,omitempty"`
	GatewayToken  string    `json:"gateway_token,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Version       int64     `json:"version"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}
