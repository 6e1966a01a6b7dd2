package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusPaymentPending OrderStatus = "PAYMENT_PENDING"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusPreparing      OrderStatus = "PREPARING"
	OrderStatusReadyForPickup OrderStatus = "READY_FOR_PICKUP"
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusFailed         OrderStatus = "FAILED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusPaymentPending, OrderStatusCancelled},
	OrderStatusPaymentPending: {OrderStatusConfirmed, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusPreparing, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPreparing:      {OrderStatusReadyForPickup, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusReadyForPickup: {OrderStatusOutForDelivery, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusOutForDelivery: {OrderStatusDelivered, OrderStatusFailed},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
	OrderStatusFailed:         {},
}

// TaxRate and DefaultDeliveryFee feed the pricing formula. The delivery fee
// is flat unless a pricing collaborator overrides it at creation.
var (
	TaxRate            = decimal.NewFromFloat(0.18)
	DefaultDeliveryFee = decimal.RequireFromString("40.00")
)

type OrderItem struct {
	ID                  string
	MenuItemID          string
	Name                string
	UnitPrice           decimal.Decimal
	Quantity            int
	TotalPrice          decimal.Decimal
	SpecialInstructions string
}

// DeliveryAddress is an embedded value object, immutable after creation
// outside of an explicit update while the order is still PENDING.
type DeliveryAddress struct {
	Street     string
	City       string
	PostalCode string
	Latitude   float64
	Longitude  float64
	Notes      string
}

type Order struct {
	ID           string
	CustomerID   string
	RestaurantID string
	DriverID     string // empty until a driver is assigned

	Items   []OrderItem
	Address DeliveryAddress

	Subtotal       decimal.Decimal
	DeliveryFee    decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TipAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
	Currency       string
	CouponCode     string

	Status OrderStatus

	PaymentID     string
	PaymentMethod string
	PaymentStatus string

	CancelledBy      string
	CancelReason     string
	FailureReason    string
	RestaurantRating int
	DriverRating     int
	CustomerFeedback string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ConfirmedAt *time.Time
	PreparingAt *time.Time
	ReadyAt     *time.Time
	PickedUpAt  *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time

	Version       int64
	CorrelationID string
}

func NewOrder(customerID, restaurantID string, items []OrderItem, address DeliveryAddress, currency, correlationID string) (*Order, error) {
	if customerID == "" {
		return nil, &ValidationError{Field: "customer_id", Reason: "must not be empty"}
	}
	if restaurantID == "" {
		return nil, &ValidationError{Field: "restaurant_id", Reason: "must not be empty"}
	}
	if len(items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "order needs at least one item"}
	}
	for i := range items {
		if items[i].Quantity <= 0 {
			return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
		}
		if items[i].UnitPrice.LessThanOrEqual(decimal.Zero) {
			return nil, &ValidationError{Field: "unit_price", Reason: "must be positive"}
		}
		items[i].TotalPrice = items[i].UnitPrice.Mul(decimal.NewFromInt(int64(items[i].Quantity)))
	}
	now := time.Now().UTC()
	o := &Order{
		CustomerID:    customerID,
		RestaurantID:  restaurantID,
		Items:         items,
		Address:       address,
		Currency:      currency,
		DeliveryFee:   DefaultDeliveryFee,
		Status:        OrderStatusPending,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	o.recalculateTotals()
	return o, nil
}

// recalculateTotals is the single place totals are computed. TotalAmount is
// never settable directly.
func (o *Order) recalculateTotals() {
	subtotal := decimal.Zero
	for _, it := range o.Items {
		subtotal = subtotal.Add(it.TotalPrice)
	}
	o.Subtotal = subtotal
	o.TaxAmount = subtotal.Mul(TaxRate).Round(2)
	o.TotalAmount = o.Subtotal.
		Add(o.DeliveryFee).
		Add(o.TaxAmount).
		Add(o.TipAmount).
		Sub(o.DiscountAmount)
}

func (o *Order) CanTransitionTo(target OrderStatus) bool {
	for _, next := range orderTransitions[o.Status] {
		if next == target {
			return true
		}
	}
	return false
}

func (o *Order) IsTerminal() bool {
	return len(orderTransitions[o.Status]) == 0
}

func (o *Order) IsCancellable() bool {
	return o.CanTransitionTo(OrderStatusCancelled)
}

func (o *Order) transitionTo(target OrderStatus) error {
	if !o.CanTransitionTo(target) {
		return &InvalidStateTransitionError{Aggregate: "order", From: string(o.Status), To: string(target)}
	}
	o.Status = target
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTip and ApplyDiscount mutate pricing inputs; both recompute the total.
func (o *Order) SetTip(tip decimal.Decimal) error {
	if tip.IsNegative() {
		return &ValidationError{Field: "tip_amount", Reason: "must not be negative"}
	}
	o.TipAmount = tip
	o.recalculateTotals()
	return nil
}

func (o *Order) ApplyDiscount(couponCode string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &ValidationError{Field: "discount_amount", Reason: "must not be negative"}
	}
	o.CouponCode = couponCode
	o.DiscountAmount = amount
	o.recalculateTotals()
	return nil
}

// AddItem is only legal while the order is still PENDING; items freeze at
// checkout.
func (o *Order) AddItem(item OrderItem) error {
	if o.Status != OrderStatusPending {
		return ErrItemsLocked
	}
	if item.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
	o.Items = append(o.Items, item)
	o.recalculateTotals()
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *Order) StartCheckout(paymentMethod string) error {
	if err := o.transitionTo(OrderStatusPaymentPending); err != nil {
		return err
	}
	o.PaymentMethod = paymentMethod
	return nil
}

// ConfirmAfterPayment is the saga reaction to PaymentCompleted. Duplicate
// event delivery finds the order already at or past CONFIRMED and is a
// successful no-op.
func (o *Order) ConfirmAfterPayment(paymentID string) (applied bool, err error) {
	if o.Status != OrderStatusPaymentPending {
		return false, nil
	}
	if err := o.transitionTo(OrderStatusConfirmed); err != nil {
		return false, err
	}
	o.PaymentID = paymentID
	o.PaymentStatus = string(PaymentStatusSuccess)
	now := time.Now().UTC()
	o.ConfirmedAt = &now
	return true, nil
}

// FailAfterPayment is the saga reaction to PaymentFailed, guarded the same
// way as ConfirmAfterPayment.
func (o *Order) FailAfterPayment(paymentID, reason string) (applied bool, err error) {
	if o.Status != OrderStatusPaymentPending {
		return false, nil
	}
	if err := o.transitionTo(OrderStatusFailed); err != nil {
		return false, err
	}
	o.PaymentID = paymentID
	o.PaymentStatus = string(PaymentStatusFailed)
	o.FailureReason = reason
	return true, nil
}

func (o *Order) MarkPreparing() error {
	if err := o.transitionTo(OrderStatusPreparing); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.PreparingAt = &now
	return nil
}

func (o *Order) MarkReadyForPickup() error {
	if err := o.transitionTo(OrderStatusReadyForPickup); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.ReadyAt = &now
	return nil
}

func (o *Order) MarkOutForDelivery(driverID string) error {
	if driverID == "" {
		return &ValidationError{Field: "driver_id", Reason: "must not be empty"}
	}
	if err := o.transitionTo(OrderStatusOutForDelivery); err != nil {
		return err
	}
	o.DriverID = driverID
	now := time.Now().UTC()
	o.PickedUpAt = &now
	return nil
}

func (o *Order) MarkDelivered() error {
	if err := o.transitionTo(OrderStatusDelivered); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.DeliveredAt = &now
	return nil
}

// Cancel is validated against IsCancellable so callers get a business
// conflict rather than a state-machine bug for e.g. delivered orders.
func (o *Order) Cancel(reason, actor string) error {
	if !o.IsCancellable() {
		return ErrOrderNotCancellable
	}
	if err := o.transitionTo(OrderStatusCancelled); err != nil {
		return err
	}
	o.CancelReason = reason
	o.CancelledBy = actor
	now := time.Now().UTC()
	o.CancelledAt = &now
	return nil
}

func (o *Order) Rate(restaurantRating, driverRating int, feedback string) error {
	if o.Status != OrderStatusDelivered {
		return ErrOrderNotRateable
	}
	if restaurantRating < 1 || restaurantRating > 5 {
		return &ValidationError{Field: "restaurant_rating", Reason: "must be between 1 and 5"}
	}
	if driverRating != 0 && (driverRating < 1 || driverRating > 5) {
		return &ValidationError{Field: "driver_rating", Reason: "must be between 1 and 5"}
	}
	o.RestaurantRating = restaurantRating
	o.DriverRating = driverRating
	o.CustomerFeedback = feedback
	o.UpdatedAt = time.Now().UTC()
	return nil
}
