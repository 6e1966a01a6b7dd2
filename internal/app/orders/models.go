package orders

import "github.com/shopspring/decimal"

type CreateOrderItem struct {
	MenuItemID          string          `json:"menu_item_id"`
	Name                string          `json:"name"`
	UnitPrice           decimal.Decimal `json:"unit_price"`
	Quantity            int             `json:"quantity"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
}

type CreateOrderAddress struct {
	Street     string  `json:"street"`
	City       string  `json:"city"`
	PostalCode string  `json:"postal_code"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
	Notes      string  `json:"notes,omitempty"`
}

type CreateOrderRequest struct {
	CustomerID     string             `json:"customer_id"`
	RestaurantID   string             `json:"restaurant_id"`
	Items          []CreateOrderItem  `json:"items"`
	Address        CreateOrderAddress `json:"address"`
	Currency       string             `json:"currency"`
	TipAmount      *decimal.Decimal   `json:"tip_amount,omitempty"`
	CouponCode     string             `json:"coupon_code,omitempty"`
	DiscountAmount *decimal.Decimal   `json:"discount_amount,omitempty"`
	CorrelationID  string             `json:"-"`
}

type CheckoutRequest struct {
	OrderID       string `json:"order_id"`
	PaymentMethod string `json:"payment_method"`
	GatewayToken  string `json:"gateway_token"`
}

type RateOrderRequest struct {
	OrderID          string `json:"order_id"`
	RestaurantRating int    `json:"restaurant_rating"`
	DriverRating     int    `json:"driver_rating,omitempty"`
	Feedback         string `json:"feedback,omitempty"`
}

type OrderItemResponse struct {
	MenuItemID          string `json:"menu_item_id"`
	Name                string `json:"name"`
	UnitPrice           string `json:"unit_price"`
	Quantity            int    `json:"quantity"`
	TotalPrice          string `json:"total_price"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

type OrderResponse struct {
	ID               string              `json:"id"`
	CustomerID       string              `json:"customer_id"`
	RestaurantID     string              `json:"restaurant_id"`
	DriverID         string              `json:"driver_id,omitempty"`
	Items            []OrderItemResponse `json:"items"`
	Subtotal         string              `json:"subtotal"`
	DeliveryFee      string              `json:"delivery_fee"`
	TaxAmount        string              `json:"tax_amount"`
	DiscountAmount   string              `json:"discount_amount"`
	TipAmount        string              `json:"tip_amount"`
	TotalAmount      string              `json:"total_amount"`
	Currency         string              `json:"currency"`
	Status           string              `json:"status"`
	PaymentID        string              `json:"payment_id,omitempty"`
	PaymentStatus    string              `json:"payment_status,omitempty"`
	CancelReason     string              `json:"cancel_reason,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	RestaurantRating int                 `json:"restaurant_rating,omitempty"`
	DriverRating     int                 `json:"driver_rating,omitempty"`
	CorrelationID    string              `json:"correlation_id"`
}
