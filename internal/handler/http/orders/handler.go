package orders_http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/app/orders"
	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

type OrderHandler struct {
	service orders.OrderService
	logger  *zap.Logger
}

func NewOrderHandler(s orders.OrderService, l *zap.Logger) *OrderHandler {
	return &OrderHandler{service: s, logger: l}
}

type checkoutBody struct {
	PaymentMethod string `json:"payment_method"`
	GatewayToken  string `json:"gateway_token"`
}

type cancelOrderBody struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type rateOrderBody struct {
	RestaurantRating int    `json:"restaurant_rating"`
	DriverRating     int    `json:"driver_rating,omitempty"`
	Feedback         string `json:"feedback,omitempty"`
}

type assignDriverBody struct {
	DriverID string `json:"driver_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *OrderHandler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Invalid request body for CreateOrder", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.CorrelationID = r.Header.Get("X-Correlation-ID")

	resp, err := h.service.CreateOrder(r.Context(), &req)
	if err != nil {
		h.writeOrderError(w, err, "CreateOrder")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandler) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	var body checkoutBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.Checkout(r.Context(), &orders.CheckoutRequest{
		OrderID:       chi.URLParam(r, "id"),
		PaymentMethod: body.PaymentMethod,
		GatewayToken:  body.GatewayToken,
	})
	if err != nil {
		h.writeOrderError(w, err, "Checkout")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, err, "GetOrder")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) ListCustomerOrdersHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetOrdersByCustomer(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.writeOrderError(w, err, "ListCustomerOrders")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	var body cancelOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.CancelOrder(r.Context(), chi.URLParam(r, "id"), body.Reason, body.Actor)
	if err != nil {
		h.writeOrderError(w, err, "CancelOrder")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) RateOrderHandler(w http.ResponseWriter, r *http.Request) {
	var body rateOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.RateOrder(r.Context(), &orders.RateOrderRequest{
		OrderID:          chi.URLParam(r, "id"),
		RestaurantRating: body.RestaurantRating,
		DriverRating:     body.DriverRating,
		Feedback:         body.Feedback,
	})
	if err != nil {
		h.writeOrderError(w, err, "RateOrder")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) MarkPreparingHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.MarkPreparing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, err, "MarkPreparing")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) MarkReadyForPickupHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.MarkReadyForPickup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, err, "MarkReadyForPickup")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) MarkOutForDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	var body assignDriverBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.service.MarkOutForDelivery(r.Context(), chi.URLParam(r, "id"), body.DriverID)
	if err != nil {
		h.writeOrderError(w, err, "MarkOutForDelivery")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) MarkDeliveredHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOrderError(w, err, "MarkDelivered")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) writeOrderError(w http.ResponseWriter, err error, op string) {
	var validationErr *domain.ValidationError
	var transitionErr *domain.InvalidStateTransitionError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrOrderNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrOrderNotRateable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrItemsLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orders.ErrOrderConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, transitionErr.Error())
	default:
		h.logger.Error("Order operation failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
