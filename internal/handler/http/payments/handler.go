package payments_http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/app/payments"
	"github.com/ArpitTailong/food-express-sub001/internal/domain"
)

const idempotencyKeyHeader = "Idempotency-Key"

type PaymentHandler struct {
	service payments.PaymentService
	logger  *zap.Logger
}

func NewPaymentHandler(s payments.PaymentService, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: s, logger: l}
}

type createPaymentBody struct {
	OrderID       string `json:"order_id"`
	CustomerID    string `json:"customer_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	GatewayToken  string `json:"gateway_token"`
	CardLastFour  string `json:"card_last_four,omitempty"`
	CardBrand     string `json:"card_brand,omitempty"`
}

type refundPaymentBody struct {
	Reason string `json:"reason"`
	Amount string `json:"amount,omitempty"`
}

type retryPaymentBody struct {
	GatewayToken string `json:"gateway_token"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (h *PaymentHandler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get(idempotencyKeyHeader)
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required", false)
		return
	}

	var body createPaymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Error("Invalid request body for CreatePayment", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", false)
		return
	}

	resp, err := h.service.CreatePayment(r.Context(), &payments.CreatePaymentRequest{
		OrderID:        body.OrderID,
		CustomerID:     body.CustomerID,
		Amount:         amount,
		Currency:       body.Currency,
		PaymentMethod:  body.PaymentMethod,
		GatewayToken:   body.GatewayToken,
		CardLastFour:   body.CardLastFour,
		CardBrand:      body.CardBrand,
		IdempotencyKey: idemKey,
		CorrelationID:  r.Header.Get("X-Correlation-ID"),
	})
	if err != nil {
		h.writePaymentError(w, err, "CreatePayment")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *PaymentHandler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	resp, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.writePaymentError(w, err, "GetPayment")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) GetPaymentByOrderHandler(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	resp, err := h.service.GetPaymentByOrderID(r.Context(), orderID)
	if err != nil {
		h.writePaymentError(w, err, "GetPaymentByOrder")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) GetPaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	resp, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.writePaymentError(w, err, "GetPaymentStatus")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            resp.ID,
		"status":        resp.Status,
		"retryable":     resp.Retryable,
		"attempt_count": resp.AttemptCount,
	})
}

func (h *PaymentHandler) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get(idempotencyKeyHeader)
	if idemKey == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required", false)
		return
	}

	paymentID := chi.URLParam(r, "id")
	var body refundPaymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	req := &payments.RefundPaymentRequest{
		PaymentID:      paymentID,
		Reason:         body.Reason,
		IdempotencyKey: idemKey,
	}
	if body.Amount != "" {
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid amount", false)
			return
		}
		req.Amount = &amount
	}

	resp, err := h.service.RefundPayment(r.Context(), req)
	if err != nil {
		h.writePaymentError(w, err, "RefundPayment")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) RetryPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	var body retryPaymentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}

	resp, err := h.service.RetryPayment(r.Context(), paymentID, body.GatewayToken)
	if err != nil {
		h.writePaymentError(w, err, "RetryPayment")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) writePaymentError(w http.ResponseWriter, err error, op string) {
	var validationErr *domain.ValidationError
	var transitionErr *domain.InvalidStateTransitionError
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment not found", false)
	case errors.Is(err, payments.ErrRequestInFlight):
		writeError(w, http.StatusConflict, err.Error(), true)
	case errors.Is(err, payments.ErrPaymentConflict):
		writeError(w, http.StatusConflict, err.Error(), true)
	case errors.Is(err, payments.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment gateway temporarily unavailable", true)
	case errors.Is(err, domain.ErrMaxRetriesExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), false)
	case errors.Is(err, domain.ErrRefundExceedsCharge):
		writeError(w, http.StatusBadRequest, err.Error(), false)
	case errors.Is(err, payments.ErrNotRefundable):
		writeError(w, http.StatusConflict, err.Error(), false)
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error(), false)
	case errors.As(err, &transitionErr):
		// A coordination bug, not a user error; details stay in the logs.
		h.logger.Error("Illegal state transition surfaced to HTTP layer", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusConflict, "payment is not in a state that allows this operation", false)
	default:
		h.logger.Error("Payment operation failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error", false)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg, Retryable: retryable})
}
