package payments_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/app/payments"
)

func RegisterRoutes(r chi.Router, s payments.PaymentService, l *zap.Logger) {
	handler := NewPaymentHandler(s, l.With(zap.String("component", "PaymentHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Payments service is healthy!"))
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Post("/", handler.CreatePaymentHandler)
		r.Get("/{id}", handler.GetPaymentHandler)
		r.Get("/{id}/status", handler.GetPaymentStatusHandler)
		r.Post("/{id}/refund", handler.RefundPaymentHandler)
		r.Post("/{id}/retry", handler.RetryPaymentHandler)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Get("/{orderID}/payment", handler.GetPaymentByOrderHandler)
	})
}
