package orders_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.uber.org/zap"

	"github.com/ArpitTailong/food-express-sub001/internal/app/orders"
)

func RegisterRoutes(r chi.Router, s orders.OrderService, l *zap.Logger) {
	handler := NewOrderHandler(s, l.With(zap.String("component", "OrderHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Orders service is healthy!"))
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrderHandler)
		r.Get("/{id}", handler.GetOrderHandler)
		r.Post("/{id}/checkout", handler.CheckoutHandler)
		r.Post("/{id}/cancel", handler.CancelOrderHandler)
		r.Post("/{id}/rating", handler.RateOrderHandler)
		r.Post("/{id}/preparing", handler.MarkPreparingHandler)
		r.Post("/{id}/ready", handler.MarkReadyForPickupHandler)
		r.Post("/{id}/out-for-delivery", handler.MarkOutForDeliveryHandler)
		r.Post("/{id}/delivered", handler.MarkDeliveredHandler)
	})

	r.Route("/customers", func(r chi.Router) {
		r.Get("/{customerID}/orders", handler.ListCustomerOrdersHandler)
	})
}
