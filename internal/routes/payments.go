package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vpapay/vpa_pay/internal/clearing"
	"github.com/vpapay/vpa_pay/internal/payments"
)

// RegisterPaymentRoutes wires transaction endpoints. Static segments are
// registered ahead of /:id.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, callback *clearing.CallbackHandler, rateLimiter fiber.Handler) {
	group := r.Group("/transactions")
	if rateLimiter != nil {
		group.Post("/", rateLimiter, h.Create)
	} else {
		group.Post("/", h.Create)
	}
	group.Post("/callback", callback.Handle)
	group.Get("/", h.List)
	group.Get("/count", h.Count)
	group.Get("/:id", h.Get)
	group.Get("/:id/status", h.Status)
}
