package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vpapay/vpa_pay/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallets/:vpa/balance", h.Balance)
}
