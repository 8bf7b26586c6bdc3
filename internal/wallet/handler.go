package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type balanceResponse struct {
	VPA       string `json:"vpa"`
	WalletID  int64  `json:"wallet_id"`
	Balance   string `json:"balance"`
	Locked    string `json:"locked_balance"`
	Available string `json:"available_balance"`
	Currency  string `json:"currency"`
	Timestamp string `json:"timestamp"`
}

// Balance returns the wallet balance behind a VPA.
func (h *Handler) Balance(c *fiber.Ctx) error {
	vpa := c.Params("vpa")
	balance, err := h.service.BalanceByVPA(c.UserContext(), vpa)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "vpa not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(balanceResponse{
		VPA:       balance.VPA,
		WalletID:  balance.WalletID,
		Balance:   balance.Balance.StringFixed(2),
		Locked:    balance.Locked.StringFixed(2),
		Available: balance.Available.StringFixed(2),
		Currency:  balance.Currency,
		Timestamp: balance.AsOf.Format("2006-01-02T15:04:05Z07:00"),
	})
}
