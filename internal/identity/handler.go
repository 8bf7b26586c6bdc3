package identity

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/vpapay/vpa_pay/internal/validation"
)

// Handler exposes identity endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an identity HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type registerRequest struct {
	Name string `json:"name" validate:"required,max=128"`
	PIN  string `json:"pin" validate:"required,numeric,min=4,max=6"`
	VPA  string `json:"vpa" validate:"required,vpa"`
}

type registerResponse struct {
	UserID     int64  `json:"user_id"`
	ExternalID string `json:"external_id"`
	VPA        string `json:"vpa"`
	WalletID   int64  `json:"wallet_id"`
	Currency   string `json:"currency"`
}

// Register handles user onboarding.
func (h *Handler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := validation.ParseBody(c, &req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	reg, err := h.service.Register(c.UserContext(), RegisterInput{Name: req.Name, PIN: req.PIN, VPA: req.VPA})
	if err != nil {
		switch {
		case errors.Is(err, ErrVPATaken):
			return fiber.NewError(http.StatusConflict, err.Error())
		case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidPIN), errors.Is(err, ErrInvalidVPA):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		default:
			return fiber.NewError(http.StatusInternalServerError, "registration failed")
		}
	}
	return c.Status(http.StatusCreated).JSON(registerResponse{
		UserID:     reg.UserID,
		ExternalID: reg.ExternalID,
		VPA:        reg.VPA,
		WalletID:   reg.WalletID,
		Currency:   reg.Currency,
	})
}
