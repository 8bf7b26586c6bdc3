package payments

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/validation"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

// Handler exposes transaction endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Amount              decimal.Decimal `json:"amount" validate:"positive_decimal"`
	PayerVPA            string          `json:"payerVpa" validate:"required,vpa"`
	PayeeVPA            string          `json:"payeeVpa" validate:"required,vpa"`
	ClientTransactionID string          `json:"clientTransactionId" validate:"required,max=128"`
}

type transactionResponse struct {
	ID                  int64  `json:"id"`
	ClientTransactionID string `json:"client_transaction_id"`
	PayerVPA            string `json:"payer_vpa"`
	PayeeVPA            string `json:"payee_vpa"`
	Amount              string `json:"amount"`
	Status              string `json:"status"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

func toResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:                  t.ID,
		ClientTransactionID: t.ClientTransactionID,
		PayerVPA:            t.PayerVPA,
		PayeeVPA:            t.PayeeVPA,
		Amount:              t.Amount.StringFixed(2),
		Status:              string(t.Status),
		CreatedAt:           t.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           t.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Create initiates a transfer. Newly accepted transfers answer 202; a
// repeated clientTransactionId answers 200 with the stored transaction.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := validation.ParseBody(c, &req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	res, err := h.service.CreateTransaction(c.UserContext(), CreateInput{
		Amount:              req.Amount,
		PayerVPA:            req.PayerVPA,
		PayeeVPA:            req.PayeeVPA,
		ClientTransactionID: req.ClientTransactionID,
	})
	if err != nil {
		return mapError(err)
	}

	if !res.Accepted {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"message":        "Transaction already processed",
			"transaction_id": res.Transaction.ID,
			"status":         res.Transaction.Status,
			"transaction":    toResponse(res.Transaction),
		})
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"message":        "Transaction initiated. Awaiting final status confirmation.",
		"transaction_id": res.Transaction.ID,
		"status":         res.Transaction.Status,
	})
}

// List returns transactions for the VPAs given as repeated ?vpa= parameters.
func (h *Handler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	txs, err := h.service.List(c.UserContext(), scope(c), limit)
	if err != nil {
		return mapError(err)
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, toResponse(t))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transactions": out, "count": len(out)})
}

// Count returns the number of transactions in a status for the given VPAs.
func (h *Handler) Count(c *fiber.Ctx) error {
	status, err := ledger.ParseStatus(c.Query("status"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	n, err := h.service.CountByStatus(c.UserContext(), scope(c), status)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": status, "count": n})
}

// Get returns one transaction.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := transactionID(c)
	if err != nil {
		return err
	}
	t, err := h.service.Get(c.UserContext(), id, scope(c))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(t))
}

// Status returns the status of one transaction.
func (h *Handler) Status(c *fiber.Ctx) error {
	id, err := transactionID(c)
	if err != nil {
		return err
	}
	status, err := h.service.Status(c.UserContext(), id, scope(c))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"transaction_id": id, "status": status})
}

func transactionID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid transaction id")
	}
	return id, nil
}

func scope(c *fiber.Ctx) []string {
	var vpas []string
	for _, v := range c.Context().QueryArgs().PeekMulti("vpa") {
		if len(v) > 0 {
			vpas = append(vpas, string(v))
		}
	}
	return vpas
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrSelfTransfer):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, wallet.ErrNotFound), errors.Is(err, ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(http.StatusForbidden, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}
