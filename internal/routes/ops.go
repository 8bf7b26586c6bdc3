package routes

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vpapay/vpa_pay/internal/clearing"
	"github.com/vpapay/vpa_pay/internal/ledger"
)

// RegisterOpsRoutes exposes the integrity fault log for manual
// reconciliation. When token is set it is required in the callback token header.
func RegisterOpsRoutes(r fiber.Router, store ledger.Store, token string) {
	r.Get("/ops/integrity-faults", func(c *fiber.Ctx) error {
		if token != "" && subtle.ConstantTimeCompare([]byte(c.Get(clearing.CallbackTokenHeader)), []byte(token)) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}
		faults, err := store.IntegrityFaults(c.UserContext())
		if err != nil {
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
		out := make([]fiber.Map, 0, len(faults))
		for _, f := range faults {
			out = append(out, fiber.Map{
				"id":             f.ID,
				"transaction_id": f.TransactionID,
				"operation":      f.Operation,
				"payer_vpa":      f.PayerVPA,
				"payee_vpa":      f.PayeeVPA,
				"amount":         f.Amount.StringFixed(2),
				"balance":        f.Balance.StringFixed(2),
				"locked_balance": f.LockedBalance.StringFixed(2),
				"message":        f.Message,
				"created_at":     f.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{"integrity_faults": out, "count": len(out)})
	})
}
