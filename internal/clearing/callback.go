package clearing

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

// CallbackTokenHeader carries the shared secret on inbound callbacks.
const CallbackTokenHeader = "X-Callback-Token"

// ErrInvalidReference is returned for an empty or malformed transaction reference.
var ErrInvalidReference = errors.New("invalid transaction reference")

// Reference identifies the transaction a callback is about. The switch may
// send the numeric ledger id, the id as a string, or the caller's client
// transaction id.
type Reference struct {
	ID       int64
	ClientID string
}

// UnmarshalJSON accepts a JSON number or string.
func (r *Reference) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrInvalidReference
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		*r = ParseReference(s)
		if r.ID == 0 && r.ClientID == "" {
			return ErrInvalidReference
		}
		return nil
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidReference, data)
	}
	*r = Reference{ID: id}
	return nil
}

// ParseReference treats positive integer strings as ledger ids and anything
// else as a client transaction id.
func ParseReference(s string) Reference {
	s = strings.TrimSpace(s)
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return Reference{ID: id}
	}
	return Reference{ClientID: s}
}

// Resolve returns the ledger id the reference points to.
func (r Reference) Resolve(ctx context.Context, reader ledger.Reader) (int64, error) {
	if r.ID > 0 {
		return r.ID, nil
	}
	if r.ClientID == "" {
		return 0, ErrInvalidReference
	}
	tx, err := reader.TransactionByClientID(ctx, r.ClientID)
	if err != nil {
		return 0, err
	}
	return tx.ID, nil
}

func (r Reference) String() string {
	if r.ID > 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.ClientID
}

// CallbackHandler receives asynchronous verdicts from the switch.
type CallbackHandler struct {
	settler Settler
	reader  ledger.Reader
	token   string
	logger  *slog.Logger
}

// NewCallbackHandler builds the inbound callback endpoint. An empty token
// disables the shared-secret check.
func NewCallbackHandler(settler Settler, reader ledger.Reader, token string, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{settler: settler, reader: reader, token: token, logger: logger}
}

type callbackRequest struct {
	TransactionID *Reference `json:"transactionId"`
	FinalStatus   string     `json:"finalStatus"`
}

// Handle applies a switch callback. Unknown and already settled transactions
// are acknowledged with applied=false so the switch stops retrying.
func (h *CallbackHandler) Handle(c *fiber.Ctx) error {
	if h.token != "" {
		got := c.Get(CallbackTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid callback token")
		}
	}

	var req callbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.TransactionID == nil {
		return fiber.NewError(http.StatusBadRequest, "transactionId is required")
	}
	status, err := ledger.ParseStatus(req.FinalStatus)
	if err != nil || !(status.Terminal() || status == ledger.StatusTimeout) {
		return fiber.NewError(http.StatusBadRequest, "finalStatus must be SUCCESS, FAILED or TIMEOUT")
	}

	ctx := c.UserContext()
	id, err := req.TransactionID.Resolve(ctx, h.reader)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			h.logger.Info("callback for unknown transaction", slog.String("transaction_ref", req.TransactionID.String()))
			return c.Status(http.StatusOK).JSON(fiber.Map{"applied": false, "status": status})
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	applied, err := h.settler.ApplyCallback(ctx, id, status)
	if errors.Is(err, wallet.ErrInsufficientLockedFunds) {
		// Redelivery cannot succeed until the ledger is reconciled by hand.
		h.logger.Error("callback hit an integrity fault",
			slog.Int64("transaction_id", id),
			slog.String("final_status", string(status)),
			slog.String("error", err.Error()),
		)
		return c.Status(http.StatusConflict).JSON(fiber.Map{
			"transaction_id": id,
			"applied":        false,
			"status":         status,
			"error":          "transaction requires manual reconciliation",
		})
	}
	if err != nil {
		h.logger.Error("apply callback",
			slog.Int64("transaction_id", id),
			slog.String("final_status", string(status)),
			slog.String("error", err.Error()),
		)
		return fiber.NewError(http.StatusInternalServerError, "failed to process transaction callback")
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"transaction_id": id,
		"applied":        applied,
		"status":         status,
	})
}
