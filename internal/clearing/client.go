// Package clearing talks to the external clearing switch: it submits
// PENDING transactions and turns the switch's verdicts into settlement
// callbacks on the transaction engine.
package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vpapay/vpa_pay/internal/ledger"
)

const processPaymentPath = "/process-payment"

// Switch verdicts.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// ErrUnexpectedResponse is returned when the switch answers with a status
// code or body the adapter cannot interpret.
var ErrUnexpectedResponse = errors.New("unexpected clearing response")

// Request is the outbound payload sent to the switch.
type Request struct {
	PSPTransactionID string      `json:"pspTransactionId"`
	Amount           json.Number `json:"amount"`
	PayerVPA         string      `json:"payerVpa"`
	PayeeVPA         string      `json:"payeeVpa"`
}

// NewRequest builds the switch payload for a stored transaction.
func NewRequest(tx ledger.Transaction) Request {
	return Request{
		PSPTransactionID: strconv.FormatInt(tx.ID, 10),
		Amount:           json.Number(ledger.Round(tx.Amount).StringFixed(ledger.MinorUnits)),
		PayerVPA:         tx.PayerVPA,
		PayeeVPA:         tx.PayeeVPA,
	}
}

// TransactionID parses the PSP identifier back into a ledger id.
func (r Request) TransactionID() (int64, error) {
	return strconv.ParseInt(r.PSPTransactionID, 10, 64)
}

// Response is the synchronous verdict returned by the switch.
type Response struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	NPCITransactionID string `json:"npciTransactionId,omitempty"`
	ProcessedAt       string `json:"processedAt"`
}

// Result is the adapter's reading of one submission. Async results carry no
// final status; the switch will call back later.
type Result struct {
	Status   ledger.Status
	Async    bool
	Response Response
}

// Switch submits a transaction to the clearing network.
type Switch interface {
	Submit(ctx context.Context, req Request) (Result, error)
}

// Client is the HTTP implementation of Switch.
type Client struct {
	baseURL string
	timeout time.Duration
}

// NewClient returns a switch client posting to baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout}
}

// Submit posts req to the switch and maps its verdict onto a ledger status.
func (c *Client) Submit(ctx context.Context, req Request) (Result, error) {
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Result{}, ctx.Err()
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	agent := fiber.Post(c.baseURL + processPaymentPath)
	agent.JSON(req)
	agent.Timeout(timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return Result{}, fmt.Errorf("submit %s: %w", req.PSPTransactionID, errors.Join(errs...))
	}

	switch {
	case code == http.StatusAccepted:
		return Result{Async: true}, nil
	case code < 200 || code >= 300:
		return Result{}, fmt.Errorf("%w: http %d: %s", ErrUnexpectedResponse, code, truncate(body, 256))
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: decode body: %v", ErrUnexpectedResponse, err)
	}
	status, err := Verdict(resp)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: status, Response: resp}, nil
}

// Verdict maps a switch response onto the final transaction status.
func Verdict(resp Response) (ledger.Status, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case VerdictApproved:
		return ledger.StatusSuccess, nil
	case VerdictRejected:
		return ledger.StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrUnexpectedResponse, resp.Status)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
