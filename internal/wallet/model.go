package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a VPA does not resolve to a wallet.
	ErrNotFound = errors.New("wallet not found")
	// ErrInvalidAmount rejects zero, negative or sub-minor-unit amounts.
	ErrInvalidAmount = errors.New("amount must be greater than zero")
	// ErrSelfTransfer rejects transfers where payer and payee are the same user.
	ErrSelfTransfer = errors.New("cannot transfer to your own vpa")
	// ErrInsufficientFunds means the payer cannot cover the earmark.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientLockedFunds means the locked balance no longer covers an
	// in-flight transaction. It is never retryable.
	ErrInsufficientLockedFunds = errors.New("insufficient locked funds")
)

// Operation names used in logs and integrity fault records.
const (
	OpEarmark  = "earmark"
	OpConfirm  = "confirm"
	OpRollback = "rollback"
)

// IntegrityError describes a ledger divergence found while releasing
// earmarked funds.
type IntegrityError struct {
	Operation     string
	PayerVPA      string
	PayeeVPA      string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	LockedBalance decimal.Decimal
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s -> %s amount %s: %s (balance %s, locked %s)",
		e.Operation, e.PayerVPA, e.PayeeVPA, e.Amount.StringFixed(2), ErrInsufficientLockedFunds,
		e.Balance.StringFixed(2), e.LockedBalance.StringFixed(2))
}

func (e *IntegrityError) Unwrap() error { return ErrInsufficientLockedFunds }

// EarmarkResult reports the payer's wallet after funds were reserved.
type EarmarkResult struct {
	PayerBalance decimal.Decimal
	PayerLocked  decimal.Decimal
}

// Balance is a point-in-time view of a wallet reached through one of its VPAs.
type Balance struct {
	VPA       string
	WalletID  int64
	Balance   decimal.Decimal
	Locked    decimal.Decimal
	Available decimal.Decimal
	Currency  string
	AsOf      time.Time
}
