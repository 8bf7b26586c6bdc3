package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a wallet, VPA, user or transaction does not exist.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrDuplicateTransaction indicates the client transaction identifier already
	// exists. Callers treat it as the losing side of an idempotency race.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrDuplicateVPA indicates the address is already bound to a user.
	ErrDuplicateVPA = errors.New("vpa already registered")
)

// MinorUnits is the number of decimal places kept for the modeled currency.
const MinorUnits = 2

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	// StatusTimeout is only ever received from the clearing network. It is
	// settled as StatusFailed and never stored.
	StatusTimeout Status = "TIMEOUT"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(v))); s {
	case StatusPending, StatusSuccess, StatusFailed, StatusTimeout:
		return s, nil
	default:
		return "", fmt.Errorf("unknown transaction status %q", v)
	}
}

// Round normalises an amount to the currency's minor-unit precision.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnits)
}

// FitsMinorUnits reports whether d carries no digits beyond the minor unit.
// 1.50 and 1.500 fit, 1.005 does not.
func FitsMinorUnits(d decimal.Decimal) bool {
	return d.Equal(Round(d))
}

// NormalizeVPA is the canonical form addresses are stored and looked up in.
func NormalizeVPA(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// User owns exactly one wallet.
type User struct {
	ID         int64
	ExternalID string
	Name       string
	PINHash    []byte
	CreatedAt  time.Time
}

// Wallet holds a user's funds. Balance is spendable money; LockedBalance is
// money earmarked for in-flight transactions and already removed from Balance.
type Wallet struct {
	ID            int64
	UserID        int64
	Balance       decimal.Decimal
	LockedBalance decimal.Decimal
	Currency      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Available returns the funds that can be earmarked by a new transaction.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance
}

// Total returns everything the wallet owns, free or earmarked.
func (w Wallet) Total() decimal.Decimal {
	return w.Balance.Add(w.LockedBalance)
}

// VPA is a virtual payment address resolving to one user's wallet.
type VPA struct {
	ID        int64
	Address   string
	UserID    int64
	WalletID  int64
	IsPrimary bool
	CreatedAt time.Time
}

// Transaction records one transfer attempt between two VPAs.
type Transaction struct {
	ID                  int64
	ClientTransactionID string
	PayerVPA            string
	PayeeVPA            string
	Amount              decimal.Decimal
	Status              Status
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IntegrityFault is a persisted record of a ledger divergence that needs
// manual reconciliation.
type IntegrityFault struct {
	ID            int64
	TransactionID int64
	Operation     string
	PayerVPA      string
	PayeeVPA      string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	LockedBalance decimal.Decimal
	Message       string
	CreatedAt     time.Time
}

// TransactionFilter narrows transaction queries. Transactions match when
// either side is one of VPAs.
type TransactionFilter struct {
	VPAs   []string
	Status Status
	Limit  int
}

// Reader contains the non-locking lookups available both inside and outside
// an atomic unit.
type Reader interface {
	ResolveVPA(ctx context.Context, address string) (VPA, error)
	Wallet(ctx context.Context, id int64) (Wallet, error)
	TransactionByID(ctx context.Context, id int64) (Transaction, error)
	TransactionByClientID(ctx context.Context, clientTxID string) (Transaction, error)
}

// Tx is the handle passed to an atomic unit. Every write made through it is
// committed or discarded together.
type Tx interface {
	Reader

	// LockWallets loads and row-locks the given wallets in ascending id order.
	LockWallets(ctx context.Context, ids ...int64) (map[int64]Wallet, error)
	UpdateWallet(ctx context.Context, w Wallet) error

	// LockTransaction loads and row-locks a transaction.
	LockTransaction(ctx context.Context, id int64) (Transaction, error)
	InsertTransaction(ctx context.Context, t Transaction) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status Status) (Transaction, error)

	CreateUser(ctx context.Context, u User) (User, error)
	CreateWallet(ctx context.Context, w Wallet) (Wallet, error)
	CreateVPA(ctx context.Context, v VPA) (VPA, error)
}

// Store is the durable ledger backend.
type Store interface {
	Reader

	// WithinTx runs fn as one atomic unit. A non-nil error from fn discards
	// every write made through the handle.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	CountTransactions(ctx context.Context, filter TransactionFilter) (int64, error)

	RecordIntegrityFault(ctx context.Context, f IntegrityFault) (IntegrityFault, error)
	IntegrityFaults(ctx context.Context) ([]IntegrityFault, error)

	Ping(ctx context.Context) error
}
