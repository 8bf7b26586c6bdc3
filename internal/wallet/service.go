package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpapay/vpa_pay/internal/ledger"
)

// Service implements earmark-and-release accounting on top of the ledger
// store. The Tx-taking methods compose into a caller's atomic unit; the
// *Funds variants open their own.
type Service struct {
	store    ledger.Store
	logger   *slog.Logger
	currency string
}

// NewService builds a wallet accounting service.
func NewService(store ledger.Store, logger *slog.Logger, currency string) *Service {
	if currency == "" {
		currency = "INR"
	}
	return &Service{store: store, logger: logger, currency: currency}
}

// Currency returns the currency new wallets are opened in.
func (s *Service) Currency() string { return s.currency }

type parties struct {
	payer ledger.VPA
	payee ledger.VPA
}

// normaliseAmount rejects amounts below or beyond the minor unit; it never
// rounds a caller's amount into a different one.
func normaliseAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !ledger.FitsMinorUnits(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount.String(), ledger.MinorUnits)
	}
	return ledger.Round(amount), nil
}

func resolve(ctx context.Context, r ledger.Reader, payerVPA, payeeVPA string) (parties, error) {
	payerVPA, payeeVPA = ledger.NormalizeVPA(payerVPA), ledger.NormalizeVPA(payeeVPA)
	payer, err := r.ResolveVPA(ctx, payerVPA)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return parties{}, fmt.Errorf("payer %s: %w", payerVPA, ErrNotFound)
		}
		return parties{}, err
	}
	payee, err := r.ResolveVPA(ctx, payeeVPA)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return parties{}, fmt.Errorf("payee %s: %w", payeeVPA, ErrNotFound)
		}
		return parties{}, err
	}
	return parties{payer: payer, payee: payee}, nil
}

func lockWallets(ctx context.Context, tx ledger.Tx, ids ...int64) (map[int64]ledger.Wallet, error) {
	ws, err := tx.LockWallets(ctx, ids...)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ws, nil
}

// Earmark moves amount from the payer's balance into its locked balance.
// The payee wallet is only checked for existence.
func (s *Service) Earmark(ctx context.Context, tx ledger.Tx, payerVPA, payeeVPA string, amount decimal.Decimal) (EarmarkResult, error) {
	amount, err := normaliseAmount(amount)
	if err != nil {
		return EarmarkResult{}, err
	}
	p, err := resolve(ctx, tx, payerVPA, payeeVPA)
	if err != nil {
		return EarmarkResult{}, err
	}
	if p.payer.UserID == p.payee.UserID {
		return EarmarkResult{}, ErrSelfTransfer
	}
	if _, err := tx.Wallet(ctx, p.payee.WalletID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return EarmarkResult{}, fmt.Errorf("payee %s: %w", payeeVPA, ErrNotFound)
		}
		return EarmarkResult{}, err
	}

	ws, err := lockWallets(ctx, tx, p.payer.WalletID)
	if err != nil {
		return EarmarkResult{}, err
	}
	payer := ws[p.payer.WalletID]
	if payer.Available().LessThan(amount) {
		return EarmarkResult{}, fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds,
			payer.Available().StringFixed(2), amount.StringFixed(2))
	}

	payer.Balance = ledger.Round(payer.Balance.Sub(amount))
	payer.LockedBalance = ledger.Round(payer.LockedBalance.Add(amount))
	if err := tx.UpdateWallet(ctx, payer); err != nil {
		return EarmarkResult{}, err
	}

	s.logger.Info("funds earmarked",
		slog.String("payer_vpa", payerVPA),
		slog.String("payee_vpa", payeeVPA),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("payer_balance", payer.Balance.StringFixed(2)),
		slog.String("payer_locked", payer.LockedBalance.StringFixed(2)),
	)
	return EarmarkResult{PayerBalance: payer.Balance, PayerLocked: payer.LockedBalance}, nil
}

// Confirm releases earmarked funds to the payee.
func (s *Service) Confirm(ctx context.Context, tx ledger.Tx, payerVPA, payeeVPA string, amount decimal.Decimal) error {
	return s.release(ctx, tx, OpConfirm, payerVPA, payeeVPA, amount)
}

// Rollback returns earmarked funds to the payer's balance. The payee is untouched.
func (s *Service) Rollback(ctx context.Context, tx ledger.Tx, payerVPA, payeeVPA string, amount decimal.Decimal) error {
	return s.release(ctx, tx, OpRollback, payerVPA, payeeVPA, amount)
}

func (s *Service) release(ctx context.Context, tx ledger.Tx, op, payerVPA, payeeVPA string, amount decimal.Decimal) error {
	amount, err := normaliseAmount(amount)
	if err != nil {
		return err
	}
	p, err := resolve(ctx, tx, payerVPA, payeeVPA)
	if err != nil {
		return err
	}

	ids := []int64{p.payer.WalletID}
	if op == OpConfirm {
		ids = append(ids, p.payee.WalletID)
	}
	ws, err := lockWallets(ctx, tx, ids...)
	if err != nil {
		return err
	}

	payer := ws[p.payer.WalletID]
	if payer.LockedBalance.LessThan(amount) {
		ierr := &IntegrityError{
			Operation:     op,
			PayerVPA:      payerVPA,
			PayeeVPA:      payeeVPA,
			Amount:        amount,
			Balance:       payer.Balance,
			LockedBalance: payer.LockedBalance,
		}
		s.logger.Error("ledger integrity violation",
			slog.String("operation", op),
			slog.String("payer_vpa", payerVPA),
			slog.String("payee_vpa", payeeVPA),
			slog.String("amount", amount.StringFixed(2)),
			slog.String("payer_balance", payer.Balance.StringFixed(2)),
			slog.String("payer_locked", payer.LockedBalance.StringFixed(2)),
		)
		return ierr
	}

	payer.LockedBalance = ledger.Round(payer.LockedBalance.Sub(amount))
	if op == OpRollback {
		payer.Balance = ledger.Round(payer.Balance.Add(amount))
	}
	ws[payer.ID] = payer

	if op == OpConfirm {
		payee := ws[p.payee.WalletID]
		payee.Balance = ledger.Round(payee.Balance.Add(amount))
		ws[payee.ID] = payee
	}

	for _, w := range ws {
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
	}

	attrs := []any{
		slog.String("operation", op),
		slog.String("payer_vpa", payerVPA),
		slog.String("payee_vpa", payeeVPA),
		slog.String("amount", amount.StringFixed(2)),
		slog.String("payer_balance", ws[p.payer.WalletID].Balance.StringFixed(2)),
		slog.String("payer_locked", ws[p.payer.WalletID].LockedBalance.StringFixed(2)),
	}
	if op == OpConfirm {
		attrs = append(attrs, slog.String("payee_balance", ws[p.payee.WalletID].Balance.StringFixed(2)))
	}
	s.logger.Info("earmarked funds released", attrs...)
	return nil
}

// EarmarkFunds runs Earmark as its own atomic unit.
func (s *Service) EarmarkFunds(ctx context.Context, payerVPA, payeeVPA string, amount decimal.Decimal) (EarmarkResult, error) {
	var res EarmarkResult
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		res, err = s.Earmark(ctx, tx, payerVPA, payeeVPA, amount)
		return err
	})
	return res, err
}

// ConfirmFunds runs Confirm as its own atomic unit.
func (s *Service) ConfirmFunds(ctx context.Context, payerVPA, payeeVPA string, amount decimal.Decimal) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return s.Confirm(ctx, tx, payerVPA, payeeVPA, amount)
	})
}

// RollbackFunds runs Rollback as its own atomic unit.
func (s *Service) RollbackFunds(ctx context.Context, payerVPA, payeeVPA string, amount decimal.Decimal) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return s.Rollback(ctx, tx, payerVPA, payeeVPA, amount)
	})
}

// Provision opens the wallet for a newly registered user inside tx.
func (s *Service) Provision(ctx context.Context, tx ledger.Tx, userID int64, opening decimal.Decimal) (ledger.Wallet, error) {
	if opening.IsNegative() {
		return ledger.Wallet{}, ErrInvalidAmount
	}
	return tx.CreateWallet(ctx, ledger.Wallet{
		UserID:        userID,
		Balance:       ledger.Round(opening),
		LockedBalance: decimal.Zero,
		Currency:      s.currency,
	})
}

// BalanceByVPA returns the wallet balance behind a VPA.
func (s *Service) BalanceByVPA(ctx context.Context, address string) (Balance, error) {
	address = ledger.NormalizeVPA(address)
	v, err := s.store.ResolveVPA(ctx, address)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	w, err := s.store.Wallet(ctx, v.WalletID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return Balance{
		VPA:       address,
		WalletID:  w.ID,
		Balance:   w.Balance,
		Locked:    w.LockedBalance,
		Available: w.Available(),
		Currency:  w.Currency,
		AsOf:      time.Now().UTC(),
	}, nil
}
