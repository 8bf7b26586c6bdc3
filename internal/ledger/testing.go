package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedAccount is a test helper that registers a user with a wallet holding
// balance and a primary VPA bound to address. It works against any Store.
func SeedAccount(ctx context.Context, s Store, address string, balance decimal.Decimal) (Wallet, error) {
	var wallet Wallet
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		user, err := tx.CreateUser(ctx, User{ExternalID: uuid.NewString(), Name: address, PINHash: []byte("seed")})
		if err != nil {
			return err
		}
		wallet, err = tx.CreateWallet(ctx, Wallet{UserID: user.ID, Balance: balance, LockedBalance: decimal.Zero, Currency: "INR"})
		if err != nil {
			return err
		}
		_, err = tx.CreateVPA(ctx, VPA{Address: address, UserID: user.ID, WalletID: wallet.ID, IsPrimary: true})
		return err
	})
	return wallet, err
}

// AddVPA binds an extra, non-primary address to the owner of an existing one.
func AddVPA(ctx context.Context, s Store, existing, address string) error {
	return s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		v, err := tx.ResolveVPA(ctx, existing)
		if err != nil {
			return err
		}
		_, err = tx.CreateVPA(ctx, VPA{Address: address, UserID: v.UserID, WalletID: v.WalletID})
		return err
	})
}
