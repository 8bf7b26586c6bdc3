package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

func newService(t *testing.T, opening int64) (*Service, ledger.Store) {
	t.Helper()
	store := ledger.NewInMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallets := wallet.NewService(store, logger, "INR")
	return NewService(store, wallets, decimal.NewFromInt(opening), logger), store
}

func TestRegisterProvisionsWalletAndPrimaryVPA(t *testing.T) {
	svc, store := newService(t, 500)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterInput{Name: "Alice", PIN: "1234", VPA: " Alice@PSP "})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.VPA != "alice@psp" || reg.Currency != "INR" {
		t.Fatalf("unexpected registration %+v", reg)
	}

	v, err := store.ResolveVPA(ctx, "alice@psp")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !v.IsPrimary || v.UserID != reg.UserID || v.WalletID != reg.WalletID {
		t.Fatalf("unexpected vpa %+v", v)
	}

	w, err := store.Wallet(ctx, reg.WalletID)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(500)) || !w.LockedBalance.IsZero() {
		t.Fatalf("unexpected opening wallet %+v", w)
	}
}

func TestRegisterHashesPIN(t *testing.T) {
	store := ledger.NewInMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var captured []byte
	spy := &userSpy{Store: store, onUser: func(u ledger.User) { captured = u.PINHash }}
	svc := NewService(spy, wallet.NewService(spy, logger, "INR"), decimal.Zero, logger)

	if _, err := svc.Register(context.Background(), RegisterInput{Name: "Bob", PIN: "4321", VPA: "bob@psp"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if string(captured) == "4321" {
		t.Fatal("PIN stored in clear text")
	}
	if err := bcrypt.CompareHashAndPassword(captured, []byte("4321")); err != nil {
		t.Fatalf("stored hash does not match PIN: %v", err)
	}
}

func TestRegisterRejectsTakenVPA(t *testing.T) {
	svc, store := newService(t, 0)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Name: "Alice", PIN: "1234", VPA: "alice@psp"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Name: "Mallory", PIN: "9999", VPA: "alice@psp"}); !errors.Is(err, ErrVPATaken) {
		t.Fatalf("expected vpa taken, got %v", err)
	}

	// The failed unit must not leave an orphan wallet behind.
	if _, err := store.Wallet(ctx, 2); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected no second wallet, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t, 0)
	ctx := context.Background()

	cases := []struct {
		in   RegisterInput
		want error
	}{
		{RegisterInput{Name: "", PIN: "1234", VPA: "a@psp"}, ErrInvalidName},
		{RegisterInput{Name: "A", PIN: "12", VPA: "a@psp"}, ErrInvalidPIN},
		{RegisterInput{Name: "A", PIN: "12ab", VPA: "a@psp"}, ErrInvalidPIN},
		{RegisterInput{Name: "A", PIN: "1234567", VPA: "a@psp"}, ErrInvalidPIN},
		{RegisterInput{Name: "A", PIN: "1234", VPA: "a-psp"}, ErrInvalidVPA},
	}
	for _, tc := range cases {
		if _, err := svc.Register(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%+v: expected %v, got %v", tc.in, tc.want, err)
		}
	}
}

type userSpy struct {
	ledger.Store
	onUser func(ledger.User)
}

func (s *userSpy) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return fn(ctx, &userSpyTx{Tx: tx, onUser: s.onUser})
	})
}

type userSpyTx struct {
	ledger.Tx
	onUser func(ledger.User)
}

func (t *userSpyTx) CreateUser(ctx context.Context, u ledger.User) (ledger.User, error) {
	t.onUser(u)
	return t.Tx.CreateUser(ctx, u)
}
