package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/validation"
	"github.com/vpapay/vpa_pay/internal/wallet"
)

// Service manages user onboarding.
type Service struct {
	store   ledger.Store
	wallets *wallet.Service
	opening decimal.Decimal
	logger  *slog.Logger
}

// NewService creates an identity service. New wallets start with opening.
func NewService(store ledger.Store, wallets *wallet.Service, opening decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{store: store, wallets: wallets, opening: opening, logger: logger}
}

// Register creates the user, their wallet and a primary VPA in one atomic
// unit, storing only a bcrypt hash of the PIN.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Registration, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.VPA = ledger.NormalizeVPA(in.VPA)
	if in.Name == "" {
		return Registration{}, ErrInvalidName
	}
	if !validPIN(in.PIN) {
		return Registration{}, ErrInvalidPIN
	}
	if !validation.IsVPA(in.VPA) {
		return Registration{}, ErrInvalidVPA
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.PIN), bcrypt.DefaultCost)
	if err != nil {
		return Registration{}, err
	}

	var reg Registration
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		user, err := tx.CreateUser(ctx, ledger.User{
			ExternalID: uuid.NewString(),
			Name:       in.Name,
			PINHash:    hash,
		})
		if err != nil {
			return err
		}
		w, err := s.wallets.Provision(ctx, tx, user.ID, s.opening)
		if err != nil {
			return err
		}
		v, err := tx.CreateVPA(ctx, ledger.VPA{
			Address:   in.VPA,
			UserID:    user.ID,
			WalletID:  w.ID,
			IsPrimary: true,
		})
		if err != nil {
			return err
		}
		reg = Registration{
			UserID:     user.ID,
			ExternalID: user.ExternalID,
			Name:       user.Name,
			VPA:        v.Address,
			WalletID:   w.ID,
			Currency:   w.Currency,
			CreatedAt:  user.CreatedAt,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateVPA) {
			return Registration{}, ErrVPATaken
		}
		return Registration{}, err
	}

	s.logger.Info("user registered",
		slog.Int64("user_id", reg.UserID),
		slog.String("vpa", reg.VPA),
		slog.Int64("wallet_id", reg.WalletID),
	)
	return reg, nil
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
