package identity

import (
	"errors"
	"time"
)

var (
	// ErrVPATaken is returned when the requested address is already bound.
	ErrVPATaken = errors.New("vpa already taken")
	// ErrInvalidVPA is returned for addresses not shaped like name@provider.
	ErrInvalidVPA = errors.New("vpa must look like name@provider")
	// ErrInvalidPIN is returned for PINs that are not 4 to 6 digits.
	ErrInvalidPIN = errors.New("PIN must be 4 to 6 digits")
	// ErrInvalidName is returned for an empty display name.
	ErrInvalidName = errors.New("name is required")
)

// Registration is the outcome of onboarding a user.
type Registration struct {
	UserID     int64
	ExternalID string
	Name       string
	VPA        string
	WalletID   int64
	Currency   string
	CreatedAt  time.Time
}

// RegisterInput carries the onboarding request.
type RegisterInput struct {
	Name string
	PIN  string
	VPA  string
}
