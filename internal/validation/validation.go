// Package validation wraps go-playground/validator with the rules shared by
// the HTTP handlers.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/vpapay/vpa_pay/internal/ledger"
)

var (
	// ErrValidationFailed is returned when a payload breaks a validation rule.
	ErrValidationFailed = errors.New("validation failed")
	// ErrBodyParseFailed is returned when the request body cannot be decoded.
	ErrBodyParseFailed = errors.New("failed to parse request body")
)

var vpaPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+$`)

// IsVPA reports whether s is a well-formed virtual payment address.
func IsVPA(s string) bool {
	return vpaPattern.MatchString(s)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

func initValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("vpa", func(fl validator.FieldLevel) bool {
		return IsVPA(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register vpa rule: %w", err)
	}
	if err := v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive() && ledger.FitsMinorUnits(d)
	}); err != nil {
		return nil, fmt.Errorf("register positive_decimal rule: %w", err)
	}
	return v, nil
}

// Validator returns the shared validator instance.
func Validator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidator()
	})
	return validate, errValidate
}

// Struct validates payload and reports the first failing field.
func Struct(payload any) error {
	v, err := Validator()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if err := v.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return describe(fieldErrs[0])
		}
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

func describe(fe validator.FieldError) error {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", ErrValidationFailed, field)
	case "vpa":
		return fmt.Errorf("%w: %s must look like name@provider", ErrValidationFailed, field)
	case "positive_decimal":
		return fmt.Errorf("%w: %s must be greater than zero with at most %d decimal places", ErrValidationFailed, field, ledger.MinorUnits)
	case "min", "max", "len":
		return fmt.Errorf("%w: %s must satisfy %s=%s", ErrValidationFailed, field, fe.Tag(), fe.Param())
	default:
		return fmt.Errorf("%w: %s failed %s", ErrValidationFailed, field, fe.Tag())
	}
}

// ParseBody decodes the request body into payload and validates it.
func ParseBody(c *fiber.Ctx, payload any) error {
	if err := c.BodyParser(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBodyParseFailed, err)
	}
	return Struct(payload)
}
