package domain

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// CreateStreamInput carries the parameters of a new stream.
type CreateStreamInput struct {
	Sender        Principal       `validate:"required,nefield=Recipient"`
	Recipient     Principal       `validate:"required"`
	DepositAmount decimal.Decimal `validate:"-"`
	RatePerSecond decimal.Decimal `validate:"-"`
	StartTime     uint64
	CliffTime     uint64 `validate:"gtefield=StartTime"`
	EndTime       uint64 `validate:"gtefield=CliffTime"`
}

// Validate checks principals, schedule ordering and amounts. Every failure
// wraps ErrInvalidParameters, except 128-bit range violations which wrap
// ErrOverflow.
func (in CreateStreamInput) Validate() error {
	if err := structValidator().Struct(in); err != nil {
		return errors.Wrap(ErrInvalidParameters, err.Error())
	}
	for _, a := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"deposit_amount", in.DepositAmount},
		{"rate_per_second", in.RatePerSecond},
	} {
		if err := CheckAmount(a.v); err != nil {
			return errors.WithMessage(err, a.name)
		}
		if !a.v.IsPositive() {
			return errors.Wrapf(ErrInvalidParameters, "%s must be positive, got %s", a.name, a.v)
		}
	}
	return nil
}
