package domain

import (
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Amounts are signed 128-bit integers of smallest token units. They are
// carried as decimal.Decimal and kept inside [MinAmount, MaxAmount].
var (
	MaxAmount = decimal.RequireFromString("170141183460469231731687303715884105727")
	MinAmount = decimal.RequireFromString("-170141183460469231731687303715884105728")
)

// CheckAmount reports ErrInvalidParameters for fractional values and
// ErrOverflow for values outside the 128-bit range.
func CheckAmount(d decimal.Decimal) error {
	if !d.IsInteger() {
		return errors.Wrapf(ErrInvalidParameters, "amount %s is not a whole number of units", d)
	}
	if d.GreaterThan(MaxAmount) || d.LessThan(MinAmount) {
		return errors.Wrapf(ErrOverflow, "amount %s", d)
	}
	return nil
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidParameters, "parse amount %q", s)
	}
	if err := CheckAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// AddAmount returns a+b or ErrOverflow.
func AddAmount(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if err := CheckAmount(sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// SubAmount returns a-b or ErrOverflow.
func SubAmount(a, b decimal.Decimal) (decimal.Decimal, error) {
	diff := a.Sub(b)
	if err := CheckAmount(diff); err != nil {
		return decimal.Zero, err
	}
	return diff, nil
}

// MulSaturating returns seconds*rate clamped to MaxAmount. rate must be
// positive. A clamped product is always above any valid deposit, so capping
// by the deposit afterwards yields the exact result.
func MulSaturating(seconds uint64, rate decimal.Decimal) decimal.Decimal {
	p := decimal.NewFromBigInt(new(big.Int).SetUint64(seconds), 0).Mul(rate)
	if p.GreaterThan(MaxAmount) {
		return MaxAmount
	}
	return p
}
