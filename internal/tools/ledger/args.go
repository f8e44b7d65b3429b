package ledger

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/fluxora/streamledger/internal/domain"
)

// maxExactFloat is the largest integer a JSON number carries without loss.
const maxExactFloat = 1 << 53

// requireString extracts a non-empty string from args by key.
func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if v == "" {
		return "", errors.Errorf("%s is required", key)
	}
	return v, nil
}

// requireUint64 extracts an unsigned integer given either as a JSON number
// or, for values beyond 2^53, as a decimal string. Safe against nil values.
func requireUint64(args map[string]any, key string) (uint64, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return 0, errors.Errorf("%s is required", key)
	}
	switch x := v.(type) {
	case float64:
		if x < 0 || x != math.Trunc(x) || x > maxExactFloat {
			return 0, errors.Errorf("%s must be a non-negative integer below 2^53 (use a string for larger values), got %v", key, x)
		}
		return uint64(x), nil
	case string:
		n, err := strconv.ParseUint(x, 10, 64)
		if err != nil {
			return 0, errors.Errorf("%s must be an unsigned integer, got %q", key, x)
		}
		return n, nil
	default:
		return 0, errors.Errorf("%s must be a number or string, got %T", key, v)
	}
}

// optionalUint64 is requireUint64 with a fallback for a missing key.
func optionalUint64(args map[string]any, key string, fallback uint64) (uint64, error) {
	if v, ok := args[key]; !ok || v == nil {
		return fallback, nil
	}
	return requireUint64(args, key)
}

// requireAmount extracts a 128-bit token amount given as a decimal string or,
// for small values, a JSON number.
func requireAmount(args map[string]any, key string) (decimal.Decimal, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return decimal.Zero, errors.Errorf("%s is required", key)
	}
	switch x := v.(type) {
	case string:
		d, err := domain.ParseAmount(x)
		return d, errors.WithMessage(err, key)
	case float64:
		if math.Abs(x) > maxExactFloat {
			return decimal.Zero, errors.Wrapf(domain.ErrInvalidParameters, "%s must be below 2^53 as a number (use a string for larger values), got %v", key, x)
		}
		d := decimal.NewFromFloat(x)
		if err := domain.CheckAmount(d); err != nil {
			return decimal.Zero, errors.WithMessage(err, key)
		}
		return d, nil
	default:
		return decimal.Zero, errors.Errorf("%s must be a string or number, got %T", key, v)
	}
}
