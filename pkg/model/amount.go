package model

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToDisplay converts base units into a display amount using the asset's decimals.
func ToDisplay(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals)
}

// FromDisplay parses a display amount such as "12.5" into base units.
// Amounts that are negative, finer than the asset's precision, or beyond uint64 are rejected.
func FromDisplay(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount %q: must not be negative", s)
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimal places", s, decimals)
	}

	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("invalid amount %q: out of range", s)
	}
	return bi.Uint64(), nil
}
