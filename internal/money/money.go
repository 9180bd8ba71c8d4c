// Package money provides fixed-point amount parsing and formatting.
//
// Amounts are decimal.Decimal values held at Scale fractional digits.
// Balances and ledger entries never use floating point.
package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept for every amount.
const Scale = 2

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "20.00") to an amount.
// Returns (Zero, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than Scale fractional digits are rejected rather than rounded
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Zero, false
	}
	if strings.ContainsAny(s, "eE") {
		return Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, false
	}
	if d.Exponent() < -Scale && !d.Equal(d.Truncate(Scale)) {
		return Zero, false
	}
	return d.Truncate(Scale), true
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return d
}

// Format renders an amount with exactly Scale fractional digits ("20.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// FromMinor converts an amount in minor units (cents) to an amount.
func FromMinor(units int64) decimal.Decimal {
	return decimal.New(units, -Scale)
}

// ToMinor converts an amount to minor units, truncating anything finer.
func ToMinor(d decimal.Decimal) int64 {
	return d.Shift(Scale).Truncate(0).IntPart()
}

// IsPositive reports whether d > 0.
func IsPositive(d decimal.Decimal) bool {
	return d.Sign() > 0
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
