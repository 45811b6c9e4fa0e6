// Package money provides fixed-point amount handling for every currency the
// platform settles.
//
// Amounts are shopspring decimals. Each currency has a scale (number of
// fractional digits). Ledger amounts never carry more precision than their
// currency's scale; derived amounts (fees, commissions) are truncated toward
// zero so the platform never pays out more than it collected.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrTooPrecise     = errors.New("amount exceeds currency precision")
)

// DefaultScale applies to currencies not listed in scales.
const DefaultScale int32 = 8

var scales = map[string]int32{
	"BTC":  8,
	"LTC":  8,
	"ETH":  18,
	"USDT": 6,
	"USDC": 6,
	"TRX":  6,
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"NGN":  2,
	"INR":  2,
	"KES":  2,
}

// Scale returns the number of fractional digits for a currency.
func Scale(currency string) int32 {
	if s, ok := scales[Code(currency)]; ok {
		return s
	}
	return DefaultScale
}

// Code normalizes a currency code.
func Code(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Parse converts a decimal string into an amount for the given currency.
// Negative values and values finer than the currency scale are rejected.
func Parse(currency, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if !Fits(currency, d) {
		return decimal.Zero, ErrTooPrecise
	}
	return d, nil
}

// ParsePositive is Parse plus a > 0 check.
func ParsePositive(currency, s string) (decimal.Decimal, error) {
	d, err := Parse(currency, s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Fits reports whether d is representable at the currency's scale.
func Fits(currency string, d decimal.Decimal) bool {
	return d.Equal(Truncate(currency, d))
}

// Truncate drops digits beyond the currency scale (toward zero).
func Truncate(currency string, d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale(currency))
}

// Round rounds half away from zero to the currency scale. Used for quote
// amounts (fiat totals) that are informational rather than settled.
func Round(currency string, d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale(currency))
}

// MulRate returns amount*rate truncated to the currency scale.
func MulRate(currency string, amount, rate decimal.Decimal) decimal.Decimal {
	return Truncate(currency, amount.Mul(rate))
}

// Format renders d with exactly the currency's number of fractional digits.
func Format(currency string, d decimal.Decimal) string {
	return d.StringFixed(Scale(currency))
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
