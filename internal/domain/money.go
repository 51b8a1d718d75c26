package domain

import "github.com/shopspring/decimal"

// amountTolerance is the rounding slack allowed when comparing monetary
// amounts: anything below half a minor unit difference is the same money.
var amountTolerance = decimal.New(1, -2)

// EqualAmounts reports whether two monetary amounts are equal within rounding
// tolerance.
func EqualAmounts(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(amountTolerance)
}

// RoundAmount normalises a monetary amount to two decimal places.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MaxAmount returns the larger of two amounts.
func MaxAmount(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// MinAmount returns the smaller of two amounts.
func MinAmount(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
