package model

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var ErrAmountNotRepresentable = errors.New("amount is not representable in minor units")

// MaxMinorUnits is the largest amount, in minor units, that can be stored.
const MaxMinorUnits int64 = math.MaxInt64

var (
	minorUnitsPerMajor = decimal.NewFromInt(100)
	maxMinorUnits      = decimal.NewFromInt(MaxMinorUnits)
)

// ToMinorUnits converts a decimal amount to integer cents. It multiplies by
// 100 and requires the result to be an exact integer that fits in int64;
// nothing is rounded.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	cents := amount.Mul(minorUnitsPerMajor)
	if !cents.IsInteger() {
		return 0, ErrAmountNotRepresentable
	}
	if cents.Abs().GreaterThan(maxMinorUnits) {
		return 0, ErrAmountNotRepresentable
	}
	return cents.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
