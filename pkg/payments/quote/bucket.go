package quote

import (
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	percent = decimal.New(1, -2)
)

// BucketStep returns the discretization step for amount. At or above one unit
// the step is 1% of the amount or one whole unit, whichever is coarser, with
// the 1% kept to two significant digits so that neighbouring amounts land on
// the same grid. Below one unit, where a whole-unit step would round the
// amount away, the step is the largest power of ten at or below 1%.
func BucketStep(amount decimal.Decimal) decimal.Decimal {
	amount = amount.Abs()
	if amount.IsZero() {
		return one
	}

	if amount.LessThan(one) {
		return decimal.New(1, leadingExponent(amount)-2)
	}

	step := significant(amount.Mul(percent), 2)
	if step.LessThan(one) {
		return one
	}
	return step
}

// Bucket rounds amount to the nearest multiple of its step. The result is
// never zero for a positive amount.
func Bucket(amount decimal.Decimal) decimal.Decimal {
	step := BucketStep(amount)

	bucket := amount.Div(step).Round(0).Mul(step)
	if bucket.IsZero() {
		return step
	}
	return bucket
}

// significant rounds a positive amount to the given number of significant digits
func significant(amount decimal.Decimal, digits int32) decimal.Decimal {
	return amount.Round(digits - 1 - leadingExponent(amount))
}

// leadingExponent is the exponent of the leading digit, so 0.0021 -> -3 and
// 1234 -> 3
func leadingExponent(amount decimal.Decimal) int32 {
	if amount.GreaterThanOrEqual(one) {
		return int32(len(amount.Truncate(0).String())) - 1
	}

	var exponent int32
	for amount.LessThan(one) {
		amount = amount.Shift(1)
		exponent--
	}
	return exponent
}
