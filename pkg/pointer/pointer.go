package pointer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Of returns a pointer to the provided value
func Of[T any](value T) *T {
	return &value
}

// Copy returns a pointer that's a copy of the provided value
func Copy[T any](value *T) *T {
	if value == nil {
		return nil
	}

	copied := *value
	return &copied
}

// IfValid returns a pointer to the value if it's valid, otherwise nil
func IfValid[T any](valid bool, value T) *T {
	if valid {
		return &value
	}
	return nil
}

// OrDefault returns the pointer if not nil, otherwise a pointer to the default value
func OrDefault[T any](value *T, defaultValue T) *T {
	if value != nil {
		return value
	}
	return &defaultValue
}

// String returns a pointer to the provided string value
func String(value string) *string {
	return &value
}

// StringCopy returns a pointer that's a copy of the provided value
func StringCopy(value *string) *string {
	return Copy(value)
}

// StringIfValid returns a pointer to the value if it's valid, otherwise nil
func StringIfValid(valid bool, value string) *string {
	return IfValid(valid, value)
}

// Time returns a pointer to the provided time value
func Time(value time.Time) *time.Time {
	return &value
}

// TimeCopy returns a pointer that's a copy of the provided value
func TimeCopy(value *time.Time) *time.Time {
	return Copy(value)
}

// TimeIfValid returns a pointer to the value if it's valid, otherwise nil
func TimeIfValid(valid bool, value time.Time) *time.Time {
	return IfValid(valid, value)
}

// Decimal returns a pointer to the provided decimal value
func Decimal(value decimal.Decimal) *decimal.Decimal {
	return &value
}

// DecimalCopy returns a pointer that's a copy of the provided value
func DecimalCopy(value *decimal.Decimal) *decimal.Decimal {
	return Copy(value)
}

// DecimalIfValid parses value when valid. Unparsable values yield nil.
func DecimalIfValid(valid bool, value string) *decimal.Decimal {
	if !valid {
		return nil
	}

	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return nil
	}
	return &parsed
}
