package currency

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// GetDecimals returns the number of minor unit digits card processors use
// for a fiat currency
func GetDecimals(code Code) int32 {
	switch code {
	case "bif", "clp", "djf", "gnf", "jpy", "kmf", "krw", "mga",
		"pyg", "rwf", "ugx", "vnd", "vuv", "xaf", "xof", "xpf":
		return 0
	case "bhd", "jod", "kwd", "omr", "tnd":
		return 3
	}
	return 2
}

// ToMinorUnits converts a fiat amount to an integer number of minor units.
// Amounts with more precision than the currency supports are rejected.
func ToMinorUnits(code Code, amount decimal.Decimal) (int64, error) {
	if !code.IsFiat() {
		return 0, errors.Errorf("%s is not a fiat currency", code)
	}

	shifted := amount.Shift(GetDecimals(code))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, errors.Errorf("%s exceeds %s precision", amount.String(), code)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts an integer number of minor units to a fiat amount
func FromMinorUnits(code Code, minorUnits int64) decimal.Decimal {
	return decimal.New(minorUnits, -GetDecimals(code))
}
