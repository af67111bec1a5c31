package currency

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/currency"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
)

// Code is a normalized (lower case) currency code, crypto ticker or payment
// method identifier
type Code string

type Kind uint8

const (
	KindUnknown Kind = iota
	KindFiat
	KindCrypto
	KindPaymentMethod
)

func (k Kind) String() string {
	switch k {
	case KindFiat:
		return "fiat"
	case KindCrypto:
		return "crypto"
	case KindPaymentMethod:
		return "payment_method"
	}
	return "unknown"
}

// Payment methods that can stand in for a target currency
const (
	Card         Code = "card"
	BankTransfer Code = "bank_transfer"
	ApplePay     Code = "apple_pay"
	GooglePay    Code = "google_pay"
)

var paymentMethods = map[Code]struct{}{
	Card:         {},
	BankTransfer: {},
	ApplePay:     {},
	GooglePay:    {},
}

// Crypto tickers supported by at least one provider. Network suffixed
// tickers (eg. usdttrc20) are accepted as-is by crypto providers.
var cryptoTickers = map[Code]struct{}{
	"btc": {}, "eth": {}, "ltc": {}, "bch": {}, "xrp": {}, "doge": {},
	"trx": {}, "sol": {}, "ton": {}, "bnb": {}, "matic": {}, "pol": {},
	"dash": {}, "xmr": {}, "ada": {}, "avax": {}, "dot": {}, "shib": {},
	"usdt": {}, "usdc": {}, "dai": {}, "busd": {}, "tusd": {},
	"usdttrc20": {}, "usdterc20": {}, "usdtbsc": {}, "usdtsol": {}, "usdtton": {},
	"usdcerc20": {}, "usdcsol": {}, "usdcmatic": {},
}

// Parse normalizes value and returns its code and kind
func Parse(value string) (Code, Kind, error) {
	code := Code(strings.ToLower(strings.TrimSpace(value)))
	kind := code.Kind()
	if kind == KindUnknown {
		return "", KindUnknown, errors.Wrapf(ErrUnknownCurrency, "%q", value)
	}
	return code, kind, nil
}

// X prefixed ISO 4217 codes are metals, funds and testing codes, except for
// these circulating regional currencies
var circulatingXCodes = map[Code]struct{}{
	"xaf": {}, "xcd": {}, "xof": {}, "xpf": {},
}

func isIso4217(c Code) bool {
	if len(c) != 3 {
		return false
	}

	if c[0] == 'x' {
		_, ok := circulatingXCodes[c]
		return ok
	}

	_, err := currency.ParseISO(strings.ToUpper(string(c)))
	return err == nil
}

func (c Code) Kind() Kind {
	if isIso4217(c) {
		return KindFiat
	}
	if _, ok := cryptoTickers[c]; ok {
		return KindCrypto
	}
	if _, ok := paymentMethods[c]; ok {
		return KindPaymentMethod
	}
	return KindUnknown
}

func (c Code) IsFiat() bool {
	return c.Kind() == KindFiat
}

func (c Code) IsCrypto() bool {
	return c.Kind() == KindCrypto
}

func (c Code) IsPaymentMethod() bool {
	return c.Kind() == KindPaymentMethod
}

func (c Code) String() string {
	return string(c)
}

// Upper returns the code the way fiat oriented APIs expect it
func (c Code) Upper() string {
	return strings.ToUpper(string(c))
}
