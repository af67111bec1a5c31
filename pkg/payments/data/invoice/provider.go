package invoice

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Provider is the closed set of payment providers the engine aggregates
type Provider uint8

const (
	ProviderUnknown Provider = iota
	ProviderStripe
	ProviderNowPayments
	ProviderCryptomus
	ProviderAlchemyPay
)

// AllProviders lists every supported provider
var AllProviders = []Provider{
	ProviderStripe,
	ProviderNowPayments,
	ProviderCryptomus,
	ProviderAlchemyPay,
}

// ParseProvider parses a provider name, case insensitive
func ParseProvider(value string) (Provider, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "STRIPE":
		return ProviderStripe, nil
	case "NOWPAYMENTS":
		return ProviderNowPayments, nil
	case "CRYPTOMUS":
		return ProviderCryptomus, nil
	case "ALCHEMYPAY":
		return ProviderAlchemyPay, nil
	}
	return ProviderUnknown, errors.Wrapf(ErrUnknownProvider, "%q", value)
}

func (p Provider) IsValid() bool {
	return p > ProviderUnknown && p <= ProviderAlchemyPay
}

func (p Provider) String() string {
	switch p {
	case ProviderStripe:
		return "STRIPE"
	case ProviderNowPayments:
		return "NOWPAYMENTS"
	case ProviderCryptomus:
		return "CRYPTOMUS"
	case ProviderAlchemyPay:
		return "ALCHEMYPAY"
	}
	return "UNKNOWN"
}

// Slug is the lower case form used in routes and metric names
func (p Provider) Slug() string {
	return strings.ToLower(p.String())
}
