package provider

import (
	"github.com/pkg/errors"

	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
)

// Registry is the closed set of configured adapters, built once at startup
type Registry struct {
	adapters map[invoice.Provider]Adapter
}

// NewRegistry builds a registry from the provided adapters. Each provider may
// be registered at most once.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		adapters: make(map[invoice.Provider]Adapter),
	}

	for _, adapter := range adapters {
		provider := adapter.Provider()
		if !provider.IsValid() {
			return nil, errors.Errorf("adapter reports invalid provider %d", provider)
		}

		if _, ok := r.adapters[provider]; ok {
			return nil, errors.Errorf("adapter for %s registered twice", provider)
		}
		r.adapters[provider] = adapter
	}

	return r, nil
}

// Get returns the adapter for a provider, or ErrUnsupportedProvider
func (r *Registry) Get(provider invoice.Provider) (Adapter, error) {
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, errors.Wrap(ErrUnsupportedProvider, provider.String())
	}
	return adapter, nil
}

// Providers returns the configured providers in enum order
func (r *Registry) Providers() []invoice.Provider {
	var res []invoice.Provider
	for _, provider := range invoice.AllProviders {
		if _, ok := r.adapters[provider]; ok {
			res = append(res, provider)
		}
	}
	return res
}
