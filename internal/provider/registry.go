package provider

import (
	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/models"
)

// Registry holds the closed set of provider adapters, constructed once from
// configuration and injected where needed.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds adapters for all four providers. Each adapter gets its
// own HTTP client so rate limiting is applied per provider.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		adapters: map[string]Adapter{
			models.ProviderXero: &Xero{
				cfg:         cfg.Xero,
				redirectURI: cfg.RedirectURI(models.ProviderXero),
				client:      newAPIClient(),
			},
			models.ProviderQuickBooks: &QuickBooks{
				cfg:         cfg.QuickBooks,
				apiBase:     cfg.QuickBooksAPIBaseURL(),
				redirectURI: cfg.RedirectURI(models.ProviderQuickBooks),
				client:      newAPIClient(),
			},
			models.ProviderSage: &Sage{
				cfg:         cfg.Sage,
				redirectURI: cfg.RedirectURI(models.ProviderSage),
				client:      newAPIClient(),
			},
			models.ProviderFreeAgent: &FreeAgent{
				cfg:         cfg.FreeAgent,
				redirectURI: cfg.RedirectURI(models.ProviderFreeAgent),
				client:      newAPIClient(),
			},
		},
	}
}

// Get returns the adapter for the named provider.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
