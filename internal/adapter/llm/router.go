package llm

import (
	"fmt"

	"fnord/internal/domain"
)

// Well-known preference labels.
const (
	PreferenceDefault = "default"
	// PreferenceFast selects the provider used for tersify rewrites.
	PreferenceFast = "fast"
)

// PreferenceRouter maps model preference labels to concrete LLM providers.
type PreferenceRouter struct {
	mapping  map[string]string // preference → provider name
	registry *Registry
	fallback domain.LLMProvider
}

// NewPreferenceRouter creates a router from a mapping and a provider registry.
// The fallback is used for empty, "default" and unmapped preferences.
func NewPreferenceRouter(mapping map[string]string, registry *Registry, fallback domain.LLMProvider) *PreferenceRouter {
	return &PreferenceRouter{
		mapping:  mapping,
		registry: registry,
		fallback: fallback,
	}
}

// Route resolves a preference label to an LLM provider.
func (r *PreferenceRouter) Route(preference string) (domain.LLMProvider, error) {
	providerName := r.mapping[preference]
	if preference == "" || preference == PreferenceDefault || providerName == "" || providerName == PreferenceDefault {
		if r.fallback != nil {
			return r.fallback, nil
		}
		return nil, fmt.Errorf("model preference %q: no default provider configured", preference)
	}

	provider, err := r.registry.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("preference %q: provider %q: %w", preference, providerName, err)
	}
	return provider, nil
}
