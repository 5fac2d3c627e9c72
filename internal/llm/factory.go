package llm

import (
	"fmt"
	"sync"

	"github.com/Veraticus/esg-flow/internal/common"
)

// Factory constructs a provider from its configuration.
type Factory func(cfg Config) (Provider, error)

var defaultFactories = map[ProviderName]Factory{
	ProviderOpenAI:    newOpenAIProvider,
	ProviderAnthropic: newAnthropicProvider,
	ProviderLocal:     newLocalProvider,
}

// NewProvider creates a provider directly, bypassing the registry cache.
func NewProvider(name ProviderName, cfg Config) (Provider, error) {
	factory, ok := defaultFactories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownProvider, name)
	}
	return factory(cfg)
}

type registryEntry struct {
	provider Provider
	err      error
	factory  Factory
	cfg      Config
	once     sync.Once
}

// Registry hands out one provider instance per tag, constructed on first use.
// The set of entries is fixed at construction, so lookups need no lock and
// concurrent first use constructs each provider exactly once.
type Registry struct {
	entries map[ProviderName]*registryEntry
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithProvider installs an already-built provider under its own name.
func WithProvider(p Provider) RegistryOption {
	return func(r *Registry) {
		entry := &registryEntry{provider: p}
		entry.once.Do(func() {})
		r.entries[p.Name()] = entry
	}
}

// WithFactory replaces the constructor used for name.
func WithFactory(name ProviderName, cfg Config, factory Factory) RegistryOption {
	return func(r *Registry) {
		r.entries[name] = &registryEntry{factory: factory, cfg: cfg}
	}
}

// NewRegistry creates a registry for the configured providers. Providers
// without configuration still get an entry and fail at call time when they
// need credentials.
func NewRegistry(configs map[ProviderName]Config, opts ...RegistryOption) *Registry {
	r := &Registry{entries: make(map[ProviderName]*registryEntry, len(defaultFactories))}
	for name, factory := range defaultFactories {
		r.entries[name] = &registryEntry{factory: factory, cfg: configs[name]}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name ProviderName) (Provider, error) {
	entry, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownProvider, name)
	}

	entry.once.Do(func() {
		entry.provider, entry.err = entry.factory(entry.cfg)
	})
	return entry.provider, entry.err
}
