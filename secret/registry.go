package secret

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderFactory creates a Provider from its configuration block.
type ProviderFactory func(cfg map[string]any) (Provider, error)

// Registry maps provider names to factories so that providers can be
// selected from configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ProviderFactory)}
}

// Register adds a provider factory.
func (r *Registry) Register(name string, factory ProviderFactory) error {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return errors.New("secret: invalid provider registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("secret: provider %q already registered", name)
	}
	r.providers[name] = factory
	return nil
}

// Create instantiates a provider by name.
func (r *Registry) Create(name string, cfg map[string]any) (Provider, error) {
	name = strings.TrimSpace(name)

	r.mu.RLock()
	factory, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// Resolver builds a Resolver from per-provider configuration blocks.
func (r *Registry) Resolver(strict bool, configs map[string]map[string]any) (*Resolver, error) {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	res := NewResolver(strict)
	for _, name := range names {
		p, err := r.Create(name, configs[name])
		if err != nil {
			_ = res.Close()
			return nil, err
		}
		res.Register(p)
	}
	return res, nil
}

// List returns registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry knows the "env" and "file" providers.
//
//	env:  {prefix: "APIGUARD_SECRET_"}
//	file: {dir: "/run/secrets"}
var DefaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register("env", func(cfg map[string]any) (Provider, error) {
		prefix, _ := cfg["prefix"].(string)
		return NewEnvProvider(prefix), nil
	})
	_ = r.Register("file", func(cfg map[string]any) (Provider, error) {
		dir, _ := cfg["dir"].(string)
		if dir == "" {
			return nil, errors.New("secret: file provider requires dir")
		}
		return NewFileProvider(dir), nil
	})
	return r
}
