package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds a variant from its descriptor and free-form settings.
type Factory func(desc Descriptor, settings map[string]string, logger zerolog.Logger) (Provider, error)

// Registry maps a provider class to its constructor.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a class. Registering the same class twice is an error.
func (r *Registry) Register(class string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[class]; exists {
		return fmt.Errorf("provider class %q already registered", class)
	}
	r.factories[class] = f
	return nil
}

// Build constructs a provider of desc.Class.
func (r *Registry) Build(desc Descriptor, settings map[string]string, logger zerolog.Logger) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[desc.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: unknown class %q", desc.Name, desc.Class)
	}
	p, err := f(desc, settings, logger)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", desc.Name, err)
	}
	return p, nil
}

// Classes lists registered classes in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for class := range r.factories {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
