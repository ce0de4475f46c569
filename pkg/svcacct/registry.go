package svcacct

import (
	"fmt"
	"sync"
)

// Registry holds identity-backend factories keyed by variant.
// Backend packages register themselves via init(); main selects exactly
// one variant from configuration at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[Variant]BackendFactory
}

// DefaultRegistry is the global backend registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Variant]BackendFactory)}
}

// RegisterFactory adds a backend factory to the registry.
func (r *Registry) RegisterFactory(v Variant, f BackendFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[v]; exists {
		return fmt.Errorf("backend factory already registered: %s", v)
	}
	r.factories[v] = f
	return nil
}

// New constructs the backend for a variant.
func (r *Registry) New(v Variant, store BackingStore, cfg IdentityConfig) (IdentityBackend, error) {
	r.mu.RLock()
	f, exists := r.factories[v]
	r.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound("identity backend", string(v))
	}
	b, err := f.New(store, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend %s: %w", v, err)
	}
	return b, nil
}

// List returns all registered variants.
func (r *Registry) List() []Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	variants := make([]Variant, 0, len(r.factories))
	for v := range r.factories {
		variants = append(variants, v)
	}
	return variants
}

// Unregister removes a factory. Mainly useful for testing.
func (r *Registry) Unregister(v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, v)
}

// Global convenience functions that use DefaultRegistry

// RegisterFactory adds a backend factory to the default registry.
func RegisterFactory(v Variant, f BackendFactory) error {
	return DefaultRegistry.RegisterFactory(v, f)
}

// NewBackend constructs a backend from the default registry.
func NewBackend(v Variant, store BackingStore, cfg IdentityConfig) (IdentityBackend, error) {
	return DefaultRegistry.New(v, store, cfg)
}

// ListBackends returns all variants in the default registry.
func ListBackends() []Variant {
	return DefaultRegistry.List()
}
