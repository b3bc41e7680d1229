package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/corral/pkg/types"
)

// Factory builds a typed policy from a stored definition.
type Factory func(def *types.Policy, env Env) (Policy, error)

// Registry manages policy types and creates instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for policyType at version.
func (r *Registry) Register(policyType, version string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[types.PolicyTypeName(policyType, version)] = factory
}

// Create builds the policy described by def and validates it. An unknown
// type or an invalid spec is reported as a ValidationError.
func (r *Registry) Create(ctx context.Context, def *types.Policy, env Env) (Policy, error) {
	if def == nil {
		return nil, types.NewValidationError("policy definition is required")
	}

	r.mu.RLock()
	factory, exists := r.factories[def.TypeName()]
	r.mu.RUnlock()
	if !exists {
		return nil, types.NewValidationErrorf("policy type %s not registered", def.TypeName())
	}

	p, err := factory(def, env)
	if err != nil {
		return nil, types.WrapValidationError(err, "invalid policy %s", def.Name)
	}
	if err := p.Validate(ctx); err != nil {
		if types.IsValidationError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to validate policy %s: %w", def.Name, err)
	}
	return p, nil
}

// IsRegistered reports whether policyType at version is known.
func (r *Registry) IsRegistered(policyType, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[types.PolicyTypeName(policyType, version)]
	return exists
}

// ListTypes returns every registered versioned type name, sorted.
func (r *Registry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
