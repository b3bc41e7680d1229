package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rzbill/corral/pkg/store/repos"
	"github.com/rzbill/corral/pkg/types"
)

// Bound pairs a binding with the policy instance built from its definition.
type Bound struct {
	Binding *types.ClusterPolicy
	Policy  Policy
}

// Resolve returns the bound policies that should run in phase for action at
// now: enabled, not cooling down, and targeting (phase, action). The result
// is ordered by ascending priority, then policy id, for both phases.
func Resolve(bound []Bound, phase Phase, action types.ActionType, now time.Time) []Bound {
	out := make([]Bound, 0, len(bound))
	for _, b := range bound {
		if b.Binding == nil || b.Policy == nil {
			continue
		}
		if !b.Binding.Enabled || b.Binding.InCooldown(now) {
			continue
		}
		if !Handles(b.Policy, phase, action) {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Binding.Priority != out[j].Binding.Priority {
			return out[i].Binding.Priority < out[j].Binding.Priority
		}
		return out[i].Binding.PolicyID < out[j].Binding.PolicyID
	})
	return out
}

// LoadBound builds a policy instance for every binding of clusterID.
func LoadBound(ctx context.Context, r *repos.Repos, registry *Registry, env Env, clusterID string) ([]Bound, error) {
	bindings, err := r.ClusterPolicies.ListByCluster(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies of cluster %s: %w", clusterID, err)
	}

	out := make([]Bound, 0, len(bindings))
	for _, cp := range bindings {
		def, err := r.Policies.Get(ctx, cp.PolicyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy %s: %w", cp.PolicyID, err)
		}
		p, err := registry.Create(ctx, def, env)
		if err != nil {
			return nil, fmt.Errorf("failed to build policy %s: %w", cp.PolicyID, err)
		}
		out = append(out, Bound{Binding: cp, Policy: p})
	}
	return out, nil
}
