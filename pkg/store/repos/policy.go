package repos

import (
	"context"
	"sort"

	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// PolicyRepo stores policy definitions.
type PolicyRepo struct {
	*BaseRepo[types.Policy]
}

func NewPolicyRepo(st store.Store) *PolicyRepo {
	return &PolicyRepo{BaseRepo: NewBaseRepo[types.Policy](st, types.ResourceTypePolicy)}
}

// ClusterPolicyRepo stores cluster/policy bindings and their ledgers.
type ClusterPolicyRepo struct {
	*BaseRepo[types.ClusterPolicy]
}

func NewClusterPolicyRepo(st store.Store) *ClusterPolicyRepo {
	return &ClusterPolicyRepo{BaseRepo: NewBaseRepo[types.ClusterPolicy](st, types.ResourceTypeClusterPolicy)}
}

// GetBinding loads the binding of policyID to clusterID.
func (r *ClusterPolicyRepo) GetBinding(ctx context.Context, clusterID, policyID string) (*types.ClusterPolicy, error) {
	return r.Get(ctx, types.ClusterPolicyID(clusterID, policyID))
}

// ListByCluster returns a cluster's bindings ordered by priority, then policy id.
func (r *ClusterPolicyRepo) ListByCluster(ctx context.Context, clusterID string) ([]*types.ClusterPolicy, error) {
	bindings, err := r.Filter(ctx, func(cp *types.ClusterPolicy) bool { return cp.ClusterID == clusterID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bindings, func(i, j int) bool {
		if bindings[i].Priority != bindings[j].Priority {
			return bindings[i].Priority < bindings[j].Priority
		}
		return bindings[i].PolicyID < bindings[j].PolicyID
	})
	return bindings, nil
}

// ListByPolicy returns every binding of a policy.
func (r *ClusterPolicyRepo) ListByPolicy(ctx context.Context, policyID string) ([]*types.ClusterPolicy, error) {
	return r.Filter(ctx, func(cp *types.ClusterPolicy) bool { return cp.PolicyID == policyID })
}
