package repos

import (
	"context"
	"sort"

	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// ClusterRepo stores clusters.
type ClusterRepo struct {
	*BaseRepo[types.Cluster]
}

func NewClusterRepo(st store.Store) *ClusterRepo {
	return &ClusterRepo{BaseRepo: NewBaseRepo[types.Cluster](st, types.ResourceTypeCluster)}
}

// NodeRepo stores nodes, including soft-deleted ones.
type NodeRepo struct {
	*BaseRepo[types.Node]
}

func NewNodeRepo(st store.Store) *NodeRepo {
	return &NodeRepo{BaseRepo: NewBaseRepo[types.Node](st, types.ResourceTypeNode)}
}

// ListByCluster returns the live members of a cluster ordered by index.
func (r *NodeRepo) ListByCluster(ctx context.Context, clusterID string) ([]*types.Node, error) {
	nodes, err := r.Filter(ctx, func(n *types.Node) bool {
		return n.ClusterID == clusterID && !n.IsDeleted()
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Index < nodes[j].Index })
	return nodes, nil
}

// GetMany loads nodes by id, deleted ones included. Missing ids are skipped.
func (r *NodeRepo) GetMany(ctx context.Context, ids []string) ([]*types.Node, error) {
	out := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		n, err := r.Get(ctx, id)
		if store.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
