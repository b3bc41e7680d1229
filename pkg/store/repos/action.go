package repos

import (
	"context"
	"sort"

	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// ActionRepo stores actions.
type ActionRepo struct {
	*BaseRepo[types.Action]
}

func NewActionRepo(st store.Store) *ActionRepo {
	return &ActionRepo{BaseRepo: NewBaseRepo[types.Action](st, types.ResourceTypeAction)}
}

// ListByStatus returns actions in any of the given states, oldest first.
func (r *ActionRepo) ListByStatus(ctx context.Context, statuses ...types.ActionStatus) ([]*types.Action, error) {
	want := make(map[types.ActionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	actions, err := r.Filter(ctx, func(a *types.Action) bool { return want[a.Status] })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
	return actions, nil
}

// ListByTarget returns every action against a cluster or node.
func (r *ActionRepo) ListByTarget(ctx context.Context, targetID string) ([]*types.Action, error) {
	return r.Filter(ctx, func(a *types.Action) bool { return a.TargetID == targetID })
}
