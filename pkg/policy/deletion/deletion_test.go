package deletion

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/store/repos"
	"github.com/rzbill/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, spec map[string]interface{}) (*Policy, *repos.Repos) {
	t.Helper()
	ctx := context.Background()
	r := repos.New(store.NewMemoryStore())

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"n1", "n2", "n3", "n4"} {
		n := &types.Node{ID: id, ClusterID: "c1", Index: i + 1, Status: types.NodeStatusActive, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if id == "n3" {
			n.Status = types.NodeStatusError
		}
		require.NoError(t, r.Nodes.Create(ctx, id, n))
	}

	p, err := New(&types.Policy{ID: "dp", Type: Type, Version: Version, Spec: spec}, policy.Env{Repos: r})
	require.NoError(t, err)
	require.NoError(t, p.Validate(ctx))
	return p.(*Policy), r
}

func shrink(kind types.ActionType, count int) *types.Action {
	a := &types.Action{ID: "a1", Type: kind, TargetID: "c1", Data: types.ActionData{}}
	if count > 0 {
		a.Data.SetDeletion(count)
	}
	return a
}

func TestNew_Defaults(t *testing.T) {
	p, _ := setup(t, nil)
	assert.Equal(t, Spec{Criteria: Random, DestroyAfterDeletion: true}, p.spec)
}

func TestValidate(t *testing.T) {
	p, err := New(&types.Policy{Type: Type, Version: Version, Spec: map[string]interface{}{"criteria": "BIGGEST"}}, policy.Env{})
	require.NoError(t, err)
	assert.True(t, types.IsValidationError(p.Validate(context.Background())))

	p, err = New(&types.Policy{Type: Type, Version: Version, Spec: map[string]interface{}{"grace_period": -1}}, policy.Env{})
	require.NoError(t, err)
	assert.True(t, types.IsValidationError(p.Validate(context.Background())))
}

func TestPreOp_Criteria(t *testing.T) {
	tests := []struct {
		criteria string
		count    int
		want     []string
	}{
		{OldestFirst, 2, []string{"n3", "n1"}},
		{YoungestFirst, 2, []string{"n3", "n4"}},
		{YoungestFirst, 3, []string{"n3", "n4", "n2"}},
		{OldestFirst, 9, []string{"n3", "n1", "n2", "n4"}},
	}
	for _, tt := range tests {
		t.Run(tt.criteria, func(t *testing.T) {
			p, _ := setup(t, map[string]interface{}{"criteria": tt.criteria})
			action := shrink(types.ActionClusterScaleIn, tt.count)
			require.NoError(t, p.PreOp(context.Background(), "c1", action))
			assert.Equal(t, tt.want, action.Data.DeletionCandidates())
		})
	}
}

func TestPreOp_Random(t *testing.T) {
	p, _ := setup(t, map[string]interface{}{"criteria": Random})
	p.shuffle = func(n int, swap func(i, j int)) { swap(0, n-1) }

	action := shrink(types.ActionClusterResize, 2)
	require.NoError(t, p.PreOp(context.Background(), "c1", action))
	assert.Equal(t, []string{"n3", "n4"}, action.Data.DeletionCandidates())
}

func TestPreOp_Options(t *testing.T) {
	p, _ := setup(t, map[string]interface{}{
		"criteria":                OldestFirst,
		"destroy_after_deletion":  false,
		"grace_period":            30,
		"reduce_desired_capacity": true,
	})

	action := shrink(types.ActionClusterScaleIn, 1)
	require.NoError(t, p.PreOp(context.Background(), "c1", action))
	assert.Equal(t, types.DeletionOptions{
		DestroyAfterDeletion:  false,
		GracePeriod:           30,
		ReduceDesiredCapacity: true,
	}, action.Data.DeletionOptionsOr(types.DeletionOptions{DestroyAfterDeletion: true}))
}

func TestPreOp_KeepsExplicitCandidates(t *testing.T) {
	p, _ := setup(t, map[string]interface{}{"criteria": OldestFirst})

	action := shrink(types.ActionClusterScaleIn, 1)
	action.Data.SetDeletionCandidates([]string{"n4"})
	require.NoError(t, p.PreOp(context.Background(), "c1", action))
	assert.Equal(t, []string{"n4"}, action.Data.DeletionCandidates())

	del := &types.Action{ID: "a2", Type: types.ActionClusterDelNodes, TargetID: "c1",
		Inputs: map[string]interface{}{"nodes": []interface{}{"n2"}}, Data: types.ActionData{}}
	require.NoError(t, p.PreOp(context.Background(), "c1", del))
	assert.Equal(t, []string{"n2"}, del.Data.DeletionCandidates())
	assert.Equal(t, 1, del.Data.DeletionCount())
}

func TestPreOp_NoDeletionIsNoop(t *testing.T) {
	p, _ := setup(t, nil)
	action := shrink(types.ActionClusterResize, 0)
	require.NoError(t, p.PreOp(context.Background(), "c1", action))
	assert.Empty(t, action.Data)
}
