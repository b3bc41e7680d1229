package scaling

import (
	"context"
	"testing"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/store/repos"
	"github.com/rzbill/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPolicy(t *testing.T, r *repos.Repos, spec map[string]interface{}) *Policy {
	t.Helper()
	p, err := New(&types.Policy{ID: "sp", Name: "scale", Type: Type, Version: Version, Spec: spec}, policy.Env{Repos: r, Logger: log.NewTestLogger()})
	require.NoError(t, err)
	require.NoError(t, p.Validate(context.Background()))
	return p.(*Policy)
}

func seedCluster(t *testing.T, r *repos.Repos, size, min, max int) {
	t.Helper()
	c := &types.Cluster{ID: "c1", Name: "web", MinSize: min, MaxSize: max, DesiredCapacity: size}
	for i := 0; i < size; i++ {
		c.NodeIDs = append(c.NodeIDs, string(rune('a'+i)))
	}
	require.NoError(t, r.Clusters.Create(context.Background(), c.ID, c))
}

func scaleAction(kind types.ActionType, inputs map[string]interface{}) *types.Action {
	return &types.Action{ID: "a1", Type: kind, TargetID: "c1", Inputs: inputs, Data: types.ActionData{}}
}

func TestNew_Defaults(t *testing.T) {
	p := newPolicy(t, nil, map[string]interface{}{"event": "SCALE_OUT"})
	assert.Equal(t, types.ActionClusterScaleOut, p.Event())
	assert.Equal(t, Adjustment{Type: ChangeInCapacity, Number: 1, MinStep: 1}, p.spec.Adjustment)
	assert.Equal(t, []policy.Target{{Phase: policy.PhaseBefore, Action: types.ActionClusterScaleOut}}, p.Targets())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]interface{}
	}{
		{"bad event", map[string]interface{}{"event": "RESIZE"}},
		{"bad type", map[string]interface{}{"event": "SCALE_IN", "adjustment": map[string]interface{}{"type": "DOUBLE"}}},
		{"zero change", map[string]interface{}{"event": "SCALE_IN", "adjustment": map[string]interface{}{"number": 0}}},
		{"negative step", map[string]interface{}{"event": "SCALE_IN", "adjustment": map[string]interface{}{"min_step": -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(&types.Policy{Type: Type, Version: Version, Spec: tt.spec}, policy.Env{})
			require.NoError(t, err)
			assert.True(t, types.IsValidationError(p.Validate(context.Background())))
		})
	}
}

func TestPreOp_Counts(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		adj    map[string]interface{}
		inputs map[string]interface{}
		size   int
		min    int
		max    int
		create int
		delete int
		abort  string
	}{
		{name: "change out", event: "SCALE_OUT", adj: map[string]interface{}{"number": 2}, size: 2, max: 10, create: 2},
		{name: "input count wins", event: "SCALE_OUT", adj: map[string]interface{}{"number": 2}, inputs: map[string]interface{}{"count": 3}, size: 2, max: 10, create: 3},
		{name: "exact out", event: "SCALE_OUT", adj: map[string]interface{}{"type": ExactCapacity, "number": 5}, size: 2, max: 10, create: 3},
		{name: "percentage uses min step", event: "SCALE_OUT", adj: map[string]interface{}{"type": ChangeInPercentage, "number": 10, "min_step": 2}, size: 4, max: 10, create: 2},
		{name: "percentage", event: "SCALE_IN", adj: map[string]interface{}{"type": ChangeInPercentage, "number": 50}, size: 6, max: 10, delete: 3},
		{name: "above max aborts", event: "SCALE_OUT", adj: map[string]interface{}{"number": 5}, size: 8, max: 10,
			abort: "The target capacity (13) is greater than the cluster's max_size (10)."},
		{name: "above max best effort", event: "SCALE_OUT", adj: map[string]interface{}{"number": 5, "best_effort": true}, size: 8, max: 10, create: 2},
		{name: "unlimited max", event: "SCALE_OUT", adj: map[string]interface{}{"number": 50}, size: 8, max: types.Unlimited, create: 50},
		{name: "below min aborts", event: "SCALE_IN", adj: map[string]interface{}{"number": 3}, size: 3, min: 1, max: 10,
			abort: "The target capacity (0) is less than the cluster's min_size (1)."},
		{name: "below min best effort", event: "SCALE_IN", adj: map[string]interface{}{"number": 3, "best_effort": true}, size: 3, min: 1, max: 10, delete: 2},
		{name: "exact already reached", event: "SCALE_IN", adj: map[string]interface{}{"type": ExactCapacity, "number": 3}, size: 3, max: 10,
			abort: "Invalid count (0) for action 'CLUSTER_SCALE_IN'."},
		{name: "at limit best effort", event: "SCALE_OUT", adj: map[string]interface{}{"number": 1, "best_effort": true}, size: 4, max: 4,
			abort: "Cluster web is already at its size limit."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := repos.New(store.NewMemoryStore())
			seedCluster(t, r, tt.size, tt.min, tt.max)
			p := newPolicy(t, r, map[string]interface{}{"event": tt.event, "adjustment": tt.adj})

			action := scaleAction(p.Event(), tt.inputs)
			require.NoError(t, p.PreOp(context.Background(), "c1", action))

			if tt.abort != "" {
				assert.Equal(t, types.CheckError, action.Data.CheckStatus())
				assert.Equal(t, tt.abort, action.Data.Reason())
				return
			}
			assert.Equal(t, types.CheckOK, action.Data.CheckStatus())
			assert.Equal(t, tt.create, action.Data.CreationCount())
			assert.Equal(t, tt.delete, action.Data.DeletionCount())
		})
	}
}

func TestPreOp_IgnoresOtherActions(t *testing.T) {
	p := newPolicy(t, nil, map[string]interface{}{"event": "SCALE_OUT"})
	action := scaleAction(types.ActionClusterScaleIn, nil)
	require.NoError(t, p.PreOp(context.Background(), "c1", action))
	assert.Empty(t, action.Data)
}

func TestPreOp_MissingCluster(t *testing.T) {
	r := repos.New(store.NewMemoryStore())
	p := newPolicy(t, r, map[string]interface{}{"event": "SCALE_OUT"})
	err := p.PreOp(context.Background(), "missing", scaleAction(types.ActionClusterScaleOut, nil))
	assert.True(t, store.IsNotFoundError(err))
}
