package repos

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeRepoListByClusterSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore())

	now := time.Now()
	require.NoError(t, r.Nodes.Create(ctx, "n2", &types.Node{ID: "n2", ClusterID: "c1", Index: 2}))
	require.NoError(t, r.Nodes.Create(ctx, "n1", &types.Node{ID: "n1", ClusterID: "c1", Index: 1}))
	require.NoError(t, r.Nodes.Create(ctx, "n3", &types.Node{ID: "n3", ClusterID: "c1", Index: 3, DeletedAt: &now}))
	require.NoError(t, r.Nodes.Create(ctx, "n4", &types.Node{ID: "n4", ClusterID: "c2"}))

	nodes, err := r.Nodes.ListByCluster(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, "n2", nodes[1].ID)

	many, err := r.Nodes.GetMany(ctx, []string{"n3", "missing", "n1"})
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.True(t, many[0].IsDeleted())
}

func TestClusterPolicyRepoOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore())

	for _, cp := range []*types.ClusterPolicy{
		{ClusterID: "c1", PolicyID: "b", Priority: 50},
		{ClusterID: "c1", PolicyID: "a", Priority: 50},
		{ClusterID: "c1", PolicyID: "z", Priority: 10},
		{ClusterID: "c2", PolicyID: "x", Priority: 1},
	} {
		require.NoError(t, r.ClusterPolicies.Create(ctx, cp.GetID(), cp))
	}

	bindings, err := r.ClusterPolicies.ListByCluster(ctx, "c1")
	require.NoError(t, err)
	ids := []string{}
	for _, b := range bindings {
		ids = append(ids, b.PolicyID)
	}
	assert.Equal(t, []string{"z", "a", "b"}, ids)

	got, err := r.ClusterPolicies.GetBinding(ctx, "c2", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)
}

func TestActionRepoListByStatus(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore())
	base := time.Now()

	require.NoError(t, r.Actions.Create(ctx, "late", &types.Action{ID: "late", Status: types.ActionStatusReady, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, r.Actions.Create(ctx, "early", &types.Action{ID: "early", Status: types.ActionStatusWaiting, CreatedAt: base}))
	require.NoError(t, r.Actions.Create(ctx, "done", &types.Action{ID: "done", Status: types.ActionStatusSucceeded, CreatedAt: base}))

	actions, err := r.Actions.ListByStatus(ctx, types.ActionStatusReady, types.ActionStatusWaiting)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "early", actions[0].ID)
	assert.Equal(t, "late", actions[1].ID)
}

func TestWorkerHeartbeat(t *testing.T) {
	ctx := context.Background()
	r := New(store.NewMemoryStore())
	now := time.Now()

	w := &types.WorkerRecord{ID: "w1", StartedAt: now}
	require.NoError(t, r.Workers.Heartbeat(ctx, w, now))
	require.NoError(t, r.Workers.Heartbeat(ctx, w, now.Add(10*time.Second)))

	live, err := r.Workers.IsLive(ctx, "w1", now.Add(20*time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, live)

	live, err = r.Workers.IsLive(ctx, "w1", now.Add(time.Minute), 30*time.Second)
	require.NoError(t, err)
	assert.False(t, live)

	live, err = r.Workers.IsLive(ctx, "ghost", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, live)
}
