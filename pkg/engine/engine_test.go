package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/corral/pkg/driver/fake"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/policy/deletion"
	"github.com/rzbill/corral/pkg/policy/lb"
	"github.com/rzbill/corral/pkg/policy/scaling"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
	"github.com/rzbill/corral/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  store.Store
	engine *Engine
	driver *fake.Driver
	logger *log.TestLogger

	mu    sync.Mutex
	clock time.Time
	slept []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store.NewMemoryStore(),
		driver: fake.New(),
		logger: log.NewTestLogger(),
		clock:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	reg := policy.NewRegistry()
	lb.Register(reg)
	scaling.Register(reg)
	deletion.Register(reg)

	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.RequeueDelay = 10 * time.Millisecond
	cfg.Retry = worker.RetryPolicy{MaxAttempts: 1}

	e, err := New(cfg, h.store, h.driver, reg, h.logger,
		WithWorkerID("worker-1"),
		WithClock(h.now),
		withSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.slept = append(h.slept, d)
			return nil
		}))
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) submit(req ActionRequest) string {
	h.t.Helper()
	id, err := h.engine.Submit(h.ctx, req)
	require.NoError(h.t, err)
	return id
}

// run executes the action synchronously on the calling goroutine.
func (h *harness) run(id string) *types.Action {
	h.t.Helper()
	_ = h.engine.run(h.ctx, id)
	return h.action(id)
}

func (h *harness) action(id string) *types.Action {
	h.t.Helper()
	a, err := h.engine.GetStatus(h.ctx, id)
	require.NoError(h.t, err)
	return a
}

func (h *harness) do(kind types.ActionType, target string, inputs map[string]interface{}) *types.Action {
	h.t.Helper()
	return h.run(h.submit(ActionRequest{Action: kind, TargetID: target, Inputs: inputs}))
}

func (h *harness) createCluster(name string, size, minSize, maxSize int) string {
	h.t.Helper()
	c := &types.Cluster{
		ID:              name,
		Name:            name,
		DesiredCapacity: size,
		MinSize:         minSize,
		MaxSize:         maxSize,
		Profile:         types.NodeProfile{Image: "nginx:1.25"},
	}
	a := h.run(h.submit(ActionRequest{Action: types.ActionClusterCreate, Cluster: c}))
	require.Equal(h.t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	return c.ID
}

func (h *harness) cluster(id string) *types.Cluster {
	h.t.Helper()
	c, err := h.engine.Repos().Clusters.Get(h.ctx, id)
	require.NoError(h.t, err)
	return c
}

func (h *harness) members(clusterID string) []*types.Node {
	h.t.Helper()
	nodes, err := h.engine.Repos().Nodes.ListByCluster(h.ctx, clusterID)
	require.NoError(h.t, err)
	return nodes
}

func (h *harness) node(id string) *types.Node {
	h.t.Helper()
	n, err := h.engine.Repos().Nodes.Get(h.ctx, id)
	require.NoError(h.t, err)
	return n
}

func (h *harness) createPolicy(id, policyType, version string, spec map[string]interface{}) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Repos().Policies.Create(h.ctx, id, &types.Policy{
		ID: id, Name: id, Type: policyType, Version: version, Spec: spec,
	}))
}

func (h *harness) attachLB(clusterID string) string {
	h.t.Helper()
	lbID := h.attachLBPolicy(clusterID, "lb-policy")
	require.Len(h.t, h.driver.LoadBalancers(), 1)
	return lbID
}

// attachLBPolicy creates an LB policy with the given id, attaches it and
// returns the load balancer recorded in the binding.
func (h *harness) attachLBPolicy(clusterID, policyID string) string {
	h.t.Helper()
	h.createPolicy(policyID, lb.Type, lb.Version, map[string]interface{}{
		"pool": map[string]interface{}{"protocol": "HTTP", "protocol_port": 80, "subnet": "private"},
		"vip":  map[string]interface{}{"subnet": "public", "protocol": "HTTP", "protocol_port": 80},
	})
	a := h.do(types.ActionClusterAttachPolicy, clusterID, map[string]interface{}{"policy_id": policyID})
	require.Equal(h.t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	cp, err := h.engine.Repos().ClusterPolicies.GetBinding(h.ctx, clusterID, policyID)
	require.NoError(h.t, err)
	ledger, ok, err := policy.ReadLedger(cp, lb.Type, lb.Version)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	lbID, _ := ledger["loadbalancer"].(string)
	require.NotEmpty(h.t, lbID)
	return lbID
}

func memberNodes(members []fake.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.NodeID)
	}
	return out
}

func TestSubmit_Results(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	_, err := h.engine.Submit(h.ctx, ActionRequest{Action: "CLUSTER_EXPLODE", TargetID: cid})
	assert.Equal(t, RejectedMalformed, ResultOf(err))

	_, err = h.engine.Submit(h.ctx, ActionRequest{Action: types.ActionClusterScaleOut, TargetID: "missing"})
	assert.Equal(t, RejectedTargetNotFound, ResultOf(err))
	assert.ErrorIs(t, err, ErrTargetNotFound)

	_, err = h.engine.Submit(h.ctx, ActionRequest{Action: types.ActionNodeCheck, TargetID: "missing"})
	assert.Equal(t, RejectedTargetNotFound, ResultOf(err))

	_, err = h.engine.Submit(h.ctx, ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid, DependsOn: []string{"nope"}})
	assert.Equal(t, RejectedMalformed, ResultOf(err))

	_, err = h.engine.Submit(h.ctx, ActionRequest{Action: types.ActionClusterCreate, Cluster: &types.Cluster{Name: "bad", MinSize: 3, MaxSize: 1}})
	assert.Equal(t, RejectedMalformed, ResultOf(err))

	id, err := h.engine.Submit(h.ctx, ActionRequest{ID: "a1", Action: types.ActionClusterScaleOut, TargetID: cid})
	require.NoError(t, err)
	assert.Equal(t, Accepted, ResultOf(err))
	assert.Equal(t, types.ActionStatusReady, h.action(id).Status)
	assert.True(t, h.logger.AssertLogged(log.InfoLevel, "Action accepted"))

	_, err = h.engine.Submit(h.ctx, ActionRequest{ID: "a1", Action: types.ActionClusterScaleOut, TargetID: cid})
	assert.Equal(t, RejectedMalformed, ResultOf(err))

	dep, err := h.engine.Submit(h.ctx, ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid, DependsOn: []string{id}})
	require.NoError(t, err)
	assert.Equal(t, types.ActionStatusWaiting, h.action(dep).Status)

	assert.Equal(t, SubmitError, ResultOf(errors.New("disk on fire")))
}

func TestSubmit_RejectsDependencyCycle(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 0, 0, 5)

	require.NoError(t, h.engine.Repos().Actions.Create(h.ctx, "y", &types.Action{
		ID: "y", Type: types.ActionClusterScaleOut, TargetID: cid,
		Status: types.ActionStatusWaiting, DependsOn: []string{"x"},
	}))
	_, err := h.engine.Submit(h.ctx, ActionRequest{ID: "x", Action: types.ActionClusterScaleOut, TargetID: cid, DependsOn: []string{"y"}})
	assert.Equal(t, RejectedMalformed, ResultOf(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestClusterCreate(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 3, 1, 5)

	c := h.cluster(cid)
	assert.Equal(t, types.ClusterStatusActive, c.Status)
	assert.Len(t, c.NodeIDs, 3)
	assert.Equal(t, 3, c.NextIndex)

	for i, n := range h.members(cid) {
		assert.Equal(t, types.NodeStatusActive, n.Status)
		assert.Equal(t, i+1, n.Index)
		assert.NotEmpty(t, n.PhysicalID)
		assert.Equal(t, "nginx:1.25", n.Profile.Image)
	}
	assert.Equal(t, 3, h.driver.CallCount(fake.OpCreateNode))
}

func TestClusterCreate_EmptyCluster(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("empty", 0, 0, types.Unlimited)

	c := h.cluster(cid)
	assert.Equal(t, types.ClusterStatusActive, c.Status)
	assert.Empty(t, c.NodeIDs)

	lbID := h.attachLB(cid)
	assert.Empty(t, h.driver.Members(lbID))

	a := h.do(types.ActionClusterScaleIn, cid, nil)
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "The target capacity (-1) is less than the cluster's min_size (0).", a.StatusReason)
}

func TestScaleOutAndIn_KeepsLoadBalancerInSync(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 1, 6)
	lbID := h.attachLB(cid)
	assert.Len(t, h.driver.Members(lbID), 2)

	a := h.do(types.ActionClusterScaleOut, cid, map[string]interface{}{"count": 2})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Len(t, a.Data.NodeIDs(), 2)

	members := h.members(cid)
	require.Len(t, members, 4)
	assert.Len(t, h.driver.Members(lbID), 4)
	for _, n := range members {
		_, ok := n.DataString(lb.MemberKey)
		assert.True(t, ok, "node %s should carry a pool member marker", n.ID)
	}
	assert.Equal(t, 4, h.cluster(cid).DesiredCapacity)

	youngest := members[3].ID
	a = h.do(types.ActionClusterScaleIn, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Equal(t, []string{youngest}, a.Data.NodeIDs())

	removed := h.node(youngest)
	assert.True(t, removed.IsDeleted())
	assert.Equal(t, types.NodeStatusDeleted, removed.Status)
	_, marked := removed.DataString(lb.MemberKey)
	assert.False(t, marked)
	assert.False(t, h.driver.HasNode(youngest))

	assert.Len(t, h.members(cid), 3)
	assert.NotContains(t, memberNodes(h.driver.Members(lbID)), youngest)
	assert.Equal(t, 3, h.cluster(cid).DesiredCapacity)
}

func TestScaleOut_DriverErrorIsReasonVerbatim(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)
	h.driver.FailOn(fake.OpCreateNode, errors.New("quota exceeded for instances"))

	a := h.do(types.ActionClusterScaleOut, cid, nil)
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "quota exceeded for instances", a.StatusReason)

	c := h.cluster(cid)
	assert.Equal(t, types.ClusterStatusWarning, c.Status)
	require.Len(t, c.NodeIDs, 2)
	failed := h.node(c.NodeIDs[1])
	assert.Equal(t, types.NodeStatusError, failed.Status)
	assert.Equal(t, "quota exceeded for instances", failed.StatusReason)
}

func TestScaleOut_BoundsAndPolicyVeto(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 1, 3)

	a := h.do(types.ActionClusterScaleOut, cid, map[string]interface{}{"count": 5})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "The target capacity (7) is greater than the cluster's max_size (3).", a.StatusReason)

	a = h.do(types.ActionClusterScaleOut, cid, map[string]interface{}{"count": 0})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "Invalid count (0) for action 'CLUSTER_SCALE_OUT'.", a.StatusReason)

	h.createPolicy("scale-out", scaling.Type, scaling.Version, map[string]interface{}{
		"event":      "CLUSTER_SCALE_OUT",
		"adjustment": map[string]interface{}{"type": "CHANGE_IN_CAPACITY", "number": 1},
	})
	att := h.do(types.ActionClusterAttachPolicy, cid, map[string]interface{}{"policy_id": "scale-out"})
	require.Equal(t, types.ActionStatusSucceeded, att.Status, att.StatusReason)

	a = h.do(types.ActionClusterScaleOut, cid, map[string]interface{}{"count": 5})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "Policy check failure: The target capacity (7) is greater than the cluster's max_size (3).", a.StatusReason)
	assert.Len(t, h.cluster(cid).NodeIDs, 2)
	assert.Equal(t, 2, h.driver.CallCount(fake.OpCreateNode))

	a = h.do(types.ActionClusterScaleOut, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Len(t, h.cluster(cid).NodeIDs, 3)
}

func TestScaleOut_PostOpFailureFailsAfterCommit(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)
	lbID := h.attachLB(cid)
	h.driver.FailOn(fake.OpMemberAdd, errors.New("pool is full"))

	a := h.do(types.ActionClusterScaleOut, cid, map[string]interface{}{"count": 2})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "Policy check failure: "+lb.ReasonAddFailed, a.StatusReason)
	assert.Len(t, a.Data.Failures(), 2)
	assert.Contains(t, a.Outputs, "failures")

	assert.Len(t, h.cluster(cid).NodeIDs, 3)
	assert.Len(t, h.driver.Members(lbID), 1)
	assert.True(t, h.logger.AssertLogged(log.WarnLevel, "Post-operation policy failures"))
}

func TestLockDenial_RequeuesAsWaiting(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	other := types.LockHolder{ActionID: "other", WorkerID: "worker-2"}
	ok, err := h.engine.Locks().LockCluster(h.ctx, cid, other, types.LockExclusive)
	require.NoError(t, err)
	require.True(t, ok)

	id := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid})
	a := h.run(id)
	assert.Equal(t, types.ActionStatusWaiting, a.Status)
	assert.Empty(t, a.Owner)
	assert.Equal(t, int64(1), h.engine.Metrics().LockDenials.Load())
	assert.Len(t, h.cluster(cid).NodeIDs, 1)

	require.NoError(t, h.engine.Locks().Release(h.ctx, types.LockScopeCluster, cid, "other"))
	a = h.run(id)
	assert.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Len(t, h.cluster(cid).NodeIDs, 2)

	held, err := h.engine.Locks().ListHeldBy(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestLockDenial_PartialPlanIsReleased(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 0, 0, 5)

	n := &types.Node{Name: "spare", Profile: types.NodeProfile{Image: "nginx"}}
	created := h.run(h.submit(ActionRequest{Action: types.ActionNodeCreate, Node: n}))
	require.Equal(t, types.ActionStatusSucceeded, created.Status)

	ok, err := h.engine.Locks().LockNode(h.ctx, n.ID, types.LockHolder{ActionID: "other", WorkerID: "worker-2"})
	require.NoError(t, err)
	require.True(t, ok)

	id := h.submit(ActionRequest{Action: types.ActionClusterAddNodes, TargetID: cid, Inputs: map[string]interface{}{"nodes": []string{n.ID}}})
	a := h.run(id)
	assert.Equal(t, types.ActionStatusWaiting, a.Status)

	_, err = h.engine.Locks().Get(h.ctx, types.LockScopeCluster, cid)
	assert.True(t, store.IsNotFoundError(err), "cluster lock should be released after the node lock was denied")
}

func TestDependencies(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	first := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid})
	second := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid, DependsOn: []string{first}})

	assert.Equal(t, types.ActionStatusWaiting, h.run(second).Status)
	assert.Equal(t, types.ActionStatusSucceeded, h.run(first).Status)
	assert.Equal(t, types.ActionStatusSucceeded, h.run(second).Status)
	assert.Len(t, h.cluster(cid).NodeIDs, 3)

	failing := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid, Inputs: map[string]interface{}{"count": 10}})
	dependent := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid, DependsOn: []string{failing}})
	assert.Equal(t, types.ActionStatusFailed, h.run(failing).Status)

	a := h.run(dependent)
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "Dependency "+failing+" ended FAILED", a.StatusReason)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	t.Run("pending action is cancelled at once", func(t *testing.T) {
		id := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid})
		require.NoError(t, h.engine.Cancel(h.ctx, id))
		assert.Equal(t, types.ActionStatusCancelled, h.action(id).Status)

		// A stale queue entry must not run it.
		assert.Equal(t, types.ActionStatusCancelled, h.run(id).Status)
		assert.ErrorIs(t, h.engine.Cancel(h.ctx, id), ErrActionFinished)
	})

	t.Run("unknown action", func(t *testing.T) {
		assert.ErrorIs(t, h.engine.Cancel(h.ctx, "nope"), ErrActionNotFound)
	})

	t.Run("running action stops at the next checkpoint", func(t *testing.T) {
		id := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: cid})
		a, err := h.engine.claim(h.ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.ActionStatusRunning, a.Status)

		require.NoError(t, h.engine.Cancel(h.ctx, id))
		stored := h.action(id)
		assert.Equal(t, types.ActionStatusRunning, stored.Status)
		assert.True(t, stored.CancelRequested)

		before := h.driver.CallCount(fake.OpCreateNode)
		x := &execution{engine: h.engine, action: a, logger: h.logger, started: h.now()}
		require.NoError(t, x.run(h.ctx))

		assert.Equal(t, types.ActionStatusCancelled, h.action(id).Status)
		assert.Equal(t, before, h.driver.CallCount(fake.OpCreateNode))
	})
}

func TestReclaim(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	stuck := &types.Action{
		ID: "stuck", Type: types.ActionClusterScaleOut, TargetID: cid,
		Status: types.ActionStatusRunning, Owner: "dead-worker",
	}
	require.NoError(t, h.engine.Repos().Actions.Create(h.ctx, stuck.ID, stuck))
	ok, err := h.engine.Locks().LockCluster(h.ctx, cid, types.LockHolder{ActionID: "stuck", WorkerID: "dead-worker"}, types.LockExclusive)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.engine.Reclaim(h.ctx))

	a := h.action("stuck")
	assert.Equal(t, types.ActionStatusReady, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.Empty(t, a.Owner)
	assert.Equal(t, int64(1), h.engine.Metrics().Reclaimed.Load())
	assert.True(t, h.logger.AssertLogged(log.WarnLevel, "Reclaimed action from dead worker"))

	_, err = h.engine.Locks().Get(h.ctx, types.LockScopeCluster, cid)
	assert.True(t, store.IsNotFoundError(err))

	assert.Equal(t, types.ActionStatusSucceeded, h.run("stuck").Status)
}

func TestReclaim_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	stuck := &types.Action{
		ID: "stuck", Type: types.ActionClusterScaleOut, TargetID: cid,
		Status: types.ActionStatusRunning, Owner: "dead-worker", Attempts: 2,
	}
	require.NoError(t, h.engine.Repos().Actions.Create(h.ctx, stuck.ID, stuck))
	require.NoError(t, h.engine.Reclaim(h.ctx))

	a := h.action("stuck")
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, 3, a.Attempts)
}

func TestReclaim_LeavesLiveOwnersAlone(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	require.NoError(t, h.engine.Repos().Workers.Heartbeat(h.ctx, &types.WorkerRecord{ID: "worker-2"}, h.now()))
	busy := &types.Action{
		ID: "busy", Type: types.ActionClusterScaleOut, TargetID: cid,
		Status: types.ActionStatusRunning, Owner: "worker-2",
	}
	require.NoError(t, h.engine.Repos().Actions.Create(h.ctx, busy.ID, busy))

	require.NoError(t, h.engine.Reclaim(h.ctx))
	assert.Equal(t, types.ActionStatusRunning, h.action("busy").Status)

	h.advance(time.Hour)
	require.NoError(t, h.engine.Reclaim(h.ctx))
	assert.Equal(t, types.ActionStatusReady, h.action("busy").Status)
}

func TestReclaim_SweepsStaleLocks(t *testing.T) {
	h := newHarness(t)

	ok, err := h.engine.Locks().LockNode(h.ctx, "n1", types.LockHolder{ActionID: "gone", WorkerID: "dead-worker"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.engine.Reclaim(h.ctx))
	_, err = h.engine.Locks().Get(h.ctx, types.LockScopeNode, "n1")
	require.NoError(t, err, "a fresh lock is not stale yet")

	h.advance(time.Hour)
	require.NoError(t, h.engine.Reclaim(h.ctx))
	_, err = h.engine.Locks().Get(h.ctx, types.LockScopeNode, "n1")
	assert.True(t, store.IsNotFoundError(err))
}

func TestOrphanedNodesAreRetired(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	// A record written before a worker died, never committed to the cluster.
	orphan := &types.Node{ID: "orphan", Name: "node-web-009", ClusterID: cid, Index: 9, Status: types.NodeStatusInit}
	require.NoError(t, h.engine.Repos().Nodes.Create(h.ctx, orphan.ID, orphan))

	a := h.do(types.ActionClusterScaleOut, cid, map[string]interface{}{"count": 1})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	c := h.cluster(cid)
	members := h.members(cid)
	require.Len(t, c.NodeIDs, 2)
	memberIDs := make([]string, 0, len(members))
	for _, n := range members {
		memberIDs = append(memberIDs, n.ID)
	}
	assert.ElementsMatch(t, c.NodeIDs, memberIDs)
	assert.True(t, h.node("orphan").IsDeleted())
	assert.True(t, h.logger.AssertLogged(log.InfoLevel, "Reaped orphaned node"))
}

func TestOrphanedNodeKeptStandaloneWhenDeleteFails(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	orphan := &types.Node{ID: "orphan", ClusterID: cid, Index: 9, Status: types.NodeStatusInit}
	require.NoError(t, h.engine.Repos().Nodes.Create(h.ctx, orphan.ID, orphan))
	h.driver.FailOnNode(fake.OpDeleteNode, "orphan", errors.New("host unreachable"))

	a := h.do(types.ActionClusterScaleOut, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	n := h.node("orphan")
	assert.True(t, n.IsStandalone())
	assert.False(t, n.IsDeleted())
	assert.Equal(t, types.NodeStatusError, n.Status)
	assert.Equal(t, "host unreachable", n.StatusReason)
	assert.Len(t, h.members(cid), 2)
}

func TestLockPlanChange_Requeues(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 5)

	solo := &types.Node{Name: "solo", Profile: types.NodeProfile{Image: "redis"}}
	require.Equal(t, types.ActionStatusSucceeded, h.run(h.submit(ActionRequest{Action: types.ActionNodeCreate, Node: solo})).Status)

	// Adopt the node into the cluster after the delete has locked it as a
	// standalone node.
	adopted := false
	h.engine.locked = func(ctx context.Context, actionID string) {
		if adopted {
			return
		}
		adopted = true
		n := h.node(solo.ID)
		c := h.cluster(cid)
		c.NextIndex++
		c.DesiredCapacity++
		n.ClusterID = cid
		n.Index = c.NextIndex
		c.AddNode(n.ID)
		require.NoError(t, h.engine.Repos().Nodes.Update(ctx, n.ID, n))
		require.NoError(t, h.engine.Repos().Clusters.Update(ctx, c.ID, c))
	}

	id := h.submit(ActionRequest{Action: types.ActionNodeDelete, TargetID: solo.ID})
	a := h.run(id)
	assert.Equal(t, types.ActionStatusWaiting, a.Status)
	assert.True(t, h.driver.HasNode(solo.ID))
	held, err := h.engine.Locks().ListHeldBy(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, held)

	a = h.run(id)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.True(t, h.node(solo.ID).IsDeleted())
	assert.Equal(t, []string{h.members(cid)[0].ID}, h.cluster(cid).NodeIDs)
	assert.Equal(t, 1, h.cluster(cid).DesiredCapacity)
}

func TestAddAndDelNodes(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 0, 3)
	lbID := h.attachLB(cid)

	victim := h.members(cid)[0].ID
	a := h.do(types.ActionClusterDelNodes, cid, map[string]interface{}{"nodes": []string{victim}})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	n := h.node(victim)
	assert.True(t, n.IsStandalone())
	assert.False(t, n.IsDeleted())
	assert.True(t, h.driver.HasNode(victim))
	assert.NotContains(t, memberNodes(h.driver.Members(lbID)), victim)
	assert.Equal(t, 1, h.cluster(cid).DesiredCapacity)

	a = h.do(types.ActionClusterDelNodes, cid, map[string]interface{}{"nodes": []string{"stranger"}})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Contains(t, a.StatusReason, "Nodes not members of specified cluster")

	a = h.do(types.ActionClusterAddNodes, cid, map[string]interface{}{"nodes": []string{victim}})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	n = h.node(victim)
	assert.Equal(t, cid, n.ClusterID)
	assert.Equal(t, 3, n.Index)
	assert.Contains(t, memberNodes(h.driver.Members(lbID)), victim)

	a = h.do(types.ActionClusterAddNodes, cid, map[string]interface{}{"nodes": []string{victim}})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Contains(t, a.StatusReason, "already owned")
}

func TestResize(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 1, 5)

	a := h.do(types.ActionClusterResize, cid, map[string]interface{}{"adjustment_type": ExactCapacity, "number": 4})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Len(t, h.cluster(cid).NodeIDs, 4)

	a = h.do(types.ActionClusterResize, cid, map[string]interface{}{"adjustment_type": ChangeInCapacity, "number": 9, "strict": true})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "The target capacity (13) is greater than the cluster's max_size (5).", a.StatusReason)

	a = h.do(types.ActionClusterResize, cid, map[string]interface{}{"adjustment_type": ChangeInCapacity, "number": 9})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Len(t, h.cluster(cid).NodeIDs, 5)

	a = h.do(types.ActionClusterResize, cid, map[string]interface{}{"max_size": 2})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	c := h.cluster(cid)
	assert.Len(t, c.NodeIDs, 2)
	assert.Equal(t, 2, c.MaxSize)
	assert.Equal(t, 2, c.DesiredCapacity)
}

func TestPlanResize(t *testing.T) {
	tests := []struct {
		name    string
		inputs  map[string]interface{}
		desired int
		wantErr string
	}{
		{"no change", nil, 4, ""},
		{"exact", map[string]interface{}{"adjustment_type": ExactCapacity, "number": 6}, 6, ""},
		{"percentage down", map[string]interface{}{"adjustment_type": ChangeInPercentage, "number": -50.0}, 2, ""},
		{"percentage min step", map[string]interface{}{"adjustment_type": ChangeInPercentage, "number": 10.0, "min_step": 2}, 6, ""},
		{"clamped to min", map[string]interface{}{"adjustment_type": ExactCapacity, "number": 0}, 1, ""},
		{"bad bounds", map[string]interface{}{"min_size": 5, "max_size": 3}, 0, "greater than the specified max_size"},
		{"bad type", map[string]interface{}{"adjustment_type": "DOUBLE", "number": 1}, 0, "Invalid adjustment_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := &execution{
				action:  &types.Action{Type: types.ActionClusterResize, Inputs: tt.inputs},
				cluster: &types.Cluster{MinSize: 1, MaxSize: 10, NodeIDs: []string{"a", "b", "c", "d"}},
			}
			plan, err := x.planResize()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.desired, plan.desired)
		})
	}
}

func TestDeletionPolicy_SelectsAndWaitsGracePeriod(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 3, 0, 5)
	oldest := h.members(cid)[0].ID

	h.createPolicy("del", deletion.Type, deletion.Version, map[string]interface{}{
		"criteria":     deletion.OldestFirst,
		"grace_period": 30,
	})
	att := h.do(types.ActionClusterAttachPolicy, cid, map[string]interface{}{"policy_id": "del", "priority": 10})
	require.Equal(t, types.ActionStatusSucceeded, att.Status, att.StatusReason)

	a := h.do(types.ActionClusterScaleIn, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Equal(t, []string{oldest}, a.Data.NodeIDs())
	assert.True(t, h.node(oldest).IsDeleted())
	assert.Equal(t, []time.Duration{30 * time.Second}, h.slept)
}

func TestAttachDetach(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 0, 5)
	lbID := h.attachLB(cid)

	cp, err := h.engine.Repos().ClusterPolicies.GetBinding(h.ctx, cid, "lb-policy")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyPriority, cp.Priority)
	assert.True(t, cp.Enabled)
	ledger, ok, err := policy.ReadLedger(cp, lb.Type, lb.Version)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lbID, ledger["loadbalancer"])

	a := h.do(types.ActionClusterAttachPolicy, cid, map[string]interface{}{"policy_id": "lb-policy"})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Contains(t, a.StatusReason, "already attached")

	a = h.do(types.ActionClusterUpdatePolicy, cid, map[string]interface{}{"policy_id": "lb-policy", "enabled": false, "priority": 5})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	cp, err = h.engine.Repos().ClusterPolicies.GetBinding(h.ctx, cid, "lb-policy")
	require.NoError(t, err)
	assert.False(t, cp.Enabled)
	assert.Equal(t, 5, cp.Priority)

	// Disabled policies do not react to membership changes.
	a = h.do(types.ActionClusterScaleOut, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Len(t, h.driver.Members(lbID), 2)

	a = h.do(types.ActionClusterDetachPolicy, cid, map[string]interface{}{"policy_id": "lb-policy"})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Equal(t, fake.MessageLBDeleted, a.Outputs["message"])
	assert.Empty(t, h.driver.LoadBalancers())

	_, err = h.engine.Repos().ClusterPolicies.GetBinding(h.ctx, cid, "lb-policy")
	assert.True(t, store.IsNotFoundError(err))

	a = h.do(types.ActionClusterDetachPolicy, cid, map[string]interface{}{"policy_id": "lb-policy"})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Contains(t, a.StatusReason, "not attached")
}

func TestDetach_ClearsMarkersSoNodesCanRejoin(t *testing.T) {
	h := newHarness(t)
	web := h.createCluster("web", 2, 0, 5)
	api := h.createCluster("api", 1, 0, 5)
	h.attachLBPolicy(web, "lb-web")
	apiLB := h.attachLBPolicy(api, "lb-api")

	moved := h.members(web)[0].ID
	_, marked := h.node(moved).DataString(lb.MemberKey)
	require.True(t, marked)

	a := h.do(types.ActionClusterDetachPolicy, web, map[string]interface{}{"policy_id": "lb-web"})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	for _, n := range h.members(web) {
		_, marked := n.DataString(lb.MemberKey)
		assert.False(t, marked, "node %s still carries a pool marker", n.ID)
	}

	a = h.do(types.ActionClusterDelNodes, web, map[string]interface{}{"nodes": []string{moved}})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	a = h.do(types.ActionClusterAddNodes, api, map[string]interface{}{"nodes": []string{moved}})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	assert.Contains(t, memberNodes(h.driver.Members(apiLB)), moved)
	memberID, marked := h.node(moved).DataString(lb.MemberKey)
	assert.True(t, marked)
	assert.NotEmpty(t, memberID)
}

func TestAttach_SkipsNodesInError(t *testing.T) {
	h := newHarness(t)
	h.driver.FailTimes(fake.OpCreateNode, 1, errors.New("no capacity"))

	c := &types.Cluster{ID: "web", Name: "web", DesiredCapacity: 2, MaxSize: 5, Profile: types.NodeProfile{Image: "nginx:1.25"}}
	a := h.run(h.submit(ActionRequest{Action: types.ActionClusterCreate, Cluster: c}))
	require.Equal(t, types.ActionStatusFailed, a.Status)
	require.Len(t, h.cluster("web").NodeIDs, 2)

	var broken, healthy string
	for _, n := range h.members("web") {
		if n.Status == types.NodeStatusError {
			broken = n.ID
		} else {
			healthy = n.ID
		}
	}
	require.NotEmpty(t, broken)
	require.NotEmpty(t, healthy)

	lbID := h.attachLB("web")
	assert.Equal(t, []string{healthy}, memberNodes(h.driver.Members(lbID)))
	_, marked := h.node(broken).DataString(lb.MemberKey)
	assert.False(t, marked)
}

func TestAttach_MemberFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 0, 5)
	h.createPolicy("lb-policy", lb.Type, lb.Version, map[string]interface{}{
		"pool": map[string]interface{}{"subnet": "private"},
		"vip":  map[string]interface{}{"subnet": "public"},
	})
	h.driver.FailOn(fake.OpMemberAdd, errors.New("subnet unreachable"))

	a := h.do(types.ActionClusterAttachPolicy, cid, map[string]interface{}{"policy_id": "lb-policy"})
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, lb.ReasonAttachMemberFailed, a.StatusReason)
	assert.Empty(t, h.driver.LoadBalancers())

	_, err := h.engine.Repos().ClusterPolicies.GetBinding(h.ctx, cid, "lb-policy")
	assert.True(t, store.IsNotFoundError(err))
}

func TestCooldownSkipsHooks(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 1, 0, 10)
	lbID := h.attachLB(cid)

	a := h.do(types.ActionClusterUpdatePolicy, cid, map[string]interface{}{"policy_id": "lb-policy", "cooldown": 60})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	require.Equal(t, types.ActionStatusSucceeded, h.do(types.ActionClusterScaleOut, cid, nil).Status)
	assert.Len(t, h.driver.Members(lbID), 2)

	require.Equal(t, types.ActionStatusSucceeded, h.do(types.ActionClusterScaleOut, cid, nil).Status)
	assert.Len(t, h.driver.Members(lbID), 2, "policy is cooling down")

	h.advance(2 * time.Minute)
	require.Equal(t, types.ActionStatusSucceeded, h.do(types.ActionClusterScaleOut, cid, nil).Status)
	assert.Len(t, h.driver.Members(lbID), 3)
}

func TestClusterCheck(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 0, 5)
	sick := h.members(cid)[1].ID
	h.driver.SetHealthy(sick, false)

	a := h.do(types.ActionClusterCheck, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Equal(t, []string{sick}, types.ToStrings(a.Outputs["unhealthy"]))
	assert.Equal(t, types.NodeStatusError, h.node(sick).Status)
	assert.Equal(t, types.ClusterStatusWarning, h.cluster(cid).Status)

	h.driver.SetHealthy(sick, true)
	a = h.do(types.ActionNodeCheck, sick, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Equal(t, true, a.Outputs["healthy"])
	assert.Equal(t, types.NodeStatusActive, h.node(sick).Status)
}

func TestNodeDelete(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 1, 5)
	lbID := h.attachLB(cid)
	members := h.members(cid)

	a := h.do(types.ActionNodeDelete, members[0].ID, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.True(t, h.node(members[0].ID).IsDeleted())
	assert.Equal(t, []string{members[1].ID}, h.cluster(cid).NodeIDs)
	assert.Equal(t, []string{members[1].ID}, memberNodes(h.driver.Members(lbID)))

	a = h.do(types.ActionNodeDelete, members[1].ID, nil)
	assert.Equal(t, types.ActionStatusFailed, a.Status)
	assert.Equal(t, "The target capacity (0) is less than the cluster's min_size (1).", a.StatusReason)

	standalone := &types.Node{Name: "solo", Profile: types.NodeProfile{Image: "redis"}}
	require.Equal(t, types.ActionStatusSucceeded, h.run(h.submit(ActionRequest{Action: types.ActionNodeCreate, Node: standalone})).Status)
	assert.True(t, h.driver.HasNode(standalone.ID))

	a = h.do(types.ActionNodeDelete, standalone.ID, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.False(t, h.driver.HasNode(standalone.ID))

	_, err := h.engine.Submit(h.ctx, ActionRequest{Action: types.ActionNodeCheck, TargetID: standalone.ID})
	assert.Equal(t, RejectedTargetNotFound, ResultOf(err))
}

func TestClusterDelete(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 2, 0, 5)
	h.attachLB(cid)
	members := h.members(cid)

	a := h.do(types.ActionClusterDelete, cid, nil)
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)

	_, err := h.engine.Repos().Clusters.Get(h.ctx, cid)
	assert.True(t, store.IsNotFoundError(err))
	bindings, err := h.engine.Repos().ClusterPolicies.ListByCluster(h.ctx, cid)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	assert.Empty(t, h.driver.LoadBalancers())
	for _, n := range members {
		assert.True(t, h.node(n.ID).IsDeleted())
		assert.False(t, h.driver.HasNode(n.ID))
	}
}

func TestEngine_StartRunsQueuedActions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(h.ctx))
	defer h.engine.Stop()

	c := &types.Cluster{ID: "web", Name: "web", DesiredCapacity: 1, MaxSize: 3, Profile: types.NodeProfile{Image: "nginx"}}
	created := h.submit(ActionRequest{Action: types.ActionClusterCreate, Cluster: c})
	grow := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: "web", DependsOn: []string{created}})
	tooBig := h.submit(ActionRequest{Action: types.ActionClusterScaleOut, TargetID: "web", DependsOn: []string{grow}, Inputs: map[string]interface{}{"count": 5}})

	require.Eventually(t, func() bool {
		return h.action(tooBig).IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.ActionStatusSucceeded, h.action(created).Status)
	assert.Equal(t, types.ActionStatusSucceeded, h.action(grow).Status)
	assert.Equal(t, types.ActionStatusFailed, h.action(tooBig).Status)
	assert.Len(t, h.cluster("web").NodeIDs, 2)

	require.Eventually(t, func() bool {
		failed, err := h.engine.FailedActions(h.ctx)
		return err == nil && len(failed) == 1 && failed[0].ID == tooBig
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCreateAndDeletePolicy(t *testing.T) {
	h := newHarness(t)
	cid := h.createCluster("web", 0, 0, 5)

	_, err := h.engine.CreatePolicy(h.ctx, &types.Policy{Name: "bad-lb", Type: lb.Type, Version: lb.Version,
		Spec: map[string]interface{}{"pool": map[string]interface{}{"subnet": "private"}}})
	assert.Equal(t, RejectedMalformed, ResultOf(err), "vip subnet is required")

	_, err = h.engine.CreatePolicy(h.ctx, &types.Policy{Name: "mystery", Type: "corral.policy.mystery", Version: "1.0"})
	assert.Equal(t, RejectedMalformed, ResultOf(err))

	id, err := h.engine.CreatePolicy(h.ctx, &types.Policy{Name: "del", Type: deletion.Type, Version: deletion.Version})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	a := h.do(types.ActionClusterAttachPolicy, cid, map[string]interface{}{"policy_id": id})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	assert.Equal(t, RejectedMalformed, ResultOf(h.engine.DeletePolicy(h.ctx, id)))

	a = h.do(types.ActionClusterDetachPolicy, cid, map[string]interface{}{"policy_id": id})
	require.Equal(t, types.ActionStatusSucceeded, a.Status, a.StatusReason)
	require.NoError(t, h.engine.DeletePolicy(h.ctx, id))

	_, err = h.engine.Repos().Policies.Get(h.ctx, id)
	assert.True(t, store.IsNotFoundError(err))
}
