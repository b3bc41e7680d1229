package engine

import (
	"context"
	"sort"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
)

type lockRequest struct {
	scope  types.LockScope
	target string
	kind   types.LockKind
}

// lockPlan lists the locks the action needs, cluster first and nodes in id
// order, so every worker acquires them in the same order.
func (x *execution) lockPlan() []lockRequest {
	a := x.action
	var plan []lockRequest

	if a.Type.IsClusterAction() {
		kind := types.LockExclusive
		if a.Type == types.ActionClusterCheck {
			kind = types.LockShared
		}
		plan = append(plan, lockRequest{types.LockScopeCluster, a.TargetID, kind})

		if a.Type == types.ActionClusterAddNodes {
			nodes := a.InputStrings("nodes")
			sort.Strings(nodes)
			for _, id := range dedupe(nodes) {
				plan = append(plan, lockRequest{types.LockScopeNode, id, types.LockExclusive})
			}
		}
		return plan
	}

	if x.node != nil && !x.node.IsStandalone() {
		kind := types.LockShared
		if a.Type == types.ActionNodeDelete {
			kind = types.LockExclusive
		}
		plan = append(plan, lockRequest{types.LockScopeCluster, x.node.ClusterID, kind})
	}
	return append(plan, lockRequest{types.LockScopeNode, a.TargetID, types.LockExclusive})
}

// lock acquires the lock plan. On a denial or error every lock taken so far
// is released.
func (x *execution) lock(ctx context.Context) (bool, error) {
	e, a := x.engine, x.action
	holder := types.LockHolder{ActionID: a.ID, WorkerID: e.workerID, AcquiredAt: e.now()}

	x.held = x.held[:0]
	for _, req := range x.lockPlan() {
		granted, err := e.locks.Acquire(ctx, req.scope, req.target, holder, req.kind)
		if err == nil && granted {
			x.held = append(x.held, req)
			continue
		}
		if err == nil {
			x.logger.Debug("Lock denied", log.Str("scope", string(req.scope)), log.Str("lock", req.target))
		}
		x.unlock(ctx)
		return false, err
	}
	return true, nil
}

// unlock releases the held locks in reverse order.
func (x *execution) unlock(ctx context.Context) {
	e, a := x.engine, x.action
	for i := len(x.held) - 1; i >= 0; i-- {
		req := x.held[i]
		if err := e.locks.Release(ctx, req.scope, req.target, a.ID); err != nil {
			x.logger.Warn("Failed to release lock", log.Str("lock", req.target), log.Err(err))
		}
	}
	x.held = nil
}

// holdsPlan reports whether the held locks still match the plan for the
// freshly loaded targets. A node adopted into or released from a cluster
// after the first load changes the plan.
func (x *execution) holdsPlan() bool {
	plan := x.lockPlan()
	if len(plan) != len(x.held) {
		return false
	}
	for i := range plan {
		if plan[i] != x.held[i] {
			return false
		}
	}
	return true
}

// holdsExclusive reports whether the action holds the lock exclusively.
func (x *execution) holdsExclusive(scope types.LockScope, target string) bool {
	for _, req := range x.held {
		if req.scope == scope && req.target == target {
			return req.kind == types.LockExclusive
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
