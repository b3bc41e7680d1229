package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// maxWriteRetries bounds optimistic-concurrency retries on action records.
const maxWriteRetries = 5

// Reasons recorded on actions that did not run to completion.
const (
	reasonCancelled    = "Action cancelled on request"
	reasonPolicyFailed = "Policy check failure: "
)

// actionTask adapts an action id to the worker pool. The queue may hold
// duplicates; only the one that wins the claim runs the action.
type actionTask struct {
	engine   *Engine
	id       string
	priority int
}

func (t *actionTask) GetID() string    { return t.id }
func (t *actionTask) GetPriority() int { return t.priority }

// Execute runs the action. It ignores pool shutdown so an action that has
// started always reaches a final status. A FAILED action is reported as an
// error, which parks the task in the dead-letter queue.
func (t *actionTask) Execute(ctx context.Context) error {
	return t.engine.run(context.WithoutCancel(ctx), t.id)
}

// execution is the state of one action run.
type execution struct {
	engine  *Engine
	action  *types.Action
	cluster *types.Cluster
	node    *types.Node
	resize  *resizePlan
	bound   []policy.Bound
	ran     []policy.Bound
	held    []lockRequest
	logger  log.Logger
	started time.Time
}

func (e *Engine) run(ctx context.Context, id string) error {
	a, err := e.claim(ctx, id)
	if err != nil {
		e.logger.Error("Failed to claim action", log.ActionID(id), log.Err(err))
		return nil
	}
	if a == nil {
		return nil
	}

	x := &execution{
		engine:  e,
		action:  a,
		logger:  e.logger.With(log.ActionID(a.ID), log.Str("verb", string(a.Type)), log.Target(a.TargetID)),
		started: e.now(),
	}
	err = x.run(ctx)
	if errors.Is(err, errLostOwnership) {
		x.logger.Warn("Action was taken over by another worker, abandoning it")
		return nil
	}
	if err != nil {
		x.logger.Error("Action execution error", log.Err(err))
	}
	if a.Status == types.ActionStatusFailed {
		return fmt.Errorf("action %s failed: %s", a.ID, a.StatusReason)
	}
	return nil
}

// claim moves the action to RUNNING owned by this worker. It returns nil
// when there is nothing to run: the action is unknown, finished, owned by
// another worker or still waiting on dependencies.
func (e *Engine) claim(ctx context.Context, id string) (*types.Action, error) {
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		a, err := e.repos.Actions.Get(ctx, id)
		if store.IsNotFoundError(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch a.Status {
		case types.ActionStatusInit:
			next := types.ActionStatusReady
			if len(a.DependsOn) > 0 {
				next = types.ActionStatusWaiting
			}
			if err := a.Transition(next, "", e.now()); err != nil {
				return nil, err
			}

		case types.ActionStatusWaiting:
			ready, failed, err := e.dependencyState(ctx, a)
			if err != nil {
				return nil, err
			}
			switch {
			case failed != "":
				if err := a.Transition(types.ActionStatusFailed, failed, e.now()); err != nil {
					return nil, err
				}
			case ready:
				if err := a.Transition(types.ActionStatusReady, "", e.now()); err != nil {
					return nil, err
				}
			default:
				return nil, nil
			}

		case types.ActionStatusReady:
			a.Owner = e.workerID
			if err := a.Transition(types.ActionStatusRunning, "", e.now()); err != nil {
				return nil, err
			}

		default:
			return nil, nil
		}

		err = e.repos.Actions.Update(ctx, a.ID, a, store.WithSource(store.EventSourceEngine))
		if store.IsConflictError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		switch a.Status {
		case types.ActionStatusRunning:
			return a, nil
		case types.ActionStatusFailed:
			e.logger.Info("Action failed on a dependency", log.ActionID(a.ID), log.Str("reason", a.StatusReason))
			e.metrics.RecordActionOutcome(string(a.Type), string(a.Status), 0)
			e.resolveDependents(ctx, a)
			return nil, nil
		}
		// INIT -> READY/WAITING or WAITING -> READY: go round again.
		attempt = -1
	}
	return nil, fmt.Errorf("too many conflicts claiming action %s", id)
}

// dependencyState reports whether every dependency has succeeded, or the
// reason the action can never run.
func (e *Engine) dependencyState(ctx context.Context, a *types.Action) (bool, string, error) {
	ready := true
	for _, id := range a.DependsOn {
		dep, err := e.repos.Actions.Get(ctx, id)
		if store.IsNotFoundError(err) {
			return false, fmt.Sprintf("Dependency %s no longer exists", id), nil
		}
		if err != nil {
			return false, "", err
		}
		switch dep.Status {
		case types.ActionStatusSucceeded:
		case types.ActionStatusFailed, types.ActionStatusCancelled:
			return false, fmt.Sprintf("Dependency %s ended %s", id, dep.Status), nil
		default:
			ready = false
		}
	}
	return ready, "", nil
}

// resolveDependents re-enqueues the waiting actions that depend on a so the
// claim re-evaluates them.
func (e *Engine) resolveDependents(ctx context.Context, a *types.Action) {
	waiting, err := e.repos.Actions.ListByStatus(ctx, types.ActionStatusWaiting)
	if err != nil {
		e.logger.Warn("Failed to list waiting actions", log.ActionID(a.ID), log.Err(err))
		return
	}
	for _, w := range waiting {
		for _, dep := range w.DependsOn {
			if dep != a.ID {
				continue
			}
			if err := e.enqueue(ctx, w, 0); err != nil {
				e.logger.Warn("Failed to enqueue dependent action", log.ActionID(w.ID), log.Err(err))
			}
			break
		}
	}
}

func (x *execution) run(ctx context.Context) error {
	e, a := x.engine, x.action

	x.logger.Info("Action started", log.Worker(e.workerID))

	if stop, err := x.cancelled(ctx); err != nil || stop {
		return x.stopEarly(ctx, stop, err)
	}

	if err := x.load(ctx); err != nil {
		return x.finish(ctx, types.ActionStatusFailed, err.Error())
	}

	granted, err := x.lock(ctx)
	if err != nil {
		x.logger.Warn("Failed to acquire locks", log.Err(err))
	}
	if !granted {
		return x.requeue(ctx)
	}

	if stop, err := x.cancelled(ctx); err != nil || stop {
		return x.stopEarly(ctx, stop, err)
	}

	if e.locked != nil {
		e.locked(ctx, a.ID)
	}

	// Membership may have changed while the action was queued.
	if err := x.load(ctx); err != nil {
		return x.finish(ctx, types.ActionStatusFailed, err.Error())
	}
	if !x.holdsPlan() {
		x.logger.Info("Targets changed while locking, requeueing action")
		x.unlock(ctx)
		return x.requeue(ctx)
	}
	if err := x.reapOrphans(ctx); err != nil {
		return x.finish(ctx, types.ActionStatusFailed, err.Error())
	}
	if x.cluster != nil && a.Type != types.ActionClusterCreate {
		bound, err := policy.LoadBound(ctx, e.repos, e.registry, e.policyEnv(), x.cluster.ID)
		if err != nil {
			return x.finish(ctx, types.ActionStatusFailed, err.Error())
		}
		x.bound = bound
	}

	if a.Data == nil {
		a.Data = types.ActionData{}
	}
	if err := x.seed(ctx); err != nil {
		return x.finish(ctx, types.ActionStatusFailed, err.Error())
	}

	if stop, err := x.cancelled(ctx); err != nil || stop {
		return x.stopEarly(ctx, stop, err)
	}

	if reason, ok := x.preOp(ctx); !ok {
		return x.finish(ctx, types.ActionStatusFailed, reasonPolicyFailed+reason)
	}

	if stop, err := x.cancelled(ctx); err != nil || stop {
		return x.stopEarly(ctx, stop, err)
	}

	// From here on the action runs to completion.
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = e.config.ActionTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	affected, opErr := x.perform(opCtx)
	timedOut := errors.Is(opCtx.Err(), context.DeadlineExceeded)
	cancel()

	a.Data.SetNodes(affected)
	x.postOp(ctx)

	if opErr == nil {
		x.touchCooldowns(ctx)
	}

	switch {
	case timedOut:
		return x.finish(ctx, types.ActionStatusFailed, fmt.Sprintf("Action timed out after %s", timeout))
	case opErr != nil:
		return x.finish(ctx, types.ActionStatusFailed, opErr.Error())
	case a.Data.CheckStatus() == types.CheckError:
		return x.finish(ctx, types.ActionStatusFailed, reasonPolicyFailed+a.Data.Reason())
	}
	return x.finish(ctx, types.ActionStatusSucceeded, "")
}

// load reads the target records.
func (x *execution) load(ctx context.Context) error {
	e, a := x.engine, x.action
	x.cluster, x.node = nil, nil

	if a.Type.IsClusterAction() {
		c, err := e.repos.Clusters.Get(ctx, a.TargetID)
		if store.IsNotFoundError(err) {
			return fmt.Errorf("Cluster %s not found", a.TargetID)
		}
		if err != nil {
			return err
		}
		x.cluster = c
		return nil
	}

	n, err := e.repos.Nodes.Get(ctx, a.TargetID)
	if store.IsNotFoundError(err) || (err == nil && n.IsDeleted() && a.Type != types.ActionNodeDelete) {
		return fmt.Errorf("Node %s not found", a.TargetID)
	}
	if err != nil {
		return err
	}
	x.node = n
	if n.IsStandalone() {
		return nil
	}
	c, err := e.repos.Clusters.Get(ctx, n.ClusterID)
	if err != nil {
		return fmt.Errorf("failed to load cluster %s of node %s: %w", n.ClusterID, n.ID, err)
	}
	x.cluster = c
	return nil
}

// preOp runs the BEFORE hooks in order. It stops at the first veto and
// returns its reason.
func (x *execution) preOp(ctx context.Context) (string, bool) {
	a := x.action
	a.Data.SetCheckOK("")

	for _, b := range policy.Resolve(x.bound, policy.PhaseBefore, a.Type, x.engine.now()) {
		x.ran = appendBound(x.ran, b)
		if err := b.Policy.PreOp(ctx, x.cluster.ID, a); err != nil {
			a.Data.Abort(err.Error())
		}
		if a.Data.CheckStatus() == types.CheckError {
			x.logger.Info("Policy check failed",
				log.Str("policy", b.Policy.ID()),
				log.Str("reason", a.Data.Reason()))
			return a.Data.Reason(), false
		}
	}
	return "", true
}

// postOp runs the AFTER hooks. A hook error is recorded as a failure and the
// remaining hooks still run.
func (x *execution) postOp(ctx context.Context) {
	if x.cluster == nil {
		return
	}
	a := x.action
	for _, b := range policy.Resolve(x.bound, policy.PhaseAfter, a.Type, x.engine.now()) {
		x.ran = appendBound(x.ran, b)
		if err := b.Policy.PostOp(ctx, x.cluster.ID, a); err != nil {
			a.Data.RecordFailure(policy.TypeName(b.Policy), "", err.Error())
		}
	}
	if a.Data.CheckStatus() == types.CheckError {
		x.logger.Warn("Post-operation policy failures",
			log.Str("reason", a.Data.Reason()),
			log.Any("failures", a.Data.Failures()))
	}
}

// touchCooldowns starts the cooldown window of every policy that ran.
func (x *execution) touchCooldowns(ctx context.Context) {
	e := x.engine
	now := e.now()
	for _, b := range x.ran {
		if b.Binding.Cooldown <= 0 {
			continue
		}
		cp, err := e.repos.ClusterPolicies.GetBinding(ctx, b.Binding.ClusterID, b.Binding.PolicyID)
		if store.IsNotFoundError(err) {
			continue
		}
		if err == nil {
			cp.LastOp = &now
			err = e.repos.ClusterPolicies.Update(ctx, cp.GetID(), cp, store.WithSource(store.EventSourceEngine))
		}
		if err != nil {
			x.logger.Warn("Failed to record policy cooldown", log.Str("policy", b.Binding.PolicyID), log.Err(err))
		}
	}
}

func appendBound(list []policy.Bound, b policy.Bound) []policy.Bound {
	for _, existing := range list {
		if existing.Binding.PolicyID == b.Binding.PolicyID {
			return list
		}
	}
	return append(list, b)
}

// cancelled re-reads the stored action and reports whether a cancellation
// was requested.
func (x *execution) cancelled(ctx context.Context) (bool, error) {
	e, a := x.engine, x.action
	cur, err := e.repos.Actions.Get(ctx, a.ID)
	if err != nil {
		return false, err
	}
	if cur.Owner != e.workerID || cur.Status != types.ActionStatusRunning {
		return false, errLostOwnership
	}
	a.CancelRequested = cur.CancelRequested
	a.ResourceVersion = cur.ResourceVersion
	return a.CancelRequested, nil
}

func (x *execution) stopEarly(ctx context.Context, cancelled bool, err error) error {
	if errors.Is(err, errLostOwnership) {
		return err
	}
	if err != nil {
		return x.finish(ctx, types.ActionStatusFailed, err.Error())
	}
	return x.finish(ctx, types.ActionStatusCancelled, reasonCancelled)
}

// requeue parks the action in WAITING after a lock denial and schedules
// another attempt.
func (x *execution) requeue(ctx context.Context) error {
	e, a := x.engine, x.action
	a.Owner = ""
	if err := a.Transition(types.ActionStatusWaiting, "Waiting for locks", e.now()); err != nil {
		return err
	}
	if err := x.save(ctx); err != nil {
		return err
	}
	e.metrics.LockDenials.Add(1)
	x.logger.Debug("Lock denied, requeueing action", log.Duration("delay", e.config.RequeueDelay))
	return e.enqueue(ctx, a, e.config.RequeueDelay)
}

// finish records the final status, releases locks and wakes dependents.
func (x *execution) finish(ctx context.Context, status types.ActionStatus, reason string) error {
	e, a := x.engine, x.action

	if err := a.Transition(status, reason, e.now()); err != nil {
		return err
	}
	if failures := a.Data.Failures(); len(failures) > 0 {
		if a.Outputs == nil {
			a.Outputs = map[string]interface{}{}
		}
		a.Outputs["failures"] = failures
	}
	saveErr := x.save(ctx)
	if errors.Is(saveErr, errLostOwnership) {
		return saveErr
	}

	if err := e.locks.ReleaseAll(ctx, a.ID); err != nil {
		x.logger.Warn("Failed to release locks", log.Err(err))
	}

	duration := e.now().Sub(x.started)
	e.metrics.RecordActionOutcome(string(a.Type), string(status), duration)

	fields := []log.Field{log.Any("status", status), log.Duration("duration", duration)}
	switch status {
	case types.ActionStatusSucceeded:
		x.logger.Info("Action succeeded", fields...)
	default:
		x.logger.Warn("Action finished unsuccessfully", append(fields, log.Str("reason", reason))...)
	}

	e.resolveDependents(ctx, a)
	return saveErr
}

// save writes the action as its owner. A conflict caused by a concurrent
// cancel request is merged; any other change means ownership was lost.
func (x *execution) save(ctx context.Context) error {
	e, a := x.engine, x.action
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		a.UpdatedAt = e.now()
		err := e.repos.Actions.Update(ctx, a.ID, a, store.WithSource(store.EventSourceEngine))
		if err == nil {
			return nil
		}
		if !store.IsConflictError(err) {
			return fmt.Errorf("failed to save action %s: %w", a.ID, err)
		}

		cur, err := e.repos.Actions.Get(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("failed to reload action %s: %w", a.ID, err)
		}
		if cur.Owner != e.workerID || cur.Status != types.ActionStatusRunning {
			return errLostOwnership
		}
		a.CancelRequested = a.CancelRequested || cur.CancelRequested
		a.ResourceVersion = cur.ResourceVersion
	}
	return fmt.Errorf("too many conflicts saving action %s", a.ID)
}

// Cancel requests cancellation. An action that has not started is cancelled
// at once; a running action is cancelled at its next checkpoint, or
// completes if its core operation has already begun.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		a, err := e.repos.Actions.Get(ctx, id)
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		if err != nil {
			return err
		}

		if a.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrActionFinished, id, a.Status)
		}
		if a.Status == types.ActionStatusRunning {
			if a.CancelRequested {
				return nil
			}
			a.CancelRequested = true
			a.UpdatedAt = e.now()
		} else if err := a.Transition(types.ActionStatusCancelled, reasonCancelled, e.now()); err != nil {
			return err
		}

		err = e.repos.Actions.Update(ctx, a.ID, a, store.WithSource(store.EventSourceAPI))
		if store.IsConflictError(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to cancel action %s: %w", id, err)
		}

		if a.Status == types.ActionStatusCancelled {
			// Not queued when it was waiting on a lock retry timer.
			_ = e.pool.Remove(ctx, id)
			e.metrics.RecordActionOutcome(string(a.Type), string(a.Status), 0)
			e.resolveDependents(ctx, a)
			e.logger.Info("Action cancelled", log.ActionID(id))
		} else {
			e.logger.Info("Cancellation requested for running action", log.ActionID(id))
		}
		return nil
	}
	return fmt.Errorf("too many conflicts cancelling action %s", id)
}
