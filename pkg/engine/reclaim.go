package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// Reclaim recovers work left behind by dead workers. RUNNING actions whose
// owner stopped heartbeating lose their locks and go back to READY, or FAIL
// once they have used up their attempts. Stale locks with no live holder
// are removed and WAITING actions are re-enqueued.
func (e *Engine) Reclaim(ctx context.Context) error {
	var errs []error
	if err := e.reclaimRunning(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.sweepLocks(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.sweepWaiting(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) reclaimRunning(ctx context.Context) error {
	running, err := e.repos.Actions.ListByStatus(ctx, types.ActionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to list running actions: %w", err)
	}

	var errs []error
	for _, a := range running {
		live, err := e.isLive(ctx, a.Owner)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live {
			continue
		}
		if err := e.reclaimAction(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) reclaimAction(ctx context.Context, a *types.Action) error {
	held, err := e.locks.ListHeldBy(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, l := range held {
		if err := e.locks.Steal(ctx, l.Scope, l.TargetID, types.LockHolder{}); err != nil {
			return err
		}
	}

	dead := a.Owner
	a.Owner = ""
	a.Attempts++
	next, reason := types.ActionStatusReady, fmt.Sprintf("Reclaimed from dead worker %s", dead)
	if a.Attempts >= e.config.MaxAttempts {
		next = types.ActionStatusFailed
		reason = fmt.Sprintf("Worker %s died running the action; giving up after %d attempts", dead, a.Attempts)
	}
	if err := a.Transition(next, reason, e.now()); err != nil {
		return err
	}

	err = e.repos.Actions.Update(ctx, a.ID, a, store.WithSource(store.EventSourceReclaimer))
	if store.IsConflictError(err) {
		// The owner came back and moved the action on.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reclaim action %s: %w", a.ID, err)
	}

	e.metrics.Reclaimed.Add(1)
	e.logger.Warn("Reclaimed action from dead worker",
		log.ActionID(a.ID),
		log.Worker(dead),
		log.Int("attempts", a.Attempts),
		log.Any("status", a.Status))

	if a.Status == types.ActionStatusFailed {
		e.metrics.RecordActionOutcome(string(a.Type), string(a.Status), 0)
		e.resolveDependents(ctx, a)
		return nil
	}
	return e.enqueue(ctx, a, 0)
}

// sweepLocks removes locks that are past their stale age and have no live
// holder.
func (e *Engine) sweepLocks(ctx context.Context) error {
	locks, err := e.locks.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	var errs []error
	for i := range locks {
		l := &locks[i]
		stale, err := e.locks.IsStale(ctx, l, e.isLive)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !stale {
			continue
		}
		if err := e.locks.Steal(ctx, l.Scope, l.TargetID, types.LockHolder{}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sweepWaiting re-enqueues WAITING actions so lost queue entries and
// settled dependencies are picked up.
func (e *Engine) sweepWaiting(ctx context.Context) error {
	waiting, err := e.repos.Actions.ListByStatus(ctx, types.ActionStatusWaiting)
	if err != nil {
		return fmt.Errorf("failed to list waiting actions: %w", err)
	}
	for _, a := range waiting {
		if err := e.enqueue(ctx, a, 0); err != nil {
			return err
		}
	}
	return nil
}

// recoverPending queues every action that has not started.
func (e *Engine) recoverPending(ctx context.Context) error {
	pending, err := e.repos.Actions.ListByStatus(ctx,
		types.ActionStatusInit, types.ActionStatusReady, types.ActionStatusWaiting)
	if err != nil {
		return err
	}
	for _, a := range pending {
		if err := e.enqueue(ctx, a, 0); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		e.logger.Info("Recovered pending actions", log.Int("count", len(pending)))
	}
	return nil
}
