// Package lock serializes actions on clusters and nodes through lock
// records kept in the store. Every grant or release is a conditional write,
// so two workers can never both observe themselves as exclusive holders.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// DefaultStaleAfter is how old a lock must be before it may be stolen.
const DefaultStaleAfter = 5 * time.Minute

// maxConflictRetries bounds retries when the backend aborts a lock
// transaction because another writer touched the same record.
const maxConflictRetries = 5

// LivenessFunc reports whether a worker is still alive.
type LivenessFunc func(ctx context.Context, workerID string) (bool, error)

// Config holds lock manager settings.
type Config struct {
	StaleAfter time.Duration
}

// Manager grants, releases and steals locks.
type Manager struct {
	store  store.Store
	config Config
	logger log.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lock manager over st.
func NewManager(st store.Store, config Config, logger log.Logger, opts ...Option) *Manager {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	m := &Manager{
		store:  st,
		config: config,
		logger: logger.WithComponent("lock"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire tries to take the lock for holder. A denial is reported as
// (false, nil): the caller should requeue, not fail. Acquire is re-entrant
// for the same action id.
func (m *Manager) Acquire(ctx context.Context, scope types.LockScope, targetID string, holder types.LockHolder, kind types.LockKind) (bool, error) {
	if holder.ActionID == "" {
		return false, fmt.Errorf("lock holder requires an action id")
	}
	if holder.AcquiredAt.IsZero() {
		holder.AcquiredAt = m.now()
	}
	id := types.LockID(scope, targetID)

	var granted bool
	err := m.retryConflicts(ctx, func(tx store.Transaction) error {
		granted = false

		var current types.Lock
		err := tx.Get(types.ResourceTypeLock, id, &current)
		if store.IsNotFoundError(err) {
			granted = true
			return tx.Create(types.ResourceTypeLock, id, &types.Lock{
				Scope:      scope,
				TargetID:   targetID,
				Kind:       kind,
				Holders:    []types.LockHolder{holder},
				AcquiredAt: holder.AcquiredAt,
			})
		}
		if err != nil {
			return err
		}

		if current.HeldBy(holder.ActionID) {
			granted = current.Kind == kind || current.Kind == types.LockExclusive
			return nil
		}
		if kind == types.LockExclusive || current.Kind == types.LockExclusive {
			return nil
		}

		granted = true
		current.Holders = append(current.Holders, holder)
		return tx.Update(types.ResourceTypeLock, id, &current)
	})
	if errors.Is(err, store.ErrConflict) {
		m.logger.Debug("Lock contention, treating as denied", log.Str("lock", id), log.ActionID(holder.ActionID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s lock on %s: %w", scope, targetID, err)
	}

	if granted {
		m.logger.Debug("Lock granted",
			log.Str("lock", id),
			log.Any("kind", kind),
			log.ActionID(holder.ActionID),
			log.Worker(holder.WorkerID))
	}
	return granted, nil
}

// LockCluster acquires the cluster lock for holder.
func (m *Manager) LockCluster(ctx context.Context, clusterID string, holder types.LockHolder, kind types.LockKind) (bool, error) {
	return m.Acquire(ctx, types.LockScopeCluster, clusterID, holder, kind)
}

// LockNode acquires the exclusive node lock for holder.
func (m *Manager) LockNode(ctx context.Context, nodeID string, holder types.LockHolder) (bool, error) {
	return m.Acquire(ctx, types.LockScopeNode, nodeID, holder, types.LockExclusive)
}

// Release removes actionID from the lock's holders. Releasing a lock the
// action does not hold is a no-op.
func (m *Manager) Release(ctx context.Context, scope types.LockScope, targetID, actionID string) error {
	id := types.LockID(scope, targetID)
	err := m.retryConflicts(ctx, func(tx store.Transaction) error {
		var current types.Lock
		err := tx.Get(types.ResourceTypeLock, id, &current)
		if store.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !current.HeldBy(actionID) {
			return nil
		}

		remaining := current.WithoutHolder(actionID)
		if len(remaining) == 0 {
			return tx.Delete(types.ResourceTypeLock, id)
		}
		current.Holders = remaining
		return tx.Update(types.ResourceTypeLock, id, &current)
	})
	if err != nil {
		return fmt.Errorf("failed to release %s lock on %s: %w", scope, targetID, err)
	}
	return nil
}

// Steal replaces every holder of a lock with newHolder. It is only used for
// crash recovery after the current holders have been judged dead. An empty
// newHolder.ActionID removes the lock outright.
func (m *Manager) Steal(ctx context.Context, scope types.LockScope, targetID string, newHolder types.LockHolder) error {
	id := types.LockID(scope, targetID)
	if newHolder.AcquiredAt.IsZero() {
		newHolder.AcquiredAt = m.now()
	}

	var previous []types.LockHolder
	err := m.retryConflicts(ctx, func(tx store.Transaction) error {
		var current types.Lock
		err := tx.Get(types.ResourceTypeLock, id, &current)
		if store.IsNotFoundError(err) {
			previous = nil
			if newHolder.ActionID == "" {
				return nil
			}
			return tx.Create(types.ResourceTypeLock, id, &types.Lock{
				Scope: scope, TargetID: targetID, Kind: types.LockExclusive,
				Holders: []types.LockHolder{newHolder}, AcquiredAt: newHolder.AcquiredAt,
			})
		}
		if err != nil {
			return err
		}

		previous = current.Holders
		if newHolder.ActionID == "" {
			return tx.Delete(types.ResourceTypeLock, id)
		}
		current.Kind = types.LockExclusive
		current.Holders = []types.LockHolder{newHolder}
		current.AcquiredAt = newHolder.AcquiredAt
		return tx.Update(types.ResourceTypeLock, id, &current)
	})
	if err != nil {
		return fmt.Errorf("failed to steal %s lock on %s: %w", scope, targetID, err)
	}

	m.logger.Warn("Stole lock",
		log.Str("lock", id),
		log.Any("previousHolders", previous),
		log.ActionID(newHolder.ActionID),
		log.Worker(newHolder.WorkerID))
	return nil
}

// Get returns the lock record for a target.
func (m *Manager) Get(ctx context.Context, scope types.LockScope, targetID string) (*types.Lock, error) {
	var l types.Lock
	if err := m.store.Get(ctx, types.ResourceTypeLock, types.LockID(scope, targetID), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// List returns every lock record.
func (m *Manager) List(ctx context.Context) ([]types.Lock, error) {
	var locks []types.Lock
	if err := m.store.List(ctx, types.ResourceTypeLock, &locks); err != nil {
		return nil, err
	}
	return locks, nil
}

// ListHeldBy returns the locks actionID holds.
func (m *Manager) ListHeldBy(ctx context.Context, actionID string) ([]types.Lock, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Lock
	for _, l := range all {
		if l.HeldBy(actionID) {
			out = append(out, l)
		}
	}
	return out, nil
}

// IsStale reports whether the lock is older than StaleAfter and none of its
// holders runs on a live worker.
func (m *Manager) IsStale(ctx context.Context, l *types.Lock, isLive LivenessFunc) (bool, error) {
	if m.now().Sub(l.AcquiredAt) < m.config.StaleAfter {
		return false, nil
	}
	for _, h := range l.Holders {
		live, err := isLive(ctx, h.WorkerID)
		if err != nil {
			return false, err
		}
		if live {
			return false, nil
		}
	}
	return true, nil
}

// ReleaseAll drops every lock held by actionID.
func (m *Manager) ReleaseAll(ctx context.Context, actionID string) error {
	held, err := m.ListHeldBy(ctx, actionID)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range held {
		if err := m.Release(ctx, l.Scope, l.TargetID, actionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) retryConflicts(ctx context.Context, fn func(tx store.Transaction) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = m.store.Transaction(ctx, fn)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return err
}
