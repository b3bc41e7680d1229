package repos

import (
	"context"
	"time"

	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// WorkerRepo stores worker liveness records.
type WorkerRepo struct {
	*BaseRepo[types.WorkerRecord]
}

func NewWorkerRepo(st store.Store) *WorkerRepo {
	return &WorkerRepo{BaseRepo: NewBaseRepo[types.WorkerRecord](st, types.ResourceTypeWorker)}
}

// Heartbeat creates or refreshes the worker record.
func (r *WorkerRepo) Heartbeat(ctx context.Context, w *types.WorkerRecord, now time.Time) error {
	return r.Core().Transaction(ctx, func(tx store.Transaction) error {
		var current types.WorkerRecord
		err := tx.Get(types.ResourceTypeWorker, w.ID, &current)
		if store.IsNotFoundError(err) {
			w.LastHeartbeat = now
			return tx.Create(types.ResourceTypeWorker, w.ID, w)
		}
		if err != nil {
			return err
		}
		current.LastHeartbeat = now
		if err := tx.Update(types.ResourceTypeWorker, w.ID, &current); err != nil {
			return err
		}
		*w = current
		return nil
	})
}

// IsLive reports whether workerID heartbeated within deadAfter.
func (r *WorkerRepo) IsLive(ctx context.Context, workerID string, now time.Time, deadAfter time.Duration) (bool, error) {
	w, err := r.Get(ctx, workerID)
	if store.IsNotFoundError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return w.IsLive(now, deadAfter), nil
}
