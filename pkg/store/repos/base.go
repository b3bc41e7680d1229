// Package repos provides typed access to the records kept in a store.Store.
package repos

import (
	"context"

	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// BaseRepo provides common CRUD over the core store for a specific resource type.
// T is the typed payload struct (e.g., types.Cluster, types.Node).
type BaseRepo[T any] struct {
	core         store.Store
	resourceType types.ResourceType
}

// NewBaseRepo creates a repo for resourceType.
func NewBaseRepo[T any](core store.Store, rt types.ResourceType) *BaseRepo[T] {
	return &BaseRepo[T]{core: core, resourceType: rt}
}

func (r *BaseRepo[T]) Create(ctx context.Context, id string, obj *T) error {
	return r.core.Create(ctx, r.resourceType, id, obj)
}

func (r *BaseRepo[T]) Get(ctx context.Context, id string) (*T, error) {
	var out T
	if err := r.core.Get(ctx, r.resourceType, id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *BaseRepo[T]) Update(ctx context.Context, id string, obj *T, opts ...store.UpdateOption) error {
	return r.core.Update(ctx, r.resourceType, id, obj, opts...)
}

func (r *BaseRepo[T]) Delete(ctx context.Context, id string) error {
	return r.core.Delete(ctx, r.resourceType, id)
}

// List returns every record of the repo's type.
func (r *BaseRepo[T]) List(ctx context.Context) ([]*T, error) {
	var items []T
	if err := r.core.List(ctx, r.resourceType, &items); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(items))
	for i := range items {
		out = append(out, &items[i])
	}
	return out, nil
}

// Filter returns the records for which keep is true.
func (r *BaseRepo[T]) Filter(ctx context.Context, keep func(*T) bool) ([]*T, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, item := range all {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Watch proxies to the core store
func (r *BaseRepo[T]) Watch(ctx context.Context) (<-chan store.WatchEvent, error) {
	return r.core.Watch(ctx, r.resourceType)
}

func (r *BaseRepo[T]) GetHistory(ctx context.Context, id string) ([]store.HistoricalVersion, error) {
	return r.core.GetHistory(ctx, r.resourceType, id)
}

func (r *BaseRepo[T]) Core() store.Store { return r.core }
