package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("crud", func(t *testing.T) {
		c := &types.Cluster{ID: "c1", Name: "web", MaxSize: -1}
		require.NoError(t, s.Create(ctx, types.ResourceTypeCluster, c.ID, c))
		assert.Equal(t, int64(1), c.ResourceVersion)

		err := s.Create(ctx, types.ResourceTypeCluster, c.ID, c)
		assert.True(t, IsAlreadyExistsError(err))

		var got types.Cluster
		require.NoError(t, s.Get(ctx, types.ResourceTypeCluster, "c1", &got))
		assert.Equal(t, "web", got.Name)

		got.DesiredCapacity = 2
		require.NoError(t, s.Update(ctx, types.ResourceTypeCluster, "c1", &got))
		assert.Equal(t, int64(2), got.ResourceVersion)

		var list []types.Cluster
		require.NoError(t, s.List(ctx, types.ResourceTypeCluster, &list))
		require.Len(t, list, 1)
		assert.Equal(t, 2, list[0].DesiredCapacity)

		require.NoError(t, s.Delete(ctx, types.ResourceTypeCluster, "c1"))
		err = s.Get(ctx, types.ResourceTypeCluster, "c1", &got)
		assert.True(t, IsNotFoundError(err))
		assert.True(t, IsNotFoundError(s.Delete(ctx, types.ResourceTypeCluster, "c1")))
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		n := &types.Node{ID: "n1", Name: "node-1"}
		require.NoError(t, s.Create(ctx, types.ResourceTypeNode, n.ID, n))

		var first, second types.Node
		require.NoError(t, s.Get(ctx, types.ResourceTypeNode, "n1", &first))
		require.NoError(t, s.Get(ctx, types.ResourceTypeNode, "n1", &second))

		first.Status = types.NodeStatusActive
		require.NoError(t, s.Update(ctx, types.ResourceTypeNode, "n1", &first))

		second.Status = types.NodeStatusError
		err := s.Update(ctx, types.ResourceTypeNode, "n1", &second)
		assert.True(t, IsConflictError(err))

		require.NoError(t, s.Update(ctx, types.ResourceTypeNode, "n1", &second, WithForce()))
	})

	t.Run("failed transaction writes nothing", func(t *testing.T) {
		err := s.Transaction(ctx, func(tx Transaction) error {
			if err := tx.Create(types.ResourceTypeNode, "n2", &types.Node{ID: "n2"}); err != nil {
				return err
			}
			return tx.Create(types.ResourceTypeNode, "n1", &types.Node{ID: "n1"})
		})
		assert.True(t, IsAlreadyExistsError(err))

		var n types.Node
		assert.True(t, IsNotFoundError(s.Get(ctx, types.ResourceTypeNode, "n2", &n)))
	})

	t.Run("history", func(t *testing.T) {
		a := &types.Action{ID: "a1", Status: types.ActionStatusInit}
		require.NoError(t, s.Create(ctx, types.ResourceTypeAction, a.ID, a))
		a.Status = types.ActionStatusReady
		require.NoError(t, s.Update(ctx, types.ResourceTypeAction, a.ID, a))

		history, err := s.GetHistory(ctx, types.ResourceTypeAction, "a1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Contains(t, string(history[0].Resource), "READY")
		assert.Contains(t, string(history[1].Resource), "INIT")
	})

	t.Run("watch", func(t *testing.T) {
		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := s.Watch(wctx, types.ResourceTypeWorker)
		require.NoError(t, err)

		require.NoError(t, s.Create(ctx, types.ResourceTypeWorker, "w1", &types.WorkerRecord{ID: "w1"}))
		select {
		case ev := <-ch:
			assert.Equal(t, WatchEventCreated, ev.Type)
			assert.Equal(t, "w1", ev.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for watch event")
		}
	})

	t.Run("concurrent increments never lose writes", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, types.ResourceTypeCluster, "counter", &types.Cluster{ID: "counter"}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := s.Transaction(ctx, func(tx Transaction) error {
						var c types.Cluster
						if err := tx.Get(types.ResourceTypeCluster, "counter", &c); err != nil {
							return err
						}
						c.DesiredCapacity++
						return tx.Update(types.ResourceTypeCluster, "counter", &c)
					})
					if err == nil {
						return
					}
					if !IsConflictError(err) {
						t.Errorf("unexpected error: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()

		var c types.Cluster
		require.NoError(t, s.Get(ctx, types.ResourceTypeCluster, "counter", &c))
		assert.Equal(t, 8, c.DesiredCapacity)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestParseKey(t *testing.T) {
	rt, id, ok := ParseKey(MakeKey(types.ResourceTypeLock, "cluster-c1"))
	assert.True(t, ok)
	assert.Equal(t, types.ResourceTypeLock, rt)
	assert.Equal(t, "cluster-c1", id)

	_, _, ok = ParseKey(MakeVersionKey(types.ResourceTypeLock, "x", "v1"))
	assert.False(t, ok)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Options{Backend: "sqlite"}, nil)
	assert.Error(t, err)

	_, err = New(Options{Backend: BackendEtcd}, nil)
	assert.Error(t, err)

	s, err := New(Options{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
