package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// createNodes adds count members built from the cluster profile. A node
// the driver fails to build stays a member in ERROR; the first driver
// error is returned.
func (x *execution) createNodes(ctx context.Context, count int) ([]*types.Node, error) {
	e, c := x.engine, x.cluster
	compute := e.provider.Compute()

	nodes := make([]*types.Node, 0, count)
	var firstErr error
	for i := 0; i < count; i++ {
		now := e.now()
		c.NextIndex++
		n := &types.Node{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("node-%s-%03d", c.Name, c.NextIndex),
			ClusterID: c.ID,
			Index:     c.NextIndex,
			Status:    types.NodeStatusInit,
			Profile:   c.Profile,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.repos.Nodes.Create(context.WithoutCancel(ctx), n.ID, n); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to create node record: %w", err)
			}
			break
		}
		c.AddNode(n.ID)
		nodes = append(nodes, n)

		res, err := compute.CreateNode(ctx, n)
		if err != nil {
			n.Status = types.NodeStatusError
			n.StatusReason = err.Error()
			x.logger.Warn("Failed to create node", log.Str("node", n.ID), log.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.PhysicalID = res.PhysicalID
		n.Address = res.Address
		n.Status = types.NodeStatusActive
		n.StatusReason = ""
	}
	return nodes, firstErr
}

// reapOrphans retires nodes that name the cluster but are missing from its
// member list. They are left behind when a worker stops between creating a
// node record and committing the cluster. It only runs under the exclusive
// cluster lock.
func (x *execution) reapOrphans(ctx context.Context) error {
	e, c := x.engine, x.cluster
	if c == nil || !x.holdsExclusive(types.LockScopeCluster, c.ID) {
		return nil
	}

	nodes, err := e.repos.Nodes.ListByCluster(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to list nodes of cluster %s: %w", c.ID, err)
	}
	var orphans []*types.Node
	for _, n := range nodes {
		if !c.HasNode(n.ID) {
			orphans = append(orphans, n)
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	compute := e.provider.Compute()
	now := e.now()
	for _, n := range orphans {
		if err := compute.DeleteNode(ctx, n); err != nil {
			// Keep the record as a standalone node so it can be deleted later.
			x.logger.Warn("Failed to delete orphaned node, releasing it", log.Str("node", n.ID), log.Err(err))
			n.ClusterID = ""
			n.Index = 0
			n.Status = types.NodeStatusError
			n.StatusReason = err.Error()
			continue
		}
		n.Status = types.NodeStatusDeleted
		n.StatusReason = ""
		n.DeletedAt = &now
		x.logger.Info("Reaped orphaned node", log.Str("node", n.ID))
	}

	err = e.store.Transaction(context.WithoutCancel(ctx), func(tx store.Transaction) error {
		for _, n := range orphans {
			n.UpdatedAt = now
			if err := tx.Update(types.ResourceTypeNode, n.ID, n, store.WithSource(store.EventSourceEngine)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to retire orphaned nodes: %w", err)
	}
	return nil
}

// removeNodes takes the given members out of the cluster after the grace
// period. Depending on the deletion options each node is destroyed and soft
// deleted or kept as a standalone node. removed holds the nodes that left
// the cluster; touched also holds nodes whose removal failed.
func (x *execution) removeNodes(ctx context.Context, nodeIDs []string, def types.DeletionOptions) (removed, touched []*types.Node, err error) {
	e, c := x.engine, x.cluster
	opts := x.action.Data.DeletionOptionsOr(def)

	nodes, err := e.repos.Nodes.GetMany(ctx, nodeIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load nodes: %w", err)
	}

	if opts.GracePeriod > 0 && len(nodes) > 0 {
		grace := time.Duration(opts.GracePeriod) * time.Second
		x.logger.Info("Waiting out deletion grace period", log.Duration("grace", grace))
		if err := e.sleep(ctx, grace); err != nil {
			return nil, nil, err
		}
	}

	compute := e.provider.Compute()
	var firstErr error
	for _, n := range nodes {
		if n.IsDeleted() {
			c.RemoveNode(n.ID)
			continue
		}

		now := e.now()
		if opts.DestroyAfterDeletion {
			if err := compute.DeleteNode(ctx, n); err != nil {
				n.Status = types.NodeStatusError
				n.StatusReason = err.Error()
				touched = append(touched, n)
				x.logger.Warn("Failed to delete node", log.Str("node", n.ID), log.Err(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			n.Status = types.NodeStatusDeleted
			n.StatusReason = ""
			n.DeletedAt = &now
		} else {
			n.ClusterID = ""
			n.Index = 0
		}
		c.RemoveNode(n.ID)
		removed = append(removed, n)
		touched = append(touched, n)
	}

	if opts.ReduceDesiredCapacity {
		c.DesiredCapacity = max(c.MinSize, c.DesiredCapacity-len(removed))
	}
	return removed, touched, firstErr
}

// commit writes the cluster and the changed nodes in one transaction,
// refreshing the cluster status from its members.
func (x *execution) commit(ctx context.Context, nodes []*types.Node) error {
	e, c := x.engine, x.cluster
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	if c != nil && c.Status != types.ClusterStatusDeleting {
		status, err := x.clusterHealth(ctx, nodes)
		if err != nil {
			return err
		}
		c.Status = status
		c.StatusReason = ""
		if status == types.ClusterStatusWarning {
			c.StatusReason = "Some nodes are in ERROR state"
		}
	}

	err := e.store.Transaction(ctx, func(tx store.Transaction) error {
		for _, n := range nodes {
			n.UpdatedAt = now
			if err := tx.Update(types.ResourceTypeNode, n.ID, n, store.WithSource(store.EventSourceEngine)); err != nil {
				return err
			}
		}
		if c == nil {
			return nil
		}
		c.UpdatedAt = now
		return tx.Update(types.ResourceTypeCluster, c.ID, c, store.WithSource(store.EventSourceEngine))
	})
	if err != nil {
		return fmt.Errorf("failed to commit membership change: %w", err)
	}
	return nil
}

// clusterHealth is WARNING when any member is in ERROR, ACTIVE otherwise.
func (x *execution) clusterHealth(ctx context.Context, changed []*types.Node) (types.ClusterStatus, error) {
	c := x.cluster
	members, err := x.engine.repos.Nodes.ListByCluster(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list nodes of cluster %s: %w", c.ID, err)
	}
	byID := make(map[string]*types.Node, len(members)+len(changed))
	for _, n := range members {
		byID[n.ID] = n
	}
	for _, n := range changed {
		byID[n.ID] = n
	}
	for _, id := range c.NodeIDs {
		if n, ok := byID[id]; ok && n.Status == types.NodeStatusError {
			return types.ClusterStatusWarning, nil
		}
	}
	return types.ClusterStatusActive, nil
}

func (x *execution) nodeCreate(ctx context.Context) ([]string, error) {
	n := x.node
	res, err := x.engine.provider.Compute().CreateNode(ctx, n)
	if err != nil {
		n.Status = types.NodeStatusError
		n.StatusReason = err.Error()
	} else {
		n.PhysicalID = res.PhysicalID
		n.Address = res.Address
		n.Status = types.NodeStatusActive
		n.StatusReason = ""
	}
	if cerr := x.commit(ctx, []*types.Node{n}); cerr != nil {
		return []string{n.ID}, cerr
	}
	return []string{n.ID}, err
}

func (x *execution) nodeDelete(ctx context.Context) ([]string, error) {
	e, n := x.engine, x.node
	if n.IsDeleted() {
		return nil, nil
	}

	if x.cluster == nil {
		if err := e.provider.Compute().DeleteNode(ctx, n); err != nil {
			n.Status = types.NodeStatusError
			n.StatusReason = err.Error()
			return nil, x.firstErr(x.commit(ctx, []*types.Node{n}), err)
		}
		now := e.now()
		n.Status = types.NodeStatusDeleted
		n.DeletedAt = &now
		return []string{n.ID}, x.commit(ctx, []*types.Node{n})
	}

	c := x.cluster
	if target := len(c.NodeIDs) - 1; c.HasNode(n.ID) && target < c.MinSize {
		return nil, fmt.Errorf("The target capacity (%d) is less than the cluster's min_size (%d).", target, c.MinSize)
	}
	removed, touched, err := x.removeNodes(ctx, []string{n.ID},
		types.DeletionOptions{DestroyAfterDeletion: true, ReduceDesiredCapacity: true})
	if cerr := x.commit(ctx, touched); cerr != nil {
		return ids(removed), cerr
	}
	return ids(removed), err
}

func (x *execution) nodeCheck(ctx context.Context) ([]string, error) {
	n := x.node
	healthy, err := x.engine.provider.Compute().CheckNode(ctx, n)
	x.applyHealth(n, healthy, err)
	x.setOutput("healthy", n.Status == types.NodeStatusActive)

	// The cluster is only share-locked here, so only the node is written.
	c := x.cluster
	x.cluster = nil
	defer func() { x.cluster = c }()
	return []string{n.ID}, x.commit(ctx, []*types.Node{n})
}
