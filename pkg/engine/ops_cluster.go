package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// Resize adjustment types.
const (
	ExactCapacity      = "EXACT_CAPACITY"
	ChangeInCapacity   = "CHANGE_IN_CAPACITY"
	ChangeInPercentage = "CHANGE_IN_PERCENTAGE"
)

// resizePlan is the outcome of a CLUSTER_RESIZE request.
type resizePlan struct {
	desired int
	minSize int
	maxSize int
}

// seed records the size change the action implies so BEFORE hooks can
// refine it.
func (x *execution) seed(ctx context.Context) error {
	a := x.action
	switch a.Type {
	case types.ActionClusterScaleOut:
		a.Data.SetCreation(inputCount(a))
	case types.ActionClusterScaleIn:
		a.Data.SetDeletion(inputCount(a))
	case types.ActionClusterResize:
		plan, err := x.planResize()
		if err != nil {
			return err
		}
		x.resize = plan
		delta := plan.desired - len(x.cluster.NodeIDs)
		switch {
		case delta > 0:
			a.Data.SetCreation(delta)
		case delta < 0:
			a.Data.SetDeletion(-delta)
		}
	case types.ActionClusterAddNodes:
		a.Data.SetCreation(len(a.InputStrings("nodes")))
	case types.ActionClusterDelNodes:
		a.Data.SetDeletionCandidates(a.InputStrings("nodes"))
	case types.ActionNodeDelete:
		if x.cluster != nil {
			a.Data.SetDeletion(1)
			a.Data.SetDeletionCandidates([]string{a.TargetID})
		}
	}
	return nil
}

func inputCount(a *types.Action) int {
	if n, ok := a.InputInt("count"); ok {
		return n
	}
	return 1
}

// perform runs the core operation and returns the nodes it affected.
func (x *execution) perform(ctx context.Context) ([]string, error) {
	switch x.action.Type {
	case types.ActionClusterCreate:
		return x.clusterCreate(ctx)
	case types.ActionClusterDelete:
		return x.clusterDelete(ctx)
	case types.ActionClusterScaleOut:
		return x.clusterGrow(ctx, x.action.Data.CreationCount())
	case types.ActionClusterScaleIn:
		return x.clusterShrink(ctx, x.action.Data.DeletionCount())
	case types.ActionClusterResize:
		return x.clusterResize(ctx)
	case types.ActionClusterAddNodes:
		return x.clusterAddNodes(ctx)
	case types.ActionClusterDelNodes:
		return x.clusterDelNodes(ctx)
	case types.ActionClusterCheck:
		return x.clusterCheck(ctx)
	case types.ActionClusterAttachPolicy:
		return nil, x.attachPolicy(ctx)
	case types.ActionClusterDetachPolicy:
		return nil, x.detachPolicy(ctx)
	case types.ActionClusterUpdatePolicy:
		return nil, x.updatePolicy(ctx)
	case types.ActionNodeCreate:
		return x.nodeCreate(ctx)
	case types.ActionNodeDelete:
		return x.nodeDelete(ctx)
	case types.ActionNodeCheck:
		return x.nodeCheck(ctx)
	}
	return nil, fmt.Errorf("unsupported action %s", x.action.Type)
}

func (x *execution) clusterCreate(ctx context.Context) ([]string, error) {
	c := x.cluster
	created, err := x.createNodes(ctx, c.DesiredCapacity)
	if cerr := x.commit(ctx, created); cerr != nil {
		return ids(created), cerr
	}
	if err != nil {
		return ids(created), err
	}
	x.logger.Info("Cluster created", log.Str("cluster", c.ID), log.Int("size", len(c.NodeIDs)))
	return ids(created), nil
}

func (x *execution) clusterGrow(ctx context.Context, count int) ([]string, error) {
	c := x.cluster
	if count <= 0 {
		return nil, fmt.Errorf("Invalid count (%d) for action '%s'.", count, x.action.Type)
	}
	target := len(c.NodeIDs) + count
	if c.MaxSize != types.Unlimited && target > c.MaxSize {
		return nil, fmt.Errorf("The target capacity (%d) is greater than the cluster's max_size (%d).", target, c.MaxSize)
	}

	created, err := x.createNodes(ctx, count)
	c.DesiredCapacity = len(c.NodeIDs)
	if cerr := x.commit(ctx, created); cerr != nil {
		return ids(created), cerr
	}
	return ids(created), err
}

func (x *execution) clusterShrink(ctx context.Context, count int) ([]string, error) {
	c := x.cluster
	if count <= 0 {
		return nil, fmt.Errorf("Invalid count (%d) for action '%s'.", count, x.action.Type)
	}
	target := len(c.NodeIDs) - count
	if target < c.MinSize {
		return nil, fmt.Errorf("The target capacity (%d) is less than the cluster's min_size (%d).", target, c.MinSize)
	}

	candidates, err := x.shrinkCandidates(ctx, count)
	if err != nil {
		return nil, err
	}
	removed, touched, err := x.removeNodes(ctx, candidates, types.DeletionOptions{DestroyAfterDeletion: true})
	c.DesiredCapacity = len(c.NodeIDs)
	if cerr := x.commit(ctx, touched); cerr != nil {
		return ids(removed), cerr
	}
	return ids(removed), err
}

// shrinkCandidates returns the nodes to remove: the ones BEFORE hooks
// selected, topped up with the youngest members.
func (x *execution) shrinkCandidates(ctx context.Context, count int) ([]string, error) {
	selected := x.action.Data.DeletionCandidates()
	if len(selected) >= count {
		return selected[:count], nil
	}

	members, err := x.engine.repos.Nodes.ListByCluster(ctx, x.cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes of cluster %s: %w", x.cluster.ID, err)
	}
	chosen := map[string]bool{}
	for _, id := range selected {
		chosen[id] = true
	}
	for i := len(members) - 1; i >= 0 && len(selected) < count; i-- {
		if !chosen[members[i].ID] {
			selected = append(selected, members[i].ID)
		}
	}
	return selected, nil
}

// planResize turns the resize inputs into a target size and bounds.
func (x *execution) planResize() (*resizePlan, error) {
	a, c := x.action, x.cluster
	current := len(c.NodeIDs)
	plan := &resizePlan{desired: current, minSize: c.MinSize, maxSize: c.MaxSize}

	if v, ok := a.InputInt("min_size"); ok {
		plan.minSize = v
	}
	if v, ok := a.InputInt("max_size"); ok {
		plan.maxSize = v
	}
	if plan.minSize < 0 {
		return nil, fmt.Errorf("The specified min_size (%d) cannot be negative.", plan.minSize)
	}
	if plan.maxSize != types.Unlimited && plan.maxSize < plan.minSize {
		return nil, fmt.Errorf("The specified min_size (%d) is greater than the specified max_size (%d).", plan.minSize, plan.maxSize)
	}

	if adjType := a.InputString("adjustment_type"); adjType != "" {
		number, ok := inputFloat(a, "number")
		if !ok {
			return nil, errors.New("Missing number value for resize operation.")
		}
		switch adjType {
		case ExactCapacity:
			plan.desired = int(number)
		case ChangeInCapacity:
			plan.desired = current + int(number)
		case ChangeInPercentage:
			delta := float64(current) * number / 100.0
			step := int(math.Floor(math.Abs(delta)))
			if minStep, ok := a.InputInt("min_step"); ok && step < minStep {
				step = minStep
			}
			if delta < 0 {
				step = -step
			}
			plan.desired = current + step
		default:
			return nil, fmt.Errorf("Invalid adjustment_type %q.", adjType)
		}
	}

	strict := a.InputBool("strict", false)
	if plan.maxSize != types.Unlimited && plan.desired > plan.maxSize {
		if strict {
			return nil, fmt.Errorf("The target capacity (%d) is greater than the cluster's max_size (%d).", plan.desired, plan.maxSize)
		}
		plan.desired = plan.maxSize
	}
	if plan.desired < plan.minSize {
		if strict {
			return nil, fmt.Errorf("The target capacity (%d) is less than the cluster's min_size (%d).", plan.desired, plan.minSize)
		}
		plan.desired = plan.minSize
	}
	return plan, nil
}

func inputFloat(a *types.Action, key string) (float64, bool) {
	v, ok := a.Input(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	i, ok := types.ToInt(v)
	return float64(i), ok
}

func (x *execution) clusterResize(ctx context.Context) ([]string, error) {
	c, plan := x.cluster, x.resize
	if plan == nil {
		return nil, errors.New("resize plan missing")
	}
	c.MinSize, c.MaxSize = plan.minSize, plan.maxSize

	if n := x.action.Data.CreationCount(); n > 0 {
		affected, err := x.clusterGrow(ctx, n)
		c.DesiredCapacity = plan.desired
		return affected, x.firstErr(err, x.saveCluster(ctx))
	}
	if n := x.action.Data.DeletionCount(); n > 0 {
		affected, err := x.clusterShrink(ctx, n)
		c.DesiredCapacity = plan.desired
		return affected, x.firstErr(err, x.saveCluster(ctx))
	}
	c.DesiredCapacity = plan.desired
	return nil, x.saveCluster(ctx)
}

func (x *execution) firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) clusterAddNodes(ctx context.Context) ([]string, error) {
	e, c := x.engine, x.cluster
	requested := dedupe(sortedCopy(x.action.InputStrings("nodes")))
	if len(requested) == 0 {
		return nil, errors.New("No nodes specified.")
	}

	nodes, err := e.repos.Nodes.GetMany(ctx, requested)
	if err != nil {
		return nil, err
	}
	found := map[string]*types.Node{}
	for _, n := range nodes {
		if !n.IsDeleted() {
			found[n.ID] = n
		}
	}

	var missing, owned, inactive []string
	for _, id := range requested {
		n, ok := found[id]
		switch {
		case !ok:
			missing = append(missing, id)
		case n.ClusterID == c.ID:
			owned = append(owned, id)
		case !n.IsStandalone():
			owned = append(owned, id)
		case n.Status != types.NodeStatusActive:
			inactive = append(inactive, id)
		}
	}
	switch {
	case len(missing) > 0:
		return nil, fmt.Errorf("Nodes not found: %v.", missing)
	case len(owned) > 0:
		return nil, fmt.Errorf("Nodes %v already owned by some cluster.", owned)
	case len(inactive) > 0:
		return nil, fmt.Errorf("Nodes are not ACTIVE: %v.", inactive)
	}

	target := len(c.NodeIDs) + len(requested)
	if c.MaxSize != types.Unlimited && target > c.MaxSize {
		return nil, fmt.Errorf("The target capacity (%d) is greater than the cluster's max_size (%d).", target, c.MaxSize)
	}

	adopted := make([]*types.Node, 0, len(requested))
	for _, id := range requested {
		n := found[id]
		c.NextIndex++
		n.ClusterID = c.ID
		n.Index = c.NextIndex
		n.UpdatedAt = e.now()
		c.AddNode(n.ID)
		adopted = append(adopted, n)
	}
	c.DesiredCapacity = len(c.NodeIDs)
	return ids(adopted), x.commit(ctx, adopted)
}

func (x *execution) clusterDelNodes(ctx context.Context) ([]string, error) {
	c := x.cluster
	candidates := x.action.Data.DeletionCandidates()
	if len(candidates) == 0 {
		return nil, errors.New("No nodes specified.")
	}

	var foreign []string
	for _, id := range candidates {
		if !c.HasNode(id) {
			foreign = append(foreign, id)
		}
	}
	if len(foreign) > 0 {
		return nil, fmt.Errorf("Nodes not members of specified cluster: %v.", foreign)
	}
	if target := len(c.NodeIDs) - len(candidates); target < c.MinSize {
		return nil, fmt.Errorf("The target capacity (%d) is less than the cluster's min_size (%d).", target, c.MinSize)
	}

	removed, touched, err := x.removeNodes(ctx, candidates, types.DeletionOptions{ReduceDesiredCapacity: true})
	if cerr := x.commit(ctx, touched); cerr != nil {
		return ids(removed), cerr
	}
	return ids(removed), err
}

func (x *execution) clusterCheck(ctx context.Context) ([]string, error) {
	e, c := x.engine, x.cluster
	members, err := e.repos.Nodes.ListByCluster(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes of cluster %s: %w", c.ID, err)
	}

	var healthy, unhealthy []string
	for _, n := range members {
		ok, err := e.provider.Compute().CheckNode(ctx, n)
		x.applyHealth(n, ok, err)
		if n.Status == types.NodeStatusActive {
			healthy = append(healthy, n.ID)
		} else {
			unhealthy = append(unhealthy, n.ID)
		}
	}
	x.setOutput("healthy", healthy)
	x.setOutput("unhealthy", unhealthy)
	return ids(members), x.commit(ctx, members)
}

func (x *execution) applyHealth(n *types.Node, healthy bool, err error) {
	n.UpdatedAt = x.engine.now()
	switch {
	case err != nil:
		n.Status = types.NodeStatusError
		n.StatusReason = err.Error()
	case healthy:
		n.Status = types.NodeStatusActive
		n.StatusReason = ""
	default:
		n.Status = types.NodeStatusError
		n.StatusReason = "Health check failed"
	}
}

func (x *execution) clusterDelete(ctx context.Context) ([]string, error) {
	e, c := x.engine, x.cluster

	c.Status = types.ClusterStatusDeleting
	c.StatusReason = "Deletion in progress"
	if err := x.saveCluster(ctx); err != nil {
		return nil, err
	}

	for _, b := range x.bound {
		if _, err := b.Policy.Detach(ctx, c); err != nil {
			return nil, x.clusterError(ctx, fmt.Errorf("Failed to detach policy %s: %w", b.Binding.PolicyID, err))
		}
		if err := e.repos.ClusterPolicies.Delete(ctx, b.Binding.GetID()); err != nil && !store.IsNotFoundError(err) {
			return nil, x.clusterError(ctx, err)
		}
	}

	removed, touched, err := x.removeNodes(ctx, append([]string(nil), c.NodeIDs...), types.DeletionOptions{DestroyAfterDeletion: true})
	if cerr := x.commit(ctx, touched); cerr != nil {
		return ids(removed), cerr
	}
	if err != nil {
		return ids(removed), x.clusterError(ctx, err)
	}

	if err := e.repos.Clusters.Delete(ctx, c.ID); err != nil && !store.IsNotFoundError(err) {
		return ids(removed), err
	}
	x.logger.Info("Cluster deleted", log.Str("cluster", c.ID))
	return ids(removed), nil
}

// clusterError marks the cluster ERROR with err as its reason and returns
// err.
func (x *execution) clusterError(ctx context.Context, err error) error {
	x.cluster.Status = types.ClusterStatusError
	x.cluster.StatusReason = err.Error()
	if serr := x.saveCluster(ctx); serr != nil {
		x.logger.Warn("Failed to record cluster error", log.Err(serr))
	}
	return err
}

func (x *execution) saveCluster(ctx context.Context) error {
	x.cluster.UpdatedAt = x.engine.now()
	err := x.engine.repos.Clusters.Update(context.WithoutCancel(ctx), x.cluster.ID, x.cluster, store.WithSource(store.EventSourceEngine))
	if err != nil {
		return fmt.Errorf("failed to save cluster %s: %w", x.cluster.ID, err)
	}
	return nil
}

func (x *execution) setOutput(key string, value interface{}) {
	if x.action.Outputs == nil {
		x.action.Outputs = map[string]interface{}{}
	}
	x.action.Outputs[key] = value
}

func ids(nodes []*types.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
