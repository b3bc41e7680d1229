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

// ActionRequest is a user intent to be turned into an action.
type ActionRequest struct {
	// ID is optional; one is generated when empty.
	ID       string
	Name     string
	Action   types.ActionType
	TargetID string
	Inputs   map[string]interface{}

	DependsOn []string
	Priority  int
	Timeout   time.Duration

	// Cluster is the cluster to create for CLUSTER_CREATE.
	Cluster *types.Cluster

	// Node is the standalone node to create for NODE_CREATE.
	Node *types.Node
}

// Submit validates req, persists the action and queues it. The returned
// error maps onto a SubmitResult through ResultOf.
func (e *Engine) Submit(ctx context.Context, req ActionRequest) (string, error) {
	if !req.Action.IsKnown() {
		return "", types.NewValidationErrorf("unknown action %q", req.Action)
	}

	now := e.now()
	a := &types.Action{
		ID:        req.ID,
		Name:      req.Name,
		Type:      req.Action,
		TargetID:  req.TargetID,
		Status:    types.ActionStatusInit,
		Inputs:    req.Inputs,
		Data:      types.ActionData{},
		DependsOn: req.DependsOn,
		Priority:  req.Priority,
		Timeout:   req.Timeout,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Name == "" {
		a.Name = fmt.Sprintf("%s-%s", a.Type, shortID(a.ID))
	}

	switch req.Action {
	case types.ActionClusterCreate:
		if err := e.prepareCluster(ctx, req.Cluster, now); err != nil {
			return "", err
		}
		a.TargetID = req.Cluster.ID
	case types.ActionNodeCreate:
		if err := e.prepareNode(ctx, req.Node, now); err != nil {
			return "", err
		}
		a.TargetID = req.Node.ID
	}
	if err := a.Validate(); err != nil {
		return "", err
	}
	if req.Action != types.ActionClusterCreate && req.Action != types.ActionNodeCreate {
		if err := e.checkTarget(ctx, a); err != nil {
			return "", err
		}
	}
	if err := e.checkDependencies(ctx, a); err != nil {
		return "", err
	}

	switch req.Action {
	case types.ActionClusterCreate:
		if err := e.repos.Clusters.Create(ctx, req.Cluster.ID, req.Cluster); err != nil {
			return "", fmt.Errorf("failed to create cluster %s: %w", req.Cluster.ID, err)
		}
	case types.ActionNodeCreate:
		if err := e.repos.Nodes.Create(ctx, req.Node.ID, req.Node); err != nil {
			return "", fmt.Errorf("failed to create node %s: %w", req.Node.ID, err)
		}
	}

	if err := e.repos.Actions.Create(ctx, a.ID, a); err != nil {
		if store.IsAlreadyExistsError(err) {
			return "", types.NewValidationErrorf("action %s already exists", a.ID)
		}
		return "", fmt.Errorf("failed to create action %s: %w", a.ID, err)
	}

	next := types.ActionStatusReady
	if len(a.DependsOn) > 0 {
		next = types.ActionStatusWaiting
	}
	if err := a.Transition(next, "", e.now()); err != nil {
		return "", err
	}
	if err := e.repos.Actions.Update(ctx, a.ID, a, store.WithSource(store.EventSourceEngine)); err != nil {
		return "", fmt.Errorf("failed to queue action %s: %w", a.ID, err)
	}

	e.logger.Info("Action accepted",
		log.ActionID(a.ID),
		log.Str("verb", string(a.Type)),
		log.Target(a.TargetID),
		log.Any("status", a.Status))

	if err := e.enqueue(ctx, a, 0); err != nil {
		// The action is durable; the reclamation sweep picks it up.
		e.logger.Warn("Failed to enqueue action", log.ActionID(a.ID), log.Err(err))
	}
	return a.ID, nil
}

func (e *Engine) prepareCluster(ctx context.Context, c *types.Cluster, now time.Time) error {
	if c == nil {
		return types.NewValidationError("CLUSTER_CREATE requires a cluster")
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = types.ClusterStatusInit
	c.NodeIDs = nil
	c.CreatedAt, c.UpdatedAt = now, now
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := e.repos.Clusters.Get(ctx, c.ID)
	if err == nil {
		return types.NewValidationErrorf("cluster %s already exists", c.ID)
	}
	if !store.IsNotFoundError(err) {
		return err
	}
	return nil
}

func (e *Engine) prepareNode(ctx context.Context, n *types.Node, now time.Time) error {
	if n == nil {
		return types.NewValidationError("NODE_CREATE requires a node")
	}
	if !n.IsStandalone() {
		return types.NewValidationError("NODE_CREATE only creates standalone nodes; use CLUSTER_SCALE_OUT to grow a cluster")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Name == "" {
		return types.NewValidationError("node name is required")
	}
	if n.Profile.Image == "" {
		return types.NewValidationError("node profile image is required")
	}
	n.Status = types.NodeStatusInit
	n.CreatedAt, n.UpdatedAt = now, now
	_, err := e.repos.Nodes.Get(ctx, n.ID)
	if err == nil {
		return types.NewValidationErrorf("node %s already exists", n.ID)
	}
	if !store.IsNotFoundError(err) {
		return err
	}
	return nil
}

func (e *Engine) checkTarget(ctx context.Context, a *types.Action) error {
	if a.Type.IsClusterAction() {
		_, err := e.repos.Clusters.Get(ctx, a.TargetID)
		if store.IsNotFoundError(err) {
			return fmt.Errorf("%w: cluster %s", ErrTargetNotFound, a.TargetID)
		}
		return err
	}

	n, err := e.repos.Nodes.Get(ctx, a.TargetID)
	if store.IsNotFoundError(err) || (err == nil && n.IsDeleted()) {
		return fmt.Errorf("%w: node %s", ErrTargetNotFound, a.TargetID)
	}
	return err
}

// checkDependencies rejects unknown dependencies and dependency cycles.
func (e *Engine) checkDependencies(ctx context.Context, a *types.Action) error {
	if len(a.DependsOn) == 0 {
		return nil
	}

	graph := map[string][]string{a.ID: a.DependsOn}
	var load func(id string, direct bool) error
	load = func(id string, direct bool) error {
		if _, seen := graph[id]; seen {
			return nil
		}
		dep, err := e.repos.Actions.Get(ctx, id)
		if store.IsNotFoundError(err) {
			if direct {
				return types.NewValidationErrorf("unknown dependency %s", id)
			}
			graph[id] = nil
			return nil
		}
		if err != nil {
			return err
		}
		graph[id] = dep.DependsOn
		for _, next := range dep.DependsOn {
			if err := load(next, false); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range a.DependsOn {
		if err := load(dep, true); err != nil {
			return err
		}
	}

	const (
		visiting = iota + 1
		done
	)
	state := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, next := range graph[id] {
			if visit(next) {
				return true
			}
		}
		state[id] = done
		return false
	}
	if visit(a.ID) {
		return types.NewValidationErrorf("action %s has a dependency cycle", a.ID)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
