// Package lb implements the load-balancing policy: it provisions a load
// balancer when attached to a cluster and keeps the pool membership in step
// with the cluster's nodes.
package lb

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/corral/pkg/driver"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/types"
)

const (
	// Type is the policy type identifier.
	Type = "corral.policy.loadbalance"

	// Version is the only spec and ledger version this package understands.
	Version = "1.0"

	// MemberKey is the node data marker holding the pool member id.
	MemberKey = "lb_member"
)

// Reasons reported through the action data and attach/detach results.
const (
	ReasonAttachMemberFailed = "Failed in adding node into lb pool"
	ReasonAddFailed          = "Failed in adding new node into lb pool"
	ReasonRemoveFailed       = "Failed in removing deleted node from lb pool"
	MessageDetached          = "LB resources deletion succeeded."
)

var (
	validProtocols   = map[string]bool{"HTTP": true, "HTTPS": true, "TCP": true}
	validLBMethods   = map[string]bool{"ROUND_ROBIN": true, "LEAST_CONNECTIONS": true, "SOURCE_IP": true}
	validPersistence = map[string]bool{"SOURCE_IP": true, "HTTP_COOKIE": true, "APP_COOKIE": true}
	validMonitors    = map[string]bool{"PING": true, "TCP": true, "HTTP": true, "HTTPS": true}
)

// Spec is the decoded policy properties.
type Spec struct {
	Pool          driver.PoolSpec           `json:"pool"`
	VIP           driver.VIPSpec            `json:"vip"`
	HealthMonitor *driver.HealthMonitorSpec `json:"health_monitor"`
}

// Policy is the load-balancing policy.
type Policy struct {
	policy.Base
	spec Spec
}

// Register adds the policy type to reg.
func Register(reg *policy.Registry) {
	reg.Register(Type, Version, New)
}

// New builds a load-balancing policy from def, filling documented defaults.
func New(def *types.Policy, env policy.Env) (policy.Policy, error) {
	p := &Policy{Base: policy.NewBase(def, env)}

	raw := applyDefaults(p.Spec())
	if err := policy.DecodeSpec(raw, &p.spec); err != nil {
		return nil, err
	}
	return p, nil
}

// applyDefaults fills unset pool and vip properties in place.
func applyDefaults(raw map[string]interface{}) map[string]interface{} {
	pool := policy.SpecMap(raw, "pool")
	policy.SetDefault(pool, "protocol", "HTTP")
	policy.SetDefault(pool, "protocol_port", 80)
	policy.SetDefault(pool, "lb_method", "ROUND_ROBIN")
	policy.SetDefault(pool, "admin_state_up", true)
	policy.SetDefault(pool, "session_persistence", map[string]interface{}{})

	vip := policy.SpecMap(raw, "vip")
	policy.SetDefault(vip, "connection_limit", -1)
	policy.SetDefault(vip, "protocol", "HTTP")
	policy.SetDefault(vip, "protocol_port", 80)
	policy.SetDefault(vip, "admin_state_up", true)
	policy.SetDefault(vip, "address", nil)
	return raw
}

// PoolSpec returns the decoded pool properties.
func (p *Policy) PoolSpec() driver.PoolSpec { return p.spec.Pool }

// VIPSpec returns the decoded vip properties.
func (p *Policy) VIPSpec() driver.VIPSpec { return p.spec.VIP }

// Targets returns the membership changing actions the policy follows.
func (p *Policy) Targets() []policy.Target {
	return []policy.Target{
		{Phase: policy.PhaseAfter, Action: types.ActionClusterAddNodes},
		{Phase: policy.PhaseAfter, Action: types.ActionClusterDelNodes},
		{Phase: policy.PhaseAfter, Action: types.ActionClusterResize},
		{Phase: policy.PhaseAfter, Action: types.ActionClusterScaleOut},
		{Phase: policy.PhaseAfter, Action: types.ActionClusterScaleIn},
		{Phase: policy.PhaseAfter, Action: types.ActionNodeDelete},
	}
}

// Validate checks the decoded spec.
func (p *Policy) Validate(ctx context.Context) error {
	pool, vip := p.spec.Pool, p.spec.VIP

	if pool.Subnet == "" {
		return types.NewValidationError("pool subnet is required")
	}
	if vip.Subnet == "" {
		return types.NewValidationError("vip subnet is required")
	}
	if !validProtocols[pool.Protocol] {
		return types.NewValidationErrorf("invalid pool protocol %q", pool.Protocol)
	}
	if !validProtocols[vip.Protocol] {
		return types.NewValidationErrorf("invalid vip protocol %q", vip.Protocol)
	}
	if !validLBMethods[pool.LBMethod] {
		return types.NewValidationErrorf("invalid lb_method %q", pool.LBMethod)
	}
	if err := validPort("pool", pool.ProtocolPort); err != nil {
		return err
	}
	if err := validPort("vip", vip.ProtocolPort); err != nil {
		return err
	}
	if vip.ConnectionLimit < -1 {
		return types.NewValidationErrorf("invalid vip connection_limit %d", vip.ConnectionLimit)
	}
	if t, ok := pool.SessionPersistence["type"]; ok {
		s, _ := t.(string)
		if !validPersistence[s] {
			return types.NewValidationErrorf("invalid session_persistence type %v", t)
		}
	}
	if hm := p.spec.HealthMonitor; hm != nil && !validMonitors[hm.Type] {
		return types.NewValidationErrorf("invalid health_monitor type %q", hm.Type)
	}
	return nil
}

func validPort(what string, port int) error {
	if port < 1 || port > 65535 {
		return types.NewValidationErrorf("invalid %s protocol_port %d", what, port)
	}
	return nil
}

// Attach creates the load balancer and adds every live cluster node to its
// pool. If any node cannot be added the load balancer is removed again and
// nothing is recorded.
func (p *Policy) Attach(ctx context.Context, cluster *types.Cluster) (map[string]interface{}, error) {
	if err := p.CheckAttach(ctx, cluster); err != nil {
		return nil, err
	}

	lbDriver := p.Env().Provider.LoadBalancer()
	logger := p.Logger().With(log.Str("cluster", cluster.ID))

	res, err := lbDriver.LBCreate(ctx, p.spec.VIP, p.spec.Pool, p.spec.HealthMonitor)
	if err != nil {
		return nil, err
	}

	all, err := p.Env().Repos.Nodes.ListByCluster(ctx, cluster.ID)
	if err != nil {
		p.cleanup(ctx, *res, logger)
		return nil, fmt.Errorf("failed to list nodes of cluster %s: %w", cluster.ID, err)
	}
	nodes := make([]*types.Node, 0, len(all))
	for _, node := range all {
		if node.IsDeleted() || node.Status != types.NodeStatusActive {
			continue
		}
		nodes = append(nodes, node)
	}

	members := make([]string, len(nodes))
	for i, node := range nodes {
		memberID, err := lbDriver.MemberAdd(ctx, node, res.LoadBalancer, res.Pool, p.spec.Pool.ProtocolPort, p.spec.Pool.Subnet)
		if err != nil || memberID == "" {
			logger.Warn("Failed to add node to pool during attach", log.Str("node", node.ID), log.Err(err))
			p.cleanup(ctx, *res, logger)
			return nil, errors.New(ReasonAttachMemberFailed)
		}
		members[i] = memberID
	}

	// Markers are persisted only once every node is in the pool.
	for i, node := range nodes {
		node.SetData(MemberKey, members[i])
		if err := p.SaveNode(ctx, node); err != nil {
			p.clearMarkers(ctx, nodes[:i], logger)
			p.cleanup(ctx, *res, logger)
			return nil, fmt.Errorf("failed to persist node %s: %w", node.ID, err)
		}
	}

	logger.Info("Load balancer attached", log.Str("loadbalancer", res.LoadBalancer), log.Int("members", len(nodes)))
	return resourcesToLedger(*res), nil
}

func (p *Policy) cleanup(ctx context.Context, res driver.LBResources, logger log.Logger) {
	if _, err := p.Env().Provider.LoadBalancer().LBDelete(ctx, res); err != nil {
		logger.Warn("Failed to clean up load balancer", log.Str("loadbalancer", res.LoadBalancer), log.Err(err))
	}
}

// clearMarkers drops the member marker from nodes. Failures are logged and
// the remaining nodes are still cleared.
func (p *Policy) clearMarkers(ctx context.Context, nodes []*types.Node, logger log.Logger) {
	for _, node := range nodes {
		if _, member := node.DataString(MemberKey); !member {
			continue
		}
		node.DeleteData(MemberKey)
		if err := p.SaveNode(ctx, node); err != nil {
			logger.Warn("Failed to clear pool member marker", log.Str("node", node.ID), log.Err(err))
		}
	}
}

// Detach deletes the load balancer recorded in the ledger and clears the
// member markers of the cluster's nodes. Without a ledger entry there is
// nothing to do. When the delete fails the markers are kept.
func (p *Policy) Detach(ctx context.Context, cluster *types.Cluster) (string, error) {
	data, ok, err := p.LoadLedger(ctx, cluster.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return MessageDetached, nil
	}

	msg, err := p.Env().Provider.LoadBalancer().LBDelete(ctx, ledgerToResources(data))
	if err != nil {
		return "", err
	}

	nodes, err := p.Env().Repos.Nodes.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return "", fmt.Errorf("failed to list nodes of cluster %s: %w", cluster.ID, err)
	}
	for _, node := range nodes {
		if _, member := node.DataString(MemberKey); !member {
			continue
		}
		node.DeleteData(MemberKey)
		if err := p.SaveNode(ctx, node); err != nil {
			return "", fmt.Errorf("failed to persist node %s: %w", node.ID, err)
		}
	}

	if msg == "" {
		msg = MessageDetached
	}
	return msg, nil
}

// PostOp adds newly created nodes to the pool or removes deleted ones,
// depending on which marker the action carries. A node that fails is
// recorded and the rest are still processed.
func (p *Policy) PostOp(ctx context.Context, clusterID string, action *types.Action) error {
	nodeIDs := action.Data.NodeIDs()
	if len(nodeIDs) == 0 {
		return nil
	}

	_, creating := action.Data.Creation()
	_, deleting := action.Data.Deletion()
	if !creating && !deleting {
		return nil
	}

	data, ok, err := p.LoadLedger(ctx, clusterID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	res := ledgerToResources(data)

	nodes, err := p.Env().Repos.Nodes.GetMany(ctx, nodeIDs)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	if creating {
		return p.addMembers(ctx, action, res, nodes)
	}
	return p.removeMembers(ctx, action, res, nodes)
}

func (p *Policy) addMembers(ctx context.Context, action *types.Action, res driver.LBResources, nodes []*types.Node) error {
	lbDriver := p.Env().Provider.LoadBalancer()
	logger := p.Logger().With(log.ActionID(action.ID))

	for _, node := range nodes {
		if _, member := node.DataString(MemberKey); member {
			continue
		}
		if node.IsDeleted() || node.Status != types.NodeStatusActive {
			continue
		}

		memberID, err := lbDriver.MemberAdd(ctx, node, res.LoadBalancer, res.Pool, p.spec.Pool.ProtocolPort, p.spec.Pool.Subnet)
		if err != nil || memberID == "" {
			logger.Warn("Failed to add node to pool", log.Str("node", node.ID), log.Err(err))
			action.Data.RecordFailure(p.TypeName(), node.ID, ReasonAddFailed)
			continue
		}
		node.SetData(MemberKey, memberID)
		if err := p.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("failed to persist node %s: %w", node.ID, err)
		}
	}
	return nil
}

func (p *Policy) removeMembers(ctx context.Context, action *types.Action, res driver.LBResources, nodes []*types.Node) error {
	lbDriver := p.Env().Provider.LoadBalancer()
	logger := p.Logger().With(log.ActionID(action.ID))

	for _, node := range nodes {
		memberID, member := node.DataString(MemberKey)
		if !member {
			continue
		}

		if err := lbDriver.MemberRemove(ctx, res.LoadBalancer, res.Pool, memberID); err != nil {
			logger.Warn("Failed to remove node from pool", log.Str("node", node.ID), log.Err(err))
			action.Data.RecordFailure(p.TypeName(), node.ID, ReasonRemoveFailed)
			continue
		}
		node.DeleteData(MemberKey)
		if err := p.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("failed to persist node %s: %w", node.ID, err)
		}
	}
	return nil
}

func resourcesToLedger(res driver.LBResources) map[string]interface{} {
	return map[string]interface{}{
		"loadbalancer":  res.LoadBalancer,
		"listener":      res.Listener,
		"pool":          res.Pool,
		"healthmonitor": res.HealthMonitor,
	}
}

func ledgerToResources(data map[string]interface{}) driver.LBResources {
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}
	return driver.LBResources{
		LoadBalancer:  str("loadbalancer"),
		Listener:      str("listener"),
		Pool:          str("pool"),
		HealthMonitor: str("healthmonitor"),
	}
}
