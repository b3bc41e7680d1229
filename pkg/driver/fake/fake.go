// Package fake provides an in-memory driver that records calls and can be
// told to fail. It backs the "fake" compute setting and most tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/corral/pkg/driver"
	"github.com/rzbill/corral/pkg/types"
)

// Operation names used for call recording and failure injection.
const (
	OpCreateNode   = "create_node"
	OpDeleteNode   = "delete_node"
	OpUpdateNode   = "update_node"
	OpCheckNode    = "check_node"
	OpLBCreate     = "lb_create"
	OpLBDelete     = "lb_delete"
	OpMemberAdd    = "member_add"
	OpMemberRemove = "member_remove"
)

// MessageLBDeleted is returned by a successful LBDelete.
const MessageLBDeleted = "lb_delete succeeded."

// Call is one recorded driver call.
type Call struct {
	Op     string
	NodeID string
	Args   []string
}

// Member is a pool member held by the fake.
type Member struct {
	ID     string
	LB     string
	Pool   string
	NodeID string
	Port   int
}

type failure struct {
	nodeID    string
	err       error
	remaining int // <0 means forever
}

// Driver is a fake compute and load balancer driver.
type Driver struct {
	mu        sync.Mutex
	seq       int
	calls     []Call
	failures  map[string][]*failure
	nodes     map[string]*types.Node
	unhealthy map[string]bool
	lbs       map[string]driver.LBResources
	members   map[string]Member
}

var (
	_ driver.Compute      = (*Driver)(nil)
	_ driver.LoadBalancer = (*Driver)(nil)
	_ driver.Provider     = (*Driver)(nil)
)

// New creates an empty fake driver.
func New() *Driver {
	return &Driver{
		failures:  make(map[string][]*failure),
		nodes:     make(map[string]*types.Node),
		unhealthy: make(map[string]bool),
		lbs:       make(map[string]driver.LBResources),
		members:   make(map[string]Member),
	}
}

func (d *Driver) Compute() driver.Compute           { return d }
func (d *Driver) LoadBalancer() driver.LoadBalancer { return d }

// FailOn makes every call to op fail with err.
func (d *Driver) FailOn(op string, err error) {
	d.addFailure(op, "", err, -1)
}

// FailOnNode makes calls to op for nodeID fail with err.
func (d *Driver) FailOnNode(op, nodeID string, err error) {
	d.addFailure(op, nodeID, err, -1)
}

// FailTimes makes the next n calls to op fail with err.
func (d *Driver) FailTimes(op string, n int, err error) {
	d.addFailure(op, "", err, n)
}

// ClearFailures removes all injected failures.
func (d *Driver) ClearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = make(map[string][]*failure)
}

// SetHealthy controls what CheckNode reports for a node.
func (d *Driver) SetHealthy(nodeID string, healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unhealthy[nodeID] = !healthy
}

func (d *Driver) addFailure(op, nodeID string, err error, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], &failure{nodeID: nodeID, err: err, remaining: n})
}

// record logs the call and returns the injected failure, if any. Callers
// hold d.mu.
func (d *Driver) record(op, nodeID string, args ...string) error {
	d.calls = append(d.calls, Call{Op: op, NodeID: nodeID, Args: args})
	for _, f := range d.failures[op] {
		if f.nodeID != "" && f.nodeID != nodeID {
			continue
		}
		if f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

func (d *Driver) nextID(prefix string) string {
	d.seq++
	return fmt.Sprintf("%s-%d", prefix, d.seq)
}

// Calls returns every recorded call.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many times op was called.
func (d *Driver) CallCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// CallsFor returns the node ids op was called for, in call order.
func (d *Driver) CallsFor(op string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if c.Op == op {
			out = append(out, c.NodeID)
		}
	}
	return out
}

// CreateNode implements driver.Compute.
func (d *Driver) CreateNode(ctx context.Context, node *types.Node) (*driver.NodeResource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCreateNode, node.ID); err != nil {
		return nil, err
	}
	physical := d.nextID("phys")
	stored := *node
	stored.PhysicalID = physical
	d.nodes[node.ID] = &stored
	return &driver.NodeResource{PhysicalID: physical, Address: fmt.Sprintf("10.0.0.%d", d.seq)}, nil
}

// DeleteNode implements driver.Compute.
func (d *Driver) DeleteNode(ctx context.Context, node *types.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpDeleteNode, node.ID); err != nil {
		return err
	}
	delete(d.nodes, node.ID)
	return nil
}

// UpdateNode implements driver.Compute.
func (d *Driver) UpdateNode(ctx context.Context, node *types.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpUpdateNode, node.ID); err != nil {
		return err
	}
	if _, ok := d.nodes[node.ID]; !ok {
		return driver.Permanentf(OpUpdateNode, "node %s has no physical resource", node.ID)
	}
	stored := *node
	d.nodes[node.ID] = &stored
	return nil
}

// CheckNode implements driver.Compute.
func (d *Driver) CheckNode(ctx context.Context, node *types.Node) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpCheckNode, node.ID); err != nil {
		return false, err
	}
	if _, ok := d.nodes[node.ID]; !ok {
		return false, nil
	}
	return !d.unhealthy[node.ID], nil
}

// HasNode reports whether the fake holds a physical resource for nodeID.
func (d *Driver) HasNode(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[nodeID]
	return ok
}

// LBCreate implements driver.LoadBalancer.
func (d *Driver) LBCreate(ctx context.Context, vip driver.VIPSpec, pool driver.PoolSpec, hm *driver.HealthMonitorSpec) (*driver.LBResources, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpLBCreate, "", vip.Subnet, pool.LBMethod); err != nil {
		return nil, err
	}
	res := driver.LBResources{
		LoadBalancer: d.nextID("lb"),
		Listener:     d.nextID("listener"),
		Pool:         d.nextID("pool"),
	}
	if hm != nil {
		res.HealthMonitor = d.nextID("hm")
	}
	d.lbs[res.LoadBalancer] = res
	return &res, nil
}

// LBDelete implements driver.LoadBalancer.
func (d *Driver) LBDelete(ctx context.Context, res driver.LBResources) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpLBDelete, "", res.LoadBalancer); err != nil {
		return "", err
	}
	delete(d.lbs, res.LoadBalancer)
	for id, m := range d.members {
		if m.LB == res.LoadBalancer {
			delete(d.members, id)
		}
	}
	return MessageLBDeleted, nil
}

// MemberAdd implements driver.LoadBalancer.
func (d *Driver) MemberAdd(ctx context.Context, node *types.Node, lbID, poolID string, port int, subnet string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record(OpMemberAdd, node.ID, lbID, poolID); err != nil {
		return "", err
	}
	if _, ok := d.lbs[lbID]; !ok {
		return "", driver.Permanentf(OpMemberAdd, "load balancer %s not found", lbID)
	}
	id := d.nextID("member")
	d.members[id] = Member{ID: id, LB: lbID, Pool: poolID, NodeID: node.ID, Port: port}
	return id, nil
}

// MemberRemove implements driver.LoadBalancer.
func (d *Driver) MemberRemove(ctx context.Context, lbID, poolID, memberID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodeID := d.members[memberID].NodeID
	if err := d.record(OpMemberRemove, nodeID, lbID, poolID, memberID); err != nil {
		return err
	}
	delete(d.members, memberID)
	return nil
}

// LoadBalancers returns the ids of live load balancers.
func (d *Driver) LoadBalancers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.lbs))
	for id := range d.lbs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns the pool members of lbID, sorted by node id.
func (d *Driver) Members(lbID string) []Member {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Member
	for _, m := range d.members {
		if m.LB == lbID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
