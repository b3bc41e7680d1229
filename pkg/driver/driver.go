// Package driver defines the interfaces corral uses to reach the systems
// that actually host nodes and load balancers.
package driver

import (
	"context"

	"github.com/rzbill/corral/pkg/types"
)

// NodeResource describes the physical resource backing a node.
type NodeResource struct {
	PhysicalID string
	Address    string
}

// Compute creates and manages the physical resources behind nodes.
type Compute interface {
	// CreateNode builds the resource described by node.Profile.
	CreateNode(ctx context.Context, node *types.Node) (*NodeResource, error)

	// DeleteNode removes the node's physical resource. Deleting a resource
	// that no longer exists succeeds.
	DeleteNode(ctx context.Context, node *types.Node) error

	// UpdateNode applies profile or metadata changes in place.
	UpdateNode(ctx context.Context, node *types.Node) error

	// CheckNode reports whether the physical resource is healthy.
	CheckNode(ctx context.Context, node *types.Node) (bool, error)
}

// VIPSpec describes the virtual IP of a load balancer.
type VIPSpec struct {
	Subnet          string `json:"subnet" yaml:"subnet"`
	Address         string `json:"address,omitempty" yaml:"address,omitempty"`
	ConnectionLimit int    `json:"connection_limit" yaml:"connection_limit"`
	Protocol        string `json:"protocol" yaml:"protocol"`
	ProtocolPort    int    `json:"protocol_port" yaml:"protocol_port"`
	AdminStateUp    bool   `json:"admin_state_up" yaml:"admin_state_up"`
}

// PoolSpec describes the member pool of a load balancer.
type PoolSpec struct {
	Protocol           string                 `json:"protocol" yaml:"protocol"`
	ProtocolPort       int                    `json:"protocol_port" yaml:"protocol_port"`
	Subnet             string                 `json:"subnet" yaml:"subnet"`
	LBMethod           string                 `json:"lb_method" yaml:"lb_method"`
	AdminStateUp       bool                   `json:"admin_state_up" yaml:"admin_state_up"`
	SessionPersistence map[string]interface{} `json:"session_persistence" yaml:"session_persistence"`
}

// HealthMonitorSpec describes an optional pool health monitor.
type HealthMonitorSpec struct {
	Type       string `json:"type" yaml:"type"`
	Delay      int    `json:"delay" yaml:"delay"`
	Timeout    int    `json:"timeout" yaml:"timeout"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
}

// LBResources are the ids of everything LBCreate provisioned.
type LBResources struct {
	LoadBalancer  string `json:"loadbalancer"`
	Listener      string `json:"listener"`
	Pool          string `json:"pool"`
	HealthMonitor string `json:"healthmonitor,omitempty"`
}

// LoadBalancer provisions load balancers and manages pool membership.
type LoadBalancer interface {
	// LBCreate provisions the load balancer, listener, pool and optional
	// health monitor. On failure nothing is left behind.
	LBCreate(ctx context.Context, vip VIPSpec, pool PoolSpec, hm *HealthMonitorSpec) (*LBResources, error)

	// LBDelete removes everything LBCreate provisioned and returns the
	// driver's status message.
	LBDelete(ctx context.Context, res LBResources) (string, error)

	// MemberAdd adds node to the pool and returns the member id.
	MemberAdd(ctx context.Context, node *types.Node, lbID, poolID string, port int, subnet string) (string, error)

	// MemberRemove removes a member from the pool.
	MemberRemove(ctx context.Context, lbID, poolID, memberID string) error
}

// Provider bundles the drivers one deployment talks to.
type Provider interface {
	Compute() Compute
	LoadBalancer() LoadBalancer
}

// Bundle is a Provider assembled from individual drivers.
type Bundle struct {
	ComputeDriver Compute
	LBDriver      LoadBalancer
}

// NewBundle creates a Provider from a compute and a load balancer driver.
func NewBundle(compute Compute, lb LoadBalancer) *Bundle {
	return &Bundle{ComputeDriver: compute, LBDriver: lb}
}

func (b *Bundle) Compute() Compute           { return b.ComputeDriver }
func (b *Bundle) LoadBalancer() LoadBalancer { return b.LBDriver }
