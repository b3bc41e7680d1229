package types

import (
	"time"
)

// ClusterStatus is the lifecycle state of a cluster.
type ClusterStatus string

const (
	ClusterStatusInit     ClusterStatus = "INIT"
	ClusterStatusActive   ClusterStatus = "ACTIVE"
	ClusterStatusResizing ClusterStatus = "RESIZING"
	ClusterStatusWarning  ClusterStatus = "WARNING"
	ClusterStatusError    ClusterStatus = "ERROR"
	ClusterStatusDeleting ClusterStatus = "DELETING"
)

// Unlimited is the MaxSize value meaning no upper bound.
const Unlimited = -1

// NodeProfile is the template the compute driver uses to build a node.
type NodeProfile struct {
	Image   string            `json:"image" yaml:"image"`
	Command []string          `json:"command,omitempty" yaml:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Ports   []string          `json:"ports,omitempty" yaml:"ports,omitempty"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Cluster is a homogeneous group of nodes.
type Cluster struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Status       ClusterStatus `json:"status" yaml:"status"`
	StatusReason string        `json:"statusReason,omitempty" yaml:"statusReason,omitempty"`

	DesiredCapacity int `json:"desiredCapacity" yaml:"desiredCapacity"`
	MinSize         int `json:"minSize" yaml:"minSize"`
	MaxSize         int `json:"maxSize" yaml:"maxSize"`

	// NodeIDs is only modified by an action holding the cluster's
	// exclusive lock.
	NodeIDs []string `json:"nodeIds,omitempty" yaml:"nodeIds,omitempty"`

	Profile  NodeProfile       `json:"profile" yaml:"profile"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// NextIndex numbers member nodes.
	NextIndex int `json:"nextIndex" yaml:"nextIndex"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`

	Versioned
}

// GetID returns the cluster id.
func (c *Cluster) GetID() string {
	return c.ID
}

// Validate checks size bounds and required fields.
func (c *Cluster) Validate() error {
	if c.Name == "" {
		return NewValidationError("cluster name is required")
	}
	if c.MinSize < 0 {
		return NewValidationError("min_size cannot be negative")
	}
	if c.MaxSize != Unlimited && c.MaxSize < c.MinSize {
		return NewValidationErrorf("max_size %d is less than min_size %d", c.MaxSize, c.MinSize)
	}
	if !c.WithinBounds(c.DesiredCapacity) {
		return NewValidationErrorf("desired_capacity %d is outside [%d, %s]",
			c.DesiredCapacity, c.MinSize, c.maxString())
	}
	return nil
}

// WithinBounds reports whether size respects min and max.
func (c *Cluster) WithinBounds(size int) bool {
	if size < c.MinSize {
		return false
	}
	return c.MaxSize == Unlimited || size <= c.MaxSize
}

func (c *Cluster) maxString() string {
	if c.MaxSize == Unlimited {
		return "unlimited"
	}
	return itoa(c.MaxSize)
}

// HasNode reports whether id is a member.
func (c *Cluster) HasNode(id string) bool {
	for _, n := range c.NodeIDs {
		if n == id {
			return true
		}
	}
	return false
}

// AddNode appends id to the membership if absent.
func (c *Cluster) AddNode(id string) {
	if !c.HasNode(id) {
		c.NodeIDs = append(c.NodeIDs, id)
	}
}

// RemoveNode drops id from the membership.
func (c *Cluster) RemoveNode(id string) {
	out := c.NodeIDs[:0]
	for _, n := range c.NodeIDs {
		if n != id {
			out = append(out, n)
		}
	}
	c.NodeIDs = out
}
