package types

import (
	"strconv"
	"time"
)

// NodeStatus is the lifecycle state of a node.
type NodeStatus string

const (
	NodeStatusInit    NodeStatus = "INIT"
	NodeStatusActive  NodeStatus = "ACTIVE"
	NodeStatusError   NodeStatus = "ERROR"
	NodeStatusDeleted NodeStatus = "DELETED"
)

// Node is a single managed resource, standalone or owned by one cluster.
type Node struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	ClusterID    string     `json:"clusterId,omitempty"`
	Index        int        `json:"index"`
	Status       NodeStatus `json:"status"`
	StatusReason string     `json:"statusReason,omitempty"`

	// PhysicalID and Address come from the compute driver.
	PhysicalID string `json:"physicalId,omitempty"`
	Address    string `json:"address,omitempty"`

	Profile NodeProfile `json:"profile"`

	// Data holds policy markers, such as lb_member.
	Data map[string]interface{} `json:"data,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// DeletedAt is set when the node is soft deleted. Deleted records stay
	// readable so post-operation hooks can clean up after them.
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	Versioned
}

// GetID returns the node id.
func (n *Node) GetID() string {
	return n.ID
}

// IsDeleted reports whether the node has been soft deleted.
func (n *Node) IsDeleted() bool {
	return n.DeletedAt != nil
}

// IsStandalone reports whether the node belongs to no cluster.
func (n *Node) IsStandalone() bool {
	return n.ClusterID == ""
}

// DataString returns a string marker from Data.
func (n *Node) DataString(key string) (string, bool) {
	if n.Data == nil {
		return "", false
	}
	s, ok := n.Data[key].(string)
	return s, ok && s != ""
}

// SetData sets a marker in Data.
func (n *Node) SetData(key string, value interface{}) {
	if n.Data == nil {
		n.Data = map[string]interface{}{}
	}
	n.Data[key] = value
}

// DeleteData removes a marker from Data.
func (n *Node) DeleteData(key string) {
	delete(n.Data, key)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
