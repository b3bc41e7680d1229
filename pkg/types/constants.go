package types

// ResourceType is the type of a persisted record.
type ResourceType string

const (
	// ResourceTypeAction is the resource type for actions.
	ResourceTypeAction ResourceType = "action"

	// ResourceTypeCluster is the resource type for clusters.
	ResourceTypeCluster ResourceType = "cluster"

	// ResourceTypeNode is the resource type for nodes.
	ResourceTypeNode ResourceType = "node"

	// ResourceTypePolicy is the resource type for policy definitions.
	ResourceTypePolicy ResourceType = "policy"

	// ResourceTypeClusterPolicy is the resource type for policy bindings.
	ResourceTypeClusterPolicy ResourceType = "cluster_policy"

	// ResourceTypeLock is the resource type for cluster and node locks.
	ResourceTypeLock ResourceType = "lock"

	// ResourceTypeWorker is the resource type for worker liveness records.
	ResourceTypeWorker ResourceType = "worker"
)

// Versioned is embedded by every persisted record. The store bumps
// ResourceVersion on each write and rejects updates carrying a stale value.
type Versioned struct {
	ResourceVersion int64 `json:"resourceVersion,omitempty" yaml:"resourceVersion,omitempty"`
}

// GetResourceVersion returns the stored version.
func (v *Versioned) GetResourceVersion() int64 {
	return v.ResourceVersion
}

// SetResourceVersion records the stored version.
func (v *Versioned) SetResourceVersion(version int64) {
	v.ResourceVersion = version
}
