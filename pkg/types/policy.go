package types

import (
	"time"
)

// Policy is a stored policy definition. The engine builds typed instances
// from it through the policy registry.
type Policy struct {
	ID      string                 `json:"id" yaml:"id"`
	Name    string                 `json:"name" yaml:"name"`
	Type    string                 `json:"type" yaml:"type"`
	Version string                 `json:"version" yaml:"version"`
	Spec    map[string]interface{} `json:"spec" yaml:"properties"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`

	Versioned `yaml:"-"`
}

// GetID returns the policy id.
func (p *Policy) GetID() string {
	return p.ID
}

// TypeName returns the versioned type name, e.g. corral.policy.loadbalance-1.0.
func (p *Policy) TypeName() string {
	return PolicyTypeName(p.Type, p.Version)
}

// PolicyTypeName joins a type and version.
func PolicyTypeName(policyType, version string) string {
	return policyType + "-" + version
}

// PolicyData is one policy's versioned ledger entry.
type PolicyData struct {
	Version string                 `json:"version"`
	Data    map[string]interface{} `json:"data"`
}

// ClusterPolicy binds a policy to a cluster and carries the ledger of
// resources the policy provisioned for it.
type ClusterPolicy struct {
	ClusterID  string `json:"clusterId"`
	PolicyID   string `json:"policyId"`
	PolicyType string `json:"policyType"`
	PolicyName string `json:"policyName"`

	// Priority orders hooks: lower runs first.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	// Cooldown in seconds after a triggering action during which the
	// policy's pre/post hooks are skipped.
	Cooldown int        `json:"cooldown"`
	LastOp   *time.Time `json:"lastOp,omitempty"`

	// Data is keyed by policy class name. A policy writes only its own key.
	Data map[string]PolicyData `json:"data,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	Versioned
}

// ClusterPolicyID returns the storage key for a binding.
func ClusterPolicyID(clusterID, policyID string) string {
	return clusterID + ":" + policyID
}

// GetID returns the storage key of the binding.
func (cp *ClusterPolicy) GetID() string {
	return ClusterPolicyID(cp.ClusterID, cp.PolicyID)
}

// CooldownRemaining returns how much of the cooldown is left at now.
func (cp *ClusterPolicy) CooldownRemaining(now time.Time) time.Duration {
	if cp.Cooldown <= 0 || cp.LastOp == nil {
		return 0
	}
	left := cp.LastOp.Add(time.Duration(cp.Cooldown) * time.Second).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// InCooldown reports whether hooks should be skipped at now.
func (cp *ClusterPolicy) InCooldown(now time.Time) bool {
	return cp.CooldownRemaining(now) > 0
}
