package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// AttachCheck is the type-independent compatibility check run before any
// policy-specific attach work.
type AttachCheck func(ctx context.Context, cluster *types.Cluster) error

// Base carries the identity of a policy and the behaviour shared by every
// policy type. Concrete policies embed it and override the hooks they need.
type Base struct {
	id         string
	name       string
	policyType string
	version    string
	spec       map[string]interface{}

	env         Env
	attachCheck AttachCheck
}

// NewBase creates the shared part of a policy built from def.
func NewBase(def *types.Policy, env Env) Base {
	b := Base{
		id:         def.ID,
		name:       def.Name,
		policyType: def.Type,
		version:    def.Version,
		spec:       def.Spec,
		env:        env,
	}
	if b.spec == nil {
		b.spec = map[string]interface{}{}
	}
	return b
}

func (b *Base) ID() string      { return b.id }
func (b *Base) Name() string    { return b.name }
func (b *Base) Type() string    { return b.policyType }
func (b *Base) Version() string { return b.version }

// TypeName returns the versioned type name, e.g. corral.policy.loadbalance-1.0.
func (b *Base) TypeName() string { return types.PolicyTypeName(b.policyType, b.version) }

// Spec returns the raw properties the policy was defined with.
func (b *Base) Spec() map[string]interface{} { return b.spec }

// Env returns the policy's runtime environment.
func (b *Base) Env() Env { return b.env }

// Logger returns a logger tagged with the policy identity.
func (b *Base) Logger() log.Logger {
	return b.env.logger().With(log.Component("policy"), log.Str("policy", b.name), log.Str("policy_type", b.TypeName()))
}

// Now returns the current time from the environment clock.
func (b *Base) Now() time.Time { return b.env.now() }

// SetAttachCheck replaces the base compatibility check.
func (b *Base) SetAttachCheck(check AttachCheck) { b.attachCheck = check }

// Targets is empty by default.
func (b *Base) Targets() []Target { return nil }

// Validate accepts any spec by default.
func (b *Base) Validate(ctx context.Context) error { return nil }

// Attach runs the base compatibility check and records nothing.
func (b *Base) Attach(ctx context.Context, cluster *types.Cluster) (map[string]interface{}, error) {
	if err := b.CheckAttach(ctx, cluster); err != nil {
		return nil, err
	}
	return nil, nil
}

// Detach has nothing to undo by default.
func (b *Base) Detach(ctx context.Context, cluster *types.Cluster) (string, error) {
	return "", nil
}

// PreOp does nothing by default.
func (b *Base) PreOp(ctx context.Context, clusterID string, action *types.Action) error { return nil }

// PostOp does nothing by default.
func (b *Base) PostOp(ctx context.Context, clusterID string, action *types.Action) error { return nil }

// CheckAttach runs the configured attach check, or the default one: the
// cluster must not be deleting and no other policy of the same type may
// already be bound to it.
func (b *Base) CheckAttach(ctx context.Context, cluster *types.Cluster) error {
	if b.attachCheck != nil {
		return b.attachCheck(ctx, cluster)
	}
	if cluster == nil {
		return types.NewValidationError("cluster is required")
	}
	if cluster.Status == types.ClusterStatusDeleting {
		return types.NewValidationErrorf("cluster %s is being deleted", cluster.ID)
	}
	if b.env.Repos == nil {
		return nil
	}

	bindings, err := b.env.Repos.ClusterPolicies.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return fmt.Errorf("failed to list bindings of cluster %s: %w", cluster.ID, err)
	}
	for _, cp := range bindings {
		if cp.PolicyType == b.policyType && cp.PolicyID != b.id {
			return types.NewValidationErrorf("a policy of type %s is already attached to cluster %s", b.policyType, cluster.ID)
		}
	}
	return nil
}

// LoadLedger reads this policy's ledger entry on clusterID. ok is false when
// the policy is not bound or has no entry.
func (b *Base) LoadLedger(ctx context.Context, clusterID string) (map[string]interface{}, bool, error) {
	if b.env.Repos == nil {
		return nil, false, nil
	}
	cp, err := b.env.Repos.ClusterPolicies.GetBinding(ctx, clusterID, b.id)
	if store.IsNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load binding of policy %s on cluster %s: %w", b.id, clusterID, err)
	}
	return ReadLedger(cp, b.policyType, b.version)
}

// SaveNode persists a node whose Data the policy changed.
func (b *Base) SaveNode(ctx context.Context, node *types.Node) error {
	node.UpdatedAt = b.Now()
	return b.env.Repos.Nodes.Update(ctx, node.ID, node, store.WithSource(store.EventSourceEngine))
}
