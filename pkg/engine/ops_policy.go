package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// DefaultPolicyPriority is the priority of a binding attached without one.
const DefaultPolicyPriority = 50

// loadPolicy reads the definition named by the policy_id input and builds
// its typed instance.
func (x *execution) loadPolicy(ctx context.Context) (*types.Policy, policy.Policy, error) {
	e := x.engine
	id := x.action.InputString("policy_id")
	if id == "" {
		return nil, nil, errors.New("Policy ID is required.")
	}
	def, err := e.repos.Policies.Get(ctx, id)
	if store.IsNotFoundError(err) {
		return nil, nil, fmt.Errorf("Policy %s not found.", id)
	}
	if err != nil {
		return nil, nil, err
	}
	p, err := e.registry.Create(ctx, def, e.policyEnv())
	if err != nil {
		return nil, nil, err
	}
	return def, p, nil
}

func (x *execution) attachPolicy(ctx context.Context) error {
	e, a, c := x.engine, x.action, x.cluster

	def, p, err := x.loadPolicy(ctx)
	if err != nil {
		return err
	}
	_, err = e.repos.ClusterPolicies.GetBinding(ctx, c.ID, def.ID)
	if err == nil {
		return fmt.Errorf("Policy %s is already attached to cluster %s.", def.ID, c.ID)
	}
	if !store.IsNotFoundError(err) {
		return err
	}

	payload, err := p.Attach(ctx, c)
	if err != nil {
		return err
	}

	priority := DefaultPolicyPriority
	if v, ok := a.InputInt("priority"); ok {
		priority = v
	}
	cooldown, _ := a.InputInt("cooldown")
	cp := &types.ClusterPolicy{
		ClusterID:  c.ID,
		PolicyID:   def.ID,
		PolicyType: def.Type,
		PolicyName: def.Name,
		Priority:   priority,
		Enabled:    a.InputBool("enabled", true),
		Cooldown:   cooldown,
		CreatedAt:  e.now(),
	}
	policy.WriteLedger(cp, def.Type, def.Version, payload)

	if err := e.repos.ClusterPolicies.Create(context.WithoutCancel(ctx), cp.GetID(), cp); err != nil {
		// Undo what Attach provisioned; without a binding nothing else would.
		if _, derr := p.Detach(ctx, c); derr != nil {
			x.logger.Warn("Failed to roll back policy attach", log.Str("policy", def.ID), log.Err(derr))
		}
		return fmt.Errorf("failed to bind policy %s: %w", def.ID, err)
	}

	x.setOutput("policy", def.ID)
	x.logger.Info("Policy attached", log.Str("policy", def.ID), log.Str("type", def.TypeName()))
	return nil
}

func (x *execution) detachPolicy(ctx context.Context) error {
	e, c := x.engine, x.cluster

	def, p, err := x.loadPolicy(ctx)
	if err != nil {
		return err
	}
	cp, err := e.repos.ClusterPolicies.GetBinding(ctx, c.ID, def.ID)
	if store.IsNotFoundError(err) {
		return fmt.Errorf("Policy %s is not attached to cluster %s.", def.ID, c.ID)
	}
	if err != nil {
		return err
	}

	msg, err := p.Detach(ctx, c)
	if err != nil {
		return err
	}
	if err := e.repos.ClusterPolicies.Delete(context.WithoutCancel(ctx), cp.GetID()); err != nil && !store.IsNotFoundError(err) {
		return fmt.Errorf("failed to unbind policy %s: %w", def.ID, err)
	}

	x.setOutput("message", msg)
	x.logger.Info("Policy detached", log.Str("policy", def.ID), log.Str("message", msg))
	return nil
}

func (x *execution) updatePolicy(ctx context.Context) error {
	e, a, c := x.engine, x.action, x.cluster

	id := a.InputString("policy_id")
	if id == "" {
		return errors.New("Policy ID is required.")
	}
	cp, err := e.repos.ClusterPolicies.GetBinding(ctx, c.ID, id)
	if store.IsNotFoundError(err) {
		return fmt.Errorf("Policy %s is not attached to cluster %s.", id, c.ID)
	}
	if err != nil {
		return err
	}

	if v, ok := a.InputInt("priority"); ok {
		cp.Priority = v
	}
	if _, ok := a.Input("enabled"); ok {
		cp.Enabled = a.InputBool("enabled", cp.Enabled)
	}
	if v, ok := a.InputInt("cooldown"); ok {
		if v < 0 {
			return fmt.Errorf("Invalid cooldown (%d).", v)
		}
		cp.Cooldown = v
	}

	if err := e.repos.ClusterPolicies.Update(context.WithoutCancel(ctx), cp.GetID(), cp, store.WithSource(store.EventSourceEngine)); err != nil {
		return fmt.Errorf("failed to update binding of policy %s: %w", id, err)
	}
	x.setOutput("policy", id)
	return nil
}
