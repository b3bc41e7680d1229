package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store"
	"github.com/rzbill/corral/pkg/types"
)

// CreatePolicy validates def against its registered type and stores it.
// The id is generated when empty.
func (e *Engine) CreatePolicy(ctx context.Context, def *types.Policy) (string, error) {
	if def == nil {
		return "", types.NewValidationError("policy definition is required")
	}
	if def.Name == "" {
		return "", types.NewValidationError("policy name is required")
	}
	if _, err := e.registry.Create(ctx, def, e.policyEnv()); err != nil {
		return "", err
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	def.CreatedAt = e.now()
	if err := e.repos.Policies.Create(ctx, def.ID, def); err != nil {
		if store.IsAlreadyExistsError(err) {
			return "", types.NewValidationErrorf("policy %s already exists", def.ID)
		}
		return "", fmt.Errorf("failed to create policy %s: %w", def.ID, err)
	}

	e.logger.Info("Policy created", log.Str("policy", def.ID), log.Str("type", def.TypeName()))
	return def.ID, nil
}

// DeletePolicy removes a policy definition that no cluster has attached.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	bindings, err := e.repos.ClusterPolicies.ListByPolicy(ctx, id)
	if err != nil {
		return err
	}
	if len(bindings) > 0 {
		return types.NewValidationErrorf("policy %s is still attached to %d cluster(s)", id, len(bindings))
	}
	if err := e.repos.Policies.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("Policy deleted", log.Str("policy", id))
	return nil
}
