// Package scaling implements the scaling policy, which turns a scale-in or
// scale-out request into a node count that respects the cluster's size
// bounds.
package scaling

import (
	"context"
	"fmt"
	"math"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/types"
)

const (
	Type    = "corral.policy.scaling"
	Version = "1.0"
)

// Adjustment types.
const (
	ChangeInCapacity   = "CHANGE_IN_CAPACITY"
	ExactCapacity      = "EXACT_CAPACITY"
	ChangeInPercentage = "CHANGE_IN_PERCENTAGE"
)

// Adjustment says how the count is computed.
type Adjustment struct {
	Type       string  `json:"type"`
	Number     float64 `json:"number"`
	MinStep    int     `json:"min_step"`
	BestEffort bool    `json:"best_effort"`
}

// Spec is the decoded policy properties.
type Spec struct {
	Event      string     `json:"event"`
	Adjustment Adjustment `json:"adjustment"`
}

// Policy is the scaling policy.
type Policy struct {
	policy.Base
	spec  Spec
	event types.ActionType
}

// Register adds the policy type to reg.
func Register(reg *policy.Registry) {
	reg.Register(Type, Version, New)
}

// New builds a scaling policy from def.
func New(def *types.Policy, env policy.Env) (policy.Policy, error) {
	p := &Policy{Base: policy.NewBase(def, env)}

	raw := p.Spec()
	adj := policy.SpecMap(raw, "adjustment")
	policy.SetDefault(adj, "type", ChangeInCapacity)
	policy.SetDefault(adj, "number", 1)
	policy.SetDefault(adj, "min_step", 1)
	policy.SetDefault(adj, "best_effort", false)

	if err := policy.DecodeSpec(raw, &p.spec); err != nil {
		return nil, err
	}
	switch p.spec.Event {
	case "SCALE_IN", string(types.ActionClusterScaleIn):
		p.event = types.ActionClusterScaleIn
	case "SCALE_OUT", string(types.ActionClusterScaleOut):
		p.event = types.ActionClusterScaleOut
	}
	return p, nil
}

// Event returns the action the policy applies to.
func (p *Policy) Event() types.ActionType { return p.event }

func (p *Policy) Targets() []policy.Target {
	if p.event == "" {
		return nil
	}
	return []policy.Target{{Phase: policy.PhaseBefore, Action: p.event}}
}

// Validate checks the decoded spec.
func (p *Policy) Validate(ctx context.Context) error {
	if p.event == "" {
		return types.NewValidationErrorf("invalid event %q, expected SCALE_IN or SCALE_OUT", p.spec.Event)
	}
	adj := p.spec.Adjustment
	switch adj.Type {
	case ChangeInCapacity, ChangeInPercentage:
		if adj.Number <= 0 {
			return types.NewValidationErrorf("adjustment number must be positive, got %v", adj.Number)
		}
	case ExactCapacity:
		if adj.Number < 0 {
			return types.NewValidationErrorf("adjustment number cannot be negative, got %v", adj.Number)
		}
	default:
		return types.NewValidationErrorf("invalid adjustment type %q", adj.Type)
	}
	if adj.MinStep < 0 {
		return types.NewValidationErrorf("min_step cannot be negative, got %d", adj.MinStep)
	}
	return nil
}

// PreOp computes how many nodes the action adds or removes and aborts it
// when the result would leave the cluster outside its bounds.
func (p *Policy) PreOp(ctx context.Context, clusterID string, action *types.Action) error {
	if action.Type != p.event {
		return nil
	}

	cluster, err := p.Env().Repos.Clusters.Get(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to load cluster %s: %w", clusterID, err)
	}
	current := len(cluster.NodeIDs)

	count, ok := action.InputInt("count")
	if !ok {
		count = p.count(current)
	}
	if count <= 0 {
		action.Data.Abort(fmt.Sprintf("Invalid count (%d) for action '%s'.", count, action.Type))
		return nil
	}

	if p.event == types.ActionClusterScaleOut {
		target := current + count
		if cluster.MaxSize != types.Unlimited && target > cluster.MaxSize {
			if !p.spec.Adjustment.BestEffort {
				action.Data.Abort(fmt.Sprintf("The target capacity (%d) is greater than the cluster's max_size (%d).", target, cluster.MaxSize))
				return nil
			}
			count = cluster.MaxSize - current
		}
	} else {
		target := current - count
		if target < cluster.MinSize {
			if !p.spec.Adjustment.BestEffort {
				action.Data.Abort(fmt.Sprintf("The target capacity (%d) is less than the cluster's min_size (%d).", target, cluster.MinSize))
				return nil
			}
			count = current - cluster.MinSize
		}
	}
	if count <= 0 {
		action.Data.Abort(fmt.Sprintf("Cluster %s is already at its size limit.", cluster.Name))
		return nil
	}

	if p.event == types.ActionClusterScaleOut {
		action.Data.SetCreation(count)
	} else {
		action.Data.SetDeletion(count)
	}
	p.Logger().Debug("Scaling count computed", log.ActionID(action.ID), log.Int("current", current), log.Int("count", count))
	return nil
}

func (p *Policy) count(current int) int {
	adj := p.spec.Adjustment
	switch adj.Type {
	case ExactCapacity:
		if p.event == types.ActionClusterScaleOut {
			return int(adj.Number) - current
		}
		return current - int(adj.Number)
	case ChangeInPercentage:
		count := int(math.Floor(float64(current) * adj.Number / 100.0))
		if count < adj.MinStep {
			count = adj.MinStep
		}
		return count
	default:
		return int(adj.Number)
	}
}
