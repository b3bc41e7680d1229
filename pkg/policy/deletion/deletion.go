// Package deletion implements the deletion policy, which picks the nodes a
// shrinking action removes and how they are disposed of.
package deletion

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/policy"
	"github.com/rzbill/corral/pkg/types"
)

const (
	Type    = "corral.policy.deletion"
	Version = "1.0"
)

// Selection criteria.
const (
	OldestFirst   = "OLDEST_FIRST"
	YoungestFirst = "YOUNGEST_FIRST"
	Random        = "RANDOM"
)

// Spec is the decoded policy properties.
type Spec struct {
	Criteria              string `json:"criteria"`
	DestroyAfterDeletion  bool   `json:"destroy_after_deletion"`
	GracePeriod           int    `json:"grace_period"`
	ReduceDesiredCapacity bool   `json:"reduce_desired_capacity"`
}

// Policy is the deletion policy.
type Policy struct {
	policy.Base
	spec    Spec
	shuffle func(n int, swap func(i, j int))
}

// Register adds the policy type to reg.
func Register(reg *policy.Registry) {
	reg.Register(Type, Version, New)
}

// New builds a deletion policy from def.
func New(def *types.Policy, env policy.Env) (policy.Policy, error) {
	p := &Policy{Base: policy.NewBase(def, env), shuffle: rand.Shuffle}

	raw := p.Spec()
	policy.SetDefault(raw, "criteria", Random)
	policy.SetDefault(raw, "destroy_after_deletion", true)
	policy.SetDefault(raw, "grace_period", 0)
	policy.SetDefault(raw, "reduce_desired_capacity", false)

	if err := policy.DecodeSpec(raw, &p.spec); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Targets() []policy.Target {
	return []policy.Target{
		{Phase: policy.PhaseBefore, Action: types.ActionClusterScaleIn},
		{Phase: policy.PhaseBefore, Action: types.ActionClusterDelNodes},
		{Phase: policy.PhaseBefore, Action: types.ActionClusterResize},
	}
}

func (p *Policy) Validate(ctx context.Context) error {
	switch p.spec.Criteria {
	case OldestFirst, YoungestFirst, Random:
	default:
		return types.NewValidationErrorf("invalid criteria %q", p.spec.Criteria)
	}
	if p.spec.GracePeriod < 0 {
		return types.NewValidationErrorf("grace_period cannot be negative, got %d", p.spec.GracePeriod)
	}
	return nil
}

func (p *Policy) options() types.DeletionOptions {
	return types.DeletionOptions{
		DestroyAfterDeletion:  p.spec.DestroyAfterDeletion,
		GracePeriod:           p.spec.GracePeriod,
		ReduceDesiredCapacity: p.spec.ReduceDesiredCapacity,
	}
}

// PreOp selects deletion candidates when the action removes nodes and none
// were named explicitly.
func (p *Policy) PreOp(ctx context.Context, clusterID string, action *types.Action) error {
	if action.Type == types.ActionClusterDelNodes {
		if len(action.Data.DeletionCandidates()) == 0 {
			action.Data.SetDeletionCandidates(action.InputStrings("nodes"))
		}
		action.Data.SetDeletionOptions(p.options())
		return nil
	}

	count := action.Data.DeletionCount()
	if count <= 0 {
		return nil
	}
	if len(action.Data.DeletionCandidates()) >= count {
		action.Data.SetDeletionOptions(p.options())
		return nil
	}

	nodes, err := p.Env().Repos.Nodes.ListByCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("failed to list nodes of cluster %s: %w", clusterID, err)
	}
	if count > len(nodes) {
		count = len(nodes)
	}

	candidates := p.selectCandidates(nodes, count)
	action.Data.SetDeletionCandidates(candidates)
	action.Data.SetDeletionOptions(p.options())
	p.Logger().Debug("Deletion candidates selected",
		log.ActionID(action.ID),
		log.Str("criteria", p.spec.Criteria),
		log.Any("candidates", candidates))
	return nil
}

// selectCandidates returns count node ids. Nodes in ERROR go first; the
// rest are ordered by the configured criteria.
func (p *Policy) selectCandidates(nodes []*types.Node, count int) []string {
	var failed, healthy []*types.Node
	for _, n := range nodes {
		if n.Status == types.NodeStatusError {
			failed = append(failed, n)
		} else {
			healthy = append(healthy, n)
		}
	}

	switch p.spec.Criteria {
	case OldestFirst:
		sortByAge(healthy, false)
	case YoungestFirst:
		sortByAge(healthy, true)
	default:
		p.shuffle(len(healthy), func(i, j int) { healthy[i], healthy[j] = healthy[j], healthy[i] })
	}

	ordered := append(failed, healthy...)
	out := make([]string, 0, count)
	for _, n := range ordered[:count] {
		out = append(out, n.ID)
	}
	return out
}

func sortByAge(nodes []*types.Node, youngestFirst bool) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if youngestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Index < b.Index
	})
}
