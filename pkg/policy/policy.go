// Package policy defines the hook protocol every cluster policy implements
// and the registry that builds typed policies from stored definitions.
package policy

import (
	"context"
	"time"

	"github.com/rzbill/corral/pkg/driver"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/store/repos"
	"github.com/rzbill/corral/pkg/types"
)

// Phase says whether a hook runs before or after the core operation.
type Phase string

const (
	PhaseBefore Phase = "BEFORE"
	PhaseAfter  Phase = "AFTER"
)

// Target is one (phase, action) pair a policy reacts to.
type Target struct {
	Phase  Phase
	Action types.ActionType
}

// Policy is the capability every policy type implements.
//
// Attach provisions whatever the policy needs and returns the payload to
// keep in the binding's ledger. Detach undoes it and returns a message.
// PreOp may mutate action.Data or abort it with Data.Abort. PostOp has no
// veto: per-node failures go through Data.RecordFailure and the remaining
// nodes are still processed.
type Policy interface {
	ID() string
	Name() string
	Type() string
	Version() string

	Targets() []Target

	Validate(ctx context.Context) error

	Attach(ctx context.Context, cluster *types.Cluster) (map[string]interface{}, error)
	Detach(ctx context.Context, cluster *types.Cluster) (string, error)

	PreOp(ctx context.Context, clusterID string, action *types.Action) error
	PostOp(ctx context.Context, clusterID string, action *types.Action) error
}

// Env is what a policy may reach while running.
type Env struct {
	Repos    *repos.Repos
	Provider driver.Provider
	Logger   log.Logger
	Now      func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) logger() log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.GetDefaultLogger()
}

// Handles reports whether p targets action in phase.
func Handles(p Policy, phase Phase, action types.ActionType) bool {
	for _, t := range p.Targets() {
		if t.Phase == phase && t.Action == action {
			return true
		}
	}
	return false
}

// TypeName returns the versioned type name of p.
func TypeName(p Policy) string {
	return types.PolicyTypeName(p.Type(), p.Version())
}
