package types

import (
	"time"
)

// LockScope selects what a lock protects.
type LockScope string

const (
	LockScopeCluster LockScope = "cluster"
	LockScopeNode    LockScope = "node"
)

// LockKind is exclusive or shared.
type LockKind string

const (
	LockExclusive LockKind = "exclusive"
	LockShared    LockKind = "shared"
)

// LockHolder identifies an action holding a lock and the worker running it.
type LockHolder struct {
	ActionID   string    `json:"actionId"`
	WorkerID   string    `json:"workerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Lock is the persisted record of who holds a cluster or node.
// An exclusive lock has exactly one holder; a shared lock has one or more.
type Lock struct {
	Scope      LockScope    `json:"scope"`
	TargetID   string       `json:"targetId"`
	Kind       LockKind     `json:"kind"`
	Holders    []LockHolder `json:"holders"`
	AcquiredAt time.Time    `json:"acquiredAt"`

	Versioned
}

// LockID returns the storage key for a lock.
func LockID(scope LockScope, targetID string) string {
	return string(scope) + "-" + targetID
}

// GetID returns the storage key for the lock.
func (l *Lock) GetID() string {
	return LockID(l.Scope, l.TargetID)
}

// HeldBy reports whether actionID is a holder.
func (l *Lock) HeldBy(actionID string) bool {
	for _, h := range l.Holders {
		if h.ActionID == actionID {
			return true
		}
	}
	return false
}

// WithoutHolder returns the holders other than actionID.
func (l *Lock) WithoutHolder(actionID string) []LockHolder {
	out := make([]LockHolder, 0, len(l.Holders))
	for _, h := range l.Holders {
		if h.ActionID != actionID {
			out = append(out, h)
		}
	}
	return out
}
