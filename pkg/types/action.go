package types

import (
	"fmt"
	"strings"
	"time"
)

// ActionStatus is the lifecycle state of an action.
type ActionStatus string

const (
	ActionStatusInit      ActionStatus = "INIT"
	ActionStatusWaiting   ActionStatus = "WAITING"
	ActionStatusReady     ActionStatus = "READY"
	ActionStatusRunning   ActionStatus = "RUNNING"
	ActionStatusSucceeded ActionStatus = "SUCCEEDED"
	ActionStatusFailed    ActionStatus = "FAILED"
	ActionStatusCancelled ActionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ActionStatus) IsTerminal() bool {
	return s == ActionStatusSucceeded || s == ActionStatusFailed || s == ActionStatusCancelled
}

// ActionType is the verb an action performs.
type ActionType string

const (
	ActionClusterCreate       ActionType = "CLUSTER_CREATE"
	ActionClusterDelete       ActionType = "CLUSTER_DELETE"
	ActionClusterScaleOut     ActionType = "CLUSTER_SCALE_OUT"
	ActionClusterScaleIn      ActionType = "CLUSTER_SCALE_IN"
	ActionClusterResize       ActionType = "CLUSTER_RESIZE"
	ActionClusterAddNodes     ActionType = "CLUSTER_ADD_NODES"
	ActionClusterDelNodes     ActionType = "CLUSTER_DEL_NODES"
	ActionClusterCheck        ActionType = "CLUSTER_CHECK"
	ActionClusterAttachPolicy ActionType = "CLUSTER_ATTACH_POLICY"
	ActionClusterDetachPolicy ActionType = "CLUSTER_DETACH_POLICY"
	ActionClusterUpdatePolicy ActionType = "CLUSTER_UPDATE_POLICY"
	ActionNodeCreate          ActionType = "NODE_CREATE"
	ActionNodeDelete          ActionType = "NODE_DELETE"
	ActionNodeCheck           ActionType = "NODE_CHECK"
)

var knownActions = map[ActionType]bool{
	ActionClusterCreate: true, ActionClusterDelete: true, ActionClusterScaleOut: true,
	ActionClusterScaleIn: true, ActionClusterResize: true, ActionClusterAddNodes: true,
	ActionClusterDelNodes: true, ActionClusterCheck: true, ActionClusterAttachPolicy: true,
	ActionClusterDetachPolicy: true, ActionClusterUpdatePolicy: true, ActionNodeCreate: true,
	ActionNodeDelete: true, ActionNodeCheck: true,
}

// IsKnown reports whether the verb is one the engine can execute.
func (a ActionType) IsKnown() bool {
	return knownActions[a]
}

// IsClusterAction reports whether the action targets a cluster.
func (a ActionType) IsClusterAction() bool {
	return strings.HasPrefix(string(a), "CLUSTER_")
}

// IsNodeAction reports whether the action targets a node.
func (a ActionType) IsNodeAction() bool {
	return strings.HasPrefix(string(a), "NODE_")
}

// Action is a durable unit of work against a cluster or node.
type Action struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         ActionType   `json:"action"`
	TargetID     string       `json:"targetId"`
	Status       ActionStatus `json:"status"`
	StatusReason string       `json:"statusReason,omitempty"`

	// Inputs are fixed at submission. Data is the scratchpad policies read
	// and write while the action runs.
	Inputs  map[string]interface{} `json:"inputs,omitempty"`
	Data    ActionData             `json:"data,omitempty"`
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Owner is the worker id that claimed the action. Only the owner may
	// move the action out of RUNNING.
	Owner     string   `json:"owner,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Priority  int      `json:"priority"`

	CancelRequested bool `json:"cancelRequested,omitempty"`
	Attempts        int  `json:"attempts"`

	// Timeout bounds the core operation. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Versioned
}

// GetID returns the action id.
func (a *Action) GetID() string {
	return a.ID
}

// IsTerminal reports whether the action has finished.
func (a *Action) IsTerminal() bool {
	return a.Status.IsTerminal()
}

// Validate checks the fields a submission must carry.
func (a *Action) Validate() error {
	if a.ID == "" {
		return NewValidationError("action id is required")
	}
	if !a.Type.IsKnown() {
		return NewValidationErrorf("unknown action %q", a.Type)
	}
	if a.TargetID == "" && a.Type != ActionClusterCreate && a.Type != ActionNodeCreate {
		return NewValidationErrorf("action %s requires a target", a.Type)
	}
	for _, dep := range a.DependsOn {
		if dep == a.ID {
			return NewValidationError("action cannot depend on itself")
		}
	}
	return nil
}

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionStatusInit:    {ActionStatusWaiting, ActionStatusReady, ActionStatusFailed, ActionStatusCancelled},
	ActionStatusWaiting: {ActionStatusReady, ActionStatusFailed, ActionStatusCancelled},
	ActionStatusReady:   {ActionStatusRunning, ActionStatusWaiting, ActionStatusFailed, ActionStatusCancelled},
	ActionStatusRunning: {ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled, ActionStatusWaiting, ActionStatusReady},
}

// CanTransition reports whether from -> to is a legal action transition.
// RUNNING -> WAITING covers a lock denial after the claim; RUNNING -> READY
// is used when a stale action is reclaimed.
func CanTransition(from, to ActionStatus) bool {
	for _, s := range actionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the action to status, stamping timestamps.
func (a *Action) Transition(to ActionStatus, reason string, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("illegal action transition %s -> %s", a.Status, to)
	}
	a.Status = to
	a.StatusReason = reason
	a.UpdatedAt = now
	switch {
	case to == ActionStatusRunning:
		t := now
		a.StartedAt = &t
	case to.IsTerminal():
		t := now
		a.EndedAt = &t
	}
	return nil
}

// Input returns an input value by key.
func (a *Action) Input(key string) (interface{}, bool) {
	if a.Inputs == nil {
		return nil, false
	}
	v, ok := a.Inputs[key]
	return v, ok
}

// InputInt returns an integer input, accepting JSON-decoded numbers.
func (a *Action) InputInt(key string) (int, bool) {
	v, ok := a.Input(key)
	if !ok {
		return 0, false
	}
	return ToInt(v)
}

// InputString returns a string input.
func (a *Action) InputString(key string) string {
	v, _ := a.Input(key)
	s, _ := v.(string)
	return s
}

// InputStrings returns a string list input.
func (a *Action) InputStrings(key string) []string {
	v, _ := a.Input(key)
	return ToStrings(v)
}

// InputBool returns a boolean input with a default.
func (a *Action) InputBool(key string, def bool) bool {
	v, ok := a.Input(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
