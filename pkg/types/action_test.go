package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionTransitions(t *testing.T) {
	now := time.Now()
	a := &Action{ID: "a1", Type: ActionClusterScaleOut, TargetID: "c1", Status: ActionStatusInit}

	require.NoError(t, a.Transition(ActionStatusReady, "", now))
	require.NoError(t, a.Transition(ActionStatusRunning, "", now))
	require.NotNil(t, a.StartedAt)
	require.NoError(t, a.Transition(ActionStatusSucceeded, "done", now))
	require.NotNil(t, a.EndedAt)
	assert.True(t, a.IsTerminal())

	err := a.Transition(ActionStatusRunning, "", now)
	assert.Error(t, err)
	assert.Equal(t, ActionStatusSucceeded, a.Status)
}

func TestCancelAllowedFromEveryNonTerminalState(t *testing.T) {
	for _, s := range []ActionStatus{ActionStatusInit, ActionStatusWaiting, ActionStatusReady, ActionStatusRunning} {
		assert.True(t, CanTransition(s, ActionStatusCancelled), s)
	}
	for _, s := range []ActionStatus{ActionStatusSucceeded, ActionStatusFailed, ActionStatusCancelled} {
		assert.False(t, CanTransition(s, ActionStatusCancelled), s)
	}
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"ok", Action{ID: "a", Type: ActionClusterScaleIn, TargetID: "c"}, false},
		{"missing id", Action{Type: ActionClusterScaleIn, TargetID: "c"}, true},
		{"unknown verb", Action{ID: "a", Type: "CLUSTER_EXPLODE", TargetID: "c"}, true},
		{"missing target", Action{ID: "a", Type: ActionNodeDelete}, true},
		{"create without target", Action{ID: "a", Type: ActionClusterCreate}, false},
		{"self dependency", Action{ID: "a", Type: ActionNodeDelete, TargetID: "n", DependsOn: []string{"a"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.True(t, IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestActionDataSurvivesJSON(t *testing.T) {
	d := ActionData{}
	d.SetNodes([]string{"n1", "n2"})
	d.SetDeletionCandidates([]string{"n2"})

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	var decoded ActionData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, []string{"n1", "n2"}, decoded.NodeIDs())
	assert.Equal(t, []string{"n2"}, decoded.DeletionCandidates())
	assert.Equal(t, 1, decoded.DeletionCount())
	_, creating := decoded.Creation()
	assert.False(t, creating)
}

func TestRecordFailureAccumulates(t *testing.T) {
	d := ActionData{}
	assert.Equal(t, CheckOK, d.CheckStatus())

	d.RecordFailure("lb", "n1", "Failed in adding new node into lb pool")
	assert.Equal(t, CheckError, d.CheckStatus())
	assert.Equal(t, "Failed in adding new node into lb pool", d.Reason())

	d.RecordFailure("lb", "n2", "Failed in adding new node into lb pool")
	d.RecordFailure("other", "n2", "quota")
	assert.Len(t, d.Failures(), 3)
	assert.Equal(t, "Failed in adding new node into lb pool; quota", d.Reason())
}

func TestClusterBounds(t *testing.T) {
	c := &Cluster{Name: "web", MinSize: 1, MaxSize: 3, DesiredCapacity: 2}
	require.NoError(t, c.Validate())
	assert.False(t, c.WithinBounds(4))
	assert.False(t, c.WithinBounds(0))

	c.MaxSize = Unlimited
	assert.True(t, c.WithinBounds(100))

	c.MaxSize = 0
	assert.Error(t, c.Validate())

	c.AddNode("n1")
	c.AddNode("n1")
	c.AddNode("n2")
	c.RemoveNode("n1")
	assert.Equal(t, []string{"n2"}, c.NodeIDs)
}

func TestClusterPolicyCooldown(t *testing.T) {
	now := time.Now()
	cp := &ClusterPolicy{Cooldown: 60}
	assert.False(t, cp.InCooldown(now))

	last := now.Add(-10 * time.Second)
	cp.LastOp = &last
	assert.True(t, cp.InCooldown(now))
	assert.False(t, cp.InCooldown(now.Add(time.Minute)))
}
