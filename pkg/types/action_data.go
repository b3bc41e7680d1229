package types

import (
	"strings"
)

// Keys of the shared action.data schema. Anything a single policy keeps for
// itself lives under a key prefixed with that policy's type name.
const (
	DataKeyNodes    = "nodes"
	DataKeyCreation = "creation"
	DataKeyDeletion = "deletion"
	DataKeyStatus   = "status"
	DataKeyReason   = "reason"
	DataKeyFailures = "failures"

	DataKeyCount      = "count"
	DataKeyCandidates = "candidates"

	DataKeyDestroyAfterDeletion  = "destroy_after_deletion"
	DataKeyGracePeriod           = "grace_period"
	DataKeyReduceDesiredCapacity = "reduce_desired_capacity"
)

// Policy check outcomes stored under DataKeyStatus.
const (
	CheckOK    = "CHECK_OK"
	CheckError = "CHECK_ERROR"
)

// ActionData is the mutable scratchpad carried by an action.
type ActionData map[string]interface{}

// NodeIDs returns the node ids affected by the current sub-event.
func (d ActionData) NodeIDs() []string {
	return ToStrings(d[DataKeyNodes])
}

// SetNodes records the node ids affected by the current sub-event.
func (d ActionData) SetNodes(ids []string) {
	d[DataKeyNodes] = append([]string(nil), ids...)
}

// Creation returns the creation marker if one is set.
func (d ActionData) Creation() (map[string]interface{}, bool) {
	m, ok := d[DataKeyCreation].(map[string]interface{})
	return m, ok
}

// SetCreation marks the action as adding count nodes.
func (d ActionData) SetCreation(count int) {
	m, ok := d.Creation()
	if !ok {
		m = map[string]interface{}{}
		d[DataKeyCreation] = m
	}
	m[DataKeyCount] = count
}

// CreationCount returns the requested creation count, or 0.
func (d ActionData) CreationCount() int {
	m, ok := d.Creation()
	if !ok {
		return 0
	}
	n, _ := ToInt(m[DataKeyCount])
	return n
}

// Deletion returns the deletion marker if one is set.
func (d ActionData) Deletion() (map[string]interface{}, bool) {
	m, ok := d[DataKeyDeletion].(map[string]interface{})
	return m, ok
}

// SetDeletion marks the action as removing count nodes.
func (d ActionData) SetDeletion(count int) {
	m, ok := d.Deletion()
	if !ok {
		m = map[string]interface{}{}
		d[DataKeyDeletion] = m
	}
	m[DataKeyCount] = count
}

// DeletionCount returns the requested deletion count, or 0.
func (d ActionData) DeletionCount() int {
	m, ok := d.Deletion()
	if !ok {
		return 0
	}
	n, _ := ToInt(m[DataKeyCount])
	return n
}

// SetDeletionCandidates records which nodes should be removed.
func (d ActionData) SetDeletionCandidates(ids []string) {
	m, ok := d.Deletion()
	if !ok {
		m = map[string]interface{}{}
		d[DataKeyDeletion] = m
	}
	m[DataKeyCandidates] = append([]string(nil), ids...)
	if _, ok := m[DataKeyCount]; !ok {
		m[DataKeyCount] = len(ids)
	}
}

// DeletionCandidates returns the nodes selected for removal.
func (d ActionData) DeletionCandidates() []string {
	m, ok := d.Deletion()
	if !ok {
		return nil
	}
	return ToStrings(m[DataKeyCandidates])
}

// DeletionOptions controls how removed nodes are disposed of.
type DeletionOptions struct {
	DestroyAfterDeletion  bool
	GracePeriod           int
	ReduceDesiredCapacity bool
}

// SetDeletionOptions records how the nodes selected for removal are handled.
func (d ActionData) SetDeletionOptions(opts DeletionOptions) {
	m, ok := d.Deletion()
	if !ok {
		m = map[string]interface{}{}
		d[DataKeyDeletion] = m
	}
	m[DataKeyDestroyAfterDeletion] = opts.DestroyAfterDeletion
	m[DataKeyGracePeriod] = opts.GracePeriod
	m[DataKeyReduceDesiredCapacity] = opts.ReduceDesiredCapacity
}

// DeletionOptionsOr returns the recorded deletion options, falling back to
// def for anything unset.
func (d ActionData) DeletionOptionsOr(def DeletionOptions) DeletionOptions {
	m, ok := d.Deletion()
	if !ok {
		return def
	}
	out := def
	if v, ok := m[DataKeyDestroyAfterDeletion].(bool); ok {
		out.DestroyAfterDeletion = v
	}
	if v, ok := ToInt(m[DataKeyGracePeriod]); ok {
		out.GracePeriod = v
	}
	if v, ok := m[DataKeyReduceDesiredCapacity].(bool); ok {
		out.ReduceDesiredCapacity = v
	}
	return out
}

// CheckStatus returns the policy check outcome, CheckOK when unset.
func (d ActionData) CheckStatus() string {
	if s, ok := d[DataKeyStatus].(string); ok && s != "" {
		return s
	}
	return CheckOK
}

// Reason returns the policy check reason.
func (d ActionData) Reason() string {
	s, _ := d[DataKeyReason].(string)
	return s
}

// SetCheckOK resets the check outcome before a hook phase.
func (d ActionData) SetCheckOK(reason string) {
	d[DataKeyStatus] = CheckOK
	d[DataKeyReason] = reason
}

// Abort records a pre-operation veto.
func (d ActionData) Abort(reason string) {
	d[DataKeyStatus] = CheckError
	d[DataKeyReason] = reason
}

// Failure is one per-node reconciliation failure.
type Failure struct {
	Policy string `json:"policy"`
	Node   string `json:"node"`
	Reason string `json:"reason"`
}

// RecordFailure flags a check error without stopping the batch. Every
// failure is kept; the summary reason lists each distinct reason once.
func (d ActionData) RecordFailure(policy, node, reason string) {
	failures := d.Failures()
	failures = append(failures, Failure{Policy: policy, Node: node, Reason: reason})

	encoded := make([]interface{}, 0, len(failures))
	seen := map[string]bool{}
	var reasons []string
	for _, f := range failures {
		encoded = append(encoded, map[string]interface{}{
			"policy": f.Policy,
			"node":   f.Node,
			"reason": f.Reason,
		})
		if !seen[f.Reason] {
			seen[f.Reason] = true
			reasons = append(reasons, f.Reason)
		}
	}

	d[DataKeyFailures] = encoded
	d[DataKeyStatus] = CheckError
	d[DataKeyReason] = strings.Join(reasons, "; ")
}

// Failures returns the accumulated per-node failures.
func (d ActionData) Failures() []Failure {
	raw, _ := d[DataKeyFailures].([]interface{})
	out := make([]Failure, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		f := Failure{}
		f.Policy, _ = m["policy"].(string)
		f.Node, _ = m["node"].(string)
		f.Reason, _ = m["reason"].(string)
		out = append(out, f)
	}
	return out
}

// ToInt converts the numeric shapes produced by Go code and JSON decoding.
func ToInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}

// ToStrings converts []string or a JSON-decoded []interface{} to []string.
func ToStrings(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
