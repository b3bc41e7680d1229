package policy

import (
	"errors"
	"fmt"

	"github.com/rzbill/corral/pkg/types"
)

// ErrUnsupportedPayload is returned when a ledger entry was written by a
// policy version this build does not understand.
var ErrUnsupportedPayload = errors.New("unsupported policy payload version")

// ReadLedger returns the entry policyType keeps in the binding. ok is false
// when there is no entry.
func ReadLedger(cp *types.ClusterPolicy, policyType, version string) (map[string]interface{}, bool, error) {
	if cp == nil || cp.Data == nil {
		return nil, false, nil
	}
	entry, ok := cp.Data[policyType]
	if !ok {
		return nil, false, nil
	}
	if entry.Version != version {
		return nil, false, fmt.Errorf("%w: %s has version %q, want %q", ErrUnsupportedPayload, policyType, entry.Version, version)
	}
	return entry.Data, true, nil
}

// WriteLedger stores payload under policyType, leaving other keys alone.
// A nil payload removes the entry.
func WriteLedger(cp *types.ClusterPolicy, policyType, version string, payload map[string]interface{}) {
	if payload == nil {
		ClearLedger(cp, policyType)
		return
	}
	if cp.Data == nil {
		cp.Data = map[string]types.PolicyData{}
	}
	cp.Data[policyType] = types.PolicyData{Version: version, Data: payload}
}

// ClearLedger drops the entry of policyType.
func ClearLedger(cp *types.ClusterPolicy, policyType string) {
	delete(cp.Data, policyType)
	if len(cp.Data) == 0 {
		cp.Data = nil
	}
}
