package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/corral/pkg/types"
)

// MakeKey creates a standardized key for a resource.
func MakeKey(resourceType types.ResourceType, id string) []byte {
	return []byte(fmt.Sprintf("%s/%s", resourceType, id))
}

// MakePrefix creates the prefix for listing resources of one type.
func MakePrefix(resourceType types.ResourceType) []byte {
	return []byte(fmt.Sprintf("%s/", resourceType))
}

// MakeVersionKey creates a key for one historical version of a resource.
func MakeVersionKey(resourceType types.ResourceType, id, version string) []byte {
	return []byte(fmt.Sprintf("%s-versions/%s/%s", resourceType, id, version))
}

// MakeVersionPrefix creates the prefix for a resource's history.
func MakeVersionPrefix(resourceType types.ResourceType, id string) []byte {
	return []byte(fmt.Sprintf("%s-versions/%s/", resourceType, id))
}

// ParseKey splits a key into resource type and id.
func ParseKey(key []byte) (types.ResourceType, string, bool) {
	rt, id, ok := strings.Cut(string(key), "/")
	if !ok || strings.HasSuffix(rt, "-versions") {
		return "", "", false
	}
	return types.ResourceType(rt), id, true
}

// versionRecord is how history entries are stored.
type versionRecord struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Resource  json.RawMessage `json:"resource"`
}

func newVersionRecord(data []byte, now time.Time) (string, []byte, error) {
	id := fmt.Sprintf("v%020d", now.UnixNano())
	raw, err := json.Marshal(versionRecord{ID: id, Timestamp: now, Resource: data})
	if err != nil {
		return "", nil, fmt.Errorf("failed to serialize version: %w", err)
	}
	return id, raw, nil
}

func decodeVersionRecord(raw []byte) (HistoricalVersion, error) {
	var rec versionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return HistoricalVersion{}, fmt.Errorf("failed to deserialize version: %w", err)
	}
	return HistoricalVersion{Version: rec.ID, Timestamp: rec.Timestamp, Resource: rec.Resource}, nil
}

// storedVersion reads resourceVersion out of a stored record.
func storedVersion(data []byte) (int64, error) {
	var meta struct {
		ResourceVersion int64 `json:"resourceVersion"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, fmt.Errorf("failed to read stored version: %w", err)
	}
	return meta.ResourceVersion, nil
}

// encodeCreate stamps version 1 on versioned resources and serializes them.
func encodeCreate(resource interface{}) ([]byte, error) {
	if v, ok := resource.(Versioned); ok {
		v.SetResourceVersion(1)
	}
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize resource: %w", err)
	}
	return data, nil
}

// encodeUpdate checks the caller's version against the stored record, bumps
// it, and serializes. On error the caller's resource is left untouched.
func encodeUpdate(resourceType types.ResourceType, id string, current []byte, resource interface{}, options UpdateOptions) ([]byte, error) {
	v, ok := resource.(Versioned)
	if !ok {
		data, err := json.Marshal(resource)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize resource: %w", err)
		}
		return data, nil
	}

	stored, err := storedVersion(current)
	if err != nil {
		return nil, err
	}
	if !options.Force && v.GetResourceVersion() != stored {
		return nil, fmt.Errorf("%s/%s has version %d, update carries %d: %w",
			resourceType, id, stored, v.GetResourceVersion(), ErrConflict)
	}

	previous := v.GetResourceVersion()
	v.SetResourceVersion(stored + 1)
	data, err := json.Marshal(resource)
	if err != nil {
		v.SetResourceVersion(previous)
		return nil, fmt.Errorf("failed to serialize resource: %w", err)
	}
	return data, nil
}

func notFound(resourceType types.ResourceType, id string) error {
	return fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
}

func alreadyExists(resourceType types.ResourceType, id string) error {
	return fmt.Errorf("%s/%s: %w", resourceType, id, ErrAlreadyExists)
}

// decodeList unmarshals raw records into out, a pointer to a slice.
func decodeList(records [][]byte, out interface{}) error {
	buf := make([]byte, 0, 2+len(records)*64)
	buf = append(buf, '[')
	for i, r := range records {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, r...)
	}
	buf = append(buf, ']')
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	return nil
}

// IsNotFoundError checks if an error is a not found error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExistsError checks if an error is an already exists error.
func IsAlreadyExistsError(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsConflictError checks if an error is a version or transaction conflict.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrConflict)
}

func decodeInto(data []byte, resource interface{}) error {
	if err := json.Unmarshal(data, resource); err != nil {
		return fmt.Errorf("failed to deserialize resource: %w", err)
	}
	return nil
}
