// Package store persists corral records (actions, clusters, nodes, policies,
// bindings, locks and workers) behind a single key/value contract.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/corral/pkg/types"
)

// Sentinel errors returned by every Store implementation. Callers match them
// with errors.Is.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrConflict means the write lost a race: either the caller held a
	// stale ResourceVersion or the backend aborted a conflicting transaction.
	ErrConflict = errors.New("resource version conflict")

	ErrClosed = errors.New("store is closed")
)

// Versioned records get optimistic concurrency control. Create stores
// version 1; Update succeeds only when the caller's version matches the
// stored one and then increments it.
type Versioned interface {
	GetResourceVersion() int64
	SetResourceVersion(version int64)
}

// Store defines the interface for state storage operations.
type Store interface {
	// Open initializes and opens the store.
	Open() error

	// Close closes the store and releases resources.
	Close() error

	// Create creates a new resource.
	Create(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error

	// Get retrieves a resource by type and id.
	Get(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error

	// List retrieves all resources of a given type into a pointer to a slice.
	List(ctx context.Context, resourceType types.ResourceType, resource interface{}) error

	// Update updates an existing resource.
	Update(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error

	// Delete deletes a resource.
	Delete(ctx context.Context, resourceType types.ResourceType, id string) error

	// Watch streams changes to resources of a given type until ctx is done.
	Watch(ctx context.Context, resourceType types.ResourceType) (<-chan WatchEvent, error)

	// Transaction executes multiple operations atomically. A lost race is
	// reported as ErrConflict and nothing is written.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// GetHistory returns prior versions of a resource, newest first.
	GetHistory(ctx context.Context, resourceType types.ResourceType, id string) ([]HistoricalVersion, error)
}

// Transaction represents a store transaction. Version checks apply exactly
// as they do on the Store.
type Transaction interface {
	Create(resourceType types.ResourceType, id string, resource interface{}) error
	Get(resourceType types.ResourceType, id string, resource interface{}) error
	Update(resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error
	Delete(resourceType types.ResourceType, id string) error
}

// WatchEventType defines the type of watch event.
type WatchEventType string

const (
	// WatchEventCreated indicates a resource was created.
	WatchEventCreated WatchEventType = "CREATED"

	// WatchEventUpdated indicates a resource was updated.
	WatchEventUpdated WatchEventType = "UPDATED"

	// WatchEventDeleted indicates a resource was deleted.
	WatchEventDeleted WatchEventType = "DELETED"
)

// WatchEvent represents a change to a resource.
type WatchEvent struct {
	Type         WatchEventType
	ResourceType types.ResourceType
	ID           string

	// Resource is the raw JSON of the record after the change; nil on delete.
	Resource []byte

	Source EventSource
}

// HistoricalVersion represents a historical version of a resource.
type HistoricalVersion struct {
	Version   string
	Timestamp time.Time
	Resource  []byte
}
