package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
)

// Validate that MemoryStore implements the Store interface
var _ Store = &MemoryStore{}

// MemoryStore is an in-process Store used by tests and single-shot tooling.
// Transactions run under the store mutex, so they are serializable.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	history map[string][]HistoricalVersion
	open    bool
	hub     *watchHub
}

// NewMemoryStore creates an opened, empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		history: make(map[string][]HistoricalVersion),
		open:    true,
		hub:     newWatchHub(log.GetDefaultLogger().WithComponent("store")),
	}
}

// Open marks the store usable again after Close.
func (s *MemoryStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

// Close stops watchers. Data is kept so tests can reopen.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	s.hub.close()
	return nil
}

// Create creates a new resource.
func (s *MemoryStore) Create(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Create(resourceType, id, resource)
	})
}

// Get retrieves a resource.
func (s *MemoryStore) Get(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	data, ok := s.data[string(MakeKey(resourceType, id))]
	if !ok {
		return notFound(resourceType, id)
	}
	return decodeInto(data, resource)
}

// List retrieves all resources of a given type, ordered by key.
func (s *MemoryStore) List(ctx context.Context, resourceType types.ResourceType, resource interface{}) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	prefix := string(MakePrefix(resourceType))
	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	records := make([][]byte, 0, len(keys))
	for _, k := range keys {
		records = append(records, s.data[k])
	}
	s.mu.Unlock()

	return decodeList(records, resource)
}

// Update updates an existing resource.
func (s *MemoryStore) Update(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Update(resourceType, id, resource, opts...)
	})
}

// Delete deletes a resource.
func (s *MemoryStore) Delete(ctx context.Context, resourceType types.ResourceType, id string) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Delete(resourceType, id)
	})
}

// Watch sets up a watch for changes to resources of a given type.
func (s *MemoryStore) Watch(ctx context.Context, resourceType types.ResourceType) (<-chan WatchEvent, error) {
	return s.hub.subscribe(ctx, resourceType)
}

// Transaction stages writes and applies them only if fn succeeds.
func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	tx := &memoryTransaction{store: s, staged: map[string]*[]byte{}}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}

	now := time.Now()
	for key, data := range tx.staged {
		if data == nil {
			delete(s.data, key)
			continue
		}
		s.data[key] = *data
		versionID, _, _ := newVersionRecord(nil, now)
		s.history[key] = append(s.history[key], HistoricalVersion{Version: versionID, Timestamp: now, Resource: *data})
	}
	s.mu.Unlock()

	s.hub.emit(tx.events...)
	return nil
}

// GetHistory returns prior versions of a resource, newest first.
func (s *MemoryStore) GetHistory(ctx context.Context, resourceType types.ResourceType, id string) ([]HistoricalVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.history[string(MakeKey(resourceType, id))]
	out := make([]HistoricalVersion, len(versions))
	for i, v := range versions {
		out[len(versions)-1-i] = v
	}
	return out, nil
}

type memoryTransaction struct {
	store  *MemoryStore
	staged map[string]*[]byte
	events []WatchEvent
}

func (t *memoryTransaction) read(resourceType types.ResourceType, id string) ([]byte, error) {
	key := string(MakeKey(resourceType, id))
	if data, ok := t.staged[key]; ok {
		if data == nil {
			return nil, notFound(resourceType, id)
		}
		return *data, nil
	}
	data, ok := t.store.data[key]
	if !ok {
		return nil, notFound(resourceType, id)
	}
	return data, nil
}

func (t *memoryTransaction) stage(resourceType types.ResourceType, id string, data []byte) {
	t.staged[string(MakeKey(resourceType, id))] = &data
}

func (t *memoryTransaction) Create(resourceType types.ResourceType, id string, resource interface{}) error {
	if _, err := t.read(resourceType, id); err == nil {
		return alreadyExists(resourceType, id)
	}
	data, err := encodeCreate(resource)
	if err != nil {
		return err
	}
	t.stage(resourceType, id, data)
	t.events = append(t.events, WatchEvent{Type: WatchEventCreated, ResourceType: resourceType, ID: id, Resource: data})
	return nil
}

func (t *memoryTransaction) Get(resourceType types.ResourceType, id string, resource interface{}) error {
	data, err := t.read(resourceType, id)
	if err != nil {
		return err
	}
	return decodeInto(data, resource)
}

func (t *memoryTransaction) Update(resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error {
	options := ParseUpdateOptions(opts...)
	current, err := t.read(resourceType, id)
	if err != nil {
		return err
	}
	data, err := encodeUpdate(resourceType, id, current, resource, options)
	if err != nil {
		return err
	}
	t.stage(resourceType, id, data)
	t.events = append(t.events, WatchEvent{Type: WatchEventUpdated, ResourceType: resourceType, ID: id, Resource: data, Source: options.Source})
	return nil
}

func (t *memoryTransaction) Delete(resourceType types.ResourceType, id string) error {
	if _, err := t.read(resourceType, id); err != nil {
		return err
	}
	t.staged[string(MakeKey(resourceType, id))] = nil
	t.events = append(t.events, WatchEvent{Type: WatchEventDeleted, ResourceType: resourceType, ID: id})
	return nil
}
