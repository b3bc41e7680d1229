package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Validate that EtcdStore implements the Store interface
var _ Store = &EtcdStore{}

// EtcdOptions configures the etcd backend.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Prefix namespaces every key, e.g. /corral.
	Prefix string
}

// EtcdStore implements Store on etcd so several engine processes can share
// actions and locks. Transactions are optimistic: every key read is
// compared on ModRevision at commit.
type EtcdStore struct {
	opts   EtcdOptions
	client *clientv3.Client
	logger log.Logger
}

// NewEtcdStore creates an etcd-backed store.
func NewEtcdStore(opts EtcdOptions, logger log.Logger) *EtcdStore {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = "/corral"
	}
	opts.Prefix = strings.TrimSuffix(opts.Prefix, "/")
	return &EtcdStore{opts: opts, logger: logger.WithComponent("store")}
}

// Open connects to the etcd cluster.
func (s *EtcdStore) Open() error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.opts.Endpoints,
		DialTimeout: s.opts.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	s.client = cli
	s.logger.Info("Corral store opened",
		log.Str("backend", "etcd"),
		log.Any("endpoints", s.opts.Endpoints),
		log.Str("prefix", s.opts.Prefix))
	return nil
}

// Close closes the etcd client.
func (s *EtcdStore) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *EtcdStore) key(resourceType types.ResourceType, id string) string {
	return s.opts.Prefix + "/" + string(MakeKey(resourceType, id))
}

func (s *EtcdStore) prefix(resourceType types.ResourceType) string {
	return s.opts.Prefix + "/" + string(MakePrefix(resourceType))
}

// Create creates a new resource.
func (s *EtcdStore) Create(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Create(resourceType, id, resource)
	})
}

// Get retrieves a resource.
func (s *EtcdStore) Get(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error {
	if s.client == nil {
		return ErrClosed
	}
	resp, err := s.client.Get(ctx, s.key(resourceType, id))
	if err != nil {
		return fmt.Errorf("failed to get resource: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return notFound(resourceType, id)
	}
	return decodeInto(resp.Kvs[0].Value, resource)
}

// List retrieves all resources of a given type, ordered by key.
func (s *EtcdStore) List(ctx context.Context, resourceType types.ResourceType, resource interface{}) error {
	if s.client == nil {
		return ErrClosed
	}
	resp, err := s.client.Get(ctx, s.prefix(resourceType), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}
	records := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		records = append(records, kv.Value)
	}
	return decodeList(records, resource)
}

// Update updates an existing resource.
func (s *EtcdStore) Update(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Update(resourceType, id, resource, opts...)
	})
}

// Delete deletes a resource.
func (s *EtcdStore) Delete(ctx context.Context, resourceType types.ResourceType, id string) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Delete(resourceType, id)
	})
}

// Transaction runs fn against a snapshot and commits its writes only if no
// key it read has changed since.
func (s *EtcdStore) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	if s.client == nil {
		return ErrClosed
	}
	tx := &etcdTransaction{
		ctx:    ctx,
		store:  s,
		reads:  map[string]int64{},
		values: map[string][]byte{},
		staged: map[string]*[]byte{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.staged) == 0 {
		return nil
	}

	cmps := make([]clientv3.Cmp, 0, len(tx.reads))
	for key, rev := range tx.reads {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(key), "=", rev))
	}
	ops := make([]clientv3.Op, 0, len(tx.staged))
	for key, data := range tx.staged {
		if data == nil {
			ops = append(ops, clientv3.OpDelete(key))
		} else {
			ops = append(ops, clientv3.OpPut(key, string(*data)))
		}
	}

	resp, err := s.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("transaction aborted: %w", ErrConflict)
	}
	return nil
}

// GetHistory walks the key's revisions back until its creation or the last
// compaction, newest first.
func (s *EtcdStore) GetHistory(ctx context.Context, resourceType types.ResourceType, id string) ([]HistoricalVersion, error) {
	if s.client == nil {
		return nil, ErrClosed
	}
	key := s.key(resourceType, id)

	var versions []HistoricalVersion
	var opts []clientv3.OpOption
	for {
		resp, err := s.client.Get(ctx, key, opts...)
		if errors.Is(err, rpctypes.ErrCompacted) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		if len(resp.Kvs) == 0 {
			break
		}
		kv := resp.Kvs[0]
		versions = append(versions, HistoricalVersion{
			Version:  fmt.Sprintf("r%d", kv.ModRevision),
			Resource: kv.Value,
		})
		if kv.ModRevision <= kv.CreateRevision {
			break
		}
		opts = []clientv3.OpOption{clientv3.WithRev(kv.ModRevision - 1)}
	}
	return versions, nil
}

// Watch streams changes to resources of a given type.
func (s *EtcdStore) Watch(ctx context.Context, resourceType types.ResourceType) (<-chan WatchEvent, error) {
	if s.client == nil {
		return nil, ErrClosed
	}
	out := make(chan WatchEvent, 64)
	wch := s.client.Watch(ctx, s.prefix(resourceType), clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range wch {
			for _, ev := range resp.Events {
				_, id, _ := ParseKey([]byte(strings.TrimPrefix(string(ev.Kv.Key), s.opts.Prefix+"/")))
				event := WatchEvent{ResourceType: resourceType, ID: id}
				switch {
				case ev.Type == clientv3.EventTypeDelete:
					event.Type = WatchEventDeleted
				case ev.IsCreate():
					event.Type = WatchEventCreated
					event.Resource = ev.Kv.Value
				default:
					event.Type = WatchEventUpdated
					event.Resource = ev.Kv.Value
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type etcdTransaction struct {
	ctx    context.Context
	store  *EtcdStore
	reads  map[string]int64
	values map[string][]byte
	staged map[string]*[]byte
}

func (t *etcdTransaction) read(resourceType types.ResourceType, id string) ([]byte, error) {
	key := t.store.key(resourceType, id)
	if data, ok := t.staged[key]; ok {
		if data == nil {
			return nil, notFound(resourceType, id)
		}
		return *data, nil
	}
	if _, ok := t.reads[key]; !ok {
		resp, err := t.store.client.Get(t.ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to get resource: %w", err)
		}
		if len(resp.Kvs) == 0 {
			t.reads[key] = 0
		} else {
			t.reads[key] = resp.Kvs[0].ModRevision
			t.values[key] = resp.Kvs[0].Value
		}
	}
	data, ok := t.values[key]
	if !ok {
		return nil, notFound(resourceType, id)
	}
	return data, nil
}

func (t *etcdTransaction) Create(resourceType types.ResourceType, id string, resource interface{}) error {
	if _, err := t.read(resourceType, id); err == nil {
		return alreadyExists(resourceType, id)
	} else if !IsNotFoundError(err) {
		return err
	}
	data, err := encodeCreate(resource)
	if err != nil {
		return err
	}
	t.staged[t.store.key(resourceType, id)] = &data
	return nil
}

func (t *etcdTransaction) Get(resourceType types.ResourceType, id string, resource interface{}) error {
	data, err := t.read(resourceType, id)
	if err != nil {
		return err
	}
	return decodeInto(data, resource)
}

func (t *etcdTransaction) Update(resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error {
	current, err := t.read(resourceType, id)
	if err != nil {
		return err
	}
	data, err := encodeUpdate(resourceType, id, current, resource, ParseUpdateOptions(opts...))
	if err != nil {
		return err
	}
	t.staged[t.store.key(resourceType, id)] = &data
	return nil
}

func (t *etcdTransaction) Delete(resourceType types.ResourceType, id string) error {
	if _, err := t.read(resourceType, id); err != nil {
		return err
	}
	t.staged[t.store.key(resourceType, id)] = nil
	return nil
}
