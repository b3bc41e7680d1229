package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
)

// Validate that BadgerStore implements the Store interface
var _ Store = &BadgerStore{}

// BadgerStore implements the Store interface using BadgerDB. Badger's
// serializable snapshot isolation turns racing read-modify-write
// transactions into badger.ErrConflict, which is surfaced as ErrConflict.
type BadgerStore struct {
	db     *badger.DB
	path   string
	logger log.Logger
	hub    *watchHub
}

// NewBadgerStore creates a new BadgerDB-backed store rooted at path.
func NewBadgerStore(path string, logger log.Logger) *BadgerStore {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithComponent("store")

	return &BadgerStore{
		path:   path,
		logger: logger,
		hub:    newWatchHub(logger),
	}
}

// Open opens the BadgerDB database.
func (s *BadgerStore) Open() error {
	opts := badger.DefaultOptions(s.path)
	opts.Logger = &badgerLogAdapter{logger: s.logger}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open badger db: %w", err)
	}
	s.db = db

	s.logger.Info("Corral store opened", log.Str("backend", "badger"), log.Str("path", s.path))
	return nil
}

// Close closes the BadgerDB database.
func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("Closing corral store", log.Str("path", s.path))
	s.hub.close()
	err := s.db.Close()
	s.db = nil
	return err
}

// Create creates a new resource.
func (s *BadgerStore) Create(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Create(resourceType, id, resource)
	})
}

// Get retrieves a resource.
func (s *BadgerStore) Get(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		return (&BadgerTransaction{txn: txn}).Get(resourceType, id, resource)
	})
}

// Update updates an existing resource.
func (s *BadgerStore) Update(ctx context.Context, resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Update(resourceType, id, resource, opts...)
	})
}

// Delete deletes a resource. History is kept.
func (s *BadgerStore) Delete(ctx context.Context, resourceType types.ResourceType, id string) error {
	return s.Transaction(ctx, func(tx Transaction) error {
		return tx.Delete(resourceType, id)
	})
}

// List retrieves all resources of a given type.
func (s *BadgerStore) List(ctx context.Context, resourceType types.ResourceType, resource interface{}) error {
	if s.db == nil {
		return ErrClosed
	}

	var records [][]byte
	prefix := MakePrefix(resourceType)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read resource: %w", err)
			}
			records = append(records, val)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Found resources", log.Any("resourceType", resourceType), log.Int("count", len(records)))
	return decodeList(records, resource)
}

// Transaction executes fn in a single read-write Badger transaction.
func (s *BadgerStore) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	if s.db == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	storeTx := &BadgerTransaction{txn: txn}
	if err := fn(storeTx); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("transaction aborted: %w", ErrConflict)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.hub.emit(storeTx.events...)
	return nil
}

// GetHistory retrieves historical versions of a resource, newest first.
func (s *BadgerStore) GetHistory(ctx context.Context, resourceType types.ResourceType, id string) ([]HistoricalVersion, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var versions []HistoricalVersion
	prefix := MakeVersionPrefix(resourceType, id)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				v, err := decodeVersionRecord(val)
				if err != nil {
					return err
				}
				versions = append(versions, v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return versions, err
}

// Watch sets up a watch for changes to resources of a given type.
func (s *BadgerStore) Watch(ctx context.Context, resourceType types.ResourceType) (<-chan WatchEvent, error) {
	return s.hub.subscribe(ctx, resourceType)
}

// BadgerTransaction implements the Transaction interface. Watch events are
// buffered and emitted only after a successful commit.
type BadgerTransaction struct {
	txn    *badger.Txn
	events []WatchEvent
}

func (t *BadgerTransaction) read(resourceType types.ResourceType, id string) ([]byte, error) {
	item, err := t.txn.Get(MakeKey(resourceType, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(resourceType, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return item.ValueCopy(nil)
}

func (t *BadgerTransaction) write(resourceType types.ResourceType, id string, data []byte) error {
	if err := t.txn.Set(MakeKey(resourceType, id), data); err != nil {
		return fmt.Errorf("failed to store resource: %w", err)
	}
	versionID, record, err := newVersionRecord(data, time.Now())
	if err != nil {
		return err
	}
	if err := t.txn.Set(MakeVersionKey(resourceType, id, versionID), record); err != nil {
		return fmt.Errorf("failed to store version: %w", err)
	}
	return nil
}

// Create creates a resource within the transaction.
func (t *BadgerTransaction) Create(resourceType types.ResourceType, id string, resource interface{}) error {
	if _, err := t.read(resourceType, id); err == nil {
		return alreadyExists(resourceType, id)
	} else if !IsNotFoundError(err) {
		return err
	}

	data, err := encodeCreate(resource)
	if err != nil {
		return err
	}
	if err := t.write(resourceType, id, data); err != nil {
		return err
	}
	t.events = append(t.events, WatchEvent{Type: WatchEventCreated, ResourceType: resourceType, ID: id, Resource: data})
	return nil
}

// Get retrieves a resource within the transaction.
func (t *BadgerTransaction) Get(resourceType types.ResourceType, id string, resource interface{}) error {
	data, err := t.read(resourceType, id)
	if err != nil {
		return err
	}
	return decodeInto(data, resource)
}

// Update updates a resource within the transaction.
func (t *BadgerTransaction) Update(resourceType types.ResourceType, id string, resource interface{}, opts ...UpdateOption) error {
	options := ParseUpdateOptions(opts...)
	current, err := t.read(resourceType, id)
	if err != nil {
		return err
	}
	data, err := encodeUpdate(resourceType, id, current, resource, options)
	if err != nil {
		return err
	}
	if err := t.write(resourceType, id, data); err != nil {
		return err
	}
	t.events = append(t.events, WatchEvent{Type: WatchEventUpdated, ResourceType: resourceType, ID: id, Resource: data, Source: options.Source})
	return nil
}

// Delete deletes a resource within the transaction.
func (t *BadgerTransaction) Delete(resourceType types.ResourceType, id string) error {
	if _, err := t.read(resourceType, id); err != nil {
		return err
	}
	if err := t.txn.Delete(MakeKey(resourceType, id)); err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	t.events = append(t.events, WatchEvent{Type: WatchEventDeleted, ResourceType: resourceType, ID: id})
	return nil
}

// badgerLogAdapter adapts our logger to BadgerDB's logger interface.
type badgerLogAdapter struct {
	logger log.Logger
}

// Errorf implements badger.Logger.
func (l *badgerLogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Error("BadgerDB: " + fmt.Sprintf(format, args...))
}

// Warningf implements badger.Logger.
func (l *badgerLogAdapter) Warningf(format string, args ...interface{}) {
	l.logger.Warn("BadgerDB: " + fmt.Sprintf(format, args...))
}

// Infof implements badger.Logger.
func (l *badgerLogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debug("BadgerDB: " + fmt.Sprintf(format, args...))
}

// Debugf implements badger.Logger.
func (l *badgerLogAdapter) Debugf(format string, args ...interface{}) {
	l.logger.Debug("BadgerDB: " + fmt.Sprintf(format, args...))
}
