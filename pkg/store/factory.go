package store

import (
	"fmt"

	"github.com/rzbill/corral/pkg/log"
)

// Backend names accepted by New.
const (
	BackendBadger = "badger"
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Path is the Badger data directory.
	Path string
	Etcd EtcdOptions
}

// New builds and opens the configured backend.
func New(opts Options, logger log.Logger) (Store, error) {
	var s Store
	switch opts.Backend {
	case BackendBadger, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("badger store requires a path")
		}
		s = NewBadgerStore(opts.Path, logger)
	case BackendEtcd:
		if len(opts.Etcd.Endpoints) == 0 {
			return nil, fmt.Errorf("etcd store requires at least one endpoint")
		}
		s = NewEtcdStore(opts.Etcd, logger)
	case BackendMemory:
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}

	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}
