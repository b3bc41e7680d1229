package store

import (
	"context"
	"sync"

	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
)

// watchHub fans out committed changes to per-type watchers. Sends never block
// the writer; a slow watcher loses events and a warning is logged.
type watchHub struct {
	mu       sync.RWMutex
	watchers map[types.ResourceType][]chan WatchEvent
	closed   bool
	logger   log.Logger
}

func newWatchHub(logger log.Logger) *watchHub {
	return &watchHub{
		watchers: make(map[types.ResourceType][]chan WatchEvent),
		logger:   logger,
	}
}

func (h *watchHub) subscribe(ctx context.Context, resourceType types.ResourceType) (<-chan WatchEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	ch := make(chan WatchEvent, 64)
	h.watchers[resourceType] = append(h.watchers[resourceType], ch)

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		conns := h.watchers[resourceType]
		for i, c := range conns {
			if c == ch {
				h.watchers[resourceType] = append(conns[:i], conns[i+1:]...)
				close(ch)
				break
			}
		}
		if len(h.watchers[resourceType]) == 0 {
			delete(h.watchers, resourceType)
		}
	}()
	return ch, nil
}

func (h *watchHub) emit(events ...WatchEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, event := range events {
		for _, ch := range h.watchers[event.ResourceType] {
			select {
			case ch <- event:
			default:
				h.logger.Warn("Watch client channel is full, dropping event",
					log.Any("type", event.Type),
					log.Any("resourceType", event.ResourceType),
					log.Str("id", event.ID))
			}
		}
	}
}

func (h *watchHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, conns := range h.watchers {
		for _, ch := range conns {
			close(ch)
		}
	}
	h.watchers = map[types.ResourceType][]chan WatchEvent{}
}
