package events

import (
	"context"
	"sync"
)

// LocalBus delivers in-process. Used when no Redis is configured and in tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Start(ctx context.Context) error { return nil }

func (b *LocalBus) Stop() error { return nil }

func (b *LocalBus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *LocalBus) Publish(ctx context.Context, env Envelope, userIDs ...string) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		for _, h := range handlers {
			h(id, env)
		}
	}
	return nil
}
