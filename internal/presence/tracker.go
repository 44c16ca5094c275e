// Package presence tracks which peers are online. The server pushes the
// complete online set; the client never diffs, it replaces.
package presence

import (
	"sort"
	"sync"
)

type Tracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
	// version increments on every Replace so observers can skip redraws.
	version uint64
}

func NewTracker() *Tracker {
	return &Tracker{online: map[string]struct{}{}}
}

// Replace installs ids as the new online set.
func (t *Tracker) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	t.mu.Lock()
	t.online = next
	t.version++
	t.mu.Unlock()
}

func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Snapshot returns the online ids in sorted order.
func (t *Tracker) Snapshot() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (t *Tracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}
