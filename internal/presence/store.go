package presence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore counts websocket connections per user for a single API
// instance. It mirrors the Redis presence store.
type MemoryStore struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]map[string]struct{})}
}

// Connect reports whether clientID is the user's first connection.
func (s *MemoryStore) Connect(ctx context.Context, userID, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		s.conns[userID] = set
	}
	set[clientID] = struct{}{}
	return !ok, nil
}

// Disconnect reports whether the user has no connections left.
func (s *MemoryStore) Disconnect(ctx context.Context, userID, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[userID]
	if !ok {
		return false, nil
	}
	delete(set, clientID)
	if len(set) > 0 {
		return false, nil
	}
	delete(s.conns, userID)
	return true, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, userID string) error {
	return nil
}

func (s *MemoryStore) Online(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
