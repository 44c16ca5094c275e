// Package convlist caches the user's conversation list: last message and
// unread count per conversation.
package convlist

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Lister fetches the authoritative list.
type Lister interface {
	ListConversations(ctx context.Context) ([]conversation.Conversation, error)
}

// Summary is one row of the list.
type Summary struct {
	ConversationID string
	PeerID         string
	LastMessage    *message.Message
	UnreadCount    int
	UpdatedAt      time.Time
}

type Cache struct {
	self    string
	lister  Lister
	logger  *zap.Logger
	timeout time.Duration
	group   singleflight.Group

	// requested counts Refresh calls; covered is the newest request a
	// completed fetch started after.
	requested atomic.Uint64

	mu        sync.RWMutex
	items     map[string]*Summary
	refreshed time.Time
	covered   uint64
	seen      map[string]struct{}
	seenOrder []string

	changes chan struct{}
}

func New(self string, lister Lister, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		self:    self,
		lister:  lister,
		logger:  logger.With(zap.String("component", "convlist")),
		timeout: 15 * time.Second,
		items:   map[string]*Summary{},
		seen:    map[string]struct{}{},
		changes: make(chan struct{}, 1),
	}
}

// Changes fires (coalesced) whenever the list changes.
func (c *Cache) Changes() <-chan struct{} {
	return c.changes
}

// maxSeen bounds the message ids remembered by BumpUnread.
const maxSeen = 512

// Refresh reloads the list. Concurrent callers share one request; a caller
// that joined a request started before its own call waits for one more.
func (c *Cache) Refresh(ctx context.Context) error {
	want := c.requested.Add(1)
	for {
		_, err, _ := c.group.Do("list", func() (any, error) {
			if c.coveredAt() >= want {
				return nil, nil
			}
			gen := c.requested.Load()
			convs, err := c.lister.ListConversations(ctx)
			if err != nil {
				return nil, err
			}
			c.replace(convs, gen)
			return nil, nil
		})
		if err != nil {
			c.logger.Warn("conversation list refresh failed", zap.Error(err))
			return err
		}
		if c.coveredAt() >= want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *Cache) coveredAt() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.covered
}

// RefreshAsync refreshes in the background; errors are only logged.
func (c *Cache) RefreshAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		_ = c.Refresh(ctx)
	}()
}

func (c *Cache) replace(convs []conversation.Conversation, gen uint64) {
	items := make(map[string]*Summary, len(convs))
	for _, conv := range convs {
		s := &Summary{
			ConversationID: conv.ID,
			PeerID:         conv.PeerOf(c.self),
			UnreadCount:    conv.UnreadCount,
			UpdatedAt:      conv.UpdatedAt,
		}
		if last, ok := conv.LastMessage(); ok {
			s.LastMessage = &last
			if last.CreatedAt.After(s.UpdatedAt) {
				s.UpdatedAt = last.CreatedAt
			}
		}
		items[conv.ID] = s
	}
	c.mu.Lock()
	c.items = items
	c.refreshed = time.Now()
	if gen > c.covered {
		c.covered = gen
	}
	c.mu.Unlock()
	c.notify()
}

// List returns the conversations, most recently active first.
func (c *Cache) List() []Summary {
	c.mu.RLock()
	out := make([]Summary, 0, len(c.items))
	for _, s := range c.items {
		out = append(out, *s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// ByPeer finds the conversation with peerID.
func (c *Cache) ByPeer(peerID string) (Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.items {
		if s.PeerID == peerID {
			return *s, true
		}
	}
	return Summary{}, false
}

// BumpUnread records an incoming message locally until the next refresh.
// A message id already counted, or already the last message, is ignored.
// It reports whether the conversation was known.
func (c *Cache) BumpUnread(conversationID string, m *message.Message) bool {
	c.mu.Lock()
	s, ok := c.items[conversationID]
	changed := ok
	if ok && m != nil {
		if c.counted(m.ID) || (s.LastMessage != nil && s.LastMessage.ID == m.ID) {
			changed = false
		} else {
			c.remember(m.ID)
			cp := *m
			s.LastMessage = &cp
			if cp.CreatedAt.After(s.UpdatedAt) {
				s.UpdatedAt = cp.CreatedAt
			}
		}
	}
	if changed {
		s.UnreadCount++
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return ok
}

func (c *Cache) counted(id string) bool {
	_, ok := c.seen[id]
	return ok
}

func (c *Cache) remember(id string) {
	if len(c.seenOrder) >= maxSeen {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
}

func (c *Cache) ClearUnread(conversationID string) {
	c.mu.Lock()
	s, ok := c.items[conversationID]
	changed := ok && s.UnreadCount != 0
	if changed {
		s.UnreadCount = 0
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Cleared drops the last message of a cleared conversation.
func (c *Cache) Cleared(conversationID string) {
	c.mu.Lock()
	s, ok := c.items[conversationID]
	if ok {
		s.LastMessage = nil
		s.UnreadCount = 0
	}
	c.mu.Unlock()
	if ok {
		c.notify()
	}
}

// UnreadTotal is the badge count across all conversations.
func (c *Cache) UnreadTotal() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, s := range c.items {
		total += s.UnreadCount
	}
	return total
}

// RefreshedAt is the time of the last successful refresh.
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

func (c *Cache) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
