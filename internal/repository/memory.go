package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
	shelfmate_errors "shelfmate/pkg/errors"

	"github.com/google/uuid"
)

// MemoryStore keeps users, conversations and messages in process. It backs
// the API when no DATABASE_URL is configured and is used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]user.Profile
	conversations map[string]conversation.Conversation
	pairs         map[[2]string]string
	messages      map[string]message.Message
	byConv        map[string][]string
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]user.Profile),
		conversations: make(map[string]conversation.Conversation),
		pairs:         make(map[[2]string]string),
		messages:      make(map[string]message.Message),
		byConv:        make(map[string][]string),
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Store exposes m through the repository interfaces.
func (m *MemoryStore) Store() Store {
	return Store{
		Users:         memoryUsers{m},
		Conversations: memoryConversations{m},
		Messages:      memoryMessages{m},
	}
}

type memoryUsers struct{ m *MemoryStore }

func (r memoryUsers) EnsureUser(ctx context.Context, id, displayName string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.users[id]
	if !ok {
		r.m.users[id] = user.Profile{ID: id, DisplayName: displayName, UpdatedAt: r.m.now()}
		return nil
	}
	if displayName != "" && displayName != p.DisplayName {
		p.DisplayName = displayName
		p.UpdatedAt = r.m.now()
		r.m.users[id] = p
	}
	return nil
}

func (r memoryUsers) GetProfile(ctx context.Context, id string) (user.Profile, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.users[id]
	if !ok {
		return user.Profile{}, fmt.Errorf("user %s: %w", id, shelfmate_errors.ErrNotFound)
	}
	if p.PublicKeyJwk != nil {
		jwk := *p.PublicKeyJwk
		p.PublicKeyJwk = &jwk
	}
	return p, nil
}

func (r memoryUsers) SetPublicKey(ctx context.Context, id string, jwk e2ee.JWK) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, shelfmate_errors.ErrNotFound)
	}
	p.PublicKeyJwk = &jwk
	p.UpdatedAt = r.m.now()
	r.m.users[id] = p
	return nil
}

type memoryConversations struct{ m *MemoryStore }

func copyConversation(c conversation.Conversation) conversation.Conversation {
	c.Participants = append([]string(nil), c.Participants...)
	c.Messages = nil
	return c
}

func (r memoryConversations) GetOrCreateDirect(ctx context.Context, userA, userB string) (conversation.Conversation, error) {
	low, high := orderPair(userA, userB)
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if id, ok := r.m.pairs[[2]string{low, high}]; ok {
		return copyConversation(r.m.conversations[id]), nil
	}
	c := conversation.Conversation{
		ID:           uuid.NewString(),
		Participants: []string{low, high},
		UpdatedAt:    r.m.now(),
	}
	r.m.conversations[c.ID] = c
	r.m.pairs[[2]string{low, high}] = c.ID
	return copyConversation(c), nil
}

func (r memoryConversations) GetDirect(ctx context.Context, userA, userB string) (conversation.Conversation, error) {
	low, high := orderPair(userA, userB)
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	id, ok := r.m.pairs[[2]string{low, high}]
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("conversation: %w", shelfmate_errors.ErrNotFound)
	}
	return copyConversation(r.m.conversations[id]), nil
}

func (r memoryConversations) GetByID(ctx context.Context, id string) (conversation.Conversation, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.conversations[id]
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("conversation %s: %w", id, shelfmate_errors.ErrNotFound)
	}
	return copyConversation(c), nil
}

func (r memoryConversations) ListForUser(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []conversation.Conversation
	for _, c := range r.m.conversations {
		if c.HasParticipant(userID) {
			out = append(out, copyConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r memoryConversations) Touch(ctx context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.conversations[id]
	if !ok {
		return nil
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
		r.m.conversations[id] = c
	}
	return nil
}

type memoryMessages struct{ m *MemoryStore }

func (r memoryMessages) Create(ctx context.Context, msg *message.Message) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := r.m.messages[msg.ID]; ok {
		return fmt.Errorf("message %s: %w", msg.ID, shelfmate_errors.ErrAlreadyExists)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.m.now()
	}
	if msg.Status == "" {
		msg.Status = message.StatusSent
	}
	r.m.messages[msg.ID] = *msg
	r.m.byConv[msg.ConversationID] = append(r.m.byConv[msg.ConversationID], msg.ID)
	return nil
}

func (r memoryMessages) GetByID(ctx context.Context, id string) (message.Message, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	msg, ok := r.m.messages[id]
	if !ok {
		return message.Message{}, fmt.Errorf("message %s: %w", id, shelfmate_errors.ErrNotFound)
	}
	return msg, nil
}

func (r memoryMessages) Recent(ctx context.Context, conversationID string, limit int) ([]message.Message, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	ids := r.m.byConv[conversationID]
	out := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.m.messages[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memoryMessages) UnreadCount(ctx context.Context, conversationID, recipientID string) (int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	n := 0
	for _, id := range r.m.byConv[conversationID] {
		msg := r.m.messages[id]
		if msg.RecipientID == recipientID && msg.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (r memoryMessages) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (message.Message, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	msg, ok := r.m.messages[messageID]
	if !ok {
		return message.Message{}, false, fmt.Errorf("message %s: %w", messageID, shelfmate_errors.ErrNotFound)
	}
	if msg.RecipientID != recipientID {
		return message.Message{}, false, fmt.Errorf("message %s: %w", messageID, shelfmate_errors.ErrForbidden)
	}
	if msg.Status != message.StatusSent {
		return msg, false, nil
	}
	msg.Status = message.StatusDelivered
	msg.DeliveredAt = &at
	r.m.messages[messageID] = msg
	return msg, true, nil
}

func (r memoryMessages) MarkRead(ctx context.Context, conversationID, recipientID string, at time.Time) ([]message.Message, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []message.Message
	for _, id := range r.m.byConv[conversationID] {
		msg := r.m.messages[id]
		if msg.RecipientID != recipientID || msg.ReadAt != nil {
			continue
		}
		readAt := at
		msg.Status = message.StatusRead
		msg.ReadAt = &readAt
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &readAt
		}
		r.m.messages[id] = msg
		out = append(out, msg)
	}
	return out, nil
}

func (r memoryMessages) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ids := r.m.byConv[conversationID]
	for _, id := range ids {
		delete(r.m.messages, id)
	}
	delete(r.m.byConv, conversationID)
	return len(ids), nil
}
