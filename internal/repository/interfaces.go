package repository

import (
	"context"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/domain/user"
	"shelfmate/internal/e2ee"
)

type UserRepository interface {
	// EnsureUser creates the user on first sight and keeps the display name
	// current when one is given.
	EnsureUser(ctx context.Context, id, displayName string) error
	GetProfile(ctx context.Context, id string) (user.Profile, error)
	SetPublicKey(ctx context.Context, id string, jwk e2ee.JWK) error
}

type ConversationRepository interface {
	GetOrCreateDirect(ctx context.Context, userA, userB string) (conversation.Conversation, error)
	GetDirect(ctx context.Context, userA, userB string) (conversation.Conversation, error)
	GetByID(ctx context.Context, id string) (conversation.Conversation, error)
	// ListForUser returns conversations without messages, most recently
	// updated first.
	ListForUser(ctx context.Context, userID string) ([]conversation.Conversation, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *message.Message) error
	GetByID(ctx context.Context, id string) (message.Message, error)
	// Recent returns up to limit messages, most recent first.
	Recent(ctx context.Context, conversationID string, limit int) ([]message.Message, error)
	UnreadCount(ctx context.Context, conversationID, recipientID string) (int, error)
	// MarkDelivered reports whether the status moved.
	MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (message.Message, bool, error)
	// MarkRead marks every unread message to recipientID and returns them.
	MarkRead(ctx context.Context, conversationID, recipientID string, at time.Time) ([]message.Message, error)
	DeleteConversation(ctx context.Context, conversationID string) (int, error)
}

// Store bundles the repositories one backend provides.
type Store struct {
	Users         UserRepository
	Conversations ConversationRepository
	Messages      MessageRepository
}
