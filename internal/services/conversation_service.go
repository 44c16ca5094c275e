package services

import (
	"context"
	"errors"
	"time"

	"shelfmate/internal/domain/conversation"
	"shelfmate/internal/domain/message"
	"shelfmate/internal/proxy"
	"shelfmate/internal/repository"
	shelfmate_errors "shelfmate/pkg/errors"

	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages embedded per conversation.
const DefaultPageSize = 20

type ConversationService struct {
	conversationRepo repository.ConversationRepository
	messageRepo      repository.MessageRepository
	access           *proxy.AccessControl
	publisher        *EventPublisher
	pageSize         int
	logger           *zap.Logger
	now              func() time.Time
}

func NewConversationService(store repository.Store, access *proxy.AccessControl, publisher *EventPublisher, logger *zap.Logger) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{
		conversationRepo: store.Conversations,
		messageRepo:      store.Messages,
		access:           access,
		publisher:        publisher,
		pageSize:         DefaultPageSize,
		logger:           logger.With(zap.String("component", "conversation_service")),
		now:              storeNow,
	}
}

// hydrate fills the latest page of messages and the unread count of userID.
func (s *ConversationService) hydrate(ctx context.Context, userID string, conv *conversation.Conversation) error {
	msgs, err := s.messageRepo.Recent(ctx, conv.ID, s.pageSize)
	if err != nil {
		return err
	}
	unread, err := s.messageRepo.UnreadCount(ctx, conv.ID, userID)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	conv.Messages = msgs
	conv.UnreadCount = unread
	return nil
}

// List returns the user's conversations, most recently active first. A
// positive limit caps the number of conversations.
func (s *ConversationService) List(ctx context.Context, userID string, limit int) ([]conversation.Conversation, error) {
	convs, err := s.conversationRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	out := make([]conversation.Conversation, 0, len(convs))
	for _, c := range convs {
		if err := s.hydrate(ctx, userID, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// With returns the direct conversation with peerID, or nil when none exists.
func (s *ConversationService) With(ctx context.Context, userID, peerID string) (*conversation.Conversation, error) {
	if err := s.access.CanMessage(userID, peerID); err != nil {
		return nil, err
	}
	conv, err := s.conversationRepo.GetDirect(ctx, userID, peerID)
	if errors.Is(err, shelfmate_errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, userID, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Clear deletes every message of the conversation for both participants.
func (s *ConversationService) Clear(ctx context.Context, userID, conversationID string) (int, error) {
	conv, err := s.access.CanViewConversation(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	removed, err := s.messageRepo.DeleteConversation(ctx, conv.ID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("conversation cleared",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
		zap.Int("removed", removed),
	)
	s.publisher.ConversationCleared(ctx, conv)
	return removed, nil
}

// MarkRead marks every message addressed to userID as read and notifies the
// sender.
func (s *ConversationService) MarkRead(ctx context.Context, userID, conversationID string) ([]message.ReadReceipt, error) {
	conv, err := s.access.CanViewConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	read, err := s.messageRepo.MarkRead(ctx, conv.ID, userID, s.now())
	if err != nil {
		return nil, err
	}
	receipts := make([]message.ReadReceipt, 0, len(read))
	for _, m := range read {
		receipts = append(receipts, message.ReadReceipt{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			ReadAt:         *m.ReadAt,
		})
	}
	s.publisher.MessagesRead(ctx, conv.PeerOf(userID), receipts)
	return receipts, nil
}
